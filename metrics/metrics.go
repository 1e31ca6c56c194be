package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databounty_tasks_created_total",
		Help: "Tasks created on the ledger.",
	})

	SubmissionsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databounty_submissions_received_total",
		Help: "Submissions accepted by the ledger.",
	})

	VerificationsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databounty_verifications_recorded_total",
		Help: "Verification outcomes recorded, by result.",
	}, []string{"result"})

	SettlementsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databounty_settlements_committed_total",
		Help: "Reward debits committed, by payout route.",
	}, []string{"route"})

	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databounty_payout_failures_total",
		Help: "Payout attempts that failed after the debit committed.",
	})

	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databounty_outbox_retries_total",
		Help: "Cross-chain payout dispatch retries.",
	})

	OutboxDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databounty_outbox_dead_letters_total",
		Help: "Cross-chain payouts abandoned after exhausting retries.",
	})

	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databounty_inbound_messages_total",
		Help: "Cross-chain inbound messages processed, by kind.",
	}, []string{"kind"})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "databounty_auth_failures_total",
		Help: "Signature or challenge verifications that failed.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
