package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"databounty-backend/core/ledger"
	"databounty-backend/metrics"
	storage "databounty-backend/storage/ledger"
)

// Inbound message kinds.
const (
	KindFundTask  = "fund_task"
	KindPayoutAck = "payout_ack"
)

// Envelope is one message arriving from a foreign chain: value accounting
// (token plus amount) and an application payload. Unknown kinds are rejected
// so a misrouted envelope can never move funds.
type Envelope struct {
	Kind        string          `json:"kind"`
	SourceChain string          `json:"source_chain"`
	Sender      string          `json:"sender"`
	Token       string          `json:"token"`
	Amount      int64           `json:"amount"`
	Payload     json.RawMessage `json:"payload"`
}

// FundTaskPayload opens a task with funds escrowed on the source chain.
type FundTaskPayload struct {
	Creator string          `json:"creator"`
	Spec    ledger.TaskSpec `json:"spec"`
}

// PayoutAckPayload acknowledges delivery of an outbound payout.
type PayoutAckPayload struct {
	SettlementID string `json:"settlement_id"`
}

// InboundProcessor applies cross-chain envelopes to the ledger.
type InboundProcessor struct {
	store  storage.Store
	outbox *Outbox
}

// NewInboundProcessor builds a processor over the store and outbox.
func NewInboundProcessor(store storage.Store, outbox *Outbox) *InboundProcessor {
	return &InboundProcessor{store: store, outbox: outbox}
}

// Process applies one envelope and returns the created entity, if any.
// Funding arrives provisional: the task exists immediately, but its funding
// status stays provisional until a confirmation provider upgrades it.
func (p *InboundProcessor) Process(ctx context.Context, env Envelope) (interface{}, error) {
	switch env.Kind {
	case KindFundTask:
		var payload FundTaskPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode fund_task payload: %w", err)
		}
		if env.SourceChain == "" {
			return nil, fmt.Errorf("fund_task requires source_chain")
		}
		creator := payload.Creator
		if creator == "" {
			creator = env.Sender
		}
		task, err := p.store.CreateTask(ctx, storage.CreateTaskParams{
			Creator:       creator,
			Spec:          payload.Spec,
			SourceChainID: env.SourceChain,
			PaymentToken:  env.Token,
			Amount:        env.Amount,
		})
		if err != nil {
			return nil, err
		}
		metrics.InboundMessages.WithLabelValues(KindFundTask).Inc()
		return task, nil

	case KindPayoutAck:
		var payload PayoutAckPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payout_ack payload: %w", err)
		}
		if payload.SettlementID == "" {
			return nil, fmt.Errorf("payout_ack requires settlement_id")
		}
		if !p.outbox.MarkAcked(ctx, payload.SettlementID) {
			return nil, fmt.Errorf("unknown settlement %q", payload.SettlementID)
		}
		metrics.InboundMessages.WithLabelValues(KindPayoutAck).Inc()
		return map[string]interface{}{
			"settlement_id": payload.SettlementID,
			"acked_at":      time.Now(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown inbound kind %q", env.Kind)
	}
}
