package services

import (
	"context"
	"log"

	"databounty-backend/bridge"
	"databounty-backend/chainsig"
	"databounty-backend/core/ledger"
	"databounty-backend/metrics"
	storage "databounty-backend/storage/ledger"
)

// Treasury moves value on the local chain for same-chain payouts.
type Treasury interface {
	Transfer(ctx context.Context, recipient string, amount int64, token string) error
}

// LogTreasury records local transfers without moving real value. It stands in
// for a chain wallet in development and tests.
type LogTreasury struct{}

// Transfer implements Treasury.
func (LogTreasury) Transfer(ctx context.Context, recipient string, amount int64, token string) error {
	log.Printf("treasury: transfer %d token=%q to %s", amount, token, recipient)
	return nil
}

// SettlementService executes the authority-gated ledger operations: it checks
// the attestation, applies the atomic store transition, and routes any
// resulting payout. The debit is committed by the store before routing starts,
// so a payout failure can never un-spend the ledger; it is surfaced as a
// payout_failed event instead.
type SettlementService struct {
	store      storage.Store
	verifier   *chainsig.Verifier
	outbox     *bridge.Outbox
	treasury   Treasury
	localChain string
}

// NewSettlementService wires the settlement engine.
func NewSettlementService(store storage.Store, verifier *chainsig.Verifier, outbox *bridge.Outbox, treasury Treasury, localChain string) *SettlementService {
	return &SettlementService{
		store:      store,
		verifier:   verifier,
		outbox:     outbox,
		treasury:   treasury,
		localChain: localChain,
	}
}

// SubmissionRequest carries one attested contribution.
type SubmissionRequest struct {
	Contributor          string `json:"contributor"`
	TaskID               string `json:"task_id"`
	StorageURL           string `json:"storage_url"`
	Metadata             string `json:"metadata"`
	PreferredRewardChain string `json:"preferred_reward_chain"`
	Timestamp            int64  `json:"timestamp"`
	Signature            string `json:"signature"`
}

// RecordSubmission verifies the authority attestation and records the
// submission.
func (s *SettlementService) RecordSubmission(ctx context.Context, req SubmissionRequest) (ledger.Submission, error) {
	payload := chainsig.SubmissionPayload(req.Contributor, req.TaskID, req.StorageURL, req.Metadata, req.PreferredRewardChain, req.Timestamp)
	if err := s.verifier.VerifyAuthority(payload, req.Signature); err != nil {
		metrics.AuthFailures.Inc()
		return ledger.Submission{}, err
	}
	sub, err := s.store.AddSubmission(ctx, req.TaskID, req.Contributor, req.StorageURL, req.Metadata, req.PreferredRewardChain)
	if err != nil {
		return ledger.Submission{}, err
	}
	metrics.SubmissionsReceived.Inc()
	return sub, nil
}

// VerificationRequest carries one attested verification outcome.
type VerificationRequest struct {
	SubmissionID string `json:"submission_id"`
	QualityScore int    `json:"quality_score"`
	Approved     bool   `json:"approved"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

// RecordVerification applies an attested verification. An approved outcome
// settles the per-submission reward and routes its payout.
func (s *SettlementService) RecordVerification(ctx context.Context, req VerificationRequest) (ledger.Submission, *ledger.Settlement, error) {
	payload := chainsig.VerificationPayload(req.SubmissionID, req.QualityScore, req.Approved, req.Timestamp)
	if err := s.verifier.VerifyAuthority(payload, req.Signature); err != nil {
		metrics.AuthFailures.Inc()
		return ledger.Submission{}, nil, err
	}
	sub, stl, err := s.store.ApplyVerification(ctx, req.SubmissionID, req.QualityScore, req.Approved)
	if err != nil {
		return ledger.Submission{}, nil, err
	}
	result := "rejected"
	if req.Approved {
		result = "approved"
	}
	metrics.VerificationsRecorded.WithLabelValues(result).Inc()
	if stl != nil {
		s.routePayout(ctx, *stl)
	}
	return sub, stl, nil
}

// BatchRequest carries one attested multi-recipient distribution.
type BatchRequest struct {
	TaskID       string   `json:"task_id"`
	Recipients   []string `json:"recipients"`
	Amounts      []int64  `json:"amounts"`
	TargetChains []string `json:"target_chains"`
	Timestamp    int64    `json:"timestamp"`
	Signature    string   `json:"signature"`
}

// DistributeBatch settles an attested batch. The store debits the full sum
// atomically; an oversized batch is rejected whole.
func (s *SettlementService) DistributeBatch(ctx context.Context, req BatchRequest) ([]ledger.Settlement, error) {
	payload := chainsig.BatchPayload(req.TaskID, req.Recipients, req.Amounts, req.TargetChains, req.Timestamp)
	if err := s.verifier.VerifyAuthority(payload, req.Signature); err != nil {
		metrics.AuthFailures.Inc()
		return nil, err
	}
	settlements, err := s.store.DebitBatch(ctx, req.TaskID, req.Recipients, req.Amounts, req.TargetChains)
	if err != nil {
		return nil, err
	}
	for _, stl := range settlements {
		s.routePayout(ctx, stl)
	}
	return settlements, nil
}

// ClaimRequest carries one attested single-recipient claim.
type ClaimRequest struct {
	Caller        string `json:"caller"`
	TaskID        string `json:"task_id"`
	Amount        int64  `json:"amount"`
	TargetChainID string `json:"target_chain_id"`
	TargetAddress string `json:"target_address"`
	Timestamp     int64  `json:"timestamp"`
	Signature     string `json:"signature"`
}

// Claim settles an attested claim against a task's remaining reward.
func (s *SettlementService) Claim(ctx context.Context, req ClaimRequest) (ledger.Settlement, error) {
	payload := chainsig.ClaimPayload(req.Caller, req.TaskID, req.Amount, req.TargetChainID, req.TargetAddress, req.Timestamp)
	if err := s.verifier.VerifyAuthority(payload, req.Signature); err != nil {
		metrics.AuthFailures.Inc()
		return ledger.Settlement{}, err
	}
	stl, err := s.store.DebitClaim(ctx, req.Caller, req.TaskID, req.Amount, req.TargetChainID, req.TargetAddress)
	if err != nil {
		return ledger.Settlement{}, err
	}
	s.routePayout(ctx, stl)
	return stl, nil
}

// SetActiveRequest toggles a task's active flag under the caller's own
// signature rather than the authority's.
type SetActiveRequest struct {
	TaskID    string `json:"task_id"`
	Caller    string `json:"caller"`
	Active    bool   `json:"active"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SetTaskActive verifies the caller's signature and flips the flag.
func (s *SettlementService) SetTaskActive(ctx context.Context, req SetActiveRequest) (ledger.Task, error) {
	payload := chainsig.SetActivePayload(req.Caller, req.TaskID, req.Active, req.Timestamp)
	if err := s.verifier.VerifyUserPayload(req.Caller, payload, req.Signature); err != nil {
		metrics.AuthFailures.Inc()
		return ledger.Task{}, err
	}
	return s.store.SetTaskActive(ctx, req.TaskID, req.Caller, req.Active)
}

// routePayout moves the already-debited value: same-chain through the
// treasury, cross-chain through the outbox. Local failures are recorded as
// payout_failed events; the debit stands either way.
func (s *SettlementService) routePayout(ctx context.Context, stl ledger.Settlement) {
	if stl.TargetChain == "" || stl.TargetChain == s.localChain {
		metrics.SettlementsCommitted.WithLabelValues("local").Inc()
		if err := s.treasury.Transfer(ctx, stl.Recipient, stl.Amount, stl.Token); err != nil {
			metrics.PayoutFailures.Inc()
			log.Printf("local payout %s failed: %v", stl.ID, err)
			if _, evErr := s.store.AppendEvent(ctx, ledger.Event{
				Type:         ledger.EventPayoutFailed,
				TaskID:       stl.TaskID,
				SubmissionID: stl.SubmissionID,
				SettlementID: stl.ID,
				Actor:        stl.Recipient,
				Amount:       stl.Amount,
				Token:        stl.Token,
				ChainID:      s.localChain,
				Message:      err.Error(),
			}); evErr != nil {
				log.Printf("failed to record payout failure for %s: %v", stl.ID, evErr)
			}
		}
		return
	}
	metrics.SettlementsCommitted.WithLabelValues("cross_chain").Inc()
	s.outbox.Enqueue(stl)
}
