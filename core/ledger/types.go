package ledger

import (
	"fmt"
	"time"
)

// NativeToken is the payment token sentinel for the chain's native asset.
const NativeToken = ""

// Supported data types for task specs.
var DataTypes = []string{"text", "audio", "image", "video"}

// ValidDataType reports whether dt is one of the supported data types.
func ValidDataType(dt string) bool {
	for _, d := range DataTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// TaskSpec is the immutable description of what data a task wants and how it pays.
type TaskSpec struct {
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Language            string    `json:"language"`
	DataType            string    `json:"data_type"`
	Criteria            string    `json:"criteria"`
	RewardPerSubmission int64     `json:"reward_per_submission"`
	TotalReward         int64     `json:"total_reward"`
	Deadline            time.Time `json:"deadline"`
	MaxSubmissions      int       `json:"max_submissions"`
	RequiresValidation  bool      `json:"requires_validation"`
}

// Funding confirmation states for tasks funded from a foreign chain.
const (
	FundingSettled     = "settled"     // funded synchronously on the local chain
	FundingProvisional = "provisional" // claimed via cross-chain transport, not yet confirmed
	FundingConfirmed   = "confirmed"   // cross-chain funding confirmed by a provider
)

// Task is one funded unit of data-collection work.
// RemainingReward only ever decreases, by exactly the amount paid out per
// settlement, and never below zero. SubmissionCount is bounded by
// Spec.MaxSubmissions. Tasks are never deleted.
type Task struct {
	ID              string    `json:"task_id"`
	Creator         string    `json:"creator"`
	Spec            TaskSpec  `json:"spec"`
	SourceChainID   string    `json:"source_chain_id"`
	PaymentToken    string    `json:"payment_token"`
	TotalFunded     int64     `json:"total_funded"`
	RemainingReward int64     `json:"remaining_reward"`
	SubmissionCount int       `json:"submission_count"`
	Active          bool      `json:"active"`
	FundingStatus   string    `json:"funding_status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Submission is one contributor artifact reference against a task.
// Verified and Rewarded each transition false->true at most once.
type Submission struct {
	ID                   string    `json:"submission_id"`
	TaskID               string    `json:"task_id"`
	Contributor          string    `json:"contributor"`
	StorageURL           string    `json:"storage_url"`
	Metadata             string    `json:"metadata"`
	PreferredRewardChain string    `json:"preferred_reward_chain"`
	Verified             bool      `json:"verified"`
	QualityScore         int       `json:"quality_score"`
	Rewarded             bool      `json:"rewarded"`
	CreatedAt            time.Time `json:"created_at"`
}

// Settlement is a committed reward debit awaiting (or having completed) payout.
// The ledger debit is recorded before any value movement is attempted, so a
// Settlement is the idempotency unit the payout path keys on.
type Settlement struct {
	ID           string    `json:"settlement_id"`
	TaskID       string    `json:"task_id"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Recipient    string    `json:"recipient"`
	Amount       int64     `json:"amount"`
	Token        string    `json:"token"`
	TargetChain  string    `json:"target_chain"`
	CreatedAt    time.Time `json:"created_at"`
}

// RewardCalculation is the derived reconciliation view for one task.
type RewardCalculation struct {
	TotalFunded       int64 `json:"total_funded"`
	RemainingReward   int64 `json:"remaining_reward"`
	DistributedReward int64 `json:"distributed_reward"`
	MaxPossibleReward int64 `json:"max_possible_reward"`
}

// Event types emitted by the ledger, one per state transition.
const (
	EventTaskCreated       = "task_created"
	EventTaskActiveToggled = "task_active_toggled"
	EventFundingConfirmed  = "funding_confirmed"
	EventSubmissionCreated = "submission_created"
	EventVerificationDone  = "verification_recorded"
	EventRewardSettled     = "reward_settled"
	EventPayoutDispatched  = "payout_dispatched"
	EventPayoutAcked       = "payout_acked"
	EventPayoutFailed      = "payout_failed"
	EventNonceAdvanced     = "nonce_advanced"
)

// Event is the externally observable audit record for one ledger transition.
// Off-chain indexers reconstruct the ledger from the event stream alone, so
// every field relevant to the transition is carried inline.
type Event struct {
	Seq          int64     `json:"seq"`
	Type         string    `json:"type"`
	TaskID       string    `json:"task_id,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	SettlementID string    `json:"settlement_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	Token        string    `json:"token,omitempty"`
	ChainID      string    `json:"chain_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventFilter selects events for listing.
type EventFilter struct {
	Type     string
	TaskID   string
	AfterSeq int64
	Limit    int
}

// TaskFilter selects tasks for listing.
type TaskFilter struct {
	Creator string
	Active  *bool
	ChainID string
	Limit   int
	Offset  int
}

// TaskID formats the deterministic task id for a sequence number.
func TaskID(seq int64) string {
	return fmt.Sprintf("task_%d", seq)
}

// SubmissionID formats the deterministic submission id for a task and its
// running submission count.
func SubmissionID(taskID string, n int) string {
	return fmt.Sprintf("sub_%s_%d", taskID, n)
}

// SettlementID formats the deterministic settlement id for a submission payout.
func SettlementID(submissionID string) string {
	return fmt.Sprintf("stl_%s", submissionID)
}

// BatchSettlementID formats the settlement id for one recipient of a batch or
// claim debit; seq is the task-scoped settlement sequence.
func BatchSettlementID(taskID string, seq int64) string {
	return fmt.Sprintf("stl_%s_%d", taskID, seq)
}

// ValidateSpec checks the creation-time invariants for a task spec against the
// funded amount. It rejects before any funds move.
func ValidateSpec(spec TaskSpec, amount int64, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if !spec.Deadline.After(now) {
		return fmt.Errorf("deadline must be in the future")
	}
	if spec.MaxSubmissions <= 0 {
		return fmt.Errorf("max_submissions must be positive")
	}
	if spec.RewardPerSubmission <= 0 {
		return fmt.Errorf("reward_per_submission must be positive")
	}
	if !ValidDataType(spec.DataType) {
		return fmt.Errorf("unsupported data type %q", spec.DataType)
	}
	if spec.RewardPerSubmission*int64(spec.MaxSubmissions) > amount {
		return fmt.Errorf("reward_per_submission * max_submissions exceeds funded amount")
	}
	return nil
}
