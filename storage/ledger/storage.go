package ledger

import (
	"context"

	"databounty-backend/core/ledger"
)

var (
	ErrTaskNotFound       = Err("task does not exist")
	ErrSubmissionNotFound = Err("submission does not exist")
	ErrTaskInactive       = Err("task is not active")
	ErrDeadlinePassed     = Err("task deadline has passed")
	ErrSubmissionLimit    = Err("task submission limit reached")
	ErrAlreadyVerified    = Err("submission already verified")
	ErrAlreadyRewarded    = Err("submission already rewarded")
	ErrInsufficientReward = Err("insufficient remaining reward")
	ErrUnauthorized       = Err("caller not authorized")
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// CreateTaskParams carries everything needed to open a task. Funding for
// local-chain tasks is settled by the caller before the record is created;
// the store only enforces the creation invariants and bookkeeping.
type CreateTaskParams struct {
	Creator       string
	Spec          ledger.TaskSpec
	SourceChainID string
	PaymentToken  string
	Amount        int64
}

// Store abstracts ledger persistence. Every mutating method is atomic: all
// preconditions are re-checked inside the same operation that writes, so two
// concurrent calls can never both pass a stale sufficiency check. Mutations
// append their audit event in the same atomic scope.
type Store interface {
	CreateTask(ctx context.Context, params CreateTaskParams) (ledger.Task, error)
	SetTaskActive(ctx context.Context, taskID, caller string, active bool) (ledger.Task, error)
	GetTask(ctx context.Context, taskID string) (ledger.Task, error)
	ListTasks(ctx context.Context, filter ledger.TaskFilter) ([]ledger.Task, error)
	ConfirmFunding(ctx context.Context, taskID string) (ledger.Task, error)

	AddSubmission(ctx context.Context, taskID, contributor, storageURL, metadata, preferredChain string) (ledger.Submission, error)
	GetSubmission(ctx context.Context, submissionID string) (ledger.Submission, error)
	ListTaskSubmissions(ctx context.Context, taskID string) ([]ledger.Submission, error)
	ListUserSubmissions(ctx context.Context, contributor string) ([]ledger.Submission, error)

	// ApplyVerification sets verified/qualityScore once. When approved it also
	// performs the payout debit in the same atomic operation and returns the
	// committed settlement; the caller routes value movement afterwards.
	ApplyVerification(ctx context.Context, submissionID string, qualityScore int, approved bool) (ledger.Submission, *ledger.Settlement, error)
	DebitBatch(ctx context.Context, taskID string, recipients []string, amounts []int64, targetChains []string) ([]ledger.Settlement, error)
	DebitClaim(ctx context.Context, caller, taskID string, amount int64, targetChainID, targetAddress string) (ledger.Settlement, error)
	RewardCalculation(ctx context.Context, taskID string) (ledger.RewardCalculation, error)

	AppendEvent(ctx context.Context, evt ledger.Event) (ledger.Event, error)
	ListEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error)

	// SetEventSink registers a callback invoked after each appended event,
	// outside the store's critical section.
	SetEventSink(sink func(ledger.Event))
	Close()
}
