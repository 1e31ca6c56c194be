package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"databounty-backend/core/ledger"
)

// PGStore mirrors the ledger in Postgres. It implements the same atomic
// contract as MemoryStore using row locks: settlement paths SELECT ... FOR
// UPDATE the task row, so the sufficiency re-check and the debit commit in
// one transaction.
type PGStore struct {
	pool         *pgxpool.Pool
	localChainID string
	admin        string

	sinkMu sync.Mutex
	sink   func(ledger.Event)
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn, localChainID, admin string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool, localChainID: localChainID, admin: admin}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS ledger_tasks (
  task_id TEXT PRIMARY KEY,
  creator TEXT NOT NULL,
  title TEXT,
  description TEXT,
  language TEXT,
  data_type TEXT,
  criteria TEXT,
  reward_per_submission BIGINT NOT NULL,
  total_reward BIGINT NOT NULL,
  deadline TIMESTAMPTZ NOT NULL,
  max_submissions INT NOT NULL,
  requires_validation BOOLEAN NOT NULL DEFAULT false,
  source_chain_id TEXT NOT NULL,
  payment_token TEXT NOT NULL DEFAULT '',
  total_funded BIGINT NOT NULL,
  remaining_reward BIGINT NOT NULL,
  submission_count INT NOT NULL DEFAULT 0,
  settlement_seq BIGINT NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT true,
  funding_status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_submissions (
  submission_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES ledger_tasks(task_id),
  contributor TEXT NOT NULL,
  storage_url TEXT NOT NULL,
  metadata TEXT,
  preferred_reward_chain TEXT,
  verified BOOLEAN NOT NULL DEFAULT false,
  quality_score INT NOT NULL DEFAULT 0,
  rewarded BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_events (
  seq BIGSERIAL PRIMARY KEY,
  event_type TEXT NOT NULL,
  task_id TEXT,
  submission_id TEXT,
  settlement_id TEXT,
  actor TEXT,
  amount BIGINT NOT NULL DEFAULT 0,
  token TEXT,
  chain_id TEXT,
  message TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_counters (
  name TEXT PRIMARY KEY,
  value BIGINT NOT NULL
);
INSERT INTO ledger_counters (name, value) VALUES ('task_seq', 0) ON CONFLICT (name) DO NOTHING;
CREATE INDEX IF NOT EXISTS idx_ledger_submissions_task ON ledger_submissions(task_id);
CREATE INDEX IF NOT EXISTS idx_ledger_submissions_contributor ON ledger_submissions(contributor);
CREATE INDEX IF NOT EXISTS idx_ledger_events_task ON ledger_events(task_id);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// SetEventSink registers the event callback.
func (s *PGStore) SetEventSink(sink func(ledger.Event)) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *PGStore) notify(events []ledger.Event) {
	s.sinkMu.Lock()
	sink := s.sink
	s.sinkMu.Unlock()
	if sink == nil {
		return
	}
	for _, evt := range events {
		sink(evt)
	}
}

func appendEventTx(ctx context.Context, tx pgx.Tx, evt ledger.Event) (ledger.Event, error) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	err := tx.QueryRow(ctx, `
INSERT INTO ledger_events (event_type, task_id, submission_id, settlement_id, actor, amount, token, chain_id, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING seq
`, evt.Type, evt.TaskID, evt.SubmissionID, evt.SettlementID, evt.Actor, evt.Amount, evt.Token, evt.ChainID, evt.Message, evt.CreatedAt).Scan(&evt.Seq)
	return evt, err
}

const taskColumns = `task_id, creator, title, description, language, data_type, criteria,
reward_per_submission, total_reward, deadline, max_submissions, requires_validation,
source_chain_id, payment_token, total_funded, remaining_reward, submission_count,
active, funding_status, created_at`

func scanTask(row pgx.Row) (ledger.Task, error) {
	var t ledger.Task
	err := row.Scan(&t.ID, &t.Creator, &t.Spec.Title, &t.Spec.Description, &t.Spec.Language,
		&t.Spec.DataType, &t.Spec.Criteria, &t.Spec.RewardPerSubmission, &t.Spec.TotalReward,
		&t.Spec.Deadline, &t.Spec.MaxSubmissions, &t.Spec.RequiresValidation,
		&t.SourceChainID, &t.PaymentToken, &t.TotalFunded, &t.RemainingReward,
		&t.SubmissionCount, &t.Active, &t.FundingStatus, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Task{}, ErrTaskNotFound
	}
	return t, err
}

const submissionColumns = `submission_id, task_id, contributor, storage_url, metadata,
preferred_reward_chain, verified, quality_score, rewarded, created_at`

func scanSubmission(row pgx.Row) (ledger.Submission, error) {
	var sub ledger.Submission
	err := row.Scan(&sub.ID, &sub.TaskID, &sub.Contributor, &sub.StorageURL, &sub.Metadata,
		&sub.PreferredRewardChain, &sub.Verified, &sub.QualityScore, &sub.Rewarded, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Submission{}, ErrSubmissionNotFound
	}
	return sub, err
}

// CreateTask allocates the next task id and inserts the record in one
// transaction, so the counter increment and the insert cannot be split.
func (s *PGStore) CreateTask(ctx context.Context, params CreateTaskParams) (ledger.Task, error) {
	now := time.Now()
	if err := ledger.ValidateSpec(params.Spec, params.Amount, now); err != nil {
		return ledger.Task{}, err
	}
	if strings.TrimSpace(params.Creator) == "" {
		return ledger.Task{}, fmt.Errorf("creator required")
	}

	fundingStatus := ledger.FundingSettled
	if params.SourceChainID != s.localChainID {
		fundingStatus = ledger.FundingProvisional
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Task{}, err
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx, `UPDATE ledger_counters SET value = value + 1 WHERE name = 'task_seq' RETURNING value`).Scan(&seq); err != nil {
		return ledger.Task{}, err
	}
	task := ledger.Task{
		ID:              ledger.TaskID(seq),
		Creator:         params.Creator,
		Spec:            params.Spec,
		SourceChainID:   params.SourceChainID,
		PaymentToken:    params.PaymentToken,
		TotalFunded:     params.Amount,
		RemainingReward: params.Amount,
		Active:          true,
		FundingStatus:   fundingStatus,
		CreatedAt:       now,
	}
	_, err = tx.Exec(ctx, `
INSERT INTO ledger_tasks (task_id, creator, title, description, language, data_type, criteria,
  reward_per_submission, total_reward, deadline, max_submissions, requires_validation,
  source_chain_id, payment_token, total_funded, remaining_reward, active, funding_status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`, task.ID, task.Creator, task.Spec.Title, task.Spec.Description, task.Spec.Language,
		task.Spec.DataType, task.Spec.Criteria, task.Spec.RewardPerSubmission, task.Spec.TotalReward,
		task.Spec.Deadline, task.Spec.MaxSubmissions, task.Spec.RequiresValidation,
		task.SourceChainID, task.PaymentToken, task.TotalFunded, task.RemainingReward,
		task.Active, task.FundingStatus, task.CreatedAt)
	if err != nil {
		return ledger.Task{}, err
	}
	evt, err := appendEventTx(ctx, tx, ledger.Event{
		Type:      ledger.EventTaskCreated,
		TaskID:    task.ID,
		Actor:     task.Creator,
		Amount:    task.TotalFunded,
		Token:     task.PaymentToken,
		ChainID:   task.SourceChainID,
		Message:   task.Spec.Title,
		CreatedAt: now,
	})
	if err != nil {
		return ledger.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Task{}, err
	}
	s.notify([]ledger.Event{evt})
	return task, nil
}

// SetTaskActive flips the active flag for the creator or admin.
func (s *PGStore) SetTaskActive(ctx context.Context, taskID, caller string, active bool) (ledger.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Task{}, err
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return ledger.Task{}, err
	}
	if !strings.EqualFold(caller, task.Creator) && (s.admin == "" || !strings.EqualFold(caller, s.admin)) {
		return ledger.Task{}, ErrUnauthorized
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_tasks SET active = $2 WHERE task_id = $1`, taskID, active); err != nil {
		return ledger.Task{}, err
	}
	task.Active = active
	evt, err := appendEventTx(ctx, tx, ledger.Event{
		Type:    ledger.EventTaskActiveToggled,
		TaskID:  taskID,
		Actor:   caller,
		Message: fmt.Sprintf("active=%t", active),
	})
	if err != nil {
		return ledger.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Task{}, err
	}
	s.notify([]ledger.Event{evt})
	return task, nil
}

// GetTask returns a task by id.
func (s *PGStore) GetTask(ctx context.Context, taskID string) (ledger.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1`, taskID))
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *PGStore) ListTasks(ctx context.Context, filter ledger.TaskFilter) ([]ledger.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM ledger_tasks WHERE 1=1`
	args := []interface{}{}
	if filter.Creator != "" {
		args = append(args, filter.Creator)
		q += fmt.Sprintf(" AND lower(creator) = lower($%d)", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		q += fmt.Sprintf(" AND active = $%d", len(args))
	}
	if filter.ChainID != "" {
		args = append(args, filter.ChainID)
		q += fmt.Sprintf(" AND source_chain_id = $%d", len(args))
	}
	q += " ORDER BY created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ConfirmFunding upgrades a provisionally funded task to confirmed.
func (s *PGStore) ConfirmFunding(ctx context.Context, taskID string) (ledger.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Task{}, err
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return ledger.Task{}, err
	}
	if task.FundingStatus != ledger.FundingProvisional {
		return task, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_tasks SET funding_status = $2 WHERE task_id = $1`, taskID, ledger.FundingConfirmed); err != nil {
		return ledger.Task{}, err
	}
	task.FundingStatus = ledger.FundingConfirmed
	evt, err := appendEventTx(ctx, tx, ledger.Event{
		Type:    ledger.EventFundingConfirmed,
		TaskID:  taskID,
		Amount:  task.TotalFunded,
		Token:   task.PaymentToken,
		ChainID: task.SourceChainID,
	})
	if err != nil {
		return ledger.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Task{}, err
	}
	s.notify([]ledger.Event{evt})
	return task, nil
}

// AddSubmission checks preconditions and increments the submission counter
// under the task row lock, so the derived submission id cannot collide.
func (s *PGStore) AddSubmission(ctx context.Context, taskID, contributor, storageURL, metadata, preferredChain string) (ledger.Submission, error) {
	now := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Submission{}, err
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return ledger.Submission{}, err
	}
	if !task.Active {
		return ledger.Submission{}, ErrTaskInactive
	}
	if now.After(task.Spec.Deadline) {
		return ledger.Submission{}, ErrDeadlinePassed
	}
	if task.SubmissionCount >= task.Spec.MaxSubmissions {
		return ledger.Submission{}, ErrSubmissionLimit
	}

	sub := ledger.Submission{
		ID:                   ledger.SubmissionID(taskID, task.SubmissionCount+1),
		TaskID:               taskID,
		Contributor:          contributor,
		StorageURL:           storageURL,
		Metadata:             metadata,
		PreferredRewardChain: preferredChain,
		CreatedAt:            now,
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_tasks SET submission_count = submission_count + 1 WHERE task_id = $1`, taskID); err != nil {
		return ledger.Submission{}, err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO ledger_submissions (submission_id, task_id, contributor, storage_url, metadata, preferred_reward_chain, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, sub.ID, sub.TaskID, sub.Contributor, sub.StorageURL, sub.Metadata, sub.PreferredRewardChain, sub.CreatedAt)
	if err != nil {
		return ledger.Submission{}, err
	}
	evt, err := appendEventTx(ctx, tx, ledger.Event{
		Type:         ledger.EventSubmissionCreated,
		TaskID:       taskID,
		SubmissionID: sub.ID,
		Actor:        contributor,
		ChainID:      preferredChain,
		Message:      storageURL,
		CreatedAt:    now,
	})
	if err != nil {
		return ledger.Submission{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Submission{}, err
	}
	s.notify([]ledger.Event{evt})
	return sub, nil
}

// GetSubmission returns a submission by id.
func (s *PGStore) GetSubmission(ctx context.Context, submissionID string) (ledger.Submission, error) {
	return scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM ledger_submissions WHERE submission_id = $1`, submissionID))
}

// ListTaskSubmissions returns a task's submissions in arrival order.
func (s *PGStore) ListTaskSubmissions(ctx context.Context, taskID string) ([]ledger.Submission, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.listSubmissions(ctx, `SELECT `+submissionColumns+` FROM ledger_submissions WHERE task_id = $1 ORDER BY created_at`, taskID)
}

// ListUserSubmissions returns a contributor's submissions in arrival order.
func (s *PGStore) ListUserSubmissions(ctx context.Context, contributor string) ([]ledger.Submission, error) {
	return s.listSubmissions(ctx, `SELECT `+submissionColumns+` FROM ledger_submissions WHERE lower(contributor) = lower($1) ORDER BY created_at`, contributor)
}

func (s *PGStore) listSubmissions(ctx context.Context, q string, arg interface{}) ([]ledger.Submission, error) {
	rows, err := s.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ApplyVerification locks both rows, re-checks every precondition, and
// commits the verification plus any payout debit in one transaction.
func (s *PGStore) ApplyVerification(ctx context.Context, submissionID string, qualityScore int, approved bool) (ledger.Submission, *ledger.Settlement, error) {
	now := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Submission{}, nil, err
	}
	defer tx.Rollback(ctx)

	sub, err := scanSubmission(tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM ledger_submissions WHERE submission_id = $1 FOR UPDATE`, submissionID))
	if err != nil {
		return ledger.Submission{}, nil, err
	}
	if sub.Verified {
		return ledger.Submission{}, nil, ErrAlreadyVerified
	}
	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1 FOR UPDATE`, sub.TaskID))
	if err != nil {
		return ledger.Submission{}, nil, err
	}

	var settlement *ledger.Settlement
	if approved {
		if sub.Rewarded {
			return ledger.Submission{}, nil, ErrAlreadyRewarded
		}
		if task.RemainingReward < task.Spec.RewardPerSubmission {
			return ledger.Submission{}, nil, ErrInsufficientReward
		}
		sub.Rewarded = true
		if _, err := tx.Exec(ctx, `UPDATE ledger_tasks SET remaining_reward = remaining_reward - $2 WHERE task_id = $1`, task.ID, task.Spec.RewardPerSubmission); err != nil {
			return ledger.Submission{}, nil, err
		}
		settlement = &ledger.Settlement{
			ID:           ledger.SettlementID(submissionID),
			TaskID:       task.ID,
			SubmissionID: submissionID,
			Recipient:    sub.Contributor,
			Amount:       task.Spec.RewardPerSubmission,
			Token:        task.PaymentToken,
			TargetChain:  sub.PreferredRewardChain,
			CreatedAt:    now,
		}
	}
	sub.Verified = true
	sub.QualityScore = qualityScore
	if _, err := tx.Exec(ctx, `UPDATE ledger_submissions SET verified = true, quality_score = $2, rewarded = $3 WHERE submission_id = $1`,
		submissionID, qualityScore, sub.Rewarded); err != nil {
		return ledger.Submission{}, nil, err
	}

	events := make([]ledger.Event, 0, 2)
	evt, err := appendEventTx(ctx, tx, ledger.Event{
		Type:         ledger.EventVerificationDone,
		TaskID:       task.ID,
		SubmissionID: submissionID,
		Amount:       int64(qualityScore),
		Message:      fmt.Sprintf("approved=%t", approved),
		CreatedAt:    now,
	})
	if err != nil {
		return ledger.Submission{}, nil, err
	}
	events = append(events, evt)
	if settlement != nil {
		evt, err := appendEventTx(ctx, tx, ledger.Event{
			Type:         ledger.EventRewardSettled,
			TaskID:       task.ID,
			SubmissionID: submissionID,
			SettlementID: settlement.ID,
			Actor:        settlement.Recipient,
			Amount:       settlement.Amount,
			Token:        settlement.Token,
			ChainID:      settlement.TargetChain,
			CreatedAt:    now,
		})
		if err != nil {
			return ledger.Submission{}, nil, err
		}
		events = append(events, evt)
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Submission{}, nil, err
	}
	s.notify(events)
	return sub, settlement, nil
}

// DebitBatch debits the batch sum once under the task row lock.
func (s *PGStore) DebitBatch(ctx context.Context, taskID string, recipients []string, amounts []int64, targetChains []string) ([]ledger.Settlement, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(recipients) != len(amounts) || len(recipients) != len(targetChains) {
		return nil, fmt.Errorf("mismatched batch array lengths")
	}
	var total int64
	for _, a := range amounts {
		if a <= 0 {
			return nil, fmt.Errorf("batch amounts must be positive")
		}
		total += a
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return nil, err
	}
	if task.RemainingReward < total {
		return nil, ErrInsufficientReward
	}
	var seqBase int64
	if err := tx.QueryRow(ctx, `
UPDATE ledger_tasks SET remaining_reward = remaining_reward - $2, settlement_seq = settlement_seq + $3
WHERE task_id = $1 RETURNING settlement_seq
`, taskID, total, len(recipients)).Scan(&seqBase); err != nil {
		return nil, err
	}

	settlements := make([]ledger.Settlement, 0, len(recipients))
	events := make([]ledger.Event, 0, len(recipients))
	for i := range recipients {
		stl := ledger.Settlement{
			ID:          ledger.BatchSettlementID(taskID, seqBase-int64(len(recipients))+int64(i)+1),
			TaskID:      taskID,
			Recipient:   recipients[i],
			Amount:      amounts[i],
			Token:       task.PaymentToken,
			TargetChain: targetChains[i],
			CreatedAt:   now,
		}
		settlements = append(settlements, stl)
		evt, err := appendEventTx(ctx, tx, ledger.Event{
			Type:         ledger.EventRewardSettled,
			TaskID:       taskID,
			SettlementID: stl.ID,
			Actor:        stl.Recipient,
			Amount:       stl.Amount,
			Token:        stl.Token,
			ChainID:      stl.TargetChain,
			CreatedAt:    now,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.notify(events)
	return settlements, nil
}

// DebitClaim debits a single-recipient claim under the task row lock.
func (s *PGStore) DebitClaim(ctx context.Context, caller, taskID string, amount int64, targetChainID, targetAddress string) (ledger.Settlement, error) {
	if amount <= 0 {
		return ledger.Settlement{}, fmt.Errorf("claim amount must be positive")
	}
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Settlement{}, err
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM ledger_tasks WHERE task_id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return ledger.Settlement{}, err
	}
	if task.RemainingReward < amount {
		return ledger.Settlement{}, ErrInsufficientReward
	}
	var seq int64
	if err := tx.QueryRow(ctx, `
UPDATE ledger_tasks SET remaining_reward = remaining_reward - $2, settlement_seq = settlement_seq + 1
WHERE task_id = $1 RETURNING settlement_seq
`, taskID, amount).Scan(&seq); err != nil {
		return ledger.Settlement{}, err
	}
	stl := ledger.Settlement{
		ID:          ledger.BatchSettlementID(taskID, seq),
		TaskID:      taskID,
		Recipient:   targetAddress,
		Amount:      amount,
		Token:       task.PaymentToken,
		TargetChain: targetChainID,
		CreatedAt:   now,
	}
	evt, err := appendEventTx(ctx, tx, ledger.Event{
		Type:         ledger.EventRewardSettled,
		TaskID:       taskID,
		SettlementID: stl.ID,
		Actor:        caller,
		Amount:       amount,
		Token:        stl.Token,
		ChainID:      targetChainID,
		CreatedAt:    now,
	})
	if err != nil {
		return ledger.Settlement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Settlement{}, err
	}
	s.notify([]ledger.Event{evt})
	return stl, nil
}

// RewardCalculation returns the derived reconciliation view for a task.
func (s *PGStore) RewardCalculation(ctx context.Context, taskID string) (ledger.RewardCalculation, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return ledger.RewardCalculation{}, err
	}
	return ledger.RewardCalculation{
		TotalFunded:       task.TotalFunded,
		RemainingReward:   task.RemainingReward,
		DistributedReward: task.TotalFunded - task.RemainingReward,
		MaxPossibleReward: task.Spec.RewardPerSubmission * int64(task.Spec.MaxSubmissions),
	}, nil
}

// AppendEvent records an out-of-ledger event (payout outcomes, nonce advances).
func (s *PGStore) AppendEvent(ctx context.Context, evt ledger.Event) (ledger.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Event{}, err
	}
	defer tx.Rollback(ctx)
	out, err := appendEventTx(ctx, tx, evt)
	if err != nil {
		return ledger.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Event{}, err
	}
	s.notify([]ledger.Event{out})
	return out, nil
}

// ListEvents returns events matching the filter in sequence order.
func (s *PGStore) ListEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	q := `SELECT seq, event_type, task_id, submission_id, settlement_id, actor, amount, token, chain_id, message, created_at
FROM ledger_events WHERE seq > $1`
	args := []interface{}{filter.AfterSeq}
	if filter.Type != "" {
		args = append(args, filter.Type)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		q += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	q += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Event
	for rows.Next() {
		var evt ledger.Event
		if err := rows.Scan(&evt.Seq, &evt.Type, &evt.TaskID, &evt.SubmissionID, &evt.SettlementID,
			&evt.Actor, &evt.Amount, &evt.Token, &evt.ChainID, &evt.Message, &evt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Pool exposes the underlying connection pool so sibling stores (API keys)
// can share the same database.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
