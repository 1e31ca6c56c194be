package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"databounty-backend/core/ledger"
)

// MemoryStore holds the ledger in memory under a single mutex. One lock for
// all maps keeps every external call serialized the way a chain VM serializes
// transactions: preconditions and writes happen in one critical section, and
// no caller can observe a half-applied transition.
type MemoryStore struct {
	mu            sync.Mutex
	localChainID  string
	admin         string
	taskSeq       int64
	tasks         map[string]ledger.Task
	submissions   map[string]ledger.Submission
	taskSubs      map[string][]string
	userSubs      map[string][]string
	settlementSeq map[string]int64
	events        []ledger.Event
	eventSeq      int64

	sinkMu sync.Mutex
	sink   func(ledger.Event)
}

// NewMemoryStore builds an empty ledger for the given local chain and admin.
func NewMemoryStore(localChainID, admin string) *MemoryStore {
	return &MemoryStore{
		localChainID:  localChainID,
		admin:         admin,
		tasks:         make(map[string]ledger.Task),
		submissions:   make(map[string]ledger.Submission),
		taskSubs:      make(map[string][]string),
		userSubs:      make(map[string][]string),
		settlementSeq: make(map[string]int64),
	}
}

// SetEventSink registers the event callback.
func (s *MemoryStore) SetEventSink(sink func(ledger.Event)) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *MemoryStore) notify(events []ledger.Event) {
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

// appendEventLocked assigns the next sequence number; callers hold s.mu.
func (s *MemoryStore) appendEventLocked(evt ledger.Event) ledger.Event {
	s.eventSeq++
	evt.Seq = s.eventSeq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	s.events = append(s.events, evt)
	return evt
}

// CreateTask validates the task spec, allocates the next task id, and
// records the funded task. Id allocation and record creation share the
// critical section, so concurrent creates cannot collide.
func (s *MemoryStore) CreateTask(ctx context.Context, params CreateTaskParams) (ledger.Task, error) {
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

	s.mu.Lock()
	s.taskSeq++
	task := ledger.Task{
		ID:              ledger.TaskID(s.taskSeq),
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
	s.tasks[task.ID] = task
	evt := s.appendEventLocked(ledger.Event{
		Type:      ledger.EventTaskCreated,
		TaskID:    task.ID,
		Actor:     task.Creator,
		Amount:    task.TotalFunded,
		Token:     task.PaymentToken,
		ChainID:   task.SourceChainID,
		Message:   task.Spec.Title,
		CreatedAt: now,
	})
	s.mu.Unlock()

	s.notify([]ledger.Event{evt})
	return task, nil
}

// SetTaskActive flips the active flag. Only the task creator or the global
// admin may call; no other side effects.
func (s *MemoryStore) SetTaskActive(ctx context.Context, taskID, caller string, active bool) (ledger.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ledger.Task{}, ErrTaskNotFound
	}
	if !strings.EqualFold(caller, task.Creator) && (s.admin == "" || !strings.EqualFold(caller, s.admin)) {
		s.mu.Unlock()
		return ledger.Task{}, ErrUnauthorized
	}
	task.Active = active
	s.tasks[taskID] = task
	evt := s.appendEventLocked(ledger.Event{
		Type:    ledger.EventTaskActiveToggled,
		TaskID:  taskID,
		Actor:   caller,
		Message: fmt.Sprintf("active=%t", active),
	})
	s.mu.Unlock()

	s.notify([]ledger.Event{evt})
	return task, nil
}

// GetTask returns a task by id.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (ledger.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ledger.Task{}, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *MemoryStore) ListTasks(ctx context.Context, filter ledger.TaskFilter) ([]ledger.Task, error) {
	s.mu.Lock()
	out := make([]ledger.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Creator != "" && !strings.EqualFold(filter.Creator, t.Creator) {
			continue
		}
		if filter.Active != nil && t.Active != *filter.Active {
			continue
		}
		if filter.ChainID != "" && filter.ChainID != t.SourceChainID {
			continue
		}
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if len(out[i].ID) != len(out[j].ID) {
			return len(out[i].ID) < len(out[j].ID)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ConfirmFunding upgrades a provisionally funded task to confirmed.
func (s *MemoryStore) ConfirmFunding(ctx context.Context, taskID string) (ledger.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ledger.Task{}, ErrTaskNotFound
	}
	if task.FundingStatus != ledger.FundingProvisional {
		s.mu.Unlock()
		return task, nil
	}
	task.FundingStatus = ledger.FundingConfirmed
	s.tasks[taskID] = task
	evt := s.appendEventLocked(ledger.Event{
		Type:    ledger.EventFundingConfirmed,
		TaskID:  taskID,
		Amount:  task.TotalFunded,
		Token:   task.PaymentToken,
		ChainID: task.SourceChainID,
	})
	s.mu.Unlock()

	s.notify([]ledger.Event{evt})
	return task, nil
}

// AddSubmission records one contributor artifact against a task. Preconditions
// are checked in order (exists, active, deadline, capacity); the submission id
// derives from the counter incremented in the same critical section.
func (s *MemoryStore) AddSubmission(ctx context.Context, taskID, contributor, storageURL, metadata, preferredChain string) (ledger.Submission, error) {
	now := time.Now()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ledger.Submission{}, ErrTaskNotFound
	}
	if !task.Active {
		s.mu.Unlock()
		return ledger.Submission{}, ErrTaskInactive
	}
	if now.After(task.Spec.Deadline) {
		s.mu.Unlock()
		return ledger.Submission{}, ErrDeadlinePassed
	}
	if task.SubmissionCount >= task.Spec.MaxSubmissions {
		s.mu.Unlock()
		return ledger.Submission{}, ErrSubmissionLimit
	}

	task.SubmissionCount++
	sub := ledger.Submission{
		ID:                   ledger.SubmissionID(taskID, task.SubmissionCount),
		TaskID:               taskID,
		Contributor:          contributor,
		StorageURL:           storageURL,
		Metadata:             metadata,
		PreferredRewardChain: preferredChain,
		CreatedAt:            now,
	}
	s.tasks[taskID] = task
	s.submissions[sub.ID] = sub
	s.taskSubs[taskID] = append(s.taskSubs[taskID], sub.ID)
	s.userSubs[strings.ToLower(contributor)] = append(s.userSubs[strings.ToLower(contributor)], sub.ID)
	evt := s.appendEventLocked(ledger.Event{
		Type:         ledger.EventSubmissionCreated,
		TaskID:       taskID,
		SubmissionID: sub.ID,
		Actor:        contributor,
		ChainID:      preferredChain,
		Message:      storageURL,
		CreatedAt:    now,
	})
	s.mu.Unlock()

	s.notify([]ledger.Event{evt})
	return sub, nil
}

// GetSubmission returns a submission by id.
func (s *MemoryStore) GetSubmission(ctx context.Context, submissionID string) (ledger.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return ledger.Submission{}, ErrSubmissionNotFound
	}
	return sub, nil
}

// ListTaskSubmissions returns a task's submissions in arrival order.
func (s *MemoryStore) ListTaskSubmissions(ctx context.Context, taskID string) ([]ledger.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrTaskNotFound
	}
	ids := s.taskSubs[taskID]
	out := make([]ledger.Submission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.submissions[id])
	}
	return out, nil
}

// ListUserSubmissions returns a contributor's submissions in arrival order.
func (s *MemoryStore) ListUserSubmissions(ctx context.Context, contributor string) ([]ledger.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.userSubs[strings.ToLower(contributor)]
	out := make([]ledger.Submission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.submissions[id])
	}
	return out, nil
}

// ApplyVerification sets the verification outcome exactly once. An approved
// outcome debits the task's remaining reward in the same critical section:
// the sufficiency check and the debit can never be split across two calls.
// Any failed precondition rejects the whole call with no state change.
func (s *MemoryStore) ApplyVerification(ctx context.Context, submissionID string, qualityScore int, approved bool) (ledger.Submission, *ledger.Settlement, error) {
	now := time.Now()

	s.mu.Lock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		s.mu.Unlock()
		return ledger.Submission{}, nil, ErrSubmissionNotFound
	}
	if sub.Verified {
		s.mu.Unlock()
		return ledger.Submission{}, nil, ErrAlreadyVerified
	}
	task, ok := s.tasks[sub.TaskID]
	if !ok {
		s.mu.Unlock()
		return ledger.Submission{}, nil, ErrTaskNotFound
	}

	var settlement *ledger.Settlement
	if approved {
		if sub.Rewarded {
			s.mu.Unlock()
			return ledger.Submission{}, nil, ErrAlreadyRewarded
		}
		if task.RemainingReward < task.Spec.RewardPerSubmission {
			s.mu.Unlock()
			return ledger.Submission{}, nil, ErrInsufficientReward
		}
		sub.Rewarded = true
		task.RemainingReward -= task.Spec.RewardPerSubmission
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
	s.submissions[submissionID] = sub
	s.tasks[task.ID] = task

	events := []ledger.Event{s.appendEventLocked(ledger.Event{
		Type:         ledger.EventVerificationDone,
		TaskID:       task.ID,
		SubmissionID: submissionID,
		Amount:       int64(qualityScore),
		Message:      fmt.Sprintf("approved=%t", approved),
		CreatedAt:    now,
	})}
	if settlement != nil {
		events = append(events, s.appendEventLocked(ledger.Event{
			Type:         ledger.EventRewardSettled,
			TaskID:       task.ID,
			SubmissionID: submissionID,
			SettlementID: settlement.ID,
			Actor:        settlement.Recipient,
			Amount:       settlement.Amount,
			Token:        settlement.Token,
			ChainID:      settlement.TargetChain,
			CreatedAt:    now,
		}))
	}
	s.mu.Unlock()

	s.notify(events)
	return sub, settlement, nil
}

// DebitBatch debits the batch sum once and returns one settlement per
// recipient. Oversized batches are rejected in full; no prefix is paid.
func (s *MemoryStore) DebitBatch(ctx context.Context, taskID string, recipients []string, amounts []int64, targetChains []string) ([]ledger.Settlement, error) {
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

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if task.RemainingReward < total {
		s.mu.Unlock()
		return nil, ErrInsufficientReward
	}
	task.RemainingReward -= total
	s.tasks[taskID] = task

	settlements := make([]ledger.Settlement, 0, len(recipients))
	events := make([]ledger.Event, 0, len(recipients))
	for i := range recipients {
		s.settlementSeq[taskID]++
		stl := ledger.Settlement{
			ID:          ledger.BatchSettlementID(taskID, s.settlementSeq[taskID]),
			TaskID:      taskID,
			Recipient:   recipients[i],
			Amount:      amounts[i],
			Token:       task.PaymentToken,
			TargetChain: targetChains[i],
			CreatedAt:   now,
		}
		settlements = append(settlements, stl)
		events = append(events, s.appendEventLocked(ledger.Event{
			Type:         ledger.EventRewardSettled,
			TaskID:       taskID,
			SettlementID: stl.ID,
			Actor:        stl.Recipient,
			Amount:       stl.Amount,
			Token:        stl.Token,
			ChainID:      stl.TargetChain,
			CreatedAt:    now,
		}))
	}
	s.mu.Unlock()

	s.notify(events)
	return settlements, nil
}

// DebitClaim debits a single-recipient claim.
func (s *MemoryStore) DebitClaim(ctx context.Context, caller, taskID string, amount int64, targetChainID, targetAddress string) (ledger.Settlement, error) {
	if amount <= 0 {
		return ledger.Settlement{}, fmt.Errorf("claim amount must be positive")
	}
	now := time.Now()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ledger.Settlement{}, ErrTaskNotFound
	}
	if task.RemainingReward < amount {
		s.mu.Unlock()
		return ledger.Settlement{}, ErrInsufficientReward
	}
	task.RemainingReward -= amount
	s.tasks[taskID] = task
	s.settlementSeq[taskID]++
	stl := ledger.Settlement{
		ID:          ledger.BatchSettlementID(taskID, s.settlementSeq[taskID]),
		TaskID:      taskID,
		Recipient:   targetAddress,
		Amount:      amount,
		Token:       task.PaymentToken,
		TargetChain: targetChainID,
		CreatedAt:   now,
	}
	evt := s.appendEventLocked(ledger.Event{
		Type:         ledger.EventRewardSettled,
		TaskID:       taskID,
		SettlementID: stl.ID,
		Actor:        caller,
		Amount:       amount,
		Token:        stl.Token,
		ChainID:      targetChainID,
		CreatedAt:    now,
	})
	s.mu.Unlock()

	s.notify([]ledger.Event{evt})
	return stl, nil
}

// RewardCalculation returns the derived reconciliation view for a task.
func (s *MemoryStore) RewardCalculation(ctx context.Context, taskID string) (ledger.RewardCalculation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ledger.RewardCalculation{}, ErrTaskNotFound
	}
	return ledger.RewardCalculation{
		TotalFunded:       task.TotalFunded,
		RemainingReward:   task.RemainingReward,
		DistributedReward: task.TotalFunded - task.RemainingReward,
		MaxPossibleReward: task.Spec.RewardPerSubmission * int64(task.Spec.MaxSubmissions),
	}, nil
}

// AppendEvent records an event from outside the ledger's own transitions
// (payout dispatch outcomes, nonce advances).
func (s *MemoryStore) AppendEvent(ctx context.Context, evt ledger.Event) (ledger.Event, error) {
	s.mu.Lock()
	out := s.appendEventLocked(evt)
	s.mu.Unlock()
	s.notify([]ledger.Event{out})
	return out, nil
}

// ListEvents returns events matching the filter in sequence order.
func (s *MemoryStore) ListEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Event, 0, len(s.events))
	for _, evt := range s.events {
		if evt.Seq <= filter.AfterSeq {
			continue
		}
		if filter.Type != "" && evt.Type != filter.Type {
			continue
		}
		if filter.TaskID != "" && evt.TaskID != filter.TaskID {
			continue
		}
		out = append(out, evt)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close implements Store; nothing to close for memory.
func (s *MemoryStore) Close() {}
