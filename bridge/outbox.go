package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"databounty-backend/core/ledger"
	"databounty-backend/metrics"
	storage "databounty-backend/storage/ledger"
)

// Outbox entry states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusAcked   = "acked"
	StatusDead    = "dead"
)

// DefaultMaxAttempts bounds dispatch retries before a payout is dead-lettered.
const DefaultMaxAttempts = 5

// Entry is one cross-chain payout awaiting delivery. Entries are keyed by
// settlement id, so re-enqueueing the same settlement is a no-op.
type Entry struct {
	Message   PayoutMessage `json:"message"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Outbox buffers committed cross-chain payouts and drives delivery. The
// ledger debit always lands before an entry is enqueued; the outbox never
// touches ledger balances, it only moves messages and records outcome events.
type Outbox struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	order       []string
	transport   Transport
	store       storage.Store
	localChain  string
	maxAttempts int
}

// NewOutbox builds an outbox over the given transport.
func NewOutbox(transport Transport, store storage.Store, localChain string, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Outbox{
		entries:     make(map[string]*Entry),
		transport:   transport,
		store:       store,
		localChain:  localChain,
		maxAttempts: maxAttempts,
	}
}

// Enqueue registers a settlement for cross-chain delivery. Duplicate
// settlement ids are ignored.
func (o *Outbox) Enqueue(stl ledger.Settlement) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[stl.ID]; ok {
		return
	}
	o.entries[stl.ID] = &Entry{
		Message: PayoutMessage{
			SettlementID: stl.ID,
			TaskID:       stl.TaskID,
			Recipient:    stl.Recipient,
			Amount:       stl.Amount,
			Token:        stl.Token,
			TargetChain:  stl.TargetChain,
			SourceChain:  o.localChain,
		},
		Status:    StatusPending,
		UpdatedAt: time.Now(),
	}
	o.order = append(o.order, stl.ID)
}

// MarkAcked records a delivery acknowledgement from the target chain.
// Unknown settlement ids report false; acks are idempotent.
func (o *Outbox) MarkAcked(ctx context.Context, settlementID string) bool {
	o.mu.Lock()
	entry, ok := o.entries[settlementID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	already := entry.Status == StatusAcked
	entry.Status = StatusAcked
	entry.UpdatedAt = time.Now()
	msg := entry.Message
	o.mu.Unlock()

	if !already {
		if _, err := o.store.AppendEvent(ctx, ledger.Event{
			Type:         ledger.EventPayoutAcked,
			TaskID:       msg.TaskID,
			SettlementID: settlementID,
			Actor:        msg.Recipient,
			Amount:       msg.Amount,
			Token:        msg.Token,
			ChainID:      msg.TargetChain,
		}); err != nil {
			log.Printf("outbox: failed to record ack event for %s: %v", settlementID, err)
		}
	}
	return true
}

// DispatchPending attempts delivery for every pending entry once.
func (o *Outbox) DispatchPending(ctx context.Context) {
	for _, id := range o.pendingIDs() {
		o.dispatchOne(ctx, id)
	}
}

func (o *Outbox) pendingIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for _, id := range o.order {
		if o.entries[id].Status == StatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Outbox) dispatchOne(ctx context.Context, id string) {
	o.mu.Lock()
	entry, ok := o.entries[id]
	if !ok || entry.Status != StatusPending {
		o.mu.Unlock()
		return
	}
	msg := entry.Message
	o.mu.Unlock()

	err := o.transport.Send(ctx, msg)

	o.mu.Lock()
	entry.Attempts++
	entry.UpdatedAt = time.Now()
	if err == nil {
		entry.Status = StatusSent
		entry.LastError = ""
		o.mu.Unlock()
		if _, evErr := o.store.AppendEvent(ctx, ledger.Event{
			Type:         ledger.EventPayoutDispatched,
			TaskID:       msg.TaskID,
			SettlementID: id,
			Actor:        msg.Recipient,
			Amount:       msg.Amount,
			Token:        msg.Token,
			ChainID:      msg.TargetChain,
		}); evErr != nil {
			log.Printf("outbox: failed to record dispatch event for %s: %v", id, evErr)
		}
		return
	}

	entry.LastError = err.Error()
	if entry.Attempts >= o.maxAttempts {
		entry.Status = StatusDead
		o.mu.Unlock()
		metrics.OutboxDeadLetters.Inc()
		log.Printf("outbox: dead-lettered payout %s after %d attempts: %v", id, o.maxAttempts, err)
		if _, evErr := o.store.AppendEvent(ctx, ledger.Event{
			Type:         ledger.EventPayoutFailed,
			TaskID:       msg.TaskID,
			SettlementID: id,
			Actor:        msg.Recipient,
			Amount:       msg.Amount,
			Token:        msg.Token,
			ChainID:      msg.TargetChain,
			Message:      err.Error(),
		}); evErr != nil {
			log.Printf("outbox: failed to record failure event for %s: %v", id, evErr)
		}
		return
	}
	attempts := entry.Attempts
	o.mu.Unlock()
	metrics.OutboxRetries.Inc()
	log.Printf("outbox: payout %s attempt %d failed: %v", id, attempts, err)
}

// Entries returns a snapshot of the outbox in enqueue order.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.entries[id])
	}
	return out
}

// Summary reports entry counts per status.
func (o *Outbox) Summary() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range o.entries {
		counts[e.Status]++
	}
	return counts
}

// Start runs the dispatch loop until ctx is cancelled.
func (o *Outbox) Start(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				o.DispatchPending(ctx)
			}
		}
	}()
}
