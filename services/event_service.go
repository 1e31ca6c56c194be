package services

import (
	"context"

	"databounty-backend/core/ledger"
	storage "databounty-backend/storage/ledger"
)

// EventService fans ledger events out to live listeners and serves the
// persisted stream. It registers itself as the store's sink, so every event
// appended by a ledger transition reaches subscribers without the store
// knowing about them.
type EventService struct {
	store     storage.Store
	eventChan chan ledger.Event
}

// NewEventService builds the service and hooks it into the store.
func NewEventService(store storage.Store) *EventService {
	s := &EventService{
		store:     store,
		eventChan: make(chan ledger.Event, 100),
	}
	store.SetEventSink(s.Broadcast)
	return s
}

// Events returns the live event channel.
func (s *EventService) Events() <-chan ledger.Event {
	return s.eventChan
}

// Broadcast forwards an event to listeners without blocking the ledger.
func (s *EventService) Broadcast(evt ledger.Event) {
	select {
	case s.eventChan <- evt:
	default:
		// Channel full, drop event. The persisted stream stays complete.
	}
}

// List returns persisted events matching the filter.
func (s *EventService) List(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	return s.store.ListEvents(ctx, filter)
}
