package engine

import (
	"sync"
	"time"
)

// EventType enumerates the audit trail entries the engine records.
type EventType string

const (
	EventSubmitted         EventType = "tma_submitted"
	EventStudentAnonymized EventType = "student_anonymized"
	EventFeedbackGenerated EventType = "feedback_generated"
	EventMarkingFailed     EventType = "marking_failed"
)

// Event is one append-only audit record. AggregateID groups events that
// belong to the same job.
type Event struct {
	Type        EventType `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	Version     int       `json:"version"`
	Detail      string    `json:"detail,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// EventQuery narrows what QueryEvents returns. Zero values mean "no filter".
type EventQuery struct {
	AggregateID string    `json:"aggregate_id,omitempty"`
	Type        EventType `json:"type,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

// EventStore keeps the in-memory audit trail. Durable event storage is an
// external collaborator; this store backs the bridge's query_events command
// and never discards entries during the process lifetime.
type EventStore struct {
	mu     sync.Mutex
	clock  func() time.Time
	events []Event
	byAgg  map[string]int
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		clock: func() time.Time { return time.Now().UTC() },
		byAgg: make(map[string]int),
	}
}

// SetClock injects a deterministic clock for tests.
func (s *EventStore) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Append records an event, assigning the next version for its aggregate.
func (s *EventStore) Append(typ EventType, aggregateID, detail string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgg[aggregateID]++
	evt := Event{
		Type:        typ,
		AggregateID: aggregateID,
		Version:     s.byAgg[aggregateID],
		Detail:      detail,
		RecordedAt:  s.clock(),
	}
	s.events = append(s.events, evt)
	return evt
}

// Query returns events matching the filter in append order.
func (s *EventStore) Query(q EventQuery) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, evt := range s.events {
		if q.AggregateID != "" && evt.AggregateID != q.AggregateID {
			continue
		}
		if q.Type != "" && evt.Type != q.Type {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Version returns the current version for an aggregate (0 when unseen).
func (s *EventStore) Version(aggregateID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAgg[aggregateID]
}
