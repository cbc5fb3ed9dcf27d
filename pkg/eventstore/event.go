// Package eventstore implements the append-only event log backing every
// state change in the system. Events carry per-aggregate contiguous versions
// starting at 1; uniqueness constraints on (aggregate_id, version) and on the
// idempotency key make concurrent appends safe to retry.
package eventstore

import (
	"encoding/json"
	"time"
)

// AggregateInvestigation is the aggregate type for investigation streams.
const AggregateInvestigation = "investigation"

// Event is one immutable record in the log.
type Event struct {
	ID             string          `db:"id" json:"id"`
	AggregateID    string          `db:"aggregate_id" json:"aggregate_id"`
	AggregateType  string          `db:"aggregate_type" json:"aggregate_type"`
	EventType      string          `db:"event_type" json:"event_type"`
	Version        int             `db:"version" json:"version"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Timestamp      time.Time       `db:"timestamp" json:"timestamp"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`

	// Replayed is set when an append hit an existing idempotency key and
	// returned the stored event instead of writing. Not persisted.
	Replayed bool `db:"-" json:"-"`
}

// NewEvent describes an event to append. Version is assigned by the store.
type NewEvent struct {
	AggregateID    string
	AggregateType  string
	EventType      string
	Payload        any
	IdempotencyKey string

	// ExpectedVersion, when set, requires the aggregate's current version
	// to equal it at append time. A mismatch returns ConcurrencyError, so
	// read-modify-write callers can detect a concurrent writer instead of
	// appending on top of state they never saw.
	ExpectedVersion *int
}
