package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	// DefaultTypeQueryLimit bounds get-by-type queries.
	DefaultTypeQueryLimit = 100
	// DefaultAggregateListLimit bounds aggregate-id listings.
	DefaultAggregateListLimit = 1000
)

// Store appends to and reads from the event log. All methods take an
// sqlx.ExtContext so callers can run them inside a transaction; appends and
// their projections are expected to share one.
type Store struct{}

// NewStore returns an event store.
func NewStore() *Store {
	return &Store{}
}

const insertEventSQL = `
	INSERT INTO events (id, aggregate_id, aggregate_type, event_type, version, payload, timestamp, idempotency_key)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Append writes a single event at the next version for its aggregate.
// When the event carries an idempotency key that already exists, the stored
// event is returned unchanged and nothing is written.
func (s *Store) Append(ctx context.Context, q sqlx.ExtContext, ev NewEvent) (*Event, error) {
	if ev.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, q, ev.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	latest, err := s.LatestVersion(ctx, q, ev.AggregateID)
	if err != nil {
		return nil, err
	}
	if ev.ExpectedVersion != nil && *ev.ExpectedVersion != latest {
		return nil, &ConcurrencyError{AggregateID: ev.AggregateID, Expected: *ev.ExpectedVersion, Actual: latest}
	}
	return s.insert(ctx, q, ev, latest+1)
}

// AppendBatch writes events atomically at contiguous versions. Callers must
// run it inside a transaction: a mid-batch failure must roll back the whole
// batch. Idempotency pre-checks apply per event.
func (s *Store) AppendBatch(ctx context.Context, q sqlx.ExtContext, events []NewEvent) ([]*Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	aggregateID := events[0].AggregateID
	for _, ev := range events[1:] {
		if ev.AggregateID != aggregateID {
			return nil, fmt.Errorf("append batch spans aggregates %s and %s", aggregateID, ev.AggregateID)
		}
	}

	// Replay checks run before the version read, matching Append: a fully
	// replayed batch writes nothing and never touches the version counter.
	out := make([]*Event, len(events))
	fresh := make([]int, 0, len(events))
	for i, ev := range events {
		if ev.IdempotencyKey != "" {
			existing, err := s.findByIdempotencyKey(ctx, q, ev.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				out[i] = existing
				continue
			}
		}
		fresh = append(fresh, i)
	}
	if len(fresh) == 0 {
		return out, nil
	}

	latest, err := s.LatestVersion(ctx, q, aggregateID)
	if err != nil {
		return nil, err
	}

	version := latest
	for _, i := range fresh {
		ev := events[i]
		if ev.ExpectedVersion != nil && *ev.ExpectedVersion != version {
			return nil, &ConcurrencyError{AggregateID: aggregateID, Expected: *ev.ExpectedVersion, Actual: version}
		}
		version++
		stored, err := s.insert(ctx, q, ev, version)
		if err != nil {
			return nil, err
		}
		out[i] = stored
	}
	return out, nil
}

func (s *Store) insert(ctx context.Context, q sqlx.ExtContext, ev NewEvent, version int) (*Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", ev.EventType, err)
	}

	stored := &Event{
		ID:            uuid.NewString(),
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     ev.EventType,
		Version:       version,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
	var key *string
	if ev.IdempotencyKey != "" {
		k := ev.IdempotencyKey
		key = &k
		stored.IdempotencyKey = key
	}

	_, err = q.ExecContext(ctx, insertEventSQL,
		stored.ID, stored.AggregateID, stored.AggregateType, stored.EventType,
		stored.Version, stored.Payload, stored.Timestamp, key)
	if err != nil {
		switch uniqueViolation(err) {
		case constraintAggregateVersion:
			actual, verr := s.LatestVersion(ctx, q, ev.AggregateID)
			if verr != nil {
				actual = -1
			}
			return nil, &ConcurrencyError{AggregateID: ev.AggregateID, Expected: version, Actual: actual}
		case constraintIdempotencyKey:
			return nil, &IdempotencyError{Key: ev.IdempotencyKey}
		}
		return nil, fmt.Errorf("inserting event %s v%d: %w", ev.AggregateID, version, err)
	}
	return stored, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, q sqlx.ExtContext, key string) (*Event, error) {
	var ev Event
	err := sqlx.GetContext(ctx, q, &ev, `
		SELECT id, aggregate_id, aggregate_type, event_type, version, payload, timestamp, idempotency_key
		FROM events WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	ev.Replayed = true
	return &ev, nil
}

// Events returns an aggregate's full stream in version order.
func (s *Store) Events(ctx context.Context, q sqlx.ExtContext, aggregateID string) ([]Event, error) {
	var events []Event
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, version, payload, timestamp, idempotency_key
		FROM events WHERE aggregate_id = $1 ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events for %s: %w", aggregateID, err)
	}
	return events, nil
}

// EventsByType returns the most recent events of one type, newest first.
// A non-positive limit falls back to the default.
func (s *Store) EventsByType(ctx context.Context, q sqlx.ExtContext, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultTypeQueryLimit
	}
	var events []Event
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, version, payload, timestamp, idempotency_key
		FROM events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("loading %s events: %w", eventType, err)
	}
	return events, nil
}

// EventsSince returns events stamped at or after ts, oldest first, for the
// event-stream tailer.
func (s *Store) EventsSince(ctx context.Context, q sqlx.ExtContext, ts time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultTypeQueryLimit
	}
	var events []Event
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, version, payload, timestamp, idempotency_key
		FROM events WHERE timestamp >= $1 ORDER BY timestamp ASC LIMIT $2`, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("loading events since %s: %w", ts, err)
	}
	return events, nil
}

// LatestVersion returns the aggregate's highest version, 0 when the stream
// is empty.
func (s *Store) LatestVersion(ctx context.Context, q sqlx.ExtContext, aggregateID string) (int, error) {
	var version int
	err := sqlx.GetContext(ctx, q, &version,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("reading latest version for %s: %w", aggregateID, err)
	}
	return version, nil
}

// AggregateIDs lists distinct aggregate ids of one aggregate type, most
// recently written first.
func (s *Store) AggregateIDs(ctx context.Context, q sqlx.ExtContext, aggregateType string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultAggregateListLimit
	}
	var ids []string
	err := sqlx.SelectContext(ctx, q, &ids, `
		SELECT aggregate_id FROM events
		WHERE aggregate_type = $1
		GROUP BY aggregate_id
		ORDER BY MAX(timestamp) DESC
		LIMIT $2`, aggregateType, limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s aggregates: %w", aggregateType, err)
	}
	return ids, nil
}
