package eventstore

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres constraint names the store maps to typed errors.
const (
	constraintAggregateVersion = "uq_aggregate_version"
	constraintIdempotencyKey   = "ix_events_idempotency_key"
)

const pgUniqueViolation = "23505"

// ConcurrencyError reports a lost append race: another writer claimed the
// version this append expected to write.
type ConcurrencyError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent append on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

// IdempotencyError reports that an event with the same idempotency key was
// inserted by a concurrent writer between the pre-check and the insert.
type IdempotencyError struct {
	Key string
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %q", e.Key)
}

// IsConcurrencyError reports whether err is a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// IsIdempotencyError reports whether err is an IdempotencyError.
func IsIdempotencyError(err error) bool {
	var ie *IdempotencyError
	return errors.As(err, &ie)
}

// uniqueViolation extracts the violated constraint name from a pgx unique
// violation, or "" when err is something else.
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}
