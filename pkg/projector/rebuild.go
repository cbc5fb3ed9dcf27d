package projector

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
)

var readModelTables = []string{
	"investigations",
	"pending_reviews",
	"hourly_metrics",
	"ioc_stats",
	"rule_stats",
	"analyzer_stats",
}

// Rebuild truncates the read model and replays the full event log into it,
// all within one transaction. Useful after projection logic changes.
func (p *Projector) Rebuild(ctx context.Context, db *sqlx.DB, store *eventstore.Store) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range readModelTables {
		if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+table); err != nil {
			return fmt.Errorf("truncating %s: %w", table, err)
		}
	}

	ids, err := store.AggregateIDs(ctx, tx, eventstore.AggregateInvestigation, 0)
	if err != nil {
		return err
	}

	replayed := 0
	for _, id := range ids {
		evs, err := store.Events(ctx, tx, id)
		if err != nil {
			return err
		}
		for i := range evs {
			if err := p.Apply(ctx, tx, &evs[i]); err != nil {
				return err
			}
			replayed++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild: %w", err)
	}
	p.log.Info("read model rebuilt", "aggregates", len(ids), "events", replayed)
	return nil
}
