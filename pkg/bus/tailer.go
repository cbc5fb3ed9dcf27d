package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
)

const (
	tailInterval = time.Second
	// tailOverlap re-reads a little history each poll so events committed
	// just before the previous read's snapshot are not missed.
	tailOverlap = time.Second
	tailLimit   = 100

	seenCap  = 1000
	seenTrim = 500
)

// Tailer polls the events table and publishes new events on the bus. The
// overlap window makes polls overlap in time, the seen set deduplicates
// what the overlap re-reads.
type Tailer struct {
	db    *sqlx.DB
	store *eventstore.Store
	bus   *Bus
	log   *slog.Logger

	last  time.Time
	seen  map[string]struct{}
	order []string
}

// NewTailer returns a tailer that starts from now.
func NewTailer(db *sqlx.DB, store *eventstore.Store, bus *Bus) *Tailer {
	return &Tailer{
		db:    db,
		store: store,
		bus:   bus,
		log:   slog.With("component", "event-tailer"),
		last:  time.Now().UTC(),
		seen:  make(map[string]struct{}),
	}
}

// Run polls until the context is cancelled.
func (t *Tailer) Run(ctx context.Context) {
	t.log.Info("event tailer started", "interval", tailInterval)
	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("event tailer stopped")
			return
		case <-ticker.C:
			if _, err := t.pollOnce(ctx); err != nil {
				t.log.Error("tail poll failed", "error", err)
			}
		}
	}
}

// pollOnce reads events newer than the high-water mark (minus the overlap)
// and publishes the ones not seen before. Returns how many it published.
func (t *Tailer) pollOnce(ctx context.Context) (int, error) {
	events, err := t.store.EventsSince(ctx, t.db, t.last.Add(-tailOverlap), tailLimit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, evt := range events {
		if _, dup := t.seen[evt.ID]; dup {
			continue
		}
		t.remember(evt.ID)
		if evt.Timestamp.After(t.last) {
			t.last = evt.Timestamp
		}
		t.bus.Publish(evt)
		published++
	}
	return published, nil
}

func (t *Tailer) remember(id string) {
	t.seen[id] = struct{}{}
	t.order = append(t.order, id)
	if len(t.order) > seenCap {
		for _, old := range t.order[:seenTrim] {
			delete(t.seen, old)
		}
		t.order = t.order[seenTrim:]
	}
}
