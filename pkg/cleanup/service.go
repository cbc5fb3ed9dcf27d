// Package cleanup enforces retention on finished workflow artifacts:
// checkpoints of completed workflows and consumed review rows. The event
// log is the source of truth and is never touched.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/graph"
)

// Service is the periodic retention loop. All operations are idempotent.
type Service struct {
	db  *sqlx.DB
	cfg config.RetentionConfig
	log *slog.Logger
}

// NewService returns the retention service.
func NewService(db *sqlx.DB, cfg config.RetentionConfig) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
		log: slog.With("component", "cleanup"),
	}
}

// Run sweeps immediately, then on every interval until the context is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("retention loop started",
		"checkpoint_ttl", s.cfg.CheckpointTTL,
		"review_ttl", s.cfg.ReviewTTL,
		"interval", s.cfg.Interval)

	s.sweep(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention loop stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	s.pruneCheckpoints(ctx)
	s.pruneReviews(ctx)
}

// pruneCheckpoints deletes checkpoints of workflows that finished longer
// than the TTL ago. Interrupted checkpoints are kept indefinitely: they are
// the only way a pending review can ever be answered.
func (s *Service) pruneCheckpoints(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE status = $1 AND updated_at < $2`,
		graph.StatusDone, time.Now().Add(-s.cfg.CheckpointTTL))
	if err != nil {
		s.log.Error("pruning checkpoints failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("pruned finished checkpoints", "count", n)
	}
}

// pruneReviews deletes review rows whose decision was already fed back into
// the workflow longer than the TTL ago.
func (s *Service) pruneReviews(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_reviews
		WHERE workflow_resumed_at IS NOT NULL AND workflow_resumed_at < $1`,
		time.Now().Add(-s.cfg.ReviewTTL))
	if err != nil {
		s.log.Error("pruning reviews failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("pruned consumed reviews", "count", n)
	}
}
