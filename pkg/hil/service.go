package hil

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

// Resumer re-enters a suspended workflow with a human decision.
type Resumer interface {
	Resume(ctx context.Context, investigationID string, payload graph.ResumePayload) error
}

// Service is the resume loop: it scans decided reviews and feeds each
// decision back into its suspended workflow exactly once.
type Service struct {
	store   *Store
	resumer Resumer
	cfg     config.ResumeConfig
	log     *slog.Logger
}

// NewService returns the resume loop.
func NewService(store *Store, resumer Resumer, cfg config.ResumeConfig) *Service {
	return &Service{
		store:   store,
		resumer: resumer,
		cfg:     cfg,
		log:     slog.With("component", "hil-resume"),
	}
}

// Run scans until the context is cancelled. A busy scan (work was found)
// re-scans quickly; an idle one backs off.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("resume loop started",
		"batch_size", s.cfg.BatchSize, "idle_sleep", s.cfg.IdleSleep)
	for {
		if expired, err := s.store.ExpireOverdue(ctx); err != nil {
			s.log.Error("expiring overdue reviews failed", "error", err)
		} else if expired > 0 {
			s.log.Info("overdue reviews expired", "count", expired)
		}

		resumed, err := s.scanOnce(ctx)
		if err != nil {
			s.log.Error("resume scan failed", "error", err)
		}

		sleep := s.cfg.IdleSleep
		if resumed > 0 {
			sleep = s.cfg.BusySleep
		}
		select {
		case <-ctx.Done():
			s.log.Info("resume loop stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// scanOnce processes one batch of decided reviews and reports how many
// workflows it resumed.
func (s *Service) scanOnce(ctx context.Context) (int, error) {
	rows, err := s.store.Resumable(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		if s.resumeOne(ctx, row) {
			resumed++
		}
	}
	return resumed, nil
}

func (s *Service) resumeOne(ctx context.Context, row projector.PendingReviewRow) bool {
	log := s.log.With("investigation_id", row.InvestigationID, "review_id", row.ID)

	status, err := s.store.InvestigationStatus(ctx, row.InvestigationID)
	if err != nil {
		log.Warn("status lookup failed, leaving review for retry", "error", err)
		return false
	}
	// A paused investigation holds its decision until an operator resumes it.
	if status == models.StatusPaused {
		return false
	}
	if status.Terminal() {
		log.Info("investigation already terminal, marking review consumed", "status", status)
		s.markResumed(ctx, row.ID, log)
		return false
	}

	decision, ok := DecisionFor(row.Status)
	if !ok {
		log.Warn("review in unexpected status, marking consumed", "status", row.Status)
		s.markResumed(ctx, row.ID, log)
		return false
	}

	payload := graph.ResumePayload{Decision: decision}
	if row.Feedback != nil {
		payload.Feedback = *row.Feedback
	}
	if row.Reviewer != nil {
		payload.Reviewer = *row.Reviewer
	}
	if row.DecisionSource != nil {
		payload.Source = *row.DecisionSource
	}

	if err := s.resumer.Resume(ctx, row.InvestigationID, payload); err != nil {
		if errors.Is(err, graph.ErrNoCheckpoint) {
			log.Warn("no checkpoint for decided review, marking consumed")
			s.markResumed(ctx, row.ID, log)
			return false
		}
		log.Error("workflow resume failed, leaving review for retry", "error", err)
		return false
	}

	s.markResumed(ctx, row.ID, log)
	log.Info("workflow resumed", "decision", decision, "source", payload.Source)
	return true
}

func (s *Service) markResumed(ctx context.Context, reviewID string, log *slog.Logger) {
	if err := s.store.MarkResumed(ctx, reviewID); err != nil {
		log.Error("marking review resumed failed", "error", err)
	}
}
