// Package hil implements human-in-the-loop review: the store that arbitrates
// which channel's decision wins, the Slack backend analysts answer through,
// and the resume loop that feeds decisions back into suspended workflows.
package hil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

var (
	// ErrNoPendingReview means the investigation has no review to decide.
	ErrNoPendingReview = errors.New("no pending review")

	// ErrAlreadyDecided means another channel claimed the review first.
	ErrAlreadyDecided = errors.New("review already decided")
)

// Store arbitrates review decisions over the pending_reviews table. The row
// is claimed under a row lock, so exactly one channel wins when the chat and
// the dashboard answer concurrently.
type Store struct {
	db *sqlx.DB
}

// NewStore returns a review store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Latest returns the most recent review for an investigation, decided or not.
func (s *Store) Latest(ctx context.Context, investigationID string) (*projector.PendingReviewRow, error) {
	var row projector.PendingReviewRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM pending_reviews
		WHERE investigation_id = $1
		ORDER BY requested_at DESC
		LIMIT 1`, investigationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingReview
	}
	if err != nil {
		return nil, fmt.Errorf("loading review for %s: %w", investigationID, err)
	}
	return &row, nil
}

// ClaimTx locks the latest review row for the investigation and verifies it
// is still pending. The caller's transaction holds the lock until commit.
func (s *Store) ClaimTx(ctx context.Context, tx *sqlx.Tx, investigationID string) (*projector.PendingReviewRow, error) {
	var row projector.PendingReviewRow
	err := tx.GetContext(ctx, &row, `
		SELECT * FROM pending_reviews
		WHERE investigation_id = $1
		ORDER BY requested_at DESC
		LIMIT 1
		FOR UPDATE`, investigationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingReview
	}
	if err != nil {
		return nil, fmt.Errorf("claiming review for %s: %w", investigationID, err)
	}
	if row.Status != projector.ReviewPending {
		return &row, ErrAlreadyDecided
	}
	return &row, nil
}

// Decide claims the pending review and records the decision. This is the
// chat-side path; the decision event itself is emitted by the workflow when
// it resumes, and its projection is a no-op on the already-claimed row.
func (s *Store) Decide(ctx context.Context, investigationID string, decision models.HumanDecision, reviewer, feedback, source string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning decision transaction: %w", err)
	}
	defer tx.Rollback()

	row, err := s.ClaimTx(ctx, tx, investigationID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_reviews
		SET status = $2, reviewer = $3, feedback = $4, decision_source = $5, responded_at = $6
		WHERE id = $1`,
		row.ID, statusFor(decision), reviewer, feedback, source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording decision for %s: %w", investigationID, err)
	}
	return tx.Commit()
}

func statusFor(decision models.HumanDecision) string {
	switch decision {
	case models.HumanApprove:
		return projector.ReviewApproved
	case models.HumanReject:
		return projector.ReviewRejected
	default:
		return projector.ReviewInfoRequested
	}
}

// DecisionFor maps a recorded review status back to the workflow decision.
// An expired review re-enters the workflow as more_info so the supervisor
// can take another pass instead of parking forever.
func DecisionFor(status string) (models.HumanDecision, bool) {
	switch status {
	case projector.ReviewApproved:
		return models.HumanApprove, true
	case projector.ReviewRejected:
		return models.HumanReject, true
	case projector.ReviewInfoRequested, projector.ReviewExpired:
		return models.HumanMoreInfo, true
	}
	return "", false
}

// ExpireOverdue sweeps pending reviews whose deadline has passed into the
// expired state, recording the timeout feedback the resume loop will feed
// back to the workflow. It returns how many reviews it expired.
func (s *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_reviews
		SET status = $1, feedback = $2, decision_source = $3, responded_at = $4
		WHERE status = $5 AND expires_at IS NOT NULL AND expires_at <= $4`,
		projector.ReviewExpired, "HIL review timed out", "timeout",
		time.Now().UTC(), projector.ReviewPending)
	if err != nil {
		return 0, fmt.Errorf("expiring overdue reviews: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Resumable lists decided or expired reviews whose workflow has not been
// resumed yet, oldest decision first.
func (s *Store) Resumable(ctx context.Context, limit int) ([]projector.PendingReviewRow, error) {
	var rows []projector.PendingReviewRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM pending_reviews
		WHERE status IN ($1, $2, $3, $4) AND workflow_resumed_at IS NULL
		ORDER BY responded_at
		LIMIT $5`,
		projector.ReviewApproved, projector.ReviewRejected,
		projector.ReviewInfoRequested, projector.ReviewExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("listing resumable reviews: %w", err)
	}
	return rows, nil
}

// MarkResumed stamps a review so the resume loop never feeds it twice.
func (s *Store) MarkResumed(ctx context.Context, reviewID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_reviews SET workflow_resumed_at = $2 WHERE id = $1`,
		reviewID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking review %s resumed: %w", reviewID, err)
	}
	return nil
}

// InvestigationStatus looks up the current read-model status.
func (s *Store) InvestigationStatus(ctx context.Context, investigationID string) (models.InvestigationStatus, error) {
	var status models.InvestigationStatus
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM investigations WHERE id = $1`, investigationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("investigation %s not found", investigationID)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// InvestigationSummary renders a compact textual summary for chat inquiries.
func (s *Store) InvestigationSummary(ctx context.Context, investigationID string) (string, error) {
	var row projector.InvestigationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM investigations WHERE id = $1`, investigationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("investigation %s not found", investigationID)
	}
	if err != nil {
		return "", err
	}

	summary := fmt.Sprintf(
		"Investigation %s\nTitle: %s\nStatus: %s (phase %s)\nSeverity: %s\nAlerts: %d, observables: %d, enriched: %d (%d malicious, %d suspicious)",
		row.ID, row.Title, row.Status, row.CurrentPhase, row.Severity,
		row.AlertCount, row.ObservableCount, row.EnrichmentCount,
		row.MaliciousCount, row.SuspiciousCount)
	if row.VerdictDecision != nil {
		summary += fmt.Sprintf("\nVerdict: %s", *row.VerdictDecision)
		if row.VerdictConfidence != nil {
			summary += fmt.Sprintf(" (confidence %.2f)", *row.VerdictConfidence)
		}
	}
	if row.Resolution != nil && *row.Resolution != "" {
		summary += "\nResolution: " + *row.Resolution
	}
	return summary, nil
}
