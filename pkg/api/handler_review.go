package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

// listReviewsHandler handles GET /api/v1/reviews. Defaults to pending
// reviews; ?status= selects another state, ?severity= narrows the list, and
// ?include_expired=true keeps pending reviews whose deadline already passed
// but were not swept yet.
func (s *Server) listReviewsHandler(c *gin.Context) {
	status := c.DefaultQuery("status", projector.ReviewPending)
	switch status {
	case projector.ReviewPending, projector.ReviewApproved,
		projector.ReviewRejected, projector.ReviewInfoRequested,
		projector.ReviewExpired:
	default:
		respondError(c, http.StatusBadRequest, "invalid status")
		return
	}

	query := `SELECT * FROM pending_reviews WHERE status = $1`
	args := []any{status}

	if sev := c.Query("severity"); sev != "" {
		switch models.Severity(sev) {
		case models.SeverityLow, models.SeverityMedium,
			models.SeverityHigh, models.SeverityCritical:
		default:
			respondError(c, http.StatusBadRequest, "invalid severity")
			return
		}
		args = append(args, sev)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if status == projector.ReviewPending && c.Query("include_expired") != "true" {
		args = append(args, time.Now().UTC())
		query += fmt.Sprintf(" AND (expires_at IS NULL OR expires_at > $%d)", len(args))
	}
	query += " ORDER BY requested_at DESC"

	rows := []projector.PendingReviewRow{}
	if err := s.db.SelectContext(c.Request.Context(), &rows, query, args...); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": rows})
}

type reviewRequest struct {
	Decision models.HumanDecision `json:"decision" binding:"required"`
	Feedback string               `json:"feedback"`
}

// reviewHandler handles POST /api/v1/investigations/:id/review. The review
// row is claimed and the decision event appended in one transaction, so a
// concurrent chat decision can never double-apply: whichever channel
// commits first wins and the loser gets a conflict.
func (s *Server) reviewHandler(c *gin.Context) {
	investigationID := c.Param("id")

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Decision {
	case models.HumanApprove, models.HumanReject, models.HumanMoreInfo:
	default:
		respondError(c, http.StatusBadRequest, "decision must be approve, reject, or more_info")
		return
	}
	if req.Decision == models.HumanMoreInfo && req.Feedback == "" {
		respondError(c, http.StatusBadRequest, "more_info requires feedback")
		return
	}

	ctx := c.Request.Context()
	reviewer := currentIdentity(c).Username

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	defer tx.Rollback()

	if _, err := s.reviews.ClaimTx(ctx, tx, investigationID); err != nil {
		respondStoreError(c, err)
		return
	}

	batch := []eventstore.NewEvent{{
		AggregateID:   investigationID,
		AggregateType: eventstore.AggregateInvestigation,
		EventType:     events.TypeHumanDecisionReceived,
		Payload: events.HumanDecisionReceivedPayload{
			Decision: req.Decision,
			Feedback: req.Feedback,
			Reviewer: reviewer,
			Source:   "dashboard",
		},
	}}

	// A rejection ends the investigation here: the suspended workflow is
	// abandoned, its checkpoint consumed by the resume loop's terminal check.
	if req.Decision == models.HumanReject {
		var startedAt *time.Time
		err := tx.GetContext(ctx, &startedAt,
			`SELECT started_at FROM investigations WHERE id = $1`, investigationID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		batch = append(batch, eventstore.NewEvent{
			AggregateID:   investigationID,
			AggregateType: eventstore.AggregateInvestigation,
			EventType:     events.TypeInvestigationClosed,
			Payload: events.InvestigationClosedPayload{
				Status:          models.StatusRejected,
				Resolution:      rejectResolution(reviewer),
				VerdictDecision: models.DecisionClose,
				DurationSeconds: durationSince(startedAt),
			},
		})
	}

	if err := events.AppendAndProjectTx(ctx, tx, s.store, s.projector, batch); err != nil {
		respondStoreError(c, err)
		return
	}
	if err := tx.Commit(); err != nil {
		respondStoreError(c, err)
		return
	}

	s.log.Info("dashboard decision recorded",
		"investigation_id", investigationID, "decision", req.Decision, "reviewer", reviewer)
	c.JSON(http.StatusOK, gin.H{
		"investigation_id": investigationID,
		"decision":         req.Decision,
		"source":           "dashboard",
	})
}

func rejectResolution(reviewer string) string {
	return "Rejected by " + reviewer + " via dashboard review"
}

func durationSince(startedAt *time.Time) float64 {
	if startedAt == nil {
		return 0
	}
	return time.Since(*startedAt).Seconds()
}
