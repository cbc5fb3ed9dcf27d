package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/models"
)

type lifecycleRequest struct {
	Reason string `json:"reason"`
}

// pauseHandler handles POST /api/v1/investigations/:id/pause. A paused
// investigation keeps its checkpoint and any decided review until resumed.
func (s *Server) pauseHandler(c *gin.Context) {
	s.lifecycleTransition(c, events.TypeInvestigationPaused,
		models.StatusPending, models.StatusInProgress)
}

// resumeHandler handles POST /api/v1/investigations/:id/resume. Moving back
// to in_progress lets the resume loop pick up any decision made while paused.
func (s *Server) resumeHandler(c *gin.Context) {
	s.lifecycleTransition(c, events.TypeInvestigationResumed, models.StatusPaused)
}

// cancelHandler handles POST /api/v1/investigations/:id/cancel.
func (s *Server) cancelHandler(c *gin.Context) {
	s.lifecycleTransition(c, events.TypeInvestigationCancelled,
		models.StatusPending, models.StatusInProgress, models.StatusPaused)
}

func (s *Server) lifecycleTransition(c *gin.Context, eventType string, allowedFrom ...models.InvestigationStatus) {
	investigationID := c.Param("id")

	var req lifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	var status models.InvestigationStatus
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM investigations WHERE id = $1`, investigationID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	allowed := false
	for _, from := range allowedFrom {
		if status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		respondError(c, http.StatusConflict,
			"investigation is "+string(status)+", transition not allowed")
		return
	}

	actor := currentIdentity(c).Username
	err = events.AppendAndProject(ctx, s.db, s.store, s.projector, []eventstore.NewEvent{{
		AggregateID:   investigationID,
		AggregateType: eventstore.AggregateInvestigation,
		EventType:     eventType,
		Payload:       events.LifecyclePayload{Reason: req.Reason, Actor: actor},
	}})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	s.log.Info("lifecycle transition",
		"investigation_id", investigationID, "event", eventType, "actor", actor)
	c.JSON(http.StatusOK, gin.H{"investigation_id": investigationID, "event": eventType})
}
