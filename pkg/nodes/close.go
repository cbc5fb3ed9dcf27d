package nodes

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// maxResolutionLen caps the stored resolution string.
const maxResolutionLen = 200

// CloseNode finalizes the investigation and records how it ended.
type CloseNode struct {
	log *slog.Logger
}

// NewCloseNode returns the terminal node.
func NewCloseNode() *CloseNode {
	return &CloseNode{log: slog.With("component", "node", "node", NodeClose)}
}

func (n *CloseNode) Name() string { return NodeClose }

func (n *CloseNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	inv := st.Investigation
	now := time.Now().UTC()
	st.Touch()

	if st.CurrentPhase != models.PhaseClosed {
		rc.Emitter.PhaseChanged(st.CurrentPhase, models.PhaseClosed)
		st.CurrentPhase = models.PhaseClosed
	}

	resolution := buildResolution(st)
	inv.Resolution = resolution
	inv.ClosedAt = now

	payload := events.InvestigationClosedPayload{
		Resolution:      resolution,
		DurationSeconds: now.Sub(st.StartedAt).Seconds(),
	}
	if st.Verdict != nil {
		payload.VerdictDecision = st.Verdict.Decision
	}
	rc.Emitter.InvestigationClosed(payload)

	n.log.Info("investigation closed",
		"investigation_id", inv.ID,
		"resolution", resolution,
		"duration_seconds", payload.DurationSeconds)
	return nil
}

// buildResolution composes the closure reason. A human decision outranks the
// AI verdict, which outranks the supervisor's judgement.
func buildResolution(st *models.State) string {
	var reasons []string

	switch st.HumanDecision {
	case models.HumanReject:
		reasons = append(reasons, "Rejected by analyst during human review")
	case models.HumanApprove:
		reasons = append(reasons, "Approved by analyst - incident created")
	case models.HumanMoreInfo:
		reasons = append(reasons, "Analyst requested more information but investigation closed")
	}

	if len(reasons) == 0 && st.Verdict != nil && st.Verdict.Decision == models.DecisionClose {
		reason := "Closed by AI verdict - likely false positive"
		if st.Verdict.ThreatAssessment != "" {
			reason += ": " + st.Verdict.ThreatAssessment
		}
		reasons = append(reasons, reason)
	}

	if len(reasons) == 0 && st.SupervisorDecision != nil &&
		st.SupervisorDecision.NextAction == models.ActionClose {
		reason := "Closed by supervisor - insufficient evidence of threat"
		if st.SupervisorDecision.Reasoning != "" {
			reason += ": " + st.SupervisorDecision.Reasoning
		}
		reasons = append(reasons, reason)
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "Investigation completed")
	}

	resolution := strings.Join(reasons, " | ")
	if len(resolution) > maxResolutionLen {
		resolution = resolution[:maxResolutionLen]
	}
	return resolution
}
