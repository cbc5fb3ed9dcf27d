package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// HumanReviewNode suspends the workflow until an analyst decides. It runs
// twice per review: once to request and suspend, once on resume to consume
// the decision.
type HumanReviewNode struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewHumanReviewNode returns the review node. A positive timeout stamps a
// deadline on each review request; overdue reviews are swept to expired and
// fed back to the workflow as more_info.
func NewHumanReviewNode(timeout time.Duration) *HumanReviewNode {
	return &HumanReviewNode{
		timeout: timeout,
		log:     slog.With("component", "node", "node", NodeHumanReview),
	}
}

func (n *HumanReviewNode) Name() string { return NodeHumanReview }

func (n *HumanReviewNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	st.Touch()

	if rc.Resume != nil {
		return n.consumeDecision(st, rc)
	}

	if st.CurrentPhase != models.PhaseHumanReview {
		rc.Emitter.PhaseChanged(st.CurrentPhase, models.PhaseHumanReview)
		st.CurrentPhase = models.PhaseHumanReview
	}

	payload := reviewPayload(st, n.timeout)

	// The request event and any phase change must be visible to the
	// dashboard before the workflow parks, so this commits on its own.
	if !st.ReviewRequested {
		if err := rc.Emitter.HumanReviewRequested(ctx, payload); err != nil {
			return err
		}
		st.ReviewRequested = true

		if rc.Review != nil {
			if err := rc.Review.RequestReview(ctx, st.Investigation.ID, payload); err != nil {
				// The dashboard still shows the pending review, so a failed
				// chat notification is not fatal.
				st.RecordError(err)
				n.log.Warn("review notification failed",
					"investigation_id", st.Investigation.ID, "error", err)
			}
		}
	}

	n.log.Info("awaiting human decision", "investigation_id", st.Investigation.ID)
	return graph.Suspend(NodeHumanReview, "awaiting analyst decision", map[string]any{
		"title":            payload.Title,
		"severity":         string(payload.Severity),
		"verdict_decision": string(payload.VerdictDecision),
		"confidence":       payload.Confidence,
	})
}

func (n *HumanReviewNode) consumeDecision(st *models.State, rc *graph.RunConfig) error {
	resume := rc.Resume
	st.HumanDecision = resume.Decision
	st.HumanFeedback = resume.Feedback
	st.Reviewer = resume.Reviewer
	st.ReviewRequested = false

	// Dashboard decisions were already recorded by the review endpoint in
	// the same transaction that claimed the review; re-emitting here would
	// double the decision in the log.
	switch resume.Source {
	case "dashboard", "ui":
	default:
		rc.Emitter.HumanDecisionReceived(resume.Decision, resume.Feedback, resume.Reviewer, resume.Source)
	}

	if resume.Decision == models.HumanMoreInfo && resume.Feedback != "" {
		st.InvestigationGuidance = resume.Feedback
	}

	n.log.Info("human decision received",
		"investigation_id", st.Investigation.ID,
		"decision", resume.Decision, "reviewer", resume.Reviewer, "source", resume.Source)
	return nil
}

func reviewPayload(st *models.State, timeout time.Duration) events.HumanReviewRequestedPayload {
	p := events.HumanReviewRequestedPayload{
		Title:    st.Investigation.Title,
		Severity: st.Investigation.MaxSeverity(),
	}
	if v := st.Verdict; v != nil {
		p.VerdictDecision = v.Decision
		p.Confidence = v.Confidence
		p.ThreatAssessment = v.ThreatAssessment
		p.Recommendation = v.Recommendation
	}
	if timeout > 0 {
		expires := time.Now().UTC().Add(timeout)
		p.ExpiresAt = &expires
	}
	return p
}

// HumanReviewRouter routes on the analyst's decision.
func HumanReviewRouter(st *models.State) string {
	switch st.HumanDecision {
	case models.HumanApprove:
		return NodeTheHive
	case models.HumanReject:
		return NodeClose
	case models.HumanMoreInfo:
		return NodeSupervisor
	default:
		return NodeClose
	}
}
