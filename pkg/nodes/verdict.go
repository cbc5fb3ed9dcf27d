package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/llm"
	"github.com/gbrigandi/soctalk/pkg/masking"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// maxQuotedLogLen caps raw log excerpts quoted into the verdict prompt.
const maxQuotedLogLen = 300

// VerdictNode renders the final judgement with the reasoning model.
type VerdictNode struct {
	completer llm.Completer
	log       *slog.Logger
}

// NewVerdictNode returns the verdict node.
func NewVerdictNode(completer llm.Completer) *VerdictNode {
	return &VerdictNode{
		completer: completer,
		log:       slog.With("component", "node", "node", NodeVerdict),
	}
}

func (n *VerdictNode) Name() string { return NodeVerdict }

func (n *VerdictNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	if st.CurrentPhase != models.PhaseVerdict {
		rc.Emitter.PhaseChanged(st.CurrentPhase, models.PhaseVerdict)
		st.CurrentPhase = models.PhaseVerdict
	}
	st.Touch()

	raw, err := n.completer.Complete(ctx, verdictSystemPrompt, buildVerdictContext(st),
		llm.VerdictTemperature, llm.VerdictMaxTokens)
	if err != nil {
		st.RecordError(err)
		rc.Emitter.ErrorOccurred(NodeVerdict, err, st.ErrorCount)
		v := safeVerdict("Verdict model call failed, requesting another gathering round")
		st.Verdict = &v
		st.VerdictRetryCount++
		rc.Emitter.VerdictRendered(v, st.VerdictRetryCount)
		return nil
	}

	v := parseVerdict(raw)
	v.RenderedAt = time.Now().UTC()
	st.Verdict = &v
	if v.Decision == models.DecisionNeedsMoreInfo {
		st.VerdictRetryCount++
	}
	st.ClearError()
	rc.Emitter.VerdictRendered(v, st.VerdictRetryCount)
	n.log.Info("verdict rendered",
		"investigation_id", st.Investigation.ID,
		"decision", v.Decision, "confidence", v.Confidence,
		"evidence_strength", v.EvidenceStrength, "retry_count", st.VerdictRetryCount)
	return nil
}

// buildVerdictContext lays out the full evidence base for the reasoning
// model, including what is missing.
func buildVerdictContext(st *models.State) string {
	inv := st.Investigation
	var b strings.Builder

	fmt.Fprintf(&b, "Investigation: %s\nSeverity: %s\nAlerts: %d\n\n",
		inv.Title, inv.MaxSeverity(), len(inv.Alerts))

	for _, a := range inv.Alerts {
		fmt.Fprintf(&b, "- [level %d, rule %s] %s (agent %s, %s)\n",
			a.RuleLevel, a.RuleID, a.RuleDescription, a.Source.AgentName,
			a.Timestamp.Format(time.RFC3339))
		if a.RawText != "" {
			excerpt := a.RawText
			if len(excerpt) > maxQuotedLogLen {
				excerpt = excerpt[:maxQuotedLogLen]
			}
			fmt.Fprintf(&b, "  log: %s\n", masking.Redact(excerpt))
		}
	}

	fmt.Fprintf(&b, "\nEnrichment (%d results):\n", len(inv.Enrichments))
	for _, e := range inv.Enrichments {
		fmt.Fprintf(&b, "- %s: %s via %s (confidence %.2f)\n",
			e.Observable.Key(), e.Verdict, e.Analyzer, e.Confidence)
	}
	if pending := inv.PendingObservables(); len(pending) > 0 {
		fmt.Fprintf(&b, "Unchecked observables: %d\n", len(pending))
	}

	if len(inv.Findings) > 0 {
		fmt.Fprintf(&b, "\nFindings:\n")
		for _, f := range inv.Findings {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", f.Severity, f.Source, f.Description)
		}
	}

	if mc := inv.MISPContext; mc != nil {
		fmt.Fprintf(&b, "\nThreat intel: %d IOCs checked, %d matches\n",
			len(mc.CheckedIOCs), len(mc.Matches))
		if len(mc.ThreatActors) > 0 {
			fmt.Fprintf(&b, "Attributed actors: %s\n", strings.Join(mc.ThreatActors, ", "))
		}
		if len(mc.Campaigns) > 0 {
			fmt.Fprintf(&b, "Linked campaigns: %s\n", strings.Join(mc.Campaigns, ", "))
		}
		if len(mc.WarninglistHits) > 0 {
			fmt.Fprintf(&b, "Warninglist hits (likely benign): %s\n", strings.Join(mc.WarninglistHits, ", "))
		}
	} else {
		b.WriteString("\nThreat intel: not checked\n")
	}

	if dec := st.SupervisorDecision; dec != nil {
		fmt.Fprintf(&b, "\nSupervisor true-positive estimate: %.2f\n", dec.TPConfidence)
	}
	if st.VerdictRetryCount > 0 {
		fmt.Fprintf(&b, "This is verdict attempt %d; prior attempts asked for more information.\n",
			st.VerdictRetryCount+1)
	}
	if st.HumanFeedback != "" {
		fmt.Fprintf(&b, "\nAnalyst feedback: %s\n", st.HumanFeedback)
	}

	b.WriteString("\nRender your verdict.")
	return b.String()
}

func parseVerdict(raw string) models.Verdict {
	var v models.Verdict
	if err := llm.ExtractJSON(raw, &v); err != nil || !validDecision(v.Decision) {
		return safeVerdict("Verdict response unparseable, requesting another gathering round")
	}
	if v.EvidenceStrength == "" {
		v.EvidenceStrength = models.EvidenceMedium
	}
	if v.Urgency == "" {
		v.Urgency = models.UrgencyRoutine
	}
	return v
}

func validDecision(d models.VerdictDecision) bool {
	switch d {
	case models.DecisionEscalate, models.DecisionClose, models.DecisionNeedsMoreInfo:
		return true
	}
	return false
}

// safeVerdict is the conservative default when the model's answer is
// unusable: ask for more information rather than close or escalate blind.
func safeVerdict(reason string) models.Verdict {
	return models.Verdict{
		Decision:         models.DecisionNeedsMoreInfo,
		Confidence:       0,
		ThreatAssessment: reason,
		EvidenceStrength: models.EvidenceWeak,
		PotentialImpact:  models.ImpactMedium,
		Urgency:          models.UrgencyRoutine,
		RenderedAt:       time.Now().UTC(),
	}
}

// VerdictRouter routes on the verdict decision. A needs_more_info verdict
// loops back to the supervisor until the retry cap sends it to a human.
func VerdictRouter(maxRetries int) graph.Router {
	return func(st *models.State) string {
		if st.Verdict == nil {
			return NodeClose
		}
		switch st.Verdict.Decision {
		case models.DecisionEscalate:
			return NodeHumanReview
		case models.DecisionNeedsMoreInfo:
			if st.VerdictRetryCount >= maxRetries {
				return NodeHumanReview
			}
			return NodeSupervisor
		default:
			return NodeClose
		}
	}
}
