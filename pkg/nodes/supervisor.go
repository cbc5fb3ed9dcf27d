// Package nodes implements the workflow steps of an investigation: the
// supervisor routing loop, the worker nodes that gather evidence, the
// verdict, human review, escalation, and close.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/llm"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// Node names double as routing targets.
const (
	NodeSupervisor  = "supervisor"
	NodeWazuh       = "wazuh"
	NodeCortex      = "cortex"
	NodeMISP        = "misp"
	NodeVerdict     = "verdict"
	NodeHumanReview = "human_review"
	NodeTheHive     = "thehive"
	NodeClose       = "close"
)

// SupervisorNode decides the next investigation step with the fast model.
type SupervisorNode struct {
	completer     llm.Completer
	maxIterations int
	log           *slog.Logger
}

// NewSupervisorNode returns the routing node. maxIterations caps the loop;
// once exceeded the supervisor forces a verdict regardless of the model.
func NewSupervisorNode(completer llm.Completer, maxIterations int) *SupervisorNode {
	return &SupervisorNode{
		completer:     completer,
		maxIterations: maxIterations,
		log:           slog.With("component", "node", "node", NodeSupervisor),
	}
}

func (n *SupervisorNode) Name() string { return NodeSupervisor }

func (n *SupervisorNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	st.IterationCount++
	st.Touch()

	if st.IterationCount > n.maxIterations {
		dec := models.SupervisorDecision{
			NextAction:   models.ActionVerdict,
			Reasoning:    fmt.Sprintf("Maximum of %d investigation iterations reached, forcing verdict", n.maxIterations),
			TPConfidence: 0.5,
		}
		st.SupervisorDecision = &dec
		rc.Emitter.SupervisorDecision(dec, st.IterationCount)
		n.log.Warn("iteration cap reached, forcing verdict",
			"investigation_id", st.Investigation.ID, "iteration", st.IterationCount)
		return nil
	}

	raw, err := n.completer.Complete(ctx, supervisorSystemPrompt, buildSupervisorContext(st),
		llm.SupervisorTemperature, llm.SupervisorMaxTokens)
	if err != nil {
		st.RecordError(err)
		rc.Emitter.ErrorOccurred(NodeSupervisor, err, st.ErrorCount)
		dec := fallbackDecision("")
		st.SupervisorDecision = &dec
		rc.Emitter.SupervisorDecision(dec, st.IterationCount)
		return nil
	}

	dec := parseSupervisorDecision(raw)
	st.SupervisorDecision = &dec
	if dec.Guidance != "" {
		st.InvestigationGuidance = dec.Guidance
	}
	st.ClearError()
	rc.Emitter.SupervisorDecision(dec, st.IterationCount)
	n.log.Info("supervisor decision",
		"investigation_id", st.Investigation.ID,
		"action", dec.NextAction, "tp_confidence", dec.TPConfidence, "iteration", st.IterationCount)
	return nil
}

// buildSupervisorContext summarizes the investigation for the routing model.
func buildSupervisorContext(st *models.State) string {
	inv := st.Investigation
	var b strings.Builder

	fmt.Fprintf(&b, "Investigation: %s\nSeverity: %s\nIteration: %d\n\n",
		inv.Title, inv.MaxSeverity(), st.IterationCount)

	fmt.Fprintf(&b, "Alerts (%d):\n", len(inv.Alerts))
	for i, a := range inv.Alerts {
		if i >= 5 {
			fmt.Fprintf(&b, "- ... and %d more\n", len(inv.Alerts)-i)
			break
		}
		fmt.Fprintf(&b, "- [level %d] %s (agent %s)\n", a.RuleLevel, a.RuleDescription, a.Source.AgentName)
	}

	pending := inv.PendingObservables()
	fmt.Fprintf(&b, "\nObservables: %d total, %d not yet enriched\n", len(inv.Observables()), len(pending))

	if len(inv.Enrichments) > 0 {
		mal := inv.MaliciousIndicators()
		sus := inv.SuspiciousIndicators()
		fmt.Fprintf(&b, "Enrichment results: %d checked, %d malicious, %d suspicious\n",
			len(inv.Enrichments), len(mal), len(sus))
		for _, e := range mal {
			fmt.Fprintf(&b, "- MALICIOUS %s (%s, confidence %.2f)\n", e.Observable.Value, e.Analyzer, e.Confidence)
		}
	}

	if len(inv.Findings) > 0 {
		fmt.Fprintf(&b, "\nFindings (%d):\n", len(inv.Findings))
		for _, f := range inv.Findings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Severity, f.Description)
		}
	}

	if inv.MISPContext != nil {
		fmt.Fprintf(&b, "\nThreat intel: %d IOCs checked, %d matches",
			len(inv.MISPContext.CheckedIOCs), len(inv.MISPContext.Matches))
		if len(inv.MISPContext.ThreatActors) > 0 {
			fmt.Fprintf(&b, ", actors: %s", strings.Join(inv.MISPContext.ThreatActors, ", "))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("\nThreat intel: not checked yet\n")
	}

	if st.LastError != "" {
		fmt.Fprintf(&b, "\nLast step failed: %s\n", st.LastError)
	}
	if st.HumanFeedback != "" {
		fmt.Fprintf(&b, "\nAnalyst feedback: %s\n", st.HumanFeedback)
	}

	b.WriteString("\nWhat is the next action?")
	return b.String()
}

// keywordActions is the scan order when the response is not valid JSON.
// VERDICT and CLOSE are matched first so a prose answer that mentions them
// is not misread as another enrichment round.
var keywordActions = []models.SupervisorAction{
	models.ActionVerdict,
	models.ActionClose,
	models.ActionInvestigate,
	models.ActionContextualize,
	models.ActionEnrich,
}

func parseSupervisorDecision(raw string) models.SupervisorDecision {
	var dec models.SupervisorDecision
	if err := llm.ExtractJSON(raw, &dec); err == nil && validAction(dec.NextAction) {
		return dec
	}
	return fallbackDecision(raw)
}

func validAction(a models.SupervisorAction) bool {
	switch a {
	case models.ActionInvestigate, models.ActionEnrich, models.ActionContextualize,
		models.ActionVerdict, models.ActionClose:
		return true
	}
	return false
}

// fallbackDecision scans the raw response for an action keyword and
// otherwise defaults to another enrichment round at neutral confidence.
func fallbackDecision(raw string) models.SupervisorDecision {
	upper := strings.ToUpper(raw)
	for _, action := range keywordActions {
		if strings.Contains(upper, string(action)) {
			return models.SupervisorDecision{
				NextAction:   action,
				Reasoning:    "Recovered action keyword from unparseable supervisor response",
				TPConfidence: 0.5,
			}
		}
	}
	return models.SupervisorDecision{
		NextAction:   models.ActionEnrich,
		Reasoning:    "Supervisor response unparseable, defaulting to enrichment",
		TPConfidence: 0.5,
	}
}

// SupervisorRouter maps the decision to the next node. Unknown actions fall
// through to enrichment, matching the parse fallback.
func SupervisorRouter(st *models.State) string {
	if st.SupervisorDecision == nil {
		return NodeCortex
	}
	switch st.SupervisorDecision.NextAction {
	case models.ActionInvestigate:
		return NodeWazuh
	case models.ActionEnrich:
		return NodeCortex
	case models.ActionContextualize:
		return NodeMISP
	case models.ActionVerdict:
		return NodeVerdict
	case models.ActionClose:
		return NodeClose
	default:
		return NodeCortex
	}
}
