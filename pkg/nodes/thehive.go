package nodes

import (
	"context"
	"log/slog"

	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// CaseManager opens cases in the incident-response platform.
type CaseManager interface {
	CreateCase(ctx context.Context, tc models.TheHiveCase) (string, error)
	AddObservable(ctx context.Context, caseID string, o models.Observable, malicious bool) error
}

// TheHiveNode escalates an approved investigation into a case with its
// observables attached.
type TheHiveNode struct {
	cases CaseManager
	log   *slog.Logger
}

// NewTheHiveNode returns the escalation node.
func NewTheHiveNode(cases CaseManager) *TheHiveNode {
	return &TheHiveNode{
		cases: cases,
		log:   slog.With("component", "node", "node", NodeTheHive),
	}
}

func (n *TheHiveNode) Name() string { return NodeTheHive }

func (n *TheHiveNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	inv := st.Investigation
	st.Touch()

	if st.CurrentPhase != models.PhaseEscalation {
		rc.Emitter.PhaseChanged(st.CurrentPhase, models.PhaseEscalation)
		st.CurrentPhase = models.PhaseEscalation
	}

	// A resumed workflow that already escalated must not open a second case.
	if inv.TheHiveCaseID != "" {
		n.log.Info("case already exists", "investigation_id", inv.ID, "case_id", inv.TheHiveCaseID)
		return nil
	}

	caseID, err := n.cases.CreateCase(ctx, inv.ToTheHiveCase())
	if err != nil {
		st.RecordError(err)
		rc.Emitter.ErrorOccurred(NodeTheHive, err, st.ErrorCount)
		// The investigation still closes as escalation-intended even when
		// the case platform is down; the close node records the outcome.
		n.log.Error("case creation failed", "investigation_id", inv.ID, "error", err)
		return nil
	}
	inv.TheHiveCaseID = caseID
	st.ClearError()

	malicious := make(map[string]bool)
	for _, e := range inv.MaliciousIndicators() {
		malicious[e.Observable.Key()] = true
	}
	attached := 0
	for _, o := range inv.Observables() {
		if err := n.cases.AddObservable(ctx, caseID, o, malicious[o.Key()]); err != nil {
			n.log.Warn("attaching observable failed",
				"investigation_id", inv.ID, "case_id", caseID, "observable", o.Key(), "error", err)
			continue
		}
		attached++
	}

	rc.Emitter.TheHiveCaseCreated(caseID, inv.Title, attached)
	n.log.Info("case created",
		"investigation_id", inv.ID, "case_id", caseID, "observables", attached)
	return nil
}
