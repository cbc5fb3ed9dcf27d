package nodes

import (
	"context"
	"log/slog"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// ThreatIntel checks observables against the threat-intelligence platform.
type ThreatIntel interface {
	CheckIOCs(ctx context.Context, observables []models.Observable) (*models.MISPContext, []models.Finding, error)
}

// MISPNode contextualizes the investigation's observables against known
// threat intelligence.
type MISPNode struct {
	intel ThreatIntel
	log   *slog.Logger
}

// NewMISPNode returns the contextualization worker.
func NewMISPNode(intel ThreatIntel) *MISPNode {
	return &MISPNode{
		intel: intel,
		log:   slog.With("component", "node", "node", NodeMISP),
	}
}

func (n *MISPNode) Name() string { return NodeMISP }

func (n *MISPNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	inv := st.Investigation
	st.Touch()

	candidates := intelCandidates(inv)
	if len(candidates) == 0 {
		n.log.Info("no observables suitable for threat intel", "investigation_id", inv.ID)
		return nil
	}

	mc, findings, err := n.intel.CheckIOCs(ctx, candidates)
	if err != nil {
		st.RecordError(err)
		rc.Emitter.ErrorOccurred(NodeMISP, err, st.ErrorCount)
		n.log.Warn("threat intel lookup failed", "investigation_id", inv.ID, "error", err)
		return nil
	}

	mergeMISPContext(inv, mc)
	inv.Findings = append(inv.Findings, findings...)
	st.ClearError()

	for _, match := range mc.Matches {
		value, _ := match["value"].(string)
		typ, _ := match["type"].(string)
		eventID, _ := match["event_id"].(string)
		toIDS, _ := match["to_ids"].(bool)
		rc.Emitter.MISPIOCMatched(events.MISPIOCMatchedPayload{
			Value:   value,
			Type:    typ,
			EventID: eventID,
			ToIDS:   toIDS,
		})
	}
	rc.Emitter.MISPContextRetrieved(events.MISPContextRetrievedPayload{
		CheckedIOCs:  len(mc.CheckedIOCs),
		Matches:      len(mc.Matches),
		ThreatActors: mc.ThreatActors,
		Campaigns:    mc.Campaigns,
	})

	n.log.Info("threat intel retrieved",
		"investigation_id", inv.ID,
		"checked", len(mc.CheckedIOCs), "matches", len(mc.Matches),
		"actors", len(mc.ThreatActors), "campaigns", len(mc.Campaigns))
	return nil
}

// intelCandidates picks observables worth a threat-intel lookup: external
// indicators not already checked in an earlier round.
func intelCandidates(inv *models.Investigation) []models.Observable {
	checked := make(map[string]bool)
	if inv.MISPContext != nil {
		for _, v := range inv.MISPContext.CheckedIOCs {
			checked[v] = true
		}
	}
	var out []models.Observable
	for _, o := range inv.Observables() {
		if checked[o.Value] || hasTag(o, "private_ip") {
			continue
		}
		switch o.Type {
		case models.ObservableIP, models.ObservableDomain, models.ObservableFQDN,
			models.ObservableURL, models.ObservableHashMD5,
			models.ObservableHashSHA1, models.ObservableHashSHA256:
			out = append(out, o)
		}
	}
	return out
}

// mergeMISPContext folds a new lookup into any context from earlier rounds.
func mergeMISPContext(inv *models.Investigation, mc *models.MISPContext) {
	if inv.MISPContext == nil {
		inv.MISPContext = mc
		return
	}
	existing := inv.MISPContext
	existing.CheckedIOCs = append(existing.CheckedIOCs, mc.CheckedIOCs...)
	existing.Matches = append(existing.Matches, mc.Matches...)
	existing.Events = append(existing.Events, mc.Events...)
	existing.WarninglistHits = append(existing.WarninglistHits, mc.WarninglistHits...)
	for _, a := range mc.ThreatActors {
		existing.ThreatActors = appendMissing(existing.ThreatActors, a)
	}
	for _, c := range mc.Campaigns {
		existing.Campaigns = appendMissing(existing.Campaigns, c)
	}
	existing.LastChecked = mc.LastChecked
}

func appendMissing(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
