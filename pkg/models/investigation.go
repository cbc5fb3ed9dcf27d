package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MISPContext aggregates threat-intelligence lookups for an investigation.
type MISPContext struct {
	CheckedIOCs     []string         `json:"checked_iocs,omitempty"`
	Matches         []map[string]any `json:"matches,omitempty"`
	Events          []map[string]any `json:"events,omitempty"`
	ThreatActors    []string         `json:"threat_actors,omitempty"`
	Campaigns       []string         `json:"campaigns,omitempty"`
	WarninglistHits []string         `json:"warninglist_hits,omitempty"`
	LastChecked     time.Time        `json:"last_checked,omitempty"`
}

// Investigation is the in-memory aggregate the workflow operates on.
// It owns its alerts; alerts own their observables. Enrichments refer back
// to observables by (value, type), never by pointer.
type Investigation struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	Status        InvestigationStatus `json:"status"`
	Alerts        []Alert             `json:"alerts"`
	Enrichments   []EnrichmentResult  `json:"enrichments,omitempty"`
	Findings      []Finding           `json:"findings,omitempty"`
	MISPContext   *MISPContext        `json:"misp_context,omitempty"`
	TheHiveCaseID string              `json:"thehive_case_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     time.Time           `json:"started_at,omitempty"`
	ClosedAt      time.Time           `json:"closed_at,omitempty"`
	Resolution    string              `json:"resolution,omitempty"`
}

// MaxSeverity returns the highest severity across all alerts, defaulting to
// low when the investigation has no alerts.
func (inv *Investigation) MaxSeverity() Severity {
	max := SeverityLow
	for _, a := range inv.Alerts {
		max = MaxSeverity(max, a.Severity)
	}
	return max
}

// Observables returns all observables across all alerts, deduplicated by key.
func (inv *Investigation) Observables() []Observable {
	seen := make(map[string]bool)
	var out []Observable
	for _, a := range inv.Alerts {
		for _, o := range a.Observables {
			if seen[o.Key()] {
				continue
			}
			seen[o.Key()] = true
			out = append(out, o)
		}
	}
	return out
}

// EnrichedKeys returns the set of observable keys that already have an
// enrichment result.
func (inv *Investigation) EnrichedKeys() map[string]bool {
	keys := make(map[string]bool, len(inv.Enrichments))
	for _, e := range inv.Enrichments {
		keys[e.Observable.Key()] = true
	}
	return keys
}

// PendingObservables returns observables without an enrichment result yet.
func (inv *Investigation) PendingObservables() []Observable {
	enriched := inv.EnrichedKeys()
	var out []Observable
	for _, o := range inv.Observables() {
		if !enriched[o.Key()] {
			out = append(out, o)
		}
	}
	return out
}

// MaliciousIndicators returns enrichments with a malicious verdict.
func (inv *Investigation) MaliciousIndicators() []EnrichmentResult {
	var out []EnrichmentResult
	for _, e := range inv.Enrichments {
		if e.IsMalicious() {
			out = append(out, e)
		}
	}
	return out
}

// SuspiciousIndicators returns enrichments with a suspicious verdict.
func (inv *Investigation) SuspiciousIndicators() []EnrichmentResult {
	var out []EnrichmentResult
	for _, e := range inv.Enrichments {
		if e.IsSuspicious() {
			out = append(out, e)
		}
	}
	return out
}

var genericDescriptions = []string{
	"alert", "event", "rule fired", "unknown",
}

// GenerateTitle derives a human title from the first non-generic rule
// description, with a related-alert suffix when the investigation groups
// more than one alert.
func (inv *Investigation) GenerateTitle() string {
	base := ""
	for _, a := range inv.Alerts {
		desc := strings.TrimSpace(a.RuleDescription)
		if desc == "" {
			continue
		}
		generic := false
		for _, g := range genericDescriptions {
			if strings.EqualFold(desc, g) {
				generic = true
				break
			}
		}
		if !generic {
			base = desc
			break
		}
	}
	if base == "" {
		base = "Security Investigation"
	}
	if len(base) > 50 {
		base = base[:50]
	}
	if n := len(inv.Alerts) - 1; n > 0 {
		return fmt.Sprintf("%s (+%d related alerts)", base, n)
	}
	return base
}

// TheHiveCase is the case payload sent to the incident-response system.
type TheHiveCase struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    int      `json:"severity"`
	TLP         int      `json:"tlp"`
	PAP         int      `json:"pap"`
	Tags        []string `json:"tags"`
}

// ToTheHiveCase builds the case payload for escalation. TheHive severity is
// 1-4 matching low..critical; TLP and PAP default to amber (2).
func (inv *Investigation) ToTheHiveCase() TheHiveCase {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated escalation of investigation %s\n\n", inv.ID)
	fmt.Fprintf(&b, "Alerts: %d\nObservables: %d\n", len(inv.Alerts), len(inv.Observables()))
	if mal := inv.MaliciousIndicators(); len(mal) > 0 {
		fmt.Fprintf(&b, "Malicious indicators: %d\n", len(mal))
	}
	for _, f := range inv.Findings {
		fmt.Fprintf(&b, "- [%s] %s\n", strings.ToUpper(string(f.Severity)), f.Description)
	}

	return TheHiveCase{
		Title:       inv.Title,
		Description: b.String(),
		Severity:    inv.MaxSeverity().Rank(),
		TLP:         2,
		PAP:         2,
		Tags:        inv.GenerateTags(),
	}
}

var tagSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// GenerateTags builds the case tag set: base tag, severity, observable
// types, verdict markers, and sanitized threat-actor/campaign attributions.
func (inv *Investigation) GenerateTags() []string {
	tags := []string{"soctalk", "severity:" + string(inv.MaxSeverity())}

	types := make(map[ObservableType]bool)
	for _, o := range inv.Observables() {
		types[o.Type] = true
	}
	for t := range types {
		tags = append(tags, "ioc:"+string(t))
	}

	if len(inv.MaliciousIndicators()) > 0 {
		tags = append(tags, "verdict:malicious")
	} else if len(inv.SuspiciousIndicators()) > 0 {
		tags = append(tags, "verdict:suspicious")
	}

	if inv.MISPContext != nil {
		for _, actor := range inv.MISPContext.ThreatActors {
			tags = append(tags, "ta:"+sanitizeTag(actor))
		}
		for _, c := range inv.MISPContext.Campaigns {
			tags = append(tags, "campaign:"+sanitizeTag(c))
		}
	}
	return tags
}

func sanitizeTag(s string) string {
	s = tagSanitizeRe.ReplaceAllString(strings.TrimSpace(s), "_")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}
