package models

import "time"

// SupervisorAction is what the supervisor tells the workflow to do next.
type SupervisorAction string

const (
	ActionInvestigate   SupervisorAction = "INVESTIGATE"
	ActionEnrich        SupervisorAction = "ENRICH"
	ActionContextualize SupervisorAction = "CONTEXTUALIZE"
	ActionVerdict       SupervisorAction = "VERDICT"
	ActionClose         SupervisorAction = "CLOSE"
)

// SupervisorDecision is the parsed supervisor response that drives routing.
type SupervisorDecision struct {
	NextAction   SupervisorAction `json:"next_action"`
	Reasoning    string           `json:"reasoning,omitempty"`
	TPConfidence float64          `json:"tp_confidence"`
	Guidance     string           `json:"guidance,omitempty"`
}

// Verdict is the final AI judgement on an investigation.
type Verdict struct {
	Decision         VerdictDecision  `json:"decision"`
	Confidence       float64          `json:"confidence"`
	ThreatAssessment string           `json:"threat_assessment,omitempty"`
	Recommendation   string           `json:"recommendation,omitempty"`
	KeyEvidence      []string         `json:"key_evidence,omitempty"`
	GapsInEvidence   []string         `json:"gaps_in_evidence,omitempty"`
	EvidenceStrength EvidenceStrength `json:"evidence_strength,omitempty"`
	PotentialImpact  ImpactLevel      `json:"potential_impact,omitempty"`
	Urgency          Urgency          `json:"urgency,omitempty"`
	ThreatActor      string           `json:"threat_actor,omitempty"`
	RenderedAt       time.Time        `json:"rendered_at,omitempty"`
}
