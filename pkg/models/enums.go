// Package models defines the domain types shared across the SocTalk agent:
// alerts, observables, investigations, verdicts, and the workflow state that
// flows through the investigation graph.
package models

// Severity is the normalized alert severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison; higher is more severe.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric ordering of the severity (low=1 .. critical=4).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SeverityFromWazuhLevel maps a Wazuh rule level to a Severity.
// Levels 12+ are critical, 8+ high, 4+ medium, everything else low.
func SeverityFromWazuhLevel(level int) Severity {
	switch {
	case level >= 12:
		return SeverityCritical
	case level >= 8:
		return SeverityHigh
	case level >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ObservableType classifies an extracted observable.
type ObservableType string

const (
	ObservableIP          ObservableType = "ip"
	ObservableDomain      ObservableType = "domain"
	ObservableURL         ObservableType = "url"
	ObservableHashMD5     ObservableType = "hash_md5"
	ObservableHashSHA1    ObservableType = "hash_sha1"
	ObservableHashSHA256  ObservableType = "hash_sha256"
	ObservableEmail       ObservableType = "email"
	ObservableFilename    ObservableType = "filename"
	ObservableFQDN        ObservableType = "fqdn"
	ObservableUser        ObservableType = "user"
	ObservableProcess     ObservableType = "process"
	ObservableRegistryKey ObservableType = "registry_key"
	ObservableUnknown     ObservableType = "unknown"
)

// EnrichmentVerdict is an analyzer's judgement of a single observable.
type EnrichmentVerdict string

const (
	VerdictBenign     EnrichmentVerdict = "benign"
	VerdictSuspicious EnrichmentVerdict = "suspicious"
	VerdictMalicious  EnrichmentVerdict = "malicious"
	VerdictUnknown    EnrichmentVerdict = "unknown"
)

// Phase tracks where an investigation is in its lifecycle.
type Phase string

const (
	PhaseTriage      Phase = "triage"
	PhaseEnrichment  Phase = "enrichment"
	PhaseAnalysis    Phase = "analysis"
	PhaseVerdict     Phase = "verdict"
	PhaseHumanReview Phase = "human_review"
	PhaseEscalation  Phase = "escalation"
	PhaseClosed      Phase = "closed"
)

// InvestigationStatus is the read-model status of an investigation.
type InvestigationStatus string

const (
	StatusPending    InvestigationStatus = "pending"
	StatusInProgress InvestigationStatus = "in_progress"
	StatusPaused     InvestigationStatus = "paused"
	StatusEscalated  InvestigationStatus = "escalated"
	StatusClosed     InvestigationStatus = "closed"
	StatusAutoClosed InvestigationStatus = "auto_closed"
	StatusRejected   InvestigationStatus = "rejected"
	StatusCancelled  InvestigationStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s InvestigationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused, StatusEscalated,
		StatusClosed, StatusAutoClosed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s InvestigationStatus) Terminal() bool {
	switch s {
	case StatusEscalated, StatusClosed, StatusAutoClosed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// VerdictDecision is the AI verdict outcome.
type VerdictDecision string

const (
	DecisionEscalate      VerdictDecision = "escalate"
	DecisionClose         VerdictDecision = "close"
	DecisionNeedsMoreInfo VerdictDecision = "needs_more_info"
)

// HumanDecision is an analyst's response to a review request.
type HumanDecision string

const (
	HumanApprove  HumanDecision = "approve"
	HumanReject   HumanDecision = "reject"
	HumanMoreInfo HumanDecision = "more_info"
)

// EvidenceStrength qualifies how strong the verdict's evidence base is.
type EvidenceStrength string

const (
	EvidenceStrong EvidenceStrength = "strong"
	EvidenceMedium EvidenceStrength = "medium"
	EvidenceWeak   EvidenceStrength = "weak"
)

// ImpactLevel estimates the potential impact of a confirmed threat.
type ImpactLevel string

const (
	ImpactCritical ImpactLevel = "critical"
	ImpactHigh     ImpactLevel = "high"
	ImpactMedium   ImpactLevel = "medium"
	ImpactLow      ImpactLevel = "low"
)

// Urgency estimates how fast a human needs to act.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyRoutine   Urgency = "routine"
)
