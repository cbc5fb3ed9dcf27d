package events

import (
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// InvestigationCreatedPayload is the payload for investigation.created.
type InvestigationCreatedPayload struct {
	Title       string          `json:"title"`
	Severity    models.Severity `json:"severity"`
	AlertCount  int             `json:"alert_count"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// InvestigationStartedPayload is the payload for investigation.started.
type InvestigationStartedPayload struct {
	ThreadID string `json:"thread_id"` // workflow checkpoint thread
}

// InvestigationClosedPayload is the payload for investigation.closed.
// Status is derived by the projector from the closing context when empty.
type InvestigationClosedPayload struct {
	Status          models.InvestigationStatus `json:"status,omitempty"`
	Resolution      string                     `json:"resolution"`
	VerdictDecision models.VerdictDecision     `json:"verdict_decision,omitempty"`
	DurationSeconds float64                    `json:"duration_seconds,omitempty"`
}

// LifecyclePayload covers paused, resumed, and cancelled events.
type LifecyclePayload struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"` // username, or "system"
}

// AlertCorrelatedPayload is the payload for alert.correlated and alert.added.
type AlertCorrelatedPayload struct {
	AlertID         string          `json:"alert_id"`
	RuleID          string          `json:"rule_id"`
	RuleDescription string          `json:"rule_description"`
	Severity        models.Severity `json:"severity"`
	CorrelationKey  string          `json:"correlation_key,omitempty"`
	AgentName       string          `json:"agent_name,omitempty"`
}

// ObservableExtractedPayload is the payload for observable.extracted.
type ObservableExtractedPayload struct {
	Value  string                `json:"value"`
	Type   models.ObservableType `json:"type"`
	Source string                `json:"source,omitempty"`
	Tags   []string              `json:"tags,omitempty"`
}

// SupervisorDecisionPayload is the payload for supervisor.decision.
type SupervisorDecisionPayload struct {
	NextAction   models.SupervisorAction `json:"next_action"`
	Reasoning    string                  `json:"reasoning,omitempty"`
	TPConfidence float64                 `json:"tp_confidence"`
	Iteration    int                     `json:"iteration"`
}

// PhaseChangedPayload is the payload for phase.changed.
type PhaseChangedPayload struct {
	From models.Phase `json:"from"`
	To   models.Phase `json:"to"`
}

// EnrichmentRequestedPayload is the payload for enrichment.requested.
type EnrichmentRequestedPayload struct {
	Observable models.Observable `json:"observable"`
	Analyzer   string            `json:"analyzer"`
}

// EnrichmentCompletedPayload is the payload for enrichment.completed and
// enrichment.failed (Error set, verdict unknown).
type EnrichmentCompletedPayload struct {
	Observable     models.Observable        `json:"observable"`
	Analyzer       string                   `json:"analyzer"`
	Verdict        models.EnrichmentVerdict `json:"verdict"`
	Confidence     float64                  `json:"confidence"`
	Details        map[string]any           `json:"details,omitempty"`
	Error          string                   `json:"error,omitempty"`
	ResponseTimeMS int64                    `json:"response_time_ms,omitempty"`
}

// AnalyzerRunPayload covers analyzer.invoked and analyzer.completed.
type AnalyzerRunPayload struct {
	Analyzer       string `json:"analyzer"`
	ObservableType string `json:"observable_type"`
	BatchSize      int    `json:"batch_size,omitempty"`
	Succeeded      int    `json:"succeeded,omitempty"`
	Failed         int    `json:"failed,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
}

// MISPIOCMatchedPayload is the payload for misp.ioc_matched.
type MISPIOCMatchedPayload struct {
	Value       string `json:"value"`
	Type        string `json:"type"`
	EventID     string `json:"event_id,omitempty"`
	EventInfo   string `json:"event_info,omitempty"`
	ThreatLevel string `json:"threat_level,omitempty"`
	ToIDS       bool   `json:"to_ids,omitempty"`
}

// MISPContextRetrievedPayload is the payload for misp.context_retrieved.
type MISPContextRetrievedPayload struct {
	CheckedIOCs  int      `json:"checked_iocs"`
	Matches      int      `json:"matches"`
	ThreatActors []string `json:"threat_actors,omitempty"`
	Campaigns    []string `json:"campaigns,omitempty"`
}

// VerdictRenderedPayload is the payload for verdict.rendered.
type VerdictRenderedPayload struct {
	Decision         models.VerdictDecision  `json:"decision"`
	Confidence       float64                 `json:"confidence"`
	EvidenceStrength models.EvidenceStrength `json:"evidence_strength,omitempty"`
	ThreatAssessment string                  `json:"threat_assessment,omitempty"`
	Urgency          models.Urgency          `json:"urgency,omitempty"`
	RetryCount       int                     `json:"retry_count,omitempty"`
}

// HumanReviewRequestedPayload is the payload for human.review_requested.
type HumanReviewRequestedPayload struct {
	Title            string                 `json:"title"`
	Severity         models.Severity        `json:"severity"`
	VerdictDecision  models.VerdictDecision `json:"verdict_decision"`
	Confidence       float64                `json:"confidence"`
	ThreatAssessment string                 `json:"threat_assessment,omitempty"`
	Recommendation   string                 `json:"recommendation,omitempty"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
}

// HumanDecisionReceivedPayload is the payload for human.decision_received.
type HumanDecisionReceivedPayload struct {
	Decision models.HumanDecision `json:"decision"`
	Feedback string               `json:"feedback,omitempty"`
	Reviewer string               `json:"reviewer,omitempty"`
	Source   string               `json:"source,omitempty"` // "chat" or "dashboard"
}

// TheHiveCaseCreatedPayload is the payload for thehive.case_created.
type TheHiveCaseCreatedPayload struct {
	CaseID          string `json:"case_id"`
	Title           string `json:"title"`
	ObservableCount int    `json:"observable_count,omitempty"`
}

// ErrorOccurredPayload is the payload for error.occurred.
type ErrorOccurredPayload struct {
	Node    string `json:"node"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}
