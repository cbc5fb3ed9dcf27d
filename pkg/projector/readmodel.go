// Package projector maintains the dashboard read model. Every projection
// runs in the same transaction as the event append that triggered it, so
// the read model can never drift ahead of or behind the log; a full rebuild
// replays the log from scratch.
package projector

import (
	"encoding/json"
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// InvestigationRow is the denormalized investigation read model.
type InvestigationRow struct {
	ID                string                     `db:"id" json:"id"`
	Title             string                     `db:"title" json:"title"`
	Description       string                     `db:"description" json:"description,omitempty"`
	Status            models.InvestigationStatus `db:"status" json:"status"`
	Severity          models.Severity            `db:"severity" json:"severity"`
	CurrentPhase      models.Phase               `db:"current_phase" json:"current_phase"`
	AlertCount        int                        `db:"alert_count" json:"alert_count"`
	ObservableCount   int                        `db:"observable_count" json:"observable_count"`
	EnrichmentCount   int                        `db:"enrichment_count" json:"enrichment_count"`
	MaliciousCount    int                        `db:"malicious_count" json:"malicious_count"`
	SuspiciousCount   int                        `db:"suspicious_count" json:"suspicious_count"`
	CleanCount        int                        `db:"clean_count" json:"clean_count"`
	IterationCount    int                        `db:"iteration_count" json:"iteration_count"`
	ErrorCount        int                        `db:"error_count" json:"error_count"`
	VerdictDecision   *string                    `db:"verdict_decision" json:"verdict_decision,omitempty"`
	VerdictConfidence *float64                   `db:"verdict_confidence" json:"verdict_confidence,omitempty"`
	VerdictReasoning  *string                    `db:"verdict_reasoning" json:"verdict_reasoning,omitempty"`
	TheHiveCaseID     *string                    `db:"thehive_case_id" json:"thehive_case_id,omitempty"`
	Resolution        *string                    `db:"resolution" json:"resolution,omitempty"`
	ThreadID          *string                    `db:"thread_id" json:"thread_id,omitempty"`
	Tags              json.RawMessage            `db:"tags" json:"tags,omitempty"`
	TimeToTriageSecs  *float64                   `db:"time_to_triage_seconds" json:"time_to_triage_seconds,omitempty"`
	TimeToVerdictSecs *float64                   `db:"time_to_verdict_seconds" json:"time_to_verdict_seconds,omitempty"`
	CreatedAt         time.Time                  `db:"created_at" json:"created_at"`
	StartedAt         *time.Time                 `db:"started_at" json:"started_at,omitempty"`
	ClosedAt          *time.Time                 `db:"closed_at" json:"closed_at,omitempty"`
	UpdatedAt         time.Time                  `db:"updated_at" json:"updated_at"`
}

// Pending-review states.
const (
	ReviewPending       = "pending"
	ReviewApproved      = "approved"
	ReviewRejected      = "rejected"
	ReviewInfoRequested = "info_requested"
	ReviewExpired       = "expired"
)

// PendingReviewRow tracks one human-review request and its resolution.
type PendingReviewRow struct {
	ID                string          `db:"id" json:"id"`
	InvestigationID   string          `db:"investigation_id" json:"investigation_id"`
	Title             string          `db:"title" json:"title"`
	Severity          models.Severity `db:"severity" json:"severity"`
	VerdictDecision   string          `db:"verdict_decision" json:"verdict_decision"`
	Confidence        float64         `db:"confidence" json:"confidence"`
	ThreatAssessment  *string         `db:"threat_assessment" json:"threat_assessment,omitempty"`
	Recommendation    *string         `db:"recommendation" json:"recommendation,omitempty"`
	Status            string          `db:"status" json:"status"`
	Reviewer          *string         `db:"reviewer" json:"reviewer,omitempty"`
	Feedback          *string         `db:"feedback" json:"feedback,omitempty"`
	DecisionSource    *string         `db:"decision_source" json:"decision_source,omitempty"`
	RequestedAt       time.Time       `db:"requested_at" json:"requested_at"`
	ExpiresAt         *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	RespondedAt       *time.Time      `db:"responded_at" json:"responded_at,omitempty"`
	WorkflowResumedAt *time.Time      `db:"workflow_resumed_at" json:"workflow_resumed_at,omitempty"`
}

// HourlyMetricRow aggregates per-hour activity counters.
type HourlyMetricRow struct {
	Hour                  time.Time `db:"hour" json:"hour"`
	InvestigationsCreated int       `db:"investigations_created" json:"investigations_created"`
	InvestigationsClosed  int       `db:"investigations_closed" json:"investigations_closed"`
	Escalations           int       `db:"escalations" json:"escalations"`
	AutoClosed            int       `db:"auto_closed" json:"auto_closed"`
	AlertsProcessed       int       `db:"alerts_processed" json:"alerts_processed"`
	AvgTimeToVerdict      float64   `db:"avg_time_to_verdict" json:"avg_time_to_verdict"`
}

// IOCStatRow tracks sightings and verdicts per indicator.
type IOCStatRow struct {
	Value          string    `db:"value" json:"value"`
	Type           string    `db:"type" json:"type"`
	Sightings      int       `db:"sightings" json:"sightings"`
	MaliciousCount int       `db:"malicious_count" json:"malicious_count"`
	MISPMatches    int       `db:"misp_matches" json:"misp_matches"`
	LastVerdict    *string   `db:"last_verdict" json:"last_verdict,omitempty"`
	FirstSeen      time.Time `db:"first_seen" json:"first_seen"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// RuleStatRow tracks alert volume per detection rule.
type RuleStatRow struct {
	RuleID      string    `db:"rule_id" json:"rule_id"`
	Description string    `db:"description" json:"description"`
	AlertCount  int       `db:"alert_count" json:"alert_count"`
	LastSeen    time.Time `db:"last_seen" json:"last_seen"`
}

// AnalyzerStatRow tracks per-analyzer call volume and outcomes.
type AnalyzerStatRow struct {
	Analyzer           string     `db:"analyzer" json:"analyzer"`
	Invocations        int        `db:"invocations" json:"invocations"`
	Failures           int        `db:"failures" json:"failures"`
	MaliciousVerdicts  int        `db:"malicious_verdicts" json:"malicious_verdicts"`
	SuspiciousVerdicts int        `db:"suspicious_verdicts" json:"suspicious_verdicts"`
	AvgResponseMS      float64    `db:"avg_response_ms" json:"avg_response_ms"`
	LastInvoked        *time.Time `db:"last_invoked" json:"last_invoked,omitempty"`
}
