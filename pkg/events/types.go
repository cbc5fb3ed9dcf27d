// Package events defines the event vocabulary of the investigation log and
// the typed emitter that appends events and projects them into the read
// model inside a single transaction.
package events

// Investigation lifecycle events.
const (
	TypeInvestigationCreated   = "investigation.created"
	TypeInvestigationStarted   = "investigation.started"
	TypeInvestigationPaused    = "investigation.paused"
	TypeInvestigationResumed   = "investigation.resumed"
	TypeInvestigationCancelled = "investigation.cancelled"
	TypeInvestigationClosed    = "investigation.closed"
)

// Triage and correlation events.
const (
	TypeAlertAdded          = "alert.added"
	TypeAlertCorrelated     = "alert.correlated"
	TypeObservableExtracted = "observable.extracted"
)

// Workflow progress events.
const (
	TypeSupervisorDecision = "supervisor.decision"
	TypePhaseChanged       = "phase.changed"
	TypeVerdictRendered    = "verdict.rendered"
	TypeErrorOccurred      = "error.occurred"
)

// Enrichment and analyzer events.
const (
	TypeEnrichmentRequested = "enrichment.requested"
	TypeEnrichmentCompleted = "enrichment.completed"
	TypeEnrichmentFailed    = "enrichment.failed"
	TypeAnalyzerInvoked     = "analyzer.invoked"
	TypeAnalyzerCompleted   = "analyzer.completed"
)

// Threat-intelligence events.
const (
	TypeMISPIOCMatched       = "misp.ioc_matched"
	TypeMISPContextRetrieved = "misp.context_retrieved"
)

// Human-in-the-loop events.
const (
	TypeHumanReviewRequested  = "human.review_requested"
	TypeHumanDecisionReceived = "human.decision_received"
)

// Escalation events.
const (
	TypeTheHiveCaseCreated   = "thehive.case_created"
	TypeTheHiveAlertPromoted = "thehive.alert_promoted"
)
