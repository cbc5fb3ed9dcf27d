package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// Projector applies a stored event to the read model inside the caller's
// transaction.
type Projector interface {
	Apply(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error
}

// maxObservableValueLen caps observable values recorded in event payloads.
const maxObservableValueLen = 200

// Emitter records the events of one investigation run. Events are buffered
// and written in a single transaction on Flush so a failing node never
// leaves a half-recorded step; review requests bypass the buffer because
// the dashboard must see the pending review while the workflow is
// suspended.
type Emitter struct {
	db        *sqlx.DB
	store     *eventstore.Store
	projector Projector
	log       *slog.Logger

	investigationID string

	mu              sync.Mutex
	pending         []eventstore.NewEvent
	seenObservables map[string]bool
}

// NewEmitter returns an emitter bound to one investigation aggregate.
func NewEmitter(db *sqlx.DB, store *eventstore.Store, projector Projector, investigationID string) *Emitter {
	return &Emitter{
		db:              db,
		store:           store,
		projector:       projector,
		log:             slog.With("component", "emitter", "investigation_id", investigationID),
		investigationID: investigationID,
		seenObservables: make(map[string]bool),
	}
}

// InvestigationID returns the aggregate this emitter writes to.
func (e *Emitter) InvestigationID() string {
	return e.investigationID
}

func (e *Emitter) buffer(eventType string, payload any, idempotencyKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, eventstore.NewEvent{
		AggregateID:    e.investigationID,
		AggregateType:  eventstore.AggregateInvestigation,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
}

// Flush writes all buffered events and their projections in one
// transaction. It is a no-op when nothing is buffered.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := AppendAndProject(ctx, e.db, e.store, e.projector, batch); err != nil {
		e.log.Error("flushing events failed", "count", len(batch), "error", err)
		return err
	}
	e.log.Debug("flushed events", "count", len(batch))
	return nil
}

// emitNow flushes any buffered events, then writes this event in its own
// committed transaction.
func (e *Emitter) emitNow(ctx context.Context, eventType string, payload any, idempotencyKey string) error {
	if err := e.Flush(ctx); err != nil {
		return err
	}
	return AppendAndProject(ctx, e.db, e.store, e.projector, []eventstore.NewEvent{{
		AggregateID:    e.investigationID,
		AggregateType:  eventstore.AggregateInvestigation,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	}})
}

// AppendAndProject appends a batch and projects each stored event within a
// single transaction.
func AppendAndProject(ctx context.Context, db *sqlx.DB, store *eventstore.Store, projector Projector, batch []eventstore.NewEvent) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event transaction: %w", err)
	}
	defer tx.Rollback()

	if err := AppendAndProjectTx(ctx, tx, store, projector, batch); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendAndProjectTx appends a batch and projects each stored event inside
// an existing transaction, for callers that need the append atomic with
// their own writes. Events replayed off an idempotency key were already
// projected when first written, so they are skipped here.
func AppendAndProjectTx(ctx context.Context, tx *sqlx.Tx, store *eventstore.Store, projector Projector, batch []eventstore.NewEvent) error {
	stored, err := store.AppendBatch(ctx, tx, batch)
	if err != nil {
		return err
	}
	if projector != nil {
		for _, ev := range stored {
			if ev.Replayed {
				continue
			}
			if err := projector.Apply(ctx, tx, ev); err != nil {
				return fmt.Errorf("projecting %s v%d: %w", ev.EventType, ev.Version, err)
			}
		}
	}
	return nil
}

func (e *Emitter) InvestigationCreated(inv *models.Investigation) {
	e.buffer(TypeInvestigationCreated, InvestigationCreatedPayload{
		Title:       inv.Title,
		Severity:    inv.MaxSeverity(),
		AlertCount:  len(inv.Alerts),
		Description: inv.Description,
		Tags:        inv.GenerateTags(),
	}, "inv-created-"+inv.ID)
}

func (e *Emitter) InvestigationStarted(threadID string) {
	e.buffer(TypeInvestigationStarted, InvestigationStartedPayload{ThreadID: threadID},
		"inv-started-"+e.investigationID)
}

func (e *Emitter) AlertCorrelated(alert models.Alert, correlationKey string) {
	e.buffer(TypeAlertCorrelated, AlertCorrelatedPayload{
		AlertID:         alert.ID,
		RuleID:          alert.RuleID,
		RuleDescription: alert.RuleDescription,
		Severity:        alert.Severity,
		CorrelationKey:  correlationKey,
		AgentName:       alert.Source.AgentName,
	}, "")
}

func (e *Emitter) AlertAdded(alert models.Alert, correlationKey string) {
	e.buffer(TypeAlertAdded, AlertCorrelatedPayload{
		AlertID:         alert.ID,
		RuleID:          alert.RuleID,
		RuleDescription: alert.RuleDescription,
		Severity:        alert.Severity,
		CorrelationKey:  correlationKey,
		AgentName:       alert.Source.AgentName,
	}, "")
}

// ObservableExtracted records an observable once per run; repeat sightings
// of the same (type, value) pair are dropped here rather than in the store.
func (e *Emitter) ObservableExtracted(o models.Observable) {
	e.mu.Lock()
	if e.seenObservables[o.Key()] {
		e.mu.Unlock()
		return
	}
	e.seenObservables[o.Key()] = true
	e.mu.Unlock()

	value := o.Value
	if len(value) > maxObservableValueLen {
		value = value[:maxObservableValueLen]
	}
	e.buffer(TypeObservableExtracted, ObservableExtractedPayload{
		Value:  value,
		Type:   o.Type,
		Source: o.Source,
		Tags:   o.Tags,
	}, "")
}

func (e *Emitter) PhaseChanged(from, to models.Phase) {
	e.buffer(TypePhaseChanged, PhaseChangedPayload{From: from, To: to}, "")
}

func (e *Emitter) SupervisorDecision(dec models.SupervisorDecision, iteration int) {
	e.buffer(TypeSupervisorDecision, SupervisorDecisionPayload{
		NextAction:   dec.NextAction,
		Reasoning:    dec.Reasoning,
		TPConfidence: dec.TPConfidence,
		Iteration:    iteration,
	}, "")
}

func (e *Emitter) EnrichmentRequested(o models.Observable, analyzer string) {
	e.buffer(TypeEnrichmentRequested, EnrichmentRequestedPayload{Observable: o, Analyzer: analyzer}, "")
}

func enrichmentKey(investigationID string, o models.Observable) string {
	value := o.Value
	if len(value) > 50 {
		value = value[:50]
	}
	return fmt.Sprintf("enrich-%s-%s-%s", investigationID, o.Type, value)
}

func (e *Emitter) EnrichmentCompleted(r models.EnrichmentResult) {
	e.buffer(TypeEnrichmentCompleted, EnrichmentCompletedPayload{
		Observable:     r.Observable,
		Analyzer:       r.Analyzer,
		Verdict:        r.Verdict,
		Confidence:     r.Confidence,
		Details:        r.Details,
		ResponseTimeMS: r.ResponseTimeMS,
	}, enrichmentKey(e.investigationID, r.Observable))
}

func (e *Emitter) EnrichmentFailed(r models.EnrichmentResult) {
	e.buffer(TypeEnrichmentFailed, EnrichmentCompletedPayload{
		Observable: r.Observable,
		Analyzer:   r.Analyzer,
		Verdict:    models.VerdictUnknown,
		Error:      r.Error,
	}, "")
}

func (e *Emitter) AnalyzerInvoked(analyzer, observableType string, batchSize int) {
	e.buffer(TypeAnalyzerInvoked, AnalyzerRunPayload{
		Analyzer:       analyzer,
		ObservableType: observableType,
		BatchSize:      batchSize,
	}, "")
}

func (e *Emitter) AnalyzerCompleted(analyzer, observableType string, succeeded, failed int, elapsed time.Duration) {
	e.buffer(TypeAnalyzerCompleted, AnalyzerRunPayload{
		Analyzer:       analyzer,
		ObservableType: observableType,
		Succeeded:      succeeded,
		Failed:         failed,
		ResponseTimeMS: elapsed.Milliseconds(),
	}, "")
}

func (e *Emitter) MISPIOCMatched(p MISPIOCMatchedPayload) {
	e.buffer(TypeMISPIOCMatched, p, "")
}

func (e *Emitter) MISPContextRetrieved(p MISPContextRetrievedPayload) {
	e.buffer(TypeMISPContextRetrieved, p, "")
}

func (e *Emitter) VerdictRendered(v models.Verdict, retryCount int) {
	e.buffer(TypeVerdictRendered, VerdictRenderedPayload{
		Decision:         v.Decision,
		Confidence:       v.Confidence,
		EvidenceStrength: v.EvidenceStrength,
		ThreatAssessment: v.ThreatAssessment,
		Urgency:          v.Urgency,
		RetryCount:       retryCount,
	}, "")
}

// HumanReviewRequested commits immediately so the review surfaces the
// moment the workflow suspends.
func (e *Emitter) HumanReviewRequested(ctx context.Context, p HumanReviewRequestedPayload) error {
	return e.emitNow(ctx, TypeHumanReviewRequested, p, "")
}

func (e *Emitter) HumanDecisionReceived(decision models.HumanDecision, feedback, reviewer, source string) {
	e.buffer(TypeHumanDecisionReceived, HumanDecisionReceivedPayload{
		Decision: decision,
		Feedback: feedback,
		Reviewer: reviewer,
		Source:   source,
	}, "")
}

func (e *Emitter) TheHiveCaseCreated(caseID, title string, observableCount int) {
	e.buffer(TypeTheHiveCaseCreated, TheHiveCaseCreatedPayload{
		CaseID:          caseID,
		Title:           title,
		ObservableCount: observableCount,
	}, fmt.Sprintf("thehive-case-%s-%s", e.investigationID, caseID))
}

func (e *Emitter) InvestigationClosed(p InvestigationClosedPayload) {
	e.buffer(TypeInvestigationClosed, p, "")
}

func (e *Emitter) ErrorOccurred(node string, err error, count int) {
	if err == nil {
		return
	}
	e.buffer(TypeErrorOccurred, ErrorOccurredPayload{
		Node:    node,
		Message: err.Error(),
		Count:   count,
	}, "")
}
