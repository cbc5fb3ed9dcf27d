package projector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// Projector applies events to the read model tables.
type Projector struct {
	log *slog.Logger
}

// New returns a projector.
func New() *Projector {
	return &Projector{log: slog.With("component", "projector")}
}

// Apply dispatches one event to its projection handler. Unknown event types
// are skipped so old logs replay cleanly after the vocabulary grows.
func (p *Projector) Apply(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	var err error
	switch ev.EventType {
	case events.TypeInvestigationCreated:
		err = p.investigationCreated(ctx, tx, ev)
	case events.TypeInvestigationStarted:
		err = p.investigationStarted(ctx, tx, ev)
	case events.TypeInvestigationPaused:
		err = p.setStatus(ctx, tx, ev, models.StatusPaused)
	case events.TypeInvestigationResumed:
		err = p.setStatus(ctx, tx, ev, models.StatusInProgress)
	case events.TypeInvestigationCancelled:
		err = p.investigationCancelled(ctx, tx, ev)
	case events.TypeInvestigationClosed:
		err = p.investigationClosed(ctx, tx, ev)
	case events.TypeAlertAdded, events.TypeAlertCorrelated:
		err = p.alertCorrelated(ctx, tx, ev)
	case events.TypeObservableExtracted:
		err = p.observableExtracted(ctx, tx, ev)
	case events.TypeSupervisorDecision:
		err = p.supervisorDecision(ctx, tx, ev)
	case events.TypePhaseChanged:
		err = p.phaseChanged(ctx, tx, ev)
	case events.TypeEnrichmentCompleted:
		err = p.enrichmentCompleted(ctx, tx, ev)
	case events.TypeEnrichmentFailed:
		err = p.enrichmentFailed(ctx, tx, ev)
	case events.TypeMISPIOCMatched:
		err = p.mispIOCMatched(ctx, tx, ev)
	case events.TypeVerdictRendered:
		err = p.verdictRendered(ctx, tx, ev)
	case events.TypeHumanReviewRequested:
		err = p.humanReviewRequested(ctx, tx, ev)
	case events.TypeHumanDecisionReceived:
		err = p.humanDecisionReceived(ctx, tx, ev)
	case events.TypeTheHiveCaseCreated:
		err = p.theHiveCaseCreated(ctx, tx, ev)
	case events.TypeErrorOccurred:
		err = p.errorOccurred(ctx, tx, ev)
	default:
		p.log.Debug("no projection for event type", "event_type", ev.EventType)
	}
	if err != nil {
		return fmt.Errorf("projecting %s for %s: %w", ev.EventType, ev.AggregateID, err)
	}
	return nil
}

func decode[T any](ev *eventstore.Event) (T, error) {
	var payload T
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decoding %s payload: %w", ev.EventType, err)
	}
	return payload, nil
}

func (p *Projector) investigationCreated(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.InvestigationCreatedPayload](ev)
	if err != nil {
		return err
	}
	tags := []byte("[]")
	if len(payload.Tags) > 0 {
		if tags, err = json.Marshal(payload.Tags); err != nil {
			return fmt.Errorf("marshaling tags: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO investigations (id, title, description, status, severity, current_phase, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING`,
		ev.AggregateID, payload.Title, payload.Description, models.StatusPending,
		payload.Severity, models.PhaseTriage, tags, ev.Timestamp)
	if err != nil {
		return err
	}
	return p.bumpHourly(ctx, tx, ev.Timestamp,
		"investigations_created = hourly_metrics.investigations_created + 1",
		"investigations_created")
}

func (p *Projector) investigationStarted(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.InvestigationStartedPayload](ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET status = $2, started_at = $3, thread_id = $4, updated_at = $3
		WHERE id = $1`,
		ev.AggregateID, models.StatusInProgress, ev.Timestamp, payload.ThreadID)
	return err
}

func (p *Projector) setStatus(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event, status models.InvestigationStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE investigations SET status = $2, updated_at = $3 WHERE id = $1`,
		ev.AggregateID, status, ev.Timestamp)
	return err
}

func (p *Projector) investigationCancelled(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE investigations
		SET status = $2, closed_at = $3, updated_at = $3
		WHERE id = $1`,
		ev.AggregateID, models.StatusCancelled, ev.Timestamp)
	return err
}

// finalStatus derives the closing status from the closure context when the
// event does not carry one explicitly.
func finalStatus(payload events.InvestigationClosedPayload, theHiveCaseID *string) models.InvestigationStatus {
	if payload.Status != "" {
		return payload.Status
	}
	resolution := strings.ToLower(payload.Resolution)
	switch {
	case theHiveCaseID != nil && *theHiveCaseID != "":
		return models.StatusEscalated
	case strings.Contains(resolution, "rejected"):
		return models.StatusRejected
	case payload.VerdictDecision == models.DecisionClose && strings.Contains(resolution, "closed by ai verdict"):
		return models.StatusAutoClosed
	default:
		return models.StatusClosed
	}
}

func (p *Projector) investigationClosed(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.InvestigationClosedPayload](ev)
	if err != nil {
		return err
	}

	var row struct {
		CaseID        *string  `db:"thehive_case_id"`
		TimeToVerdict *float64 `db:"time_to_verdict_seconds"`
	}
	err = tx.GetContext(ctx, &row,
		`SELECT thehive_case_id, time_to_verdict_seconds FROM investigations WHERE id = $1`, ev.AggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	status := finalStatus(payload, row.CaseID)

	// A cancel is terminal; a close event from a workflow that was still
	// running when the analyst cancelled must not overwrite it, and must not
	// count in the hourly metrics either.
	res, err := tx.ExecContext(ctx, `
		UPDATE investigations
		SET status = $2, resolution = $3, closed_at = $4, current_phase = $5, updated_at = $4
		WHERE id = $1 AND status <> $6`,
		ev.AggregateID, status, payload.Resolution, ev.Timestamp, models.PhaseClosed, models.StatusCancelled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p.log.Info("close skipped, investigation already cancelled", "investigation_id", ev.AggregateID)
		return nil
	}

	// Closed counter plus the incremental mean of time-to-verdict; the mean
	// folds in the new latency before the counter advances. Escalations are
	// counted separately when the case is created, not as closures.
	if status != models.StatusEscalated {
		verdictLatency := payload.DurationSeconds
		if row.TimeToVerdict != nil {
			verdictLatency = *row.TimeToVerdict
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hourly_metrics (hour, investigations_closed, avg_time_to_verdict)
			VALUES ($1, 1, $2)
			ON CONFLICT (hour) DO UPDATE SET
				avg_time_to_verdict = (hourly_metrics.avg_time_to_verdict * hourly_metrics.investigations_closed + EXCLUDED.avg_time_to_verdict)
					/ (hourly_metrics.investigations_closed + 1),
				investigations_closed = hourly_metrics.investigations_closed + 1`,
			hourOf(ev.Timestamp), verdictLatency)
		if err != nil {
			return err
		}
	}

	switch status {
	case models.StatusEscalated:
		// Counted when the case was created; only an escalation that never
		// produced a case still needs the bump here.
		if row.CaseID == nil || *row.CaseID == "" {
			return p.bumpHourly(ctx, tx, ev.Timestamp,
				"escalations = hourly_metrics.escalations + 1", "escalations")
		}
	case models.StatusAutoClosed:
		return p.bumpHourly(ctx, tx, ev.Timestamp,
			"auto_closed = hourly_metrics.auto_closed + 1", "auto_closed")
	}
	return nil
}

func (p *Projector) alertCorrelated(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.AlertCorrelatedPayload](ev)
	if err != nil {
		return err
	}

	var current models.Severity
	err = tx.GetContext(ctx, &current,
		`SELECT severity FROM investigations WHERE id = $1`, ev.AggregateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			p.log.Warn("alert event for unknown investigation", "investigation_id", ev.AggregateID)
			return nil
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET alert_count = alert_count + 1, severity = $2, updated_at = $3
		WHERE id = $1`,
		ev.AggregateID, models.MaxSeverity(current, payload.Severity), ev.Timestamp)
	if err != nil {
		return err
	}

	if payload.RuleID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_stats (rule_id, description, alert_count, last_seen)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (rule_id) DO UPDATE SET
				description = EXCLUDED.description,
				alert_count = rule_stats.alert_count + 1,
				last_seen = EXCLUDED.last_seen`,
			payload.RuleID, payload.RuleDescription, ev.Timestamp)
		if err != nil {
			return err
		}
	}
	return p.bumpHourly(ctx, tx, ev.Timestamp,
		"alerts_processed = hourly_metrics.alerts_processed + 1", "alerts_processed")
}

func (p *Projector) observableExtracted(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.ObservableExtractedPayload](ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET observable_count = observable_count + 1, updated_at = $2
		WHERE id = $1`, ev.AggregateID, ev.Timestamp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ioc_stats (value, type, sightings, first_seen, last_seen)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (value, type) DO UPDATE SET
			sightings = ioc_stats.sightings + 1,
			last_seen = EXCLUDED.last_seen`,
		payload.Value, payload.Type, ev.Timestamp)
	return err
}

func (p *Projector) supervisorDecision(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.SupervisorDecisionPayload](ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET iteration_count = GREATEST(iteration_count, $2), updated_at = $3
		WHERE id = $1`,
		ev.AggregateID, payload.Iteration, ev.Timestamp)
	return err
}

func (p *Projector) phaseChanged(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.PhaseChangedPayload](ev)
	if err != nil {
		return err
	}
	// Entering the verdict phase marks the end of triage and gathering; the
	// first such transition fixes time-to-triage.
	if payload.To == models.PhaseVerdict {
		_, err = tx.ExecContext(ctx, `
			UPDATE investigations
			SET current_phase = $2, updated_at = $3,
			    time_to_triage_seconds = COALESCE(time_to_triage_seconds,
			        EXTRACT(EPOCH FROM ($3::timestamptz - COALESCE(started_at, created_at))))
			WHERE id = $1`,
			ev.AggregateID, payload.To, ev.Timestamp)
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE investigations SET current_phase = $2, updated_at = $3 WHERE id = $1`,
		ev.AggregateID, payload.To, ev.Timestamp)
	return err
}

func (p *Projector) enrichmentCompleted(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.EnrichmentCompletedPayload](ev)
	if err != nil {
		return err
	}

	malicious := 0
	suspicious := 0
	clean := 0
	switch payload.Verdict {
	case models.VerdictMalicious:
		malicious = 1
	case models.VerdictSuspicious:
		suspicious = 1
	case models.VerdictBenign:
		clean = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET enrichment_count = enrichment_count + 1,
		    malicious_count = malicious_count + $2,
		    suspicious_count = suspicious_count + $3,
		    clean_count = clean_count + $4,
		    updated_at = $5
		WHERE id = $1`,
		ev.AggregateID, malicious, suspicious, clean, ev.Timestamp)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ioc_stats (value, type, sightings, malicious_count, last_verdict, first_seen, last_seen)
		VALUES ($1, $2, 1, $3, $4, $5, $5)
		ON CONFLICT (value, type) DO UPDATE SET
			malicious_count = ioc_stats.malicious_count + EXCLUDED.malicious_count,
			last_verdict = EXCLUDED.last_verdict,
			last_seen = EXCLUDED.last_seen`,
		payload.Observable.Value, payload.Observable.Type, malicious, payload.Verdict, ev.Timestamp)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analyzer_stats (analyzer, invocations, malicious_verdicts, suspicious_verdicts, avg_response_ms, last_invoked)
		VALUES ($1, 1, $2, $3, $4, $5)
		ON CONFLICT (analyzer) DO UPDATE SET
			avg_response_ms = (analyzer_stats.avg_response_ms * analyzer_stats.invocations + EXCLUDED.avg_response_ms)
				/ (analyzer_stats.invocations + 1),
			invocations = analyzer_stats.invocations + 1,
			malicious_verdicts = analyzer_stats.malicious_verdicts + EXCLUDED.malicious_verdicts,
			suspicious_verdicts = analyzer_stats.suspicious_verdicts + EXCLUDED.suspicious_verdicts,
			last_invoked = EXCLUDED.last_invoked`,
		payload.Analyzer, malicious, suspicious, float64(payload.ResponseTimeMS), ev.Timestamp)
	return err
}

func (p *Projector) enrichmentFailed(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.EnrichmentCompletedPayload](ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO analyzer_stats (analyzer, invocations, failures, last_invoked)
		VALUES ($1, 1, 1, $2)
		ON CONFLICT (analyzer) DO UPDATE SET
			invocations = analyzer_stats.invocations + 1,
			failures = analyzer_stats.failures + 1,
			last_invoked = EXCLUDED.last_invoked`,
		payload.Analyzer, ev.Timestamp)
	return err
}

func (p *Projector) mispIOCMatched(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.MISPIOCMatchedPayload](ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ioc_stats (value, type, sightings, misp_matches, first_seen, last_seen)
		VALUES ($1, $2, 1, 1, $3, $3)
		ON CONFLICT (value, type) DO UPDATE SET
			misp_matches = ioc_stats.misp_matches + 1,
			last_seen = EXCLUDED.last_seen`,
		payload.Value, payload.Type, ev.Timestamp)
	return err
}

func (p *Projector) verdictRendered(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.VerdictRenderedPayload](ev)
	if err != nil {
		return err
	}
	// The latest render wins; a retried verdict overwrites the earlier one
	// and time-to-verdict tracks the final render.
	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET verdict_decision = $2, verdict_confidence = $3, verdict_reasoning = $4,
		    current_phase = $5,
		    time_to_verdict_seconds = EXTRACT(EPOCH FROM ($6::timestamptz - COALESCE(started_at, created_at))),
		    updated_at = $6
		WHERE id = $1`,
		ev.AggregateID, payload.Decision, payload.Confidence, payload.ThreatAssessment,
		models.PhaseVerdict, ev.Timestamp)
	return err
}

// humanReviewRequested opens a review unless one is already pending for the
// investigation; a resumed workflow re-requesting review must not stack a
// second row.
func (p *Projector) humanReviewRequested(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.HumanReviewRequestedPayload](ev)
	if err != nil {
		return err
	}

	var existing string
	err = tx.GetContext(ctx, &existing, `
		SELECT id FROM pending_reviews
		WHERE investigation_id = $1 AND status = $2`,
		ev.AggregateID, ReviewPending)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_reviews
			(id, investigation_id, title, severity, verdict_decision, confidence,
			 threat_assessment, recommendation, status, requested_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.NewString(), ev.AggregateID, payload.Title, payload.Severity,
		payload.VerdictDecision, payload.Confidence,
		payload.ThreatAssessment, payload.Recommendation, ReviewPending,
		ev.Timestamp, payload.ExpiresAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE investigations SET current_phase = $2, updated_at = $3 WHERE id = $1`,
		ev.AggregateID, models.PhaseHumanReview, ev.Timestamp)
	return err
}

func reviewStatusFor(decision models.HumanDecision) string {
	switch decision {
	case models.HumanApprove:
		return ReviewApproved
	case models.HumanReject:
		return ReviewRejected
	case models.HumanMoreInfo:
		return ReviewInfoRequested
	}
	return ReviewInfoRequested
}

func (p *Projector) humanDecisionReceived(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.HumanDecisionReceivedPayload](ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE pending_reviews
		SET status = $2, reviewer = $3, feedback = $4, decision_source = $5, responded_at = $6
		WHERE investigation_id = $1 AND status = $7`,
		ev.AggregateID, reviewStatusFor(payload.Decision), payload.Reviewer,
		payload.Feedback, payload.Source, ev.Timestamp, ReviewPending)
	return err
}

func (p *Projector) theHiveCaseCreated(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	payload, err := decode[events.TheHiveCaseCreatedPayload](ev)
	if err != nil {
		return err
	}
	// Case creation is the moment of escalation: the investigation is
	// escalated and counted now, even if the workflow crashes before its
	// close event. The later close then skips the escalation counter.
	_, err = tx.ExecContext(ctx, `
		UPDATE investigations
		SET thehive_case_id = $2, status = $3, current_phase = $4, updated_at = $5
		WHERE id = $1`,
		ev.AggregateID, payload.CaseID, models.StatusEscalated, models.PhaseEscalation, ev.Timestamp)
	if err != nil {
		return err
	}
	return p.bumpHourly(ctx, tx, ev.Timestamp,
		"escalations = hourly_metrics.escalations + 1", "escalations")
}

func (p *Projector) errorOccurred(ctx context.Context, tx *sqlx.Tx, ev *eventstore.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE investigations SET error_count = error_count + 1, updated_at = $2 WHERE id = $1`,
		ev.AggregateID, ev.Timestamp)
	return err
}

func hourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// bumpHourly upserts a single counter column for the event's hour bucket.
func (p *Projector) bumpHourly(ctx context.Context, tx *sqlx.Tx, ts time.Time, update, column string) error {
	query := fmt.Sprintf(`
		INSERT INTO hourly_metrics (hour, %s)
		VALUES ($1, 1)
		ON CONFLICT (hour) DO UPDATE SET %s`, column, update)
	_, err := tx.ExecContext(ctx, query, hourOf(ts))
	return err
}
