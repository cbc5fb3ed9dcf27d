// Package orchestrator drives the intake pipeline end to end: poll the
// SIEM, correlate the new alerts, queue investigation groups by severity,
// and run each group through the workflow engine. It also re-enters
// suspended workflows when a human decision arrives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/notify"
	"github.com/gbrigandi/soctalk/pkg/polling"
)

// Deps are the services the orchestrator wires together.
type Deps struct {
	DB        *sqlx.DB
	Store     *eventstore.Store
	Projector events.Projector
	Engine    *graph.Engine
	Fetcher   polling.Fetcher
	Review    graph.ReviewNotifier
	Notifier  *notify.Notifier
}

// recentInvestigation remembers which investigation last claimed a
// correlation key, so late alerts for the same incident attach to it
// instead of spawning a sibling.
type recentInvestigation struct {
	id string
	at time.Time
}

// Orchestrator owns the poll-correlate-investigate loop. It is the single
// queue consumer, so groups run strictly in severity order.
type Orchestrator struct {
	db        *sqlx.DB
	store     *eventstore.Store
	projector events.Projector
	engine    *graph.Engine
	review    graph.ReviewNotifier
	notifier  *notify.Notifier
	backend   string

	poller     *polling.Poller
	correlator *polling.Correlator
	queue      *polling.Queue

	interval    time.Duration
	attachGrace time.Duration

	mu     sync.Mutex
	recent map[string]recentInvestigation

	log *slog.Logger
}

// New returns an orchestrator over the given dependencies. backendName
// names the configured human-review channel for the review node's records.
func New(deps Deps, cfg config.PollingConfig, backendName string) *Orchestrator {
	return &Orchestrator{
		db:          deps.DB,
		store:       deps.Store,
		projector:   deps.Projector,
		engine:      deps.Engine,
		review:      deps.Review,
		notifier:    deps.Notifier,
		backend:     backendName,
		poller: polling.NewPoller(deps.Fetcher, polling.PollerOptions{
			MinRuleLevel:      cfg.MinRuleLevel,
			MaxAlertsPerPoll:  cfg.MaxAlertsPerPoll,
			BatchSize:         cfg.BatchSize,
			SeenCacheCapacity: cfg.SeenCacheCapacity,
		}),
		correlator:  polling.NewCorrelator(cfg.CorrelationWindow),
		queue:       polling.NewQueue(cfg.QueueMaxSize),
		interval:    cfg.Interval,
		attachGrace: cfg.CorrelationWindow,
		recent:      make(map[string]recentInvestigation),
		log:         slog.With("component", "orchestrator"),
	}
}

// Run polls and processes until the context is cancelled. The first cycle
// runs immediately so a fresh start does not sit idle for a full interval.
func (o *Orchestrator) Run(ctx context.Context) {
	o.log.Info("orchestrator started", "interval", o.interval)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.cycle(ctx)
		select {
		case <-ctx.Done():
			o.log.Info("orchestrator stopped")
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one poll pass and drains everything it queued.
func (o *Orchestrator) cycle(ctx context.Context) {
	if _, err := o.poller.Poll(ctx); err != nil {
		o.log.Warn("alert poll failed", "error", err)
	}

	for {
		alerts := o.poller.Drain()
		if len(alerts) == 0 {
			break
		}
		for _, group := range o.correlator.Correlate(alerts) {
			title := groupTitle(group)
			if o.queue.Enqueue(group, title) {
				o.log.Info("investigation queued",
					"key", group.Key, "alerts", len(group.Alerts), "severity", group.MaxSeverity())
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		group, ok := o.queue.Dequeue()
		if !ok {
			return
		}
		o.process(ctx, group)
	}
}

// groupTitle derives the investigation title a group would get, used for
// duplicate suppression before an investigation exists.
func groupTitle(group polling.Group) string {
	inv := models.Investigation{Alerts: group.Alerts}
	return inv.GenerateTitle()
}

// process either attaches the group's alerts to a recent open investigation
// with the same correlation key, or launches a new workflow for it.
func (o *Orchestrator) process(ctx context.Context, group polling.Group) {
	if id, ok := o.openRecent(ctx, group.Key); ok {
		if err := o.attach(ctx, id, group); err != nil {
			o.log.Error("attaching alerts failed",
				"investigation_id", id, "key", group.Key, "error", err)
		}
		return
	}
	o.launch(ctx, group)
}

// openRecent reports whether the correlation key maps to an investigation
// that is both fresh and still open.
func (o *Orchestrator) openRecent(ctx context.Context, key string) (string, bool) {
	o.mu.Lock()
	entry, ok := o.recent[key]
	if ok && time.Since(entry.at) > o.attachGrace {
		delete(o.recent, key)
		ok = false
	}
	o.mu.Unlock()
	if !ok {
		return "", false
	}

	var status models.InvestigationStatus
	err := o.db.GetContext(ctx, &status,
		`SELECT status FROM investigations WHERE id = $1`, entry.id)
	if err != nil || status.Terminal() {
		o.forgetKey(key)
		return "", false
	}
	return entry.id, true
}

// cancelCheck reads the read-model status between workflow nodes so a
// dashboard cancel stops the run instead of being overwritten at close.
func (o *Orchestrator) cancelCheck(investigationID string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		var status models.InvestigationStatus
		err := o.db.GetContext(ctx, &status,
			`SELECT status FROM investigations WHERE id = $1`, investigationID)
		if err != nil {
			return false, err
		}
		return status == models.StatusCancelled, nil
	}
}

func (o *Orchestrator) rememberKey(key, investigationID string) {
	o.mu.Lock()
	o.recent[key] = recentInvestigation{id: investigationID, at: time.Now()}
	o.mu.Unlock()
}

func (o *Orchestrator) forgetKey(key string) {
	o.mu.Lock()
	delete(o.recent, key)
	o.mu.Unlock()
}

// attach records the group's alerts against an existing investigation. The
// running workflow keeps its checkpointed state; the new alerts enrich the
// record and the dashboard timeline.
func (o *Orchestrator) attach(ctx context.Context, investigationID string, group polling.Group) error {
	emitter := events.NewEmitter(o.db, o.store, o.projector, investigationID)
	for _, alert := range group.Alerts {
		emitter.AlertAdded(alert, group.Key)
	}
	if err := emitter.Flush(ctx); err != nil {
		return err
	}

	o.rememberKey(group.Key, investigationID)
	o.log.Info("alerts attached to open investigation",
		"investigation_id", investigationID, "key", group.Key, "alerts", len(group.Alerts))
	return nil
}

// launch creates an investigation from the group and runs its workflow to
// completion or suspension.
func (o *Orchestrator) launch(ctx context.Context, group polling.Group) {
	now := time.Now().UTC()
	inv := &models.Investigation{
		ID:        uuid.NewString(),
		Status:    models.StatusPending,
		Alerts:    group.Alerts,
		CreatedAt: now,
		StartedAt: now,
	}
	inv.Title = inv.GenerateTitle()

	log := o.log.With("investigation_id", inv.ID)
	log.Info("launching investigation",
		"title", inv.Title, "key", group.Key,
		"alerts", len(inv.Alerts), "severity", inv.MaxSeverity())

	emitter := events.NewEmitter(o.db, o.store, o.projector, inv.ID)
	emitter.InvestigationCreated(inv)
	emitter.InvestigationStarted(graph.ThreadID(inv.ID))
	for _, alert := range group.Alerts {
		emitter.AlertCorrelated(alert, group.Key)
	}
	for _, obs := range inv.Observables() {
		emitter.ObservableExtracted(obs)
	}
	if err := emitter.Flush(ctx); err != nil {
		log.Error("recording investigation intake failed", "error", err)
		return
	}
	o.rememberKey(group.Key, inv.ID)

	st := models.NewState(inv)
	rc := &graph.RunConfig{
		ThreadID:    graph.ThreadID(inv.ID),
		Emitter:     emitter,
		Review:      o.review,
		BackendName: o.backend,
		Cancelled:   o.cancelCheck(inv.ID),
	}

	final, err := o.engine.Run(ctx, st, rc)
	o.finish(ctx, inv.ID, final, emitter, err, log)
}

// Resume re-enters a suspended workflow with the human decision. A workflow
// that suspends again while consuming the decision is not an error.
func (o *Orchestrator) Resume(ctx context.Context, investigationID string, payload graph.ResumePayload) error {
	emitter := events.NewEmitter(o.db, o.store, o.projector, investigationID)
	rc := &graph.RunConfig{
		ThreadID:    graph.ThreadID(investigationID),
		Emitter:     emitter,
		Review:      o.review,
		BackendName: o.backend,
		Cancelled:   o.cancelCheck(investigationID),
	}

	log := o.log.With("investigation_id", investigationID)
	final, err := o.engine.Resume(ctx, graph.ThreadID(investigationID), payload, rc)
	if err != nil && !errors.Is(err, graph.ErrSuspended) {
		if errors.Is(err, graph.ErrNoCheckpoint) {
			return err
		}
		return fmt.Errorf("resuming workflow for %s: %w", investigationID, err)
	}

	o.finish(ctx, investigationID, final, emitter, err, log)
	return nil
}

// finish logs the run outcome and fires outbound notifications for
// completed workflows. Buffered events from a failed node are flushed so
// the timeline records how far the run got.
func (o *Orchestrator) finish(ctx context.Context, investigationID string, st *models.State, emitter *events.Emitter, runErr error, log *slog.Logger) {
	switch {
	case runErr == nil:
	case errors.Is(runErr, graph.ErrSuspended):
		log.Info("workflow suspended awaiting human review")
		return
	case errors.Is(runErr, graph.ErrCancelled):
		if flushErr := emitter.Flush(ctx); flushErr != nil {
			log.Error("flushing cancelled run failed", "error", flushErr)
		}
		log.Info("workflow halted, investigation cancelled by analyst")
		return
	default:
		if flushErr := emitter.Flush(ctx); flushErr != nil {
			log.Error("flushing partial run failed", "error", flushErr)
		}
		log.Error("workflow run failed", "error", runErr)
		return
	}

	inv := st.Investigation
	log.Info("workflow completed",
		"status", inv.Status, "resolution", inv.Resolution,
		"enrichments", len(inv.Enrichments), "iterations", st.IterationCount)

	if st.Verdict != nil {
		o.notifier.VerdictRendered(ctx, investigationID, inv.Title, *st.Verdict)
	}
	if inv.Status == models.StatusEscalated {
		o.notifier.Escalated(ctx, investigationID, inv.Title, inv.TheHiveCaseID, st.Verdict)
	}
}
