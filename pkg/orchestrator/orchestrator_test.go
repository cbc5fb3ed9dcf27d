package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/polling"
)

type stubNode struct {
	name string
	fn   func(ctx context.Context, st *models.State, rc *graph.RunConfig) error
}

func (n stubNode) Name() string { return n.name }

func (n stubNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	if n.fn == nil {
		return nil
	}
	return n.fn(ctx, st, rc)
}

// singleNodeEngine builds a one-step workflow that runs fn and ends.
func singleNodeEngine(fn func(ctx context.Context, st *models.State, rc *graph.RunConfig) error, cp graph.Checkpointer) *graph.Engine {
	engine := graph.NewEngine("work", cp)
	engine.AddNode(stubNode{name: "work", fn: fn})
	engine.AddEdge("work", graph.End)
	return engine
}

type fakeFetcher struct {
	alerts []models.Alert
	err    error
}

func (f fakeFetcher) FetchAlerts(context.Context) ([]models.Alert, error) {
	return f.alerts, f.err
}

func newTestOrchestrator(t *testing.T, engine *graph.Engine, fetcher polling.Fetcher) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := New(Deps{
		DB:      sqlx.NewDb(db, "sqlmock"),
		Store:   eventstore.NewStore(),
		Engine:  engine,
		Fetcher: fetcher,
	}, config.PollingConfig{
		Interval:          time.Minute,
		CorrelationWindow: 15 * time.Minute,
		MinRuleLevel:      7,
	}, "slack")
	return o, mock
}

func agentAlert(id, agent string, level int) models.Alert {
	a := models.Alert{
		ID:              id,
		Timestamp:       time.Now(),
		RuleID:          "5710",
		RuleDescription: "sshd: attempt to login using a non-existent user",
		RuleLevel:       level,
		Severity:        models.SeverityFromWazuhLevel(level),
		Source:          models.AlertSource{AgentID: agent, AgentName: agent},
		RawText:         "Failed password for invalid user admin from 203.0.113.7",
	}
	a.ExtractObservables()
	return a
}

func expectNoIdempotencyHit(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

// expectIntake matches the launch transaction: created and started carry
// idempotency keys and are checked for replays up front, then the version
// read, then one insert each plus one correlated event per alert and one
// extracted event per unique observable.
func expectIntake(mock sqlmock.Sqlmock, alerts, observables int) {
	mock.ExpectBegin()
	expectNoIdempotencyHit(mock)
	expectNoIdempotencyHit(mock)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	for i := 0; i < 2+alerts+observables; i++ {
		mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
}

func TestLaunchRunsWorkflowAfterRecordingIntake(t *testing.T) {
	var ran *models.State
	engine := singleNodeEngine(func(_ context.Context, st *models.State, _ *graph.RunConfig) error {
		ran = st
		st.Investigation.Status = models.StatusAutoClosed
		return nil
	}, nil)
	o, mock := newTestOrchestrator(t, engine, fakeFetcher{})

	group := polling.Group{
		Key:    "agent:web-01",
		Alerts: []models.Alert{agentAlert("a1", "web-01", 10), agentAlert("a2", "web-01", 7)},
	}
	// Both alerts carry the same source IP, so one observable survives dedup.
	expectIntake(mock, 2, 1)

	o.launch(context.Background(), group)

	require.NotNil(t, ran, "workflow did not run")
	assert.Len(t, ran.Investigation.Alerts, 2)
	assert.Equal(t, models.PhaseTriage, ran.CurrentPhase)
	assert.Contains(t, ran.Investigation.Title, "(+1 related alerts)")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLaunchSuspendedWorkflowIsNotAnError(t *testing.T) {
	engine := singleNodeEngine(func(context.Context, *models.State, *graph.RunConfig) error {
		return graph.Suspend("work", "analyst approval required", nil)
	}, nil)
	o, mock := newTestOrchestrator(t, engine, fakeFetcher{})

	group := polling.Group{Key: "agent:db-01", Alerts: []models.Alert{agentAlert("a1", "db-01", 12)}}
	expectIntake(mock, 1, 1)

	o.launch(context.Background(), group)

	entry, ok := o.recent[group.Key]
	require.True(t, ok, "correlation key not remembered")
	assert.NotEmpty(t, entry.id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessAttachesToOpenInvestigation(t *testing.T) {
	engine := singleNodeEngine(func(context.Context, *models.State, *graph.RunConfig) error {
		t.Fatal("workflow must not run for attached alerts")
		return nil
	}, nil)
	o, mock := newTestOrchestrator(t, engine, fakeFetcher{})
	o.recent["agent:web-01"] = recentInvestigation{id: "inv-1", at: time.Now()}

	mock.ExpectQuery(`SELECT status FROM investigations WHERE id = \$1`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(6))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	group := polling.Group{Key: "agent:web-01", Alerts: []models.Alert{agentAlert("a3", "web-01", 9)}}
	o.process(context.Background(), group)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessLaunchesWhenRecentInvestigationIsTerminal(t *testing.T) {
	ran := false
	engine := singleNodeEngine(func(context.Context, *models.State, *graph.RunConfig) error {
		ran = true
		return nil
	}, nil)
	o, mock := newTestOrchestrator(t, engine, fakeFetcher{})
	o.recent["agent:web-01"] = recentInvestigation{id: "inv-old", at: time.Now()}

	mock.ExpectQuery(`SELECT status FROM investigations WHERE id = \$1`).
		WithArgs("inv-old").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("closed"))
	expectIntake(mock, 1, 1)

	group := polling.Group{Key: "agent:web-01", Alerts: []models.Alert{agentAlert("a4", "web-01", 9)}}
	o.process(context.Background(), group)

	assert.True(t, ran, "terminal predecessor must not block a new investigation")
	entry, ok := o.recent["agent:web-01"]
	require.True(t, ok)
	assert.NotEqual(t, "inv-old", entry.id, "key must map to the new investigation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessExpiredKeyLaunchesWithoutStatusLookup(t *testing.T) {
	ran := false
	engine := singleNodeEngine(func(context.Context, *models.State, *graph.RunConfig) error {
		ran = true
		return nil
	}, nil)
	o, mock := newTestOrchestrator(t, engine, fakeFetcher{})
	o.recent["agent:web-01"] = recentInvestigation{id: "inv-stale", at: time.Now().Add(-time.Hour)}

	expectIntake(mock, 1, 1)

	group := polling.Group{Key: "agent:web-01", Alerts: []models.Alert{agentAlert("a5", "web-01", 9)}}
	o.process(context.Background(), group)

	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCycleQueuesAndProcessesNewAlerts(t *testing.T) {
	runs := 0
	engine := singleNodeEngine(func(context.Context, *models.State, *graph.RunConfig) error {
		runs++
		return nil
	}, nil)
	fetcher := fakeFetcher{alerts: []models.Alert{
		agentAlert("a1", "web-01", 10),
		agentAlert("a2", "web-01", 9),
		agentAlert("low", "web-01", 3), // below the rule-level floor
	}}
	o, mock := newTestOrchestrator(t, engine, fetcher)

	expectIntake(mock, 2, 1)

	o.cycle(context.Background())

	assert.Equal(t, 1, runs, "correlated alerts run as one investigation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeReentersCheckpointedWorkflow(t *testing.T) {
	var consumed *graph.ResumePayload

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	engine := singleNodeEngine(func(_ context.Context, st *models.State, rc *graph.RunConfig) error {
		consumed = rc.Resume
		st.Investigation.Status = models.StatusClosed
		return nil
	}, graph.NewPostgresCheckpointer(sdb))

	o := New(Deps{
		DB:      sdb,
		Store:   eventstore.NewStore(),
		Engine:  engine,
		Fetcher: fakeFetcher{},
	}, config.PollingConfig{Interval: time.Minute, CorrelationWindow: 15 * time.Minute}, "slack")

	st := models.NewState(&models.Investigation{ID: "inv-9", Title: "Brute force", Status: models.StatusInProgress})
	stateJSON, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT state, node, status, interrupt, updated_at`).
		WithArgs("investigation-inv-9").
		WillReturnRows(sqlmock.NewRows([]string{"state", "node", "status", "interrupt", "updated_at"}).
			AddRow(stateJSON, "work", graph.StatusInterrupted, nil, time.Now()))
	mock.ExpectExec(`INSERT INTO checkpoints`).WillReturnResult(sqlmock.NewResult(0, 1))

	payload := graph.ResumePayload{
		Decision: models.HumanApprove,
		Reviewer: "alice",
		Source:   "dashboard",
	}
	require.NoError(t, o.Resume(context.Background(), "inv-9", payload))

	require.NotNil(t, consumed, "resume payload not delivered to the node")
	assert.Equal(t, models.HumanApprove, consumed.Decision)
	assert.Equal(t, "alice", consumed.Reviewer)
	assert.Equal(t, "dashboard", consumed.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeWithoutCheckpointPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	engine := singleNodeEngine(nil, graph.NewPostgresCheckpointer(sdb))
	o := New(Deps{
		DB:      sdb,
		Store:   eventstore.NewStore(),
		Engine:  engine,
		Fetcher: fakeFetcher{},
	}, config.PollingConfig{Interval: time.Minute}, "slack")

	mock.ExpectQuery(`SELECT state, node, status, interrupt, updated_at`).
		WithArgs("investigation-inv-gone").
		WillReturnRows(sqlmock.NewRows([]string{"state", "node", "status", "interrupt", "updated_at"}))

	err = o.Resume(context.Background(), "inv-gone", graph.ResumePayload{Decision: models.HumanApprove})
	assert.ErrorIs(t, err, graph.ErrNoCheckpoint)
}
