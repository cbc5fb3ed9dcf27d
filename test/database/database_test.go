// Package database_test exercises the real PostgreSQL stack: embedded
// migrations, the event store, synchronous projection, and workflow
// checkpoints. Local runs spin up one shared testcontainer; CI points
// CI_DATABASE_URL at a service container instead.
package database_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gbrigandi/soctalk/pkg/database"
	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

func connString(t *testing.T) string {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		pg, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("soctalk_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pg.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// newTestClient connects and applies the embedded migrations. All tests
// share one database; isolation comes from unique aggregate ids.
func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	client, err := database.NewClient(context.Background(), database.Config{
		URL:          connString(t),
		Database:     "soctalk_test",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestMigrationsCreateSchema(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	status, err := database.Health(ctx, client.DB.DB)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)

	for _, table := range []string{
		"events", "investigations", "pending_reviews", "checkpoints",
		"hourly_metrics", "ioc_stats", "rule_stats", "analyzer_stats",
		"user_settings",
	} {
		var exists bool
		err := client.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table)
		require.NoError(t, err)
		assert.True(t, exists, "table %s missing", table)
	}
}

func TestAppendProjectsReadModelInOneTransaction(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	store := eventstore.NewStore()
	proj := projector.New()
	id := uuid.NewString()

	batch := []eventstore.NewEvent{
		{
			AggregateID:   id,
			AggregateType: eventstore.AggregateInvestigation,
			EventType:     events.TypeInvestigationCreated,
			Payload: events.InvestigationCreatedPayload{
				Title:      "SSH brute force",
				Severity:   models.SeverityHigh,
				AlertCount: 2,
			},
			IdempotencyKey: "inv-created-" + id,
		},
		{
			AggregateID:   id,
			AggregateType: eventstore.AggregateInvestigation,
			EventType:     events.TypeInvestigationStarted,
			Payload:       events.InvestigationStartedPayload{ThreadID: graph.ThreadID(id)},
		},
	}
	require.NoError(t, events.AppendAndProject(ctx, client.DB, store, proj, batch))

	stored, err := store.Events(ctx, client.DB, id)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 1, stored[0].Version)
	assert.Equal(t, 2, stored[1].Version)

	var row struct {
		Title    string `db:"title"`
		Status   string `db:"status"`
		Severity string `db:"severity"`
	}
	err = client.GetContext(ctx, &row,
		`SELECT title, status, severity FROM investigations WHERE id = $1`, id)
	require.NoError(t, err)
	assert.Equal(t, "SSH brute force", row.Title)
	assert.Equal(t, "in_progress", row.Status)
	assert.Equal(t, "high", row.Severity)
}

func TestIdempotentAppendDoesNotDuplicate(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	store := eventstore.NewStore()
	proj := projector.New()
	id := uuid.NewString()

	batch := []eventstore.NewEvent{{
		AggregateID:   id,
		AggregateType: eventstore.AggregateInvestigation,
		EventType:     events.TypeInvestigationCreated,
		Payload: events.InvestigationCreatedPayload{
			Title: "Replay check", Severity: models.SeverityLow, AlertCount: 1,
		},
		IdempotencyKey: "inv-created-" + id,
	}}
	require.NoError(t, events.AppendAndProject(ctx, client.DB, store, proj, batch))
	require.NoError(t, events.AppendAndProject(ctx, client.DB, store, proj, batch))

	stored, err := store.Events(ctx, client.DB, id)
	require.NoError(t, err)
	assert.Len(t, stored, 1, "replayed append must not add a second event")

	var count int
	err = client.GetContext(ctx, &count,
		`SELECT count(*) FROM investigations WHERE id = $1`, id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCheckpointRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	cp := graph.NewPostgresCheckpointer(client.DB)
	id := uuid.NewString()
	threadID := graph.ThreadID(id)

	st := models.NewState(&models.Investigation{
		ID:     id,
		Title:  "Checkpoint round trip",
		Status: models.StatusInProgress,
	})
	require.NoError(t, cp.Save(ctx, graph.Checkpoint{
		ThreadID: threadID,
		State:    st,
		Node:     "human_review",
		Status:   graph.StatusInterrupted,
		Interrupt: &graph.Interrupt{
			Reason: "analyst approval required",
			Node:   "human_review",
		},
	}))

	loaded, err := cp.Load(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "human_review", loaded.Node)
	assert.Equal(t, graph.StatusInterrupted, loaded.Status)
	assert.Equal(t, id, loaded.State.Investigation.ID)
	require.NotNil(t, loaded.Interrupt)
	assert.Equal(t, "analyst approval required", loaded.Interrupt.Reason)

	require.NoError(t, cp.Delete(ctx, threadID))
	_, err = cp.Load(ctx, threadID)
	assert.ErrorIs(t, err, graph.ErrNoCheckpoint)
}
