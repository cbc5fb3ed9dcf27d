package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/models"
)

type memoryCheckpointer struct {
	saved map[string]Checkpoint
}

func newMemoryCheckpointer() *memoryCheckpointer {
	return &memoryCheckpointer{saved: make(map[string]Checkpoint)}
}

func (m *memoryCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	m.saved[cp.ThreadID] = cp
	return nil
}

func (m *memoryCheckpointer) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	cp, ok := m.saved[threadID]
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return &cp, nil
}

func (m *memoryCheckpointer) Delete(_ context.Context, threadID string) error {
	delete(m.saved, threadID)
	return nil
}

type funcNode struct {
	name string
	fn   func(ctx context.Context, st *models.State, rc *RunConfig) error
}

func (n funcNode) Name() string { return n.name }
func (n funcNode) Execute(ctx context.Context, st *models.State, rc *RunConfig) error {
	return n.fn(ctx, st, rc)
}

func newTestState() *models.State {
	return models.NewState(&models.Investigation{ID: "inv-1"})
}

func TestEngineRunsToEnd(t *testing.T) {
	cp := newMemoryCheckpointer()
	e := NewEngine("a", cp)

	var visited []string
	e.AddNode(funcNode{"a", func(_ context.Context, st *models.State, _ *RunConfig) error {
		visited = append(visited, "a")
		return nil
	}})
	e.AddNode(funcNode{"b", func(_ context.Context, st *models.State, _ *RunConfig) error {
		visited = append(visited, "b")
		return nil
	}})
	e.AddEdge("a", "b")
	e.AddEdge("b", End)

	_, err := e.Run(context.Background(), newTestState(), &RunConfig{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, visited)
	assert.Equal(t, StatusDone, cp.saved["t1"].Status)
}

func TestEngineConditionalRouting(t *testing.T) {
	e := NewEngine("decide", newMemoryCheckpointer())

	var took string
	e.AddNode(funcNode{"decide", func(_ context.Context, st *models.State, _ *RunConfig) error {
		st.CurrentPhase = models.PhaseVerdict
		return nil
	}})
	e.AddNode(funcNode{"verdict", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		took = "verdict"
		return nil
	}})
	e.AddNode(funcNode{"enrich", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		took = "enrich"
		return nil
	}})
	e.AddConditionalEdge("decide", func(st *models.State) string {
		if st.CurrentPhase == models.PhaseVerdict {
			return "verdict"
		}
		return "enrich"
	})
	e.AddEdge("verdict", End)
	e.AddEdge("enrich", End)

	_, err := e.Run(context.Background(), newTestState(), &RunConfig{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "verdict", took)
}

func TestEngineInterruptAndResume(t *testing.T) {
	cp := newMemoryCheckpointer()
	e := NewEngine("review", cp)

	e.AddNode(funcNode{"review", func(_ context.Context, st *models.State, rc *RunConfig) error {
		if rc.Resume != nil {
			st.HumanDecision = rc.Resume.Decision
			st.Reviewer = rc.Resume.Reviewer
			return nil
		}
		return Suspend("review", "awaiting human decision", map[string]any{"investigation_id": st.Investigation.ID})
	}})
	e.AddNode(funcNode{"close", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		return nil
	}})
	e.AddEdge("review", "close")
	e.AddEdge("close", End)

	st, err := e.Run(context.Background(), newTestState(), &RunConfig{ThreadID: "t1"})
	require.ErrorIs(t, err, ErrSuspended)
	assert.Equal(t, StatusInterrupted, cp.saved["t1"].Status)
	require.NotNil(t, cp.saved["t1"].Interrupt)
	assert.Equal(t, "review", cp.saved["t1"].Interrupt.Node)

	st, err = e.Resume(context.Background(), "t1", ResumePayload{
		Decision: models.HumanApprove,
		Reviewer: "alice",
	}, &RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, models.HumanApprove, st.HumanDecision)
	assert.Equal(t, "alice", st.Reviewer)
	assert.Equal(t, StatusDone, cp.saved["t1"].Status)
}

func TestEngineResumeRequiresInterruptedThread(t *testing.T) {
	cp := newMemoryCheckpointer()
	e := NewEngine("a", cp)
	e.AddNode(funcNode{"a", func(_ context.Context, _ *models.State, _ *RunConfig) error { return nil }})
	e.AddEdge("a", End)

	_, err := e.Run(context.Background(), newTestState(), &RunConfig{ThreadID: "t1"})
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), "t1", ResumePayload{Decision: models.HumanApprove}, &RunConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not interrupted")

	_, err = e.Resume(context.Background(), "ghost", ResumePayload{}, &RunConfig{})
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestEngineResumePayloadClearedAfterConsumingNode(t *testing.T) {
	cp := newMemoryCheckpointer()
	e := NewEngine("review", cp)

	var sawResumeInNext bool
	e.AddNode(funcNode{"review", func(_ context.Context, _ *models.State, rc *RunConfig) error {
		if rc.Resume == nil {
			return Suspend("review", "waiting", nil)
		}
		return nil
	}})
	e.AddNode(funcNode{"next", func(_ context.Context, _ *models.State, rc *RunConfig) error {
		sawResumeInNext = rc.Resume != nil
		return nil
	}})
	e.AddEdge("review", "next")
	e.AddEdge("next", End)

	_, err := e.Run(context.Background(), newTestState(), &RunConfig{ThreadID: "t1"})
	require.ErrorIs(t, err, ErrSuspended)

	_, err = e.Resume(context.Background(), "t1", ResumePayload{Decision: models.HumanReject}, &RunConfig{})
	require.NoError(t, err)
	assert.False(t, sawResumeInNext)
}

func TestEngineStopsBetweenNodesWhenCancelled(t *testing.T) {
	cp := newMemoryCheckpointer()
	e := NewEngine("a", cp)

	var visited []string
	e.AddNode(funcNode{"a", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		visited = append(visited, "a")
		return nil
	}})
	e.AddNode(funcNode{"b", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		visited = append(visited, "b")
		return nil
	}})
	e.AddEdge("a", "b")
	e.AddEdge("b", End)

	// The analyst cancels while node a is running; node b must not execute.
	_, err := e.Run(context.Background(), newTestState(), &RunConfig{
		ThreadID:  "t1",
		Cancelled: func(context.Context) (bool, error) { return true, nil },
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"a"}, visited)
	assert.Equal(t, StatusDone, cp.saved["t1"].Status)
}

func TestEngineCancelCheckErrorDoesNotStopRun(t *testing.T) {
	e := NewEngine("a", newMemoryCheckpointer())

	var visited []string
	e.AddNode(funcNode{"a", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		visited = append(visited, "a")
		return nil
	}})
	e.AddNode(funcNode{"b", func(_ context.Context, _ *models.State, _ *RunConfig) error {
		visited = append(visited, "b")
		return nil
	}})
	e.AddEdge("a", "b")
	e.AddEdge("b", End)

	_, err := e.Run(context.Background(), newTestState(), &RunConfig{
		ThreadID:  "t1",
		Cancelled: func(context.Context) (bool, error) { return false, assert.AnError },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, visited)
}

func TestEngineUnknownNode(t *testing.T) {
	e := NewEngine("missing", newMemoryCheckpointer())
	_, err := e.Run(context.Background(), newTestState(), &RunConfig{ThreadID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestThreadID(t *testing.T) {
	assert.Equal(t, "investigation-abc", ThreadID("abc"))
}
