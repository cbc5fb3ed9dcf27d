// Package graph implements the durable workflow engine: named nodes wired
// by conditional edges, with a checkpoint after every node so a crash or a
// human-review suspension can always pick up where the run left off.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// End is the terminal routing target.
const End = "__end__"

// ThreadID derives the checkpoint thread name for an investigation.
func ThreadID(investigationID string) string {
	return "investigation-" + investigationID
}

// maxSteps bounds a single run; the supervisor's own iteration cap should
// always trigger first.
const maxSteps = 100

// Node executes one workflow step, mutating the state in place.
type Node interface {
	Name() string
	Execute(ctx context.Context, st *models.State, rc *RunConfig) error
}

// Router picks the next node after a node completes.
type Router func(st *models.State) string

// ResumePayload carries a human decision into a suspended workflow.
type ResumePayload struct {
	Decision models.HumanDecision `json:"decision"`
	Feedback string               `json:"feedback,omitempty"`
	Reviewer string               `json:"reviewer,omitempty"`
	Source   string               `json:"source,omitempty"`
}

// RunConfig is the per-run wiring handed to every node. None of it is
// serialized into checkpoints.
type RunConfig struct {
	ThreadID    string
	Emitter     *events.Emitter
	Review      ReviewNotifier
	BackendName string

	// Cancelled, when set, is consulted between nodes; a true result stops
	// the run with ErrCancelled. Lookup errors are treated as not cancelled
	// so a read-model hiccup cannot kill a healthy run.
	Cancelled func(ctx context.Context) (bool, error)

	// Resume is set only when re-entering an interrupted workflow.
	Resume *ResumePayload
}

// ReviewNotifier pushes a review request to the human channel.
type ReviewNotifier interface {
	RequestReview(ctx context.Context, investigationID string, payload events.HumanReviewRequestedPayload) error
}

// ErrSuspended is returned by Run when the workflow interrupted and was
// checkpointed for later resumption.
var ErrSuspended = errors.New("workflow suspended")

// ErrCancelled is returned by Run when the investigation was cancelled
// out-of-band while the workflow was between nodes.
var ErrCancelled = errors.New("workflow cancelled")

// Engine runs a workflow graph.
type Engine struct {
	nodes        map[string]Node
	routers      map[string]Router
	entry        string
	checkpointer Checkpointer
	log          *slog.Logger
}

// NewEngine returns an empty engine with the given entry node name.
func NewEngine(entry string, checkpointer Checkpointer) *Engine {
	return &Engine{
		nodes:        make(map[string]Node),
		routers:      make(map[string]Router),
		entry:        entry,
		checkpointer: checkpointer,
		log:          slog.With("component", "workflow"),
	}
}

// AddNode registers a node.
func (e *Engine) AddNode(n Node) {
	e.nodes[n.Name()] = n
}

// AddEdge registers an unconditional edge.
func (e *Engine) AddEdge(from, to string) {
	e.routers[from] = func(*models.State) string { return to }
}

// AddConditionalEdge registers a router for a node.
func (e *Engine) AddConditionalEdge(from string, router Router) {
	e.routers[from] = router
}

// Run executes the workflow from the entry node until it ends or
// interrupts. On interrupt it returns ErrSuspended with the checkpoint
// already saved.
func (e *Engine) Run(ctx context.Context, st *models.State, rc *RunConfig) (*models.State, error) {
	return e.loop(ctx, e.entry, st, rc)
}

// Resume re-enters an interrupted workflow at its checkpointed node with
// the human decision attached.
func (e *Engine) Resume(ctx context.Context, threadID string, payload ResumePayload, rc *RunConfig) (*models.State, error) {
	cp, err := e.checkpointer.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Status != StatusInterrupted {
		return nil, fmt.Errorf("thread %s is %s, not interrupted", threadID, cp.Status)
	}
	rc.Resume = &payload
	rc.ThreadID = threadID
	return e.loop(ctx, cp.Node, cp.State, rc)
}

func (e *Engine) loop(ctx context.Context, current string, st *models.State, rc *RunConfig) (*models.State, error) {
	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if step > 0 && rc.Cancelled != nil {
			cancelled, err := rc.Cancelled(ctx)
			if err != nil {
				e.log.Warn("cancellation check failed, continuing", "thread_id", rc.ThreadID, "error", err)
			} else if cancelled {
				if err := e.save(ctx, rc.ThreadID, st, current, StatusDone, nil); err != nil {
					return st, err
				}
				e.log.Info("workflow halted by cancellation", "thread_id", rc.ThreadID, "node", current)
				return st, ErrCancelled
			}
		}
		node, ok := e.nodes[current]
		if !ok {
			return st, fmt.Errorf("workflow references unknown node %q", current)
		}

		e.log.Debug("executing node", "thread_id", rc.ThreadID, "node", current, "step", step)
		err := node.Execute(ctx, st, rc)

		var intr *InterruptError
		if errors.As(err, &intr) {
			if saveErr := e.save(ctx, rc.ThreadID, st, current, StatusInterrupted, &intr.Interrupt); saveErr != nil {
				return st, saveErr
			}
			e.log.Info("workflow suspended", "thread_id", rc.ThreadID, "node", current, "reason", intr.Interrupt.Reason)
			return st, ErrSuspended
		}
		if err != nil {
			return st, fmt.Errorf("node %s: %w", current, err)
		}

		// A consumed resume payload must not replay on later visits to the
		// same node.
		rc.Resume = nil

		if rc.Emitter != nil {
			if err := rc.Emitter.Flush(ctx); err != nil {
				return st, err
			}
		}

		router, ok := e.routers[current]
		if !ok {
			return st, fmt.Errorf("node %q has no outgoing edge", current)
		}
		next := router(st)
		if next == End {
			if err := e.save(ctx, rc.ThreadID, st, current, StatusDone, nil); err != nil {
				return st, err
			}
			return st, nil
		}
		if err := e.save(ctx, rc.ThreadID, st, next, StatusRunning, nil); err != nil {
			return st, err
		}
		current = next
	}
	return st, fmt.Errorf("workflow exceeded %d steps", maxSteps)
}

func (e *Engine) save(ctx context.Context, threadID string, st *models.State, node, status string, intr *Interrupt) error {
	if e.checkpointer == nil {
		return nil
	}
	return e.checkpointer.Save(ctx, Checkpoint{
		ThreadID:  threadID,
		State:     st,
		Node:      node,
		Status:    status,
		Interrupt: intr,
	})
}
