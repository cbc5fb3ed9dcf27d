package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// Checkpoint statuses.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusDone        = "done"
)

// ErrNoCheckpoint is returned when a thread has no saved checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// Checkpoint is the durable snapshot of a workflow between nodes. State
// must round-trip through JSON; per-run wiring lives in RunConfig and is
// never serialized.
type Checkpoint struct {
	ThreadID  string
	State     *models.State
	Node      string
	Status    string
	Interrupt *Interrupt
	UpdatedAt time.Time
}

// Checkpointer persists workflow checkpoints.
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// PostgresCheckpointer stores one checkpoint row per thread.
type PostgresCheckpointer struct {
	db *sqlx.DB
}

// NewPostgresCheckpointer returns a checkpointer over the given database.
func NewPostgresCheckpointer(db *sqlx.DB) *PostgresCheckpointer {
	return &PostgresCheckpointer{db: db}
}

func (c *PostgresCheckpointer) Save(ctx context.Context, cp Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint state: %w", err)
	}
	var interrupt []byte
	if cp.Interrupt != nil {
		interrupt, err = json.Marshal(cp.Interrupt)
		if err != nil {
			return fmt.Errorf("marshaling interrupt: %w", err)
		}
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, node, status, interrupt, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (thread_id) DO UPDATE SET
			state = EXCLUDED.state,
			node = EXCLUDED.node,
			status = EXCLUDED.status,
			interrupt = EXCLUDED.interrupt,
			updated_at = now()`,
		cp.ThreadID, state, cp.Node, cp.Status, interrupt)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.ThreadID, err)
	}
	return nil
}

func (c *PostgresCheckpointer) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	var row struct {
		State     []byte    `db:"state"`
		Node      string    `db:"node"`
		Status    string    `db:"status"`
		Interrupt []byte    `db:"interrupt"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := c.db.GetContext(ctx, &row, `
		SELECT state, node, status, interrupt, updated_at
		FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("loading checkpoint for %s: %w", threadID, err)
	}

	cp := &Checkpoint{
		ThreadID:  threadID,
		Node:      row.Node,
		Status:    row.Status,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.State, &cp.State); err != nil {
		return nil, fmt.Errorf("decoding checkpoint state for %s: %w", threadID, err)
	}
	if len(row.Interrupt) > 0 {
		var intr Interrupt
		if err := json.Unmarshal(row.Interrupt, &intr); err != nil {
			return nil, fmt.Errorf("decoding interrupt for %s: %w", threadID, err)
		}
		cp.Interrupt = &intr
	}
	return cp, nil
}

func (c *PostgresCheckpointer) Delete(ctx context.Context, threadID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	return err
}
