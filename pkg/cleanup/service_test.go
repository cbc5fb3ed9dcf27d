package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/config"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewService(sqlx.NewDb(db, "sqlmock"), config.RetentionConfig{
		CheckpointTTL: 7 * 24 * time.Hour,
		ReviewTTL:     30 * 24 * time.Hour,
		Interval:      time.Hour,
	})
	return svc, mock
}

func TestSweepPrunesDoneCheckpointsAndConsumedReviews(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec(`DELETE FROM checkpoints\s+WHERE status = \$1 AND updated_at < \$2`).
		WithArgs("done", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM pending_reviews\s+WHERE workflow_resumed_at IS NOT NULL`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	svc.sweep(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepContinuesAfterCheckpointError(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec(`DELETE FROM checkpoints`).
		WillReturnError(assert.AnError)
	mock.ExpectExec(`DELETE FROM pending_reviews`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	svc.sweep(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet(), "review pruning must still run")
}
