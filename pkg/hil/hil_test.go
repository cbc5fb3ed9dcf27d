package hil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "pgx")), mock
}

var reviewColumns = []string{
	"id", "investigation_id", "title", "severity", "verdict_decision",
	"confidence", "threat_assessment", "recommendation", "status",
	"reviewer", "feedback", "decision_source",
	"requested_at", "responded_at", "workflow_resumed_at",
}

func reviewRow(id, investigationID, status string, source *string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(reviewColumns).AddRow(
		id, investigationID, "Suspicious login", "high", "escalate",
		0.8, nil, nil, status,
		nil, nil, source,
		now, now, nil,
	)
}

func TestDecisionForMapping(t *testing.T) {
	tests := []struct {
		status   string
		decision models.HumanDecision
		ok       bool
	}{
		{projector.ReviewApproved, models.HumanApprove, true},
		{projector.ReviewRejected, models.HumanReject, true},
		{projector.ReviewInfoRequested, models.HumanMoreInfo, true},
		{projector.ReviewExpired, models.HumanMoreInfo, true},
		{projector.ReviewPending, "", false},
	}
	for _, tt := range tests {
		decision, ok := DecisionFor(tt.status)
		assert.Equal(t, tt.ok, ok, "status %s", tt.status)
		assert.Equal(t, tt.decision, decision, "status %s", tt.status)
	}
}

func TestStatusForMapping(t *testing.T) {
	assert.Equal(t, projector.ReviewApproved, statusFor(models.HumanApprove))
	assert.Equal(t, projector.ReviewRejected, statusFor(models.HumanReject))
	assert.Equal(t, projector.ReviewInfoRequested, statusFor(models.HumanMoreInfo))
}

func TestStoreDecideClaimsPendingReview(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WithArgs("inv-1").
		WillReturnRows(reviewRow("rev-1", "inv-1", "pending", nil))
	mock.ExpectExec(`UPDATE pending_reviews`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Decide(context.Background(), "inv-1", models.HumanApprove, "alice", "", "chat")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDecideAlreadyDecided(t *testing.T) {
	store, mock := newMockStore(t)
	source := "dashboard"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WithArgs("inv-1").
		WillReturnRows(reviewRow("rev-1", "inv-1", "approved", &source))
	mock.ExpectRollback()

	err := store.Decide(context.Background(), "inv-1", models.HumanReject, "bob", "", "chat")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDecideNoPendingReview(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(reviewColumns))
	mock.ExpectRollback()

	err := store.Decide(context.Background(), "inv-1", models.HumanApprove, "alice", "", "chat")
	assert.ErrorIs(t, err, ErrNoPendingReview)
}

func TestStoreExpireOverdue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE pending_reviews`).
		WithArgs(projector.ReviewExpired, "HIL review timed out", "timeout",
			sqlmock.AnyArg(), projector.ReviewPending).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.ExpireOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeResumer struct {
	calls []graph.ResumePayload
	ids   []string
	err   error
}

func (f *fakeResumer) Resume(_ context.Context, investigationID string, payload graph.ResumePayload) error {
	f.ids = append(f.ids, investigationID)
	f.calls = append(f.calls, payload)
	return f.err
}

func resumeConfig() config.ResumeConfig {
	return config.ResumeConfig{BatchSize: 10, BusySleep: time.Millisecond, IdleSleep: time.Millisecond}
}

func TestServiceResumesDecidedReview(t *testing.T) {
	store, mock := newMockStore(t)
	resumer := &fakeResumer{}
	svc := NewService(store, resumer, resumeConfig())

	source := "chat"
	rows := sqlmock.NewRows(reviewColumns).AddRow(
		"rev-1", "inv-1", "Suspicious login", "high", "escalate",
		0.8, nil, nil, "approved",
		ptr("alice"), ptr("open a case"), &source,
		time.Now(), time.Now(), nil,
	)
	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT status FROM investigations`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectExec(`UPDATE pending_reviews SET workflow_resumed_at`).
		WithArgs("rev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resumed, err := svc.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Len(t, resumer.calls, 1)
	assert.Equal(t, []string{"inv-1"}, resumer.ids)
	assert.Equal(t, models.HumanApprove, resumer.calls[0].Decision)
	assert.Equal(t, "alice", resumer.calls[0].Reviewer)
	assert.Equal(t, "open a case", resumer.calls[0].Feedback)
	assert.Equal(t, "chat", resumer.calls[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceResumesExpiredReviewAsMoreInfo(t *testing.T) {
	store, mock := newMockStore(t)
	resumer := &fakeResumer{}
	svc := NewService(store, resumer, resumeConfig())

	source := "timeout"
	rows := sqlmock.NewRows(reviewColumns).AddRow(
		"rev-1", "inv-1", "Suspicious login", "high", "escalate",
		0.8, nil, nil, "expired",
		nil, ptr("HIL review timed out"), &source,
		time.Now(), time.Now(), nil,
	)
	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT status FROM investigations`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectExec(`UPDATE pending_reviews SET workflow_resumed_at`).
		WithArgs("rev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resumed, err := svc.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	require.Len(t, resumer.calls, 1)
	assert.Equal(t, models.HumanMoreInfo, resumer.calls[0].Decision)
	assert.Equal(t, "HIL review timed out", resumer.calls[0].Feedback)
	assert.Equal(t, "timeout", resumer.calls[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceSkipsPausedInvestigation(t *testing.T) {
	store, mock := newMockStore(t)
	resumer := &fakeResumer{}
	svc := NewService(store, resumer, resumeConfig())

	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WillReturnRows(reviewRow("rev-1", "inv-1", "rejected", nil))
	mock.ExpectQuery(`SELECT status FROM investigations`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("paused"))

	resumed, err := svc.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Empty(t, resumer.ids, "paused investigations hold their decision")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceTerminalInvestigationConsumesReview(t *testing.T) {
	store, mock := newMockStore(t)
	resumer := &fakeResumer{}
	svc := NewService(store, resumer, resumeConfig())

	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WillReturnRows(reviewRow("rev-1", "inv-1", "approved", nil))
	mock.ExpectQuery(`SELECT status FROM investigations`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("closed"))
	mock.ExpectExec(`UPDATE pending_reviews SET workflow_resumed_at`).
		WithArgs("rev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resumed, err := svc.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Empty(t, resumer.ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceMissingCheckpointConsumesReview(t *testing.T) {
	store, mock := newMockStore(t)
	resumer := &fakeResumer{err: graph.ErrNoCheckpoint}
	svc := NewService(store, resumer, resumeConfig())

	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WillReturnRows(reviewRow("rev-1", "inv-1", "approved", nil))
	mock.ExpectQuery(`SELECT status FROM investigations`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectExec(`UPDATE pending_reviews SET workflow_resumed_at`).
		WithArgs("rev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resumed, err := svc.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceTransientResumeErrorLeavesReview(t *testing.T) {
	store, mock := newMockStore(t)
	resumer := &fakeResumer{err: errors.New("db connection lost")}
	svc := NewService(store, resumer, resumeConfig())

	mock.ExpectQuery(`SELECT \* FROM pending_reviews`).
		WillReturnRows(reviewRow("rev-1", "inv-1", "approved", nil))
	mock.ExpectQuery(`SELECT status FROM investigations`).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))

	resumed, err := svc.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resumed)
	// No workflow_resumed_at update: the review stays for the next scan.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildReviewMessageCarriesInvestigationID(t *testing.T) {
	blocks := BuildReviewMessage("inv-42", events.HumanReviewRequestedPayload{
		Title:           "Suspicious outbound traffic",
		Severity:        models.SeverityHigh,
		VerdictDecision: models.DecisionEscalate,
		Confidence:      0.85,
	})
	require.Len(t, blocks, 3)

	actions, ok := blocks[2].(*goslack.ActionBlock)
	require.True(t, ok)
	require.Len(t, actions.Elements.ElementSet, 3)

	ids := make(map[string]string)
	for _, el := range actions.Elements.ElementSet {
		btn, ok := el.(*goslack.ButtonBlockElement)
		require.True(t, ok)
		ids[btn.ActionID] = btn.Value
	}
	assert.Equal(t, "inv-42", ids[actionApprove])
	assert.Equal(t, "inv-42", ids[actionReject])
	assert.Equal(t, "inv-42", ids[actionMoreInfo])
}

func TestBuildDecisionText(t *testing.T) {
	assert.Equal(t, ":white_check_mark: Decision: APPROVED by @alice",
		BuildDecisionText(models.HumanApprove, "alice"))
	assert.Equal(t, ":x: Decision: REJECTED by @bob",
		BuildDecisionText(models.HumanReject, "bob"))
}

func TestBuildDashboardWinText(t *testing.T) {
	assert.Equal(t, ":desktop_computer: Decision: APPROVED (via Dashboard)",
		BuildDashboardWinText("approved"))
}

func ptr[T any](v T) *T { return &v }
