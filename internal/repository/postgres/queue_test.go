package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/send-orchestrator/internal/domain"
)

func newQueueMock(t *testing.T) (*QueueRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueueRepo(db, 5, 5*time.Minute), mock
}

func claimRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "recipient_email", "subject", "html_body",
		"text_body", "priority", "retry_count", "created_at",
	})
	for _, id := range ids {
		rows.AddRow(id, "camp-1", id+"@example.org", "s", "<p>h</p>", "h", 0, 0, time.Now())
	}
	return rows
}

func TestClaimStampsItemsProcessing(t *testing.T) {
	repo, mock := newQueueMock(t)

	mock.ExpectQuery(`FOR UPDATE OF q SKIP LOCKED`).
		WithArgs("acct-1", 5, 10).
		WillReturnRows(claimRows("item-1", "item-2"))

	items, err := repo.Claim(context.Background(), "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	for _, item := range items {
		assert.Equal(t, domain.QueueProcessing, item.Status)
		require.NotNil(t, item.AssignedWorkerID)
		assert.Equal(t, "acct-1", *item.AssignedWorkerID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyIsNotAnError(t *testing.T) {
	repo, mock := newQueueMock(t)

	mock.ExpectQuery(`FOR UPDATE OF q SKIP LOCKED`).
		WithArgs("acct-1", 5, 10).
		WillReturnRows(claimRows())

	items, err := repo.Claim(context.Background(), "acct-1", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFinalizeSuccessCommitsAllThreeWrites(t *testing.T) {
	repo, mock := newQueueMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'sent'`).
		WithArgs("item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO send_logs`).
		WithArgs("item-1", "acct-1", "msg-abc", 120).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`emails_sent_today = emails_sent_today \+ 1`).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.FinalizeSuccess(context.Background(), "item-1", "acct-1", "msg-abc", 120)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeFailureRetriesWithExponentialBackoff(t *testing.T) {
	repo, mock := newQueueMock(t)
	item := &domain.QueueItem{ID: "item-1", RetryCount: 1}

	// attempt 2 of 5: retryable, backoff = 5min * 2^2 = 1200s
	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'pending', retry_count = retry_count \+ 1`).
		WithArgs("item-1", "timeout", 1200).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO send_logs`).
		WithArgs("item-1", "acct-1", "transient", "timeout", 50).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`consecutive_errors = consecutive_errors \+ 1`).
		WithArgs("acct-1", "transient").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := repo.FinalizeFailure(context.Background(), item, "acct-1", domain.ErrorTransient, true, "timeout", 50)
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeFailureTerminalWhenBudgetSpent(t *testing.T) {
	repo, mock := newQueueMock(t)
	item := &domain.QueueItem{ID: "item-1", RetryCount: 4} // attempt 5 of 5

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'failed'`).
		WithArgs("item-1", "timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO send_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`consecutive_errors = consecutive_errors \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := repo.FinalizeFailure(context.Background(), item, "acct-1", domain.ErrorTransient, true, "timeout", 50)
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestFinalizeFailureTerminalWhenNotRetryable(t *testing.T) {
	repo, mock := newQueueMock(t)
	item := &domain.QueueItem{ID: "item-1", RecipientEmail: "gone@example.org", RetryCount: 0}

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'failed'`).
		WithArgs("item-1", "550 no such user").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO send_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// a bounce also lands the recipient on the exclusion list
	mock.ExpectExec(`INSERT INTO bounce_list`).
		WithArgs("gone@example.org").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`consecutive_errors = consecutive_errors \+ 1`).
		WithArgs("acct-1", "bounce").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	terminal, err := repo.FinalizeFailure(context.Background(), item, "acct-1", domain.ErrorBounce, false, "550 no such user", 50)
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestReleaseSkipsEmptySet(t *testing.T) {
	repo, mock := newQueueMock(t)

	// no expectations: an empty release must not touch the database
	require.NoError(t, repo.Release(context.Background(), "acct-1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStaleRevertsProcessingRows(t *testing.T) {
	repo, mock := newQueueMock(t)

	mock.ExpectExec(`SET status = 'pending', assigned_worker_id = NULL`).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.RecoverStale(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestDepth(t *testing.T) {
	repo, mock := newQueueMock(t)

	mock.ExpectQuery(`GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 10).
			AddRow("processing", 2).
			AddRow("sent", 500))

	depth, err := repo.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), depth[domain.QueuePending])
	assert.Equal(t, int64(2), depth[domain.QueueProcessing])
	assert.Equal(t, int64(500), depth[domain.QueueSent])
	assert.Zero(t, depth[domain.QueueFailed])
}
