package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/send-orchestrator/internal/domain"
)

// QueueRepo implements the durable send-queue protocol against PostgreSQL.
//
// The claim query is the system's only cross-worker synchronization point:
// a single transaction selects eligible pending rows with FOR UPDATE SKIP
// LOCKED and stamps them processing, so two concurrent claims can never
// return overlapping batches and a claim never blocks on another worker's
// in-flight transaction.
type QueueRepo struct {
	db          *sql.DB
	maxRetries  int
	backoffBase time.Duration
}

// NewQueueRepo creates a Postgres-backed queue repository.
// maxRetries bounds per-item attempts; backoffBase is the base of the
// exponential retry delay (backoffBase * 2^attempt).
func NewQueueRepo(db *sql.DB, maxRetries int, backoffBase time.Duration) *QueueRepo {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if backoffBase <= 0 {
		backoffBase = 5 * time.Minute
	}
	return &QueueRepo{db: db, maxRetries: maxRetries, backoffBase: backoffBase}
}

// MaxRetries returns the configured per-item attempt bound.
func (r *QueueRepo) MaxRetries() int { return r.maxRetries }

// Claim atomically claims up to batchSize pending items for the given
// account and returns them. Claimed rows are stamped processing with
// assigned_worker_id = accountID inside the same transaction, so they are
// invisible to every other claimer until finalized or released.
//
// Rows are excluded when their recipient is on either exclusion list, when
// their campaign is paused or cancelled, when their retry budget is spent,
// or when their backoff has not yet elapsed. An empty result is not an
// error; callers sleep and poll again.
func (r *QueueRepo) Claim(ctx context.Context, accountID string, batchSize int) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_queue
			SET status = 'processing',
			    assigned_worker_id = $1,
			    assigned_at = NOW()
			WHERE id IN (
				SELECT q.id FROM email_queue q
				LEFT JOIN campaigns c ON c.id = q.campaign_id
				WHERE q.status = 'pending'
				  AND q.retry_count < $2
				  AND (q.next_retry_at IS NULL OR q.next_retry_at <= NOW())
				  AND (q.account_id IS NULL OR q.account_id = $1)
				  AND (c.id IS NULL OR c.status NOT IN ('paused', 'cancelled'))
				  AND NOT EXISTS (
					SELECT 1 FROM bounce_list b
					WHERE b.email = q.recipient_email AND b.bounce_type = 'hard'
				  )
				  AND NOT EXISTS (
					SELECT 1 FROM unsubscribe_list u
					WHERE u.email = q.recipient_email
				  )
				ORDER BY q.priority DESC, q.created_at ASC
				LIMIT $3
				FOR UPDATE OF q SKIP LOCKED
			)
			RETURNING id, campaign_id, recipient_email, subject, html_body,
			          text_body, priority, retry_count, created_at
		)
		SELECT id, campaign_id, recipient_email, subject, html_body,
		       text_body, priority, retry_count, created_at
		FROM claimed
		ORDER BY priority DESC, created_at ASC
	`, accountID, r.maxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var item domain.QueueItem
		var campaignID sql.NullString
		if err := rows.Scan(
			&item.ID, &campaignID, &item.RecipientEmail, &item.Subject,
			&item.HTMLBody, &item.TextBody, &item.Priority, &item.RetryCount,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		if campaignID.Valid {
			id := campaignID.String
			item.CampaignID = &id
		}
		item.Status = domain.QueueProcessing
		worker := accountID
		item.AssignedWorkerID = &worker
		items = append(items, item)
	}
	return items, rows.Err()
}

// FinalizeSuccess marks an item sent and records the outcome in one
// transaction: terminal queue status, audit log entry, and the owning
// account's daily counter bump.
func (r *QueueRepo) FinalizeSuccess(ctx context.Context, itemID, accountID, messageID string, responseTimeMs int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = NOW(),
		    assigned_worker_id = NULL, assigned_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, itemID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO send_logs (queue_item_id, account_id, success, message_id, response_time_ms)
		VALUES ($1, $2, TRUE, $3, $4)
	`, itemID, accountID, messageID, responseTimeMs); err != nil {
		return fmt.Errorf("append send log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sender_accounts
		SET emails_sent_today = emails_sent_today + 1,
		    last_email_sent_at = NOW(),
		    consecutive_errors = 0,
		    updated_at = NOW()
		WHERE id = $1
	`, accountID); err != nil {
		return fmt.Errorf("bump sent counter: %w", err)
	}

	return tx.Commit()
}

// FinalizeFailure applies the retry policy to a failed attempt in one
// transaction. Retryable errors with remaining budget return the row to
// pending with an exponential next_retry_at; everything else is terminal.
// The audit log entry and the account's error counters are written in the
// same transaction. Returns true when the item is terminally failed.
func (r *QueueRepo) FinalizeFailure(ctx context.Context, item *domain.QueueItem, accountID string, kind domain.ErrorKind, retryable bool, errMsg string, responseTimeMs int) (bool, error) {
	attempt := item.RetryCount + 1
	terminal := !retryable || attempt >= r.maxRetries

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	if terminal {
		_, err = tx.ExecContext(ctx, `
			UPDATE email_queue
			SET status = 'failed', retry_count = retry_count + 1, last_error = $2,
			    assigned_worker_id = NULL, assigned_at = NULL
			WHERE id = $1 AND status = 'processing'
		`, item.ID, errMsg)
	} else {
		backoff := r.backoffBase * (1 << attempt)
		_, err = tx.ExecContext(ctx, `
			UPDATE email_queue
			SET status = 'pending', retry_count = retry_count + 1, last_error = $2,
			    next_retry_at = NOW() + $3 * INTERVAL '1 second',
			    assigned_worker_id = NULL, assigned_at = NULL
			WHERE id = $1 AND status = 'processing'
		`, item.ID, errMsg, int(backoff.Seconds()))
	}
	if err != nil {
		return false, fmt.Errorf("apply retry policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO send_logs (queue_item_id, account_id, success, error_kind, error_message, response_time_ms)
		VALUES ($1, $2, FALSE, $3, $4, $5)
	`, item.ID, accountID, string(kind), errMsg, responseTimeMs); err != nil {
		return false, fmt.Errorf("append send log: %w", err)
	}

	// Hard bounces go straight onto the exclusion list so no future claim
	// picks up this recipient, on any account.
	if kind == domain.ErrorBounce {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bounce_list (email, bounce_type)
			VALUES ($1, 'hard')
			ON CONFLICT (email) DO NOTHING
		`, item.RecipientEmail); err != nil {
			return false, fmt.Errorf("record hard bounce: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sender_accounts
		SET consecutive_errors = consecutive_errors + 1,
		    bounces_today = bounces_today + CASE WHEN $2 = 'bounce' THEN 1 ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $1
	`, accountID, string(kind)); err != nil {
		return false, fmt.Errorf("bump error counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return terminal, nil
}

// Release returns specific claimed-but-unsent items to pending without
// touching their retry counters. Used when a worker declines to send
// (quota exhausted mid-batch, shutdown) after claiming.
func (r *QueueRepo) Release(ctx context.Context, accountID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending', assigned_worker_id = NULL, assigned_at = NULL
		WHERE assigned_worker_id = $1 AND status = 'processing' AND id = ANY($2)
	`, accountID, pq.Array(itemIDs))
	if err != nil {
		return fmt.Errorf("release claimed items: %w", err)
	}
	return nil
}

// RecoverStale reverts every item still processing under the given account
// back to pending. Run before a worker's first claim so that rows stranded
// by a crash are neither lost nor double-counted: retry_count is left
// untouched because the crash was not a send attempt.
func (r *QueueRepo) RecoverStale(ctx context.Context, accountID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'pending', assigned_worker_id = NULL, assigned_at = NULL
		WHERE assigned_worker_id = $1 AND status = 'processing'
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("recover stale items: %w", err)
	}
	return res.RowsAffected()
}

// Enqueue inserts a new pending item. The enqueue surface proper lives
// outside this process; this method exists for seeding and tests and
// mirrors the contract enqueue callers must honor.
func (r *QueueRepo) Enqueue(ctx context.Context, item *domain.QueueItem) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO email_queue (campaign_id, account_id, recipient_email, subject, html_body, text_body, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, item.CampaignID, item.AccountID, item.RecipientEmail, item.Subject,
		item.HTMLBody, item.TextBody, item.Priority).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue item: %w", err)
	}
	return id, nil
}

// Depth returns the number of queue rows per status. Surfaced through
// /status and the queue-depth gauge for operator backpressure visibility.
func (r *QueueRepo) Depth(ctx context.Context) (map[domain.QueueStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM email_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[domain.QueueStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depth[domain.QueueStatus(status)] = count
	}
	return depth, rows.Err()
}
