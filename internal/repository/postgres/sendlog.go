package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/send-orchestrator/internal/domain"
)

// SendLogRepo reads and prunes the append-only send audit log. Writes
// happen inside the QueueRepo finalize transactions so an attempt and its
// log entry commit atomically.
type SendLogRepo struct{ db *sql.DB }

// NewSendLogRepo creates a Postgres-backed send log repository.
func NewSendLogRepo(db *sql.DB) *SendLogRepo { return &SendLogRepo{db: db} }

// ListForItem returns the attempt history for one queue item, oldest first.
func (r *SendLogRepo) ListForItem(ctx context.Context, queueItemID string) ([]domain.SendLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, queue_item_id, account_id, success, message_id,
		       error_kind, error_message, COALESCE(response_time_ms, 0), created_at
		FROM send_logs
		WHERE queue_item_id = $1
		ORDER BY created_at ASC
	`, queueItemID)
	if err != nil {
		return nil, fmt.Errorf("list send logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.SendLogEntry
	for rows.Next() {
		var e domain.SendLogEntry
		var messageID, errKind, errMsg sql.NullString
		if err := rows.Scan(
			&e.ID, &e.QueueItemID, &e.AccountID, &e.Success, &messageID,
			&errKind, &errMsg, &e.ResponseTimeMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan send log: %w", err)
		}
		if messageID.Valid {
			e.MessageID = &messageID.String
		}
		if errKind.Valid {
			k := domain.ErrorKind(errKind.String)
			e.ErrorKind = &k
		}
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneOlderThan deletes log entries older than the retention window and
// returns how many rows were removed.
func (r *SendLogRepo) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM send_logs
		WHERE created_at < NOW() - $1 * INTERVAL '1 second'
	`, int(retention.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("prune send logs: %w", err)
	}
	return res.RowsAffected()
}
