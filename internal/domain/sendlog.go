package domain

import "time"

// ErrorKind is the send-error taxonomy. It drives both per-item retry
// scheduling and account-level suspension.
type ErrorKind string

const (
	ErrorAuth      ErrorKind = "auth"      // credentials invalid/revoked; suspends the account
	ErrorTransient ErrorKind = "transient" // network/rate-limit/timeout; retryable
	ErrorPermanent ErrorKind = "permanent" // invalid/rejected recipient; terminal for the item
	ErrorBounce    ErrorKind = "bounce"    // provider-reported hard bounce; terminal for the item
)

// SendLogEntry is an immutable audit record of one send attempt.
// Append-only; pruned by the retention job.
type SendLogEntry struct {
	ID             string     `json:"id" db:"id"`
	QueueItemID    string     `json:"queue_item_id" db:"queue_item_id"`
	AccountID      string     `json:"account_id" db:"account_id"`
	Success        bool       `json:"success" db:"success"`
	MessageID      *string    `json:"message_id" db:"message_id"`
	ErrorKind      *ErrorKind `json:"error_kind" db:"error_kind"`
	ErrorMessage   *string    `json:"error_message" db:"error_message"`
	ResponseTimeMs int        `json:"response_time_ms" db:"response_time_ms"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
