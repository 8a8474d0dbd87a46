package domain

import "time"

// QueueStatus enumerates the states of a queued message.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
)

// QueueItem is one unit of work: one message to one recipient. A row is
// claimed, sent, and finalized by exactly one worker; retries reuse the
// same row up to the configured maximum.
//
// Invariant: AssignedWorkerID is non-nil iff Status is processing.
type QueueItem struct {
	ID               string      `json:"id" db:"id"`
	CampaignID       *string     `json:"campaign_id" db:"campaign_id"`
	AccountID        *string     `json:"account_id" db:"account_id"`
	RecipientEmail   string      `json:"recipient_email" db:"recipient_email"`
	Subject          string      `json:"subject" db:"subject"`
	HTMLBody         string      `json:"html_body" db:"html_body"`
	TextBody         string      `json:"text_body" db:"text_body"`
	Priority         int         `json:"priority" db:"priority"`
	Status           QueueStatus `json:"status" db:"status"`
	RetryCount       int         `json:"retry_count" db:"retry_count"`
	LastError        *string     `json:"last_error" db:"last_error"`
	NextRetryAt      *time.Time  `json:"next_retry_at" db:"next_retry_at"`
	AssignedWorkerID *string     `json:"assigned_worker_id" db:"assigned_worker_id"`
	AssignedAt       *time.Time  `json:"assigned_at" db:"assigned_at"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	SentAt           *time.Time  `json:"sent_at" db:"sent_at"`
}
