package domain

import "time"

// BounceType distinguishes permanent delivery failures from transient
// ones. Only hard bounces exclude a recipient from future claims; soft
// bounces are handled by the retry policy.
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// BounceEntry is one row of the bounce exclusion list.
type BounceEntry struct {
	Email      string     `json:"email" db:"email"`
	BounceType BounceType `json:"bounce_type" db:"bounce_type"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// UnsubscribeEntry is one row of the unsubscribe exclusion list. Entries
// are written by the out-of-scope tracking surface; the dequeue query
// honors them.
type UnsubscribeEntry struct {
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
