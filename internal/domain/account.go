package domain

import (
	"encoding/json"
	"time"
)

// ProviderKind selects which transport implementation an account sends through.
type ProviderKind string

const (
	ProviderAPI  ProviderKind = "api"
	ProviderSMTP ProviderKind = "smtp"
)

// AccountStatus enumerates the lifecycle states of a sender account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountWarmingUp AccountStatus = "warming_up"
	AccountPaused    AccountStatus = "paused"
	AccountSuspended AccountStatus = "suspended"
)

// PauseReason records why an account was paused, so the daily reset can
// un-pause quota exhaustion without clearing bounce-rate or operator pauses.
type PauseReason string

const (
	PauseDailyLimit PauseReason = "daily_limit"
	PauseBounceRate PauseReason = "bounce_rate"
	PauseOperator   PauseReason = "operator"
)

// SenderAccount is a sending identity with provider credentials, a daily
// quota, and a warm-up ramp. Counters are denormalized onto the row and
// mutated only through atomic single-row updates.
type SenderAccount struct {
	ID                string          `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	Provider          ProviderKind    `json:"provider" db:"provider"`
	FromEmail         string          `json:"from_email" db:"from_email"`
	FromName          string          `json:"from_name" db:"from_name"`
	Credentials       json.RawMessage `json:"-" db:"credentials"`
	Status            AccountStatus   `json:"status" db:"status"`
	PauseReason       *PauseReason    `json:"pause_reason" db:"pause_reason"`
	EmailsSentToday   int             `json:"emails_sent_today" db:"emails_sent_today"`
	CurrentDailyLimit int             `json:"current_daily_limit" db:"current_daily_limit"`
	WarmupStage       int             `json:"warmup_stage" db:"warmup_stage"`
	WarmupStartedAt   *time.Time      `json:"warmup_started_at" db:"warmup_started_at"`
	BouncesToday      int             `json:"bounces_today" db:"bounces_today"`
	ConsecutiveErrors int             `json:"consecutive_errors" db:"consecutive_errors"`
	LastEmailSentAt   *time.Time      `json:"last_email_sent_at" db:"last_email_sent_at"`
	Archived          bool            `json:"archived" db:"archived"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Eligible reports whether the orchestrator should run a send worker for
// this account.
func (a *SenderAccount) Eligible() bool {
	if a.Archived {
		return false
	}
	return a.Status == AccountActive || a.Status == AccountWarmingUp
}

// QuotaRemaining returns how many sends are left in today's window.
func (a *SenderAccount) QuotaRemaining() int {
	remaining := a.CurrentDailyLimit - a.EmailsSentToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SMTPCredentials is the shape of the credentials JSON for smtp accounts.
type SMTPCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}
