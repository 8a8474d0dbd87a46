package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/send-orchestrator/internal/domain"
)

// AccountRepo implements sender-account persistence against PostgreSQL.
// All counter and status mutations are single-row atomic updates guarded
// by a status predicate, so worker, orchestrator, and scheduler writes
// cannot produce lost updates or inconsistent transitions.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
	id, name, provider, from_email, from_name, credentials,
	status, pause_reason, emails_sent_today, current_daily_limit,
	warmup_stage, warmup_started_at, bounces_today, consecutive_errors,
	last_email_sent_at, archived, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*domain.SenderAccount, error) {
	a := &domain.SenderAccount{}
	var pauseReason sql.NullString
	var warmupStarted, lastSent sql.NullTime
	err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &a.FromEmail, &a.FromName, &a.Credentials,
		&a.Status, &pauseReason, &a.EmailsSentToday, &a.CurrentDailyLimit,
		&a.WarmupStage, &warmupStarted, &a.BouncesToday, &a.ConsecutiveErrors,
		&lastSent, &a.Archived, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pauseReason.Valid {
		r := domain.PauseReason(pauseReason.String)
		a.PauseReason = &r
	}
	if warmupStarted.Valid {
		t := warmupStarted.Time
		a.WarmupStartedAt = &t
	}
	if lastSent.Valid {
		t := lastSent.Time
		a.LastEmailSentAt = &t
	}
	return a, nil
}

// Get loads one account by id.
func (r *AccountRepo) Get(ctx context.Context, id string) (*domain.SenderAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM sender_accounts
		WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListEligible returns every non-archived account whose status makes it
// eligible for a running send worker (active or warming_up).
func (r *AccountRepo) ListEligible(ctx context.Context) ([]domain.SenderAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM sender_accounts
		WHERE NOT archived AND status IN ('active', 'warming_up')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.SenderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Pause transitions an account to paused with the given reason. The status
// predicate makes the transition a no-op if a concurrent writer already
// moved the account out of a sendable state.
func (r *AccountRepo) Pause(ctx context.Context, id string, reason domain.PauseReason) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sender_accounts
		SET status = 'paused', pause_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'warming_up')
	`, id, string(reason))
	if err != nil {
		return fmt.Errorf("pause account: %w", err)
	}
	return nil
}

// Suspend transitions an account to suspended. Suspension is terminal
// until an operator intervenes, so it overrides any non-suspended status.
func (r *AccountRepo) Suspend(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sender_accounts
		SET status = 'suspended', pause_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> 'suspended'
	`, id)
	if err != nil {
		return fmt.Errorf("suspend account: %w", err)
	}
	return nil
}

// DailyReset zeroes the daily counters for all non-archived accounts and
// un-pauses accounts that were paused only because of quota exhaustion.
// Accounts still mid-warm-up resume as warming_up, not active; finalStage
// is the last stage of the warm-up table. Bounce-rate and operator pauses
// are left alone.
func (r *AccountRepo) DailyReset(ctx context.Context, finalStage int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sender_accounts
		SET emails_sent_today = 0,
		    bounces_today = 0,
		    consecutive_errors = 0,
		    status = CASE
		        WHEN status = 'paused' AND pause_reason = 'daily_limit' THEN
		            CASE WHEN warmup_started_at IS NOT NULL AND warmup_stage < $1
		                 THEN 'warming_up' ELSE 'active' END
		        ELSE status
		    END,
		    pause_reason = CASE
		        WHEN status = 'paused' AND pause_reason = 'daily_limit' THEN NULL
		        ELSE pause_reason
		    END,
		    updated_at = NOW()
		WHERE NOT archived
	`, finalStage)
	if err != nil {
		return 0, fmt.Errorf("daily reset: %w", err)
	}
	return res.RowsAffected()
}

// ListWarmingUp returns accounts currently in the warm-up ramp.
func (r *AccountRepo) ListWarmingUp(ctx context.Context) ([]domain.SenderAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM sender_accounts
		WHERE NOT archived AND status = 'warming_up' AND warmup_started_at IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list warming accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.SenderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// AdvanceWarmup moves an account to a new warm-up stage and daily limit.
// When graduate is true the account completes the ramp and becomes active.
// The stage predicate keeps a stale scheduler tick from rolling a stage
// back, but must not block graduation: an account already sitting at the
// final stage still has to make the warming_up -> active transition.
func (r *AccountRepo) AdvanceWarmup(ctx context.Context, id string, stage, dailyLimit int, graduate bool) error {
	status := "warming_up"
	if graduate {
		status = "active"
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sender_accounts
		SET warmup_stage = $2, current_daily_limit = $3, status = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'warming_up' AND (warmup_stage < $2 OR $4 = 'active')
	`, id, stage, dailyLimit, status)
	if err != nil {
		return fmt.Errorf("advance warmup: %w", err)
	}
	return nil
}

// PauseHighBounceAccounts pauses every sendable account whose bounce rate
// for the day exceeds the threshold. Returns the ids of accounts paused.
func (r *AccountRepo) PauseHighBounceAccounts(ctx context.Context, threshold float64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sender_accounts
		SET status = 'paused', pause_reason = 'bounce_rate', updated_at = NOW()
		WHERE NOT archived
		  AND status IN ('active', 'warming_up')
		  AND emails_sent_today > 0
		  AND bounces_today::float / emails_sent_today > $1
		RETURNING id
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("bounce-rate pause: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
