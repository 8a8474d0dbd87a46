package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ignite/send-orchestrator/internal/domain"
	"github.com/ignite/send-orchestrator/internal/metrics"
	"github.com/ignite/send-orchestrator/internal/pkg/logger"
	"github.com/ignite/send-orchestrator/internal/provider"
	"github.com/ignite/send-orchestrator/internal/repository/postgres"
)

// ErrAccountSuspended is returned by Run when the worker suspended its own
// account after an auth-classified send failure. The orchestrator treats
// this as a deliberate stop, not a crash.
var ErrAccountSuspended = errors.New("account suspended on auth failure")

// Throttle is the optional short-horizon pacing limit consulted before
// each send, in addition to the database-backed daily quota.
type Throttle interface {
	Allow(ctx context.Context, accountID string, n int) (allowed bool, wait time.Duration, err error)
}

// Options tunes one send worker's loop.
type Options struct {
	BatchSize      int           // items claimed per poll
	IdleSleep      time.Duration // sleep when the queue is empty
	SendsPerSecond float64       // inter-send pacing, independent of quota
	SendTimeout    time.Duration // per-send provider timeout
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 5 * time.Second
	}
	if o.SendsPerSecond <= 0 {
		o.SendsPerSecond = 2
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
}

// SendWorker drains the send queue for exactly one account: it enforces
// the account's daily quota, claims batches with the exclusive dequeue
// protocol, sends each item through the account's provider, and records
// every outcome. All cross-worker coordination happens through the store;
// the worker holds no shared in-memory state.
type SendWorker struct {
	accountID string
	instance  string // per-run id, for log correlation across restarts
	accounts  *postgres.AccountRepo
	queue     *postgres.QueueRepo
	sender    provider.Sender
	throttle  Throttle
	pacer     *rate.Limiter
	opt       Options
	log       *logger.Logger

	heartbeat atomic.Int64 // unix nano of last loop progress
}

// New creates a send worker bound to one account. throttle may be nil.
func New(accountID string, accounts *postgres.AccountRepo, queue *postgres.QueueRepo, sender provider.Sender, throttle Throttle, opt Options) *SendWorker {
	opt.applyDefaults()
	w := &SendWorker{
		accountID: accountID,
		instance:  "sw-" + uuid.New().String()[:8],
		accounts:  accounts,
		queue:     queue,
		sender:    sender,
		throttle:  throttle,
		pacer:     rate.NewLimiter(rate.Limit(opt.SendsPerSecond), 1),
		opt:       opt,
		log:       logger.Component("worker"),
	}
	w.beat()
	return w
}

// Heartbeat returns the last time the worker's loop made progress. The
// orchestrator's health check uses it to detect alive-but-hung workers.
func (w *SendWorker) Heartbeat() time.Time {
	return time.Unix(0, w.heartbeat.Load())
}

func (w *SendWorker) beat() {
	w.heartbeat.Store(time.Now().UnixNano())
}

// Run executes the send loop until the context is cancelled, the account
// stops being eligible, or an auth failure suspends the account. A nil
// return means a deliberate stop; ErrAccountSuspended means the worker
// suspended its own account; anything else is unexpected and subject to
// the orchestrator's restart policy.
func (w *SendWorker) Run(ctx context.Context) error {
	// Revert anything a crashed predecessor left claimed under this
	// account before claiming new work, so stranded items are neither
	// lost nor double-counted.
	if n, err := w.queue.RecoverStale(ctx, w.accountID); err != nil {
		return fmt.Errorf("recover stale items: %w", err)
	} else if n > 0 {
		metrics.RecoveredTotal.Add(float64(n))
		w.log.Warn("recovered stale items", "account_id", w.accountID, "instance", w.instance, "count", n)
	}

	w.log.Info("worker started", "account_id", w.accountID, "instance", w.instance)

	for {
		if err := sleepCtx(ctx, 0); err != nil {
			return nil
		}
		w.beat()

		account, err := w.accounts.Get(ctx, w.accountID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("read account", "account_id", w.accountID, "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		if !account.Eligible() {
			w.log.Info("account no longer eligible, stopping", "account_id", w.accountID, "status", string(account.Status))
			return nil
		}

		quota := account.QuotaRemaining()
		if quota == 0 {
			// Quota exhausted: pause so the daily reset can revive the
			// account, and stop this worker.
			if err := w.accounts.Pause(ctx, w.accountID, domain.PauseDailyLimit); err != nil {
				w.log.Error("pause on quota exhaustion", "account_id", w.accountID, "error", err)
			}
			metrics.AccountPausedTotal.WithLabelValues(string(domain.PauseDailyLimit)).Inc()
			w.log.Info("daily limit reached, account paused", "account_id", w.accountID, "limit", account.CurrentDailyLimit)
			return nil
		}

		batchSize := w.opt.BatchSize
		if quota < batchSize {
			batchSize = quota
		}

		items, err := w.queue.Claim(ctx, w.accountID, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			w.log.Error("claim batch", "account_id", w.accountID, "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		if len(items) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			if err := sleepCtx(ctx, w.opt.IdleSleep); err != nil {
				return nil
			}
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
		metrics.ClaimBatchSize.Observe(float64(len(items)))

		if err := w.processBatch(ctx, items); err != nil {
			return err
		}
	}
}

// processBatch sends each claimed item in order. Claimed-but-unsent items
// are always released back to pending on any early exit.
func (w *SendWorker) processBatch(ctx context.Context, items []domain.QueueItem) error {
	for i := range items {
		w.beat()

		if ctx.Err() != nil {
			w.releaseRest(items[i:])
			return nil
		}

		// Quota may have been consumed by another path since the claim;
		// re-read the live row before each send.
		account, err := w.accounts.Get(ctx, w.accountID)
		if err != nil {
			if ctx.Err() != nil {
				w.releaseRest(items[i:])
				return nil
			}
			w.log.Error("read account mid-batch", "account_id", w.accountID, "error", err)
			w.releaseRest(items[i:])
			return nil
		}
		if !account.Eligible() {
			w.releaseRest(items[i:])
			return nil
		}
		if account.QuotaRemaining() == 0 {
			w.releaseRest(items[i:])
			if err := w.accounts.Pause(ctx, w.accountID, domain.PauseDailyLimit); err != nil {
				w.log.Error("pause on quota exhaustion", "account_id", w.accountID, "error", err)
			}
			metrics.AccountPausedTotal.WithLabelValues(string(domain.PauseDailyLimit)).Inc()
			return nil
		}

		if err := w.waitThrottle(ctx); err != nil {
			w.releaseRest(items[i:])
			return nil
		}

		if suspended := w.sendOne(ctx, account, &items[i]); suspended {
			w.releaseRest(items[i+1:])
			return ErrAccountSuspended
		}
	}
	return nil
}

// waitThrottle blocks until both the inter-send pacer and the optional
// Redis throttle admit one more send.
func (w *SendWorker) waitThrottle(ctx context.Context) error {
	if err := w.pacer.Wait(ctx); err != nil {
		return err
	}
	if w.throttle == nil {
		return nil
	}
	for {
		allowed, wait, err := w.throttle.Allow(ctx, w.accountID, 1)
		if err != nil {
			// Throttle backend down: the pacer and daily quota still bound
			// the rate, so proceed rather than stall the queue.
			w.log.Warn("throttle check failed", "account_id", w.accountID, "error", err)
			return nil
		}
		if allowed {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// sendOne performs one send attempt and finalizes the outcome. Returns
// true when the attempt triggered an account suspension (auth failure).
func (w *SendWorker) sendOne(ctx context.Context, account *domain.SenderAccount, item *domain.QueueItem) bool {
	msg := &provider.Message{
		To:        item.RecipientEmail,
		FromEmail: account.FromEmail,
		FromName:  account.FromName,
		Subject:   item.Subject,
		HTMLBody:  item.HTMLBody,
		TextBody:  item.TextBody,
	}

	sctx, cancel := context.WithTimeout(ctx, w.opt.SendTimeout)
	start := time.Now()
	result, err := w.sender.Send(sctx, msg)
	elapsed := time.Since(start)
	cancel()
	metrics.SendDuration.Observe(elapsed.Seconds())

	if err == nil {
		if ferr := w.queue.FinalizeSuccess(ctx, item.ID, w.accountID, result.MessageID, result.ResponseTimeMs); ferr != nil {
			w.log.Error("finalize success", "item_id", item.ID, "error", ferr)
		}
		metrics.SendTotal.WithLabelValues("sent").Inc()
		w.log.Debug("sent", "account_id", w.accountID, "item_id", item.ID, "recipient", item.RecipientEmail, "message_id", result.MessageID)
		return false
	}

	cls := provider.Classify(err)
	terminal, ferr := w.queue.FinalizeFailure(ctx, item, w.accountID, cls.Kind, cls.Retryable, err.Error(), int(elapsed.Milliseconds()))
	if ferr != nil {
		w.log.Error("finalize failure", "item_id", item.ID, "error", ferr)
	}
	if terminal {
		metrics.SendTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.SendTotal.WithLabelValues("retried").Inc()
	}
	w.log.Warn("send failed",
		"account_id", w.accountID, "item_id", item.ID,
		"kind", string(cls.Kind), "terminal", terminal, "error", err)

	if cls.Kind == domain.ErrorAuth {
		// Credentials are dead; no item on this account can send until an
		// operator intervenes. Suspend and stop.
		if serr := w.accounts.Suspend(ctx, w.accountID); serr != nil {
			w.log.Error("suspend account", "account_id", w.accountID, "error", serr)
		}
		metrics.AccountSuspendedTotal.Inc()
		w.log.Error("account suspended after auth failure", "account_id", w.accountID)
		return true
	}
	return false
}

// releaseRest returns claimed-but-unsent items to pending. Uses a fresh
// short-lived context so cleanup still runs when the loop context is gone.
func (w *SendWorker) releaseRest(items []domain.QueueItem) {
	if len(items) == 0 {
		return
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.queue.Release(ctx, w.accountID, ids); err != nil {
		w.log.Error("release claimed items", "account_id", w.accountID, "count", len(ids), "error", err)
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
// d <= 0 only checks for cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
