package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ignite/send-orchestrator/internal/config"
	"github.com/ignite/send-orchestrator/internal/domain"
	"github.com/ignite/send-orchestrator/internal/metrics"
	"github.com/ignite/send-orchestrator/internal/pkg/distlock"
	"github.com/ignite/send-orchestrator/internal/pkg/logger"
	"github.com/ignite/send-orchestrator/internal/repository/postgres"
)

// warmupStages maps warm-up stage (1-based) to its daily send limit.
// Each stage lasts warmupStageDays; after the last stage the account
// graduates to active at the final limit.
var warmupStages = []int{50, 100, 250, 500, 1000, 2000}

const warmupStageDays = 7

// FinalWarmupStage is the last stage of the ramp.
func FinalWarmupStage() int { return len(warmupStages) }

// warmupTarget computes where an account should be on the ramp given
// when its warm-up started. Progression is derived from elapsed time, not
// incremented per tick, so missed scheduler runs cannot stall the ramp.
func warmupTarget(startedAt, now time.Time) (stage, dailyLimit int, graduate bool) {
	elapsed := now.Sub(startedAt)
	stage = int(elapsed/(warmupStageDays*24*time.Hour)) + 1
	if stage >= len(warmupStages) {
		stage = len(warmupStages)
		graduate = elapsed >= time.Duration(len(warmupStages)*warmupStageDays)*24*time.Hour
	}
	if stage < 1 {
		stage = 1
	}
	return stage, warmupStages[stage-1], graduate
}

// LockFactory builds a distributed lock for a named job. Injected so
// tests can run jobs without a lock backend.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Scheduler runs the periodic maintenance jobs: midnight counter reset,
// warm-up progression, bounce-rate circuit breaker, and log retention.
// Every job takes a distributed lock first, so overlapping orchestrator
// instances run each job at most once per tick.
type Scheduler struct {
	cron     *cron.Cron
	accounts *postgres.AccountRepo
	queue    *postgres.QueueRepo
	logs     *postgres.SendLogRepo
	newLock  LockFactory
	cfg      config.SchedulerConfig
	log      *logger.Logger
}

// New creates a scheduler. Jobs are registered but not started until Start.
func New(accounts *postgres.AccountRepo, queue *postgres.QueueRepo, logs *postgres.SendLogRepo, newLock LockFactory, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		accounts: accounts,
		queue:    queue,
		logs:     logs,
		newLock:  newLock,
		cfg:      cfg,
		log:      logger.Component("scheduler"),
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"daily_reset", s.cfg.DailyResetCron, s.runDailyReset},
		{"warmup_progression", s.cfg.WarmupCron, s.runWarmupProgression},
		{"bounce_check", s.cfg.BounceCheckCron, s.runBounceCheck},
		{"log_retention", s.cfg.LogRetentionCron, s.runLogRetention},
		{"queue_depth", "* * * * *", s.refreshQueueDepth},
	}
	for _, j := range jobs {
		job := j
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			job.run(ctx)
		}); err != nil {
			return err
		}
		s.log.Info("job scheduled", "job", job.name, "cron", job.spec)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// withLock runs fn under the named distributed lock; skips silently when
// another instance holds it.
func (s *Scheduler) withLock(ctx context.Context, name string, fn func(context.Context)) {
	lock := s.newLock("jobs:"+name, 10*time.Minute)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		s.log.Error("acquire job lock", "job", name, "error", err)
		return
	}
	if !ok {
		s.log.Debug("job lock held elsewhere, skipping", "job", name)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Error("release job lock", "job", name, "error", err)
		}
	}()
	fn(ctx)
}

// runDailyReset zeroes the daily counters and revives accounts that were
// paused only for quota exhaustion.
func (s *Scheduler) runDailyReset(ctx context.Context) {
	s.withLock(ctx, "daily_reset", func(ctx context.Context) {
		n, err := s.accounts.DailyReset(ctx, FinalWarmupStage())
		if err != nil {
			s.log.Error("daily reset", "error", err)
			return
		}
		s.log.Info("daily reset complete", "accounts", n)
	})
}

// runWarmupProgression advances every warming account to the stage its
// elapsed warm-up time entitles it to.
func (s *Scheduler) runWarmupProgression(ctx context.Context) {
	s.withLock(ctx, "warmup_progression", func(ctx context.Context) {
		accounts, err := s.accounts.ListWarmingUp(ctx)
		if err != nil {
			s.log.Error("list warming accounts", "error", err)
			return
		}
		now := time.Now()
		for _, a := range accounts {
			if a.WarmupStartedAt == nil {
				continue
			}
			stage, limit, graduate := warmupTarget(*a.WarmupStartedAt, now)
			if stage <= a.WarmupStage && !graduate {
				continue
			}
			if err := s.accounts.AdvanceWarmup(ctx, a.ID, stage, limit, graduate); err != nil {
				s.log.Error("advance warmup", "account_id", a.ID, "error", err)
				continue
			}
			if graduate {
				s.log.Info("warm-up complete, account graduated", "account_id", a.ID, "daily_limit", limit)
			} else {
				s.log.Info("warm-up stage advanced", "account_id", a.ID, "stage", stage, "daily_limit", limit)
			}
		}
	})
}

// runBounceCheck pauses accounts whose daily bounce rate crossed the
// threshold. Paused accounts stay paused through the daily reset; an
// operator has to look at them.
func (s *Scheduler) runBounceCheck(ctx context.Context) {
	s.withLock(ctx, "bounce_check", func(ctx context.Context) {
		ids, err := s.accounts.PauseHighBounceAccounts(ctx, s.cfg.BounceRateThreshold)
		if err != nil {
			s.log.Error("bounce-rate check", "error", err)
			return
		}
		for _, id := range ids {
			metrics.AccountPausedTotal.WithLabelValues(string(domain.PauseBounceRate)).Inc()
			s.log.Warn("account paused for high bounce rate", "account_id", id, "threshold", s.cfg.BounceRateThreshold)
		}
	})
}

// runLogRetention prunes send logs past the retention horizon.
func (s *Scheduler) runLogRetention(ctx context.Context) {
	s.withLock(ctx, "log_retention", func(ctx context.Context) {
		retention := time.Duration(s.cfg.LogRetentionDays) * 24 * time.Hour
		n, err := s.logs.PruneOlderThan(ctx, retention)
		if err != nil {
			s.log.Error("prune send logs", "error", err)
			return
		}
		if n > 0 {
			s.log.Info("send logs pruned", "rows", n, "retention_days", s.cfg.LogRetentionDays)
		}
	})
}

// refreshQueueDepth exports queue row counts per status. Read-only, so
// no lock; every instance exporting the same numbers is harmless.
func (s *Scheduler) refreshQueueDepth(ctx context.Context) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.log.Error("queue depth", "error", err)
		return
	}
	for _, status := range []domain.QueueStatus{
		domain.QueuePending, domain.QueueProcessing, domain.QueueSent, domain.QueueFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(depth[status]))
	}
}
