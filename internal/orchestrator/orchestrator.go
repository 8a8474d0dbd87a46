package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/send-orchestrator/internal/domain"
	"github.com/ignite/send-orchestrator/internal/metrics"
	"github.com/ignite/send-orchestrator/internal/pkg/logger"
	"github.com/ignite/send-orchestrator/internal/worker"
)

// AccountStore is the slice of account persistence the orchestrator needs.
type AccountStore interface {
	ListEligible(ctx context.Context) ([]domain.SenderAccount, error)
	Suspend(ctx context.Context, id string) error
}

// Runner is one supervised send loop.
type Runner interface {
	Run(ctx context.Context) error
	Heartbeat() time.Time
}

// Factory builds a fresh Runner for an account. Called again on every
// restart so a restarted worker never inherits state from the crashed one.
type Factory func(account domain.SenderAccount) (Runner, error)

// Options tunes supervision.
type Options struct {
	ReconcileInterval time.Duration // how often eligible accounts are re-listed
	RestartWindow     time.Duration // sliding window for the crash-loop breaker
	MaxRestarts       int           // abnormal exits inside the window that trip the breaker
	RestartBackoffCap time.Duration // upper bound on the restart delay
	HealthInterval    time.Duration // how often heartbeats are checked
	HeartbeatTimeout  time.Duration // a worker silent this long is killed and restarted
	ShutdownGrace     time.Duration // wait for workers on shutdown before giving up
}

func (o *Options) applyDefaults() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = time.Hour
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.RestartBackoffCap <= 0 {
		o.RestartBackoffCap = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 2 * time.Minute
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = o.HeartbeatTimeout / 2
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// proc is the supervision record for one account's worker.
type proc struct {
	accountID string
	runner    Runner
	cancel    context.CancelFunc
	killed    bool // health check killed it; restart instead of retiring
	restarts  int  // abnormal exits inside the current window
	startedAt time.Time
}

// Orchestrator keeps exactly one send worker running per eligible account.
// It reconciles the worker set against the account table, restarts crashed
// workers with exponential backoff, suspends accounts whose workers crash
// repeatedly, and kills workers whose heartbeat goes stale.
type Orchestrator struct {
	accounts AccountStore
	factory  Factory
	opt      Options
	log      *logger.Logger

	mu    sync.Mutex
	procs map[string]*proc
	wg    sync.WaitGroup
}

// New creates an orchestrator. Workers start on the first reconcile tick
// inside Run.
func New(accounts AccountStore, factory Factory, opt Options) *Orchestrator {
	opt.applyDefaults()
	return &Orchestrator{
		accounts: accounts,
		factory:  factory,
		opt:      opt,
		log:      logger.Component("orchestrator"),
		procs:    make(map[string]*proc),
	}
}

// Run supervises until ctx is cancelled, then shuts all workers down,
// waiting up to ShutdownGrace for in-flight sends to finalize.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("orchestrator started",
		"reconcile_interval", o.opt.ReconcileInterval.String(),
		"max_restarts", o.opt.MaxRestarts,
		"restart_window", o.opt.RestartWindow.String())

	o.reconcile(ctx)

	reconcile := time.NewTicker(o.opt.ReconcileInterval)
	defer reconcile.Stop()
	health := time.NewTicker(o.opt.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case <-reconcile.C:
			o.reconcile(ctx)
		case <-health.C:
			o.checkHeartbeats()
		}
	}
}

// reconcile diffs the running worker set against the eligible accounts:
// starts workers for new accounts, stops workers whose accounts left the
// eligible set (paused, suspended, archived).
func (o *Orchestrator) reconcile(ctx context.Context) {
	eligible, err := o.accounts.ListEligible(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Error("list eligible accounts", "error", err)
		}
		return
	}

	want := make(map[string]domain.SenderAccount, len(eligible))
	for _, a := range eligible {
		want[a.ID] = a
	}

	o.mu.Lock()
	var toStart []domain.SenderAccount
	for id, a := range want {
		if _, running := o.procs[id]; !running {
			toStart = append(toStart, a)
			o.procs[id] = &proc{accountID: id, startedAt: time.Now()}
		}
	}
	var toStop []*proc
	for id, p := range o.procs {
		if _, ok := want[id]; !ok && p.cancel != nil {
			toStop = append(toStop, p)
		}
	}
	o.mu.Unlock()

	for _, p := range toStop {
		o.log.Info("stopping worker, account no longer eligible", "account_id", p.accountID)
		p.cancel()
	}
	for _, a := range toStart {
		o.log.Info("starting worker", "account_id", a.ID, "status", string(a.Status))
		o.wg.Add(1)
		go o.supervise(ctx, a)
	}
}

// supervise runs one account's worker, restarting it on abnormal exits
// until the crash-loop breaker trips or the stop is deliberate.
func (o *Orchestrator) supervise(ctx context.Context, account domain.SenderAccount) {
	defer o.wg.Done()
	defer o.removeProc(account.ID)

	var exits []time.Time

	for {
		runner, err := o.factory(account)
		if err != nil {
			o.log.Error("build worker", "account_id", account.ID, "error", err)
			return
		}

		procCtx, cancel := context.WithCancel(ctx)
		o.attach(account.ID, runner, cancel)
		metrics.WorkersRunning.Inc()
		runErr := runSafe(procCtx, runner)
		metrics.WorkersRunning.Dec()
		cancel()

		if ctx.Err() != nil {
			return
		}

		killed := o.clearKilled(account.ID)
		if runErr == nil && !killed {
			// Deliberate stop (quota pause, eligibility change). The next
			// reconcile restarts it if the account becomes eligible again.
			return
		}
		if errors.Is(runErr, worker.ErrAccountSuspended) {
			return
		}

		now := time.Now()
		exits = append(exits, now)
		cutoff := now.Add(-o.opt.RestartWindow)
		kept := exits[:0]
		for _, ts := range exits {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		exits = kept
		o.setRestarts(account.ID, len(exits))

		if len(exits) >= o.opt.MaxRestarts {
			o.log.Error("crash loop detected, suspending account",
				"account_id", account.ID, "exits_in_window", len(exits), "window", o.opt.RestartWindow.String())
			if err := o.accounts.Suspend(context.Background(), account.ID); err != nil {
				o.log.Error("suspend crash-looping account", "account_id", account.ID, "error", err)
			}
			metrics.CrashLoopSuspendTotal.Inc()
			metrics.AccountSuspendedTotal.Inc()
			return
		}

		metrics.WorkerRestartTotal.Inc()
		delay := restartDelay(len(exits), o.opt.RestartBackoffCap)
		if killed {
			o.log.Warn("worker killed by health check, restarting",
				"account_id", account.ID, "backoff", delay.String())
		} else {
			o.log.Warn("worker exited abnormally, restarting",
				"account_id", account.ID, "error", runErr, "backoff", delay.String())
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// restartDelay scales the pause before a restart by the number of abnormal
// exits still inside the window: 1s after the first, doubling per exit, up
// to the cap. Exits pruned from the window shrink the delay back down.
func restartDelay(exitsInWindow int, limit time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < exitsInWindow && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// runSafe contains worker panics so one bad account cannot take down the
// orchestrator; a panic counts as an abnormal exit.
func runSafe(ctx context.Context, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v", rec)
		}
	}()
	return r.Run(ctx)
}

// checkHeartbeats kills workers whose loop has been silent too long. The
// kill is marked so supervise restarts instead of retiring the worker.
func (o *Orchestrator) checkHeartbeats() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, p := range o.procs {
		if p.runner == nil || p.cancel == nil {
			continue
		}
		silent := time.Since(p.runner.Heartbeat())
		if silent > o.opt.HeartbeatTimeout {
			o.log.Warn("worker heartbeat stale, killing", "account_id", id, "silent_for", silent.String())
			p.killed = true
			p.cancel()
		}
	}
}

func (o *Orchestrator) attach(id string, r Runner, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.procs[id]; ok {
		p.runner = r
		p.cancel = cancel
	}
}

func (o *Orchestrator) clearKilled(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.procs[id]
	if !ok {
		return false
	}
	killed := p.killed
	p.killed = false
	p.runner = nil
	p.cancel = nil
	return killed
}

func (o *Orchestrator) setRestarts(id string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.procs[id]; ok {
		p.restarts = n
	}
}

func (o *Orchestrator) removeProc(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.procs, id)
}

// shutdown cancels every worker (their contexts are children of Run's)
// and waits up to the grace period for them to finish cleanly.
func (o *Orchestrator) shutdown() error {
	o.log.Info("shutting down workers")
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("all workers stopped")
		return nil
	case <-time.After(o.opt.ShutdownGrace):
		o.log.Error("shutdown grace expired with workers still running")
		return errors.New("shutdown grace period expired")
	}
}

// WorkerStatus is one row of the operator-facing worker table.
type WorkerStatus struct {
	AccountID     string    `json:"account_id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Restarts      int       `json:"restarts"`
}

// Status returns a snapshot of every supervised worker, sorted by account.
func (o *Orchestrator) Status() []WorkerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]WorkerStatus, 0, len(o.procs))
	for _, p := range o.procs {
		ws := WorkerStatus{
			AccountID: p.accountID,
			StartedAt: p.startedAt,
			Restarts:  p.restarts,
		}
		if p.runner != nil {
			ws.LastHeartbeat = p.runner.Heartbeat()
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
