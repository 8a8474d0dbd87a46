package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/send-orchestrator/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	eligible []domain.SenderAccount
	suspends []string
}

func (s *fakeStore) ListEligible(ctx context.Context) ([]domain.SenderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SenderAccount, len(s.eligible))
	copy(out, s.eligible)
	return out, nil
}

func (s *fakeStore) Suspend(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspends = append(s.suspends, id)
	// suspended accounts leave the eligible set
	kept := s.eligible[:0]
	for _, a := range s.eligible {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	s.eligible = kept
	return nil
}

func (s *fakeStore) setEligible(accounts ...domain.SenderAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eligible = accounts
}

func (s *fakeStore) suspended() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.suspends...)
}

// fakeRunner runs the given function; heartbeat is settable for the
// health-check tests.
type fakeRunner struct {
	run  func(ctx context.Context) error
	beat atomic.Int64
}

func newFakeRunner(run func(ctx context.Context) error) *fakeRunner {
	r := &fakeRunner{run: run}
	r.beat.Store(time.Now().UnixNano())
	return r
}

func (r *fakeRunner) Run(ctx context.Context) error { return r.run(ctx) }
func (r *fakeRunner) Heartbeat() time.Time          { return time.Unix(0, r.beat.Load()) }

func account(id string) domain.SenderAccount {
	return domain.SenderAccount{ID: id, Status: domain.AccountActive, CurrentDailyLimit: 100}
}

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func fastOptions() Options {
	return Options{
		ReconcileInterval: 10 * time.Millisecond,
		RestartWindow:     time.Hour,
		MaxRestarts:       5,
		RestartBackoffCap: time.Millisecond,
		HeartbeatTimeout:  time.Hour,
		ShutdownGrace:     time.Second,
	}
}

func startOrchestrator(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("orchestrator did not shut down")
		}
	})
	return cancel
}

func TestReconcileStartsWorkerPerEligibleAccount(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"), account("a2"))

	var started atomic.Int32
	factory := func(a domain.SenderAccount) (Runner, error) {
		started.Add(1)
		return newFakeRunner(blockUntilCancelled), nil
	}

	o := New(store, factory, fastOptions())
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return started.Load() == 2 && len(o.Status()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	status := o.Status()
	assert.Equal(t, "a1", status[0].AccountID)
	assert.Equal(t, "a2", status[1].AccountID)
}

func TestReconcileStopsIneligibleWorkers(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"))

	factory := func(a domain.SenderAccount) (Runner, error) {
		return newFakeRunner(blockUntilCancelled), nil
	}

	o := New(store, factory, fastOptions())
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return len(o.Status()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	store.setEligible()

	require.Eventually(t, func() bool {
		return len(o.Status()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, store.suspended())
}

func TestCrashingWorkerIsRestarted(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"))

	var runs atomic.Int32
	factory := func(a domain.SenderAccount) (Runner, error) {
		return newFakeRunner(func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("boom")
			}
			return blockUntilCancelled(ctx)
		}), nil
	}

	o := New(store, factory, fastOptions())
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, store.suspended())
}

func TestCrashLoopSuspendsAccount(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"))

	opt := fastOptions()
	opt.MaxRestarts = 2

	var runs atomic.Int32
	factory := func(a domain.SenderAccount) (Runner, error) {
		return newFakeRunner(func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		}), nil
	}

	o := New(store, factory, opt)
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return len(store.suspended()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1"}, store.suspended())

	// breaker tripped: the proc record is gone and stays gone
	require.Eventually(t, func() bool {
		return len(o.Status()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// the max-restarts'th abnormal exit trips the breaker, so the worker
	// ran exactly that many times and is never run again
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestRestartDelayScalesWithWindowedExits(t *testing.T) {
	cap30 := 30 * time.Second
	assert.Equal(t, time.Second, restartDelay(1, cap30))
	assert.Equal(t, 2*time.Second, restartDelay(2, cap30))
	assert.Equal(t, 8*time.Second, restartDelay(4, cap30))
	assert.Equal(t, cap30, restartDelay(10, cap30))

	// pruning old exits from the window shrinks the delay back down
	assert.Equal(t, time.Second, restartDelay(1, cap30))

	// a tiny cap bounds even the first delay
	assert.Equal(t, time.Millisecond, restartDelay(1, time.Millisecond))
}

func TestPanicCountsAsCrash(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"))

	opt := fastOptions()
	opt.MaxRestarts = 1

	factory := func(a domain.SenderAccount) (Runner, error) {
		return newFakeRunner(func(ctx context.Context) error {
			panic("worker blew up")
		}), nil
	}

	o := New(store, factory, opt)
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return len(store.suspended()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeliberateStopIsNotRestarted(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"))

	var runs atomic.Int32
	factory := func(a domain.SenderAccount) (Runner, error) {
		return newFakeRunner(func(ctx context.Context) error {
			runs.Add(1)
			// simulate the quota pause: the worker stops and the account
			// leaves the eligible set
			store.setEligible()
			return nil
		}), nil
	}

	o := New(store, factory, fastOptions())
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return runs.Load() == 1 && len(o.Status()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "deliberate stop must not be restarted")
	assert.Empty(t, store.suspended())
}

func TestStaleHeartbeatTriggersRestart(t *testing.T) {
	store := &fakeStore{}
	store.setEligible(account("a1"))

	opt := fastOptions()
	opt.HeartbeatTimeout = 20 * time.Millisecond

	var runs atomic.Int32
	factory := func(a domain.SenderAccount) (Runner, error) {
		r := newFakeRunner(blockUntilCancelled)
		if runs.Add(1) == 1 {
			// first incarnation looks hung from the start
			r.beat.Store(time.Now().Add(-time.Hour).UnixNano())
		}
		return r, nil
	}

	o := New(store, factory, opt)
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, store.suspended(), "a health-check kill is a restart, not a suspension")
}
