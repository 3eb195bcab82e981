package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/internal/lease"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

// fakeRunner answers Execute from a function and records run ids
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(runID string, call int) (executor.RunView, error)
}

func (f *fakeRunner) Execute(ctx context.Context, runID string) (executor.RunView, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runID)
	n := len(f.calls)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(runID, n)
	}
	return executor.RunView{Run: types.RemediationRun{ID: runID, Status: types.RunSucceeded}}, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestDaemon(t *testing.T, runner Runner, config Config) *Daemon {
	t.Helper()
	d, err := NewDaemon(runner, config, WithLogger(telemetry.Nop()))
	require.NoError(t, err)
	return d
}

func startDaemon(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestNewDaemon(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{}, Config{})

	assert.Equal(t, DefaultConfig().Workers, d.workers)
	assert.Equal(t, DefaultConfig().QueueSize, cap(d.queue))
	assert.Equal(t, DefaultConfig().RetryInterval, d.retryInterval)
	assert.NotNil(t, d.metrics)

	_, err := NewDaemon(nil, Config{})
	assert.Error(t, err)
}

func TestDaemon_ExecutesSubmittedRuns(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDaemon(t, runner, Config{Workers: 2, QueueSize: 8})

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, d.Submit(id))
	}
	cancel, errCh := startDaemon(t, d)

	require.Eventually(t, func() bool { return d.ExecutedCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"run-a", "run-b", "run-c"}, runner.Calls())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not shutdown within timeout")
	}
	assert.Equal(t, "stopped", d.Health().Status)
	assert.ErrorIs(t, d.Submit("run-d"), ErrStopped)
}

func TestDaemon_SubmitDeduplicatesQueuedRuns(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{}, Config{QueueSize: 4})

	require.NoError(t, d.Submit("run-a"))
	require.NoError(t, d.Submit("run-a"))
	assert.Equal(t, 1, d.Health().Queued)

	assert.ErrorIs(t, d.Submit(""), types.ErrValidation)
}

func TestDaemon_QueueFull(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{}, Config{QueueSize: 1})

	require.NoError(t, d.Submit("run-a"))
	err := d.Submit("run-b")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, types.ErrStorageUnavailable)
}

func TestDaemon_RetriesHeldRuns(t *testing.T) {
	runner := &fakeRunner{fn: func(runID string, call int) (executor.RunView, error) {
		status := types.RunSucceeded
		if call == 1 {
			status = types.RunPlanned
		}
		return executor.RunView{Run: types.RemediationRun{ID: runID, Status: status}}, nil
	}}
	d := newTestDaemon(t, runner, Config{Workers: 1, RetryInterval: 20 * time.Millisecond})

	require.NoError(t, d.Submit("run-held"))
	startDaemon(t, d)

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return d.Health().Held == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"run-held", "run-held"}, runner.Calls()[:2])
}

func TestDaemon_ErrorsDoNotStopWorkers(t *testing.T) {
	runner := &fakeRunner{fn: func(runID string, call int) (executor.RunView, error) {
		switch runID {
		case "run-busy":
			return executor.RunView{}, lease.ErrHeld
		case "run-broken":
			return executor.RunView{}, errors.New("storage down")
		}
		return executor.RunView{Run: types.RemediationRun{ID: runID, Status: types.RunFailed}}, nil
	}}
	d := newTestDaemon(t, runner, Config{Workers: 1})

	for _, id := range []string{"run-busy", "run-broken", "run-ok"} {
		require.NoError(t, d.Submit(id))
	}
	startDaemon(t, d)

	require.Eventually(t, func() bool { return d.ExecutedCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, d.Health().Held)
}

func TestDaemon_Health(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{}, Config{})

	health := d.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.Uptime, int64(0))
}
