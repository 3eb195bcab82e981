package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/internal/lease"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

var (
	// ErrQueueFull is returned by Submit when the run queue has no room
	ErrQueueFull = fmt.Errorf("run queue full: %w", types.ErrStorageUnavailable)
	// ErrStopped is returned by Submit once the pool has shut down
	ErrStopped = fmt.Errorf("worker pool stopped: %w", types.ErrStorageUnavailable)
)

// Runner advances one run as far as it can go
type Runner interface {
	Execute(ctx context.Context, runID string) (executor.RunView, error)
}

// Config holds worker pool configuration
type Config struct {
	Workers       int
	QueueSize     int
	RetryInterval time.Duration
}

// DefaultConfig returns the pool sizing used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		RetryInterval: 30 * time.Second,
	}
}

// Option configures a Daemon
type Option func(*Daemon)

// WithLogger sets the daemon logger
func WithLogger(l *telemetry.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithMetrics sets the daemon metrics
func WithMetrics(m *DaemonMetrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// Daemon executes submitted runs on a fixed set of workers. Runs that come
// back held are resubmitted every RetryInterval.
type Daemon struct {
	runner        Runner
	workers       int
	retryInterval time.Duration
	queue         chan string
	logger        *telemetry.Logger
	metrics       *DaemonMetrics

	mu      sync.Mutex
	queued  map[string]bool
	held    map[string]bool
	stopped bool

	startTime     time.Time
	executedCount atomic.Int64
}

// NewDaemon creates a new worker pool for runner
func NewDaemon(runner Runner, config Config, opts ...Option) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("daemon needs a runner")
	}
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}

	d := &Daemon{
		runner:        runner,
		workers:       config.Workers,
		retryInterval: config.RetryInterval,
		queue:         make(chan string, config.QueueSize),
		logger:        telemetry.NewLogger("daemon"),
		queued:        make(map[string]bool),
		held:          make(map[string]bool),
		startTime:     time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		m, err := NewDaemonMetrics()
		if err != nil {
			return nil, fmt.Errorf("daemon metrics: %w", err)
		}
		d.metrics = m
	}
	return d, nil
}

// Submit queues runID for execution. A run already waiting in the queue is
// not queued twice.
func (d *Daemon) Submit(runID string) error {
	if runID == "" {
		return types.Invalid("runId", "required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.queued[runID] {
		return nil
	}
	select {
	case d.queue <- runID:
		d.queued[runID] = true
		delete(d.held, runID)
	default:
		return ErrQueueFull
	}
	d.metrics.RecordQueueDepth(context.Background(), int64(len(d.queue)))
	return nil
}

// Start runs the workers and the retry loop until ctx is done
func (d *Daemon) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}

	d.logger.WithContext(ctx).Info().
		Int("workers", d.workers).
		Int("queue_size", cap(d.queue)).
		Dur("retry_interval", d.retryInterval).
		Msg("worker pool started")

	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			wg.Wait()
			d.logger.WithContext(ctx).Info().Int64("executed", d.executedCount.Load()).Msg("worker pool stopped")
			return nil
		case <-ticker.C:
			d.retryHeld(ctx)
		}
	}
}

func (d *Daemon) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-d.queue:
			d.process(ctx, runID)
		}
	}
}

func (d *Daemon) process(ctx context.Context, runID string) {
	d.mu.Lock()
	delete(d.queued, runID)
	d.mu.Unlock()
	d.metrics.RecordQueueDepth(ctx, int64(len(d.queue)))

	start := time.Now()
	view, err := d.runner.Execute(ctx, runID)
	d.executedCount.Add(1)

	outcome := "finished"
	switch {
	case errors.Is(err, lease.ErrHeld):
		outcome = "busy"
		d.logger.WithContext(ctx).Debug().Str("run_id", runID).Msg("run leased by another worker")
	case err != nil:
		outcome = "error"
		d.logger.WithContext(ctx).Error().Err(err).Str("run_id", runID).Msg("run execution failed")
	case view.Err() != nil:
		outcome = "failed"
		d.logger.WithContext(ctx).Warn().Err(view.Err()).Str("run_id", runID).Msg("run failed")
	case view.Run.Status == types.RunPlanned:
		outcome = "held"
		d.mu.Lock()
		d.held[runID] = true
		d.mu.Unlock()
	default:
		d.logger.WithContext(ctx).Debug().
			Str("run_id", runID).
			Str("status", string(view.Run.Status)).
			Msg("run advanced")
	}
	d.metrics.RecordExecution(ctx, outcome, time.Since(start).Seconds())
}

// retryHeld resubmits runs that were held by admission
func (d *Daemon) retryHeld(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.held))
	for id := range d.held {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.Submit(id); err != nil {
			d.logger.WithContext(ctx).Warn().Err(err).Str("run_id", id).Msg("held run not resubmitted")
			return
		}
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := "healthy"
	if d.stopped {
		status = "stopped"
	}
	return HealthStatus{
		Status: status,
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Queued: len(d.queue),
		Held:   len(d.held),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime_seconds"`
	Queued int    `json:"queued"`
	Held   int    `json:"held"`
}

// ExecutedCount returns how many executions workers have finished
func (d *Daemon) ExecutedCount() int64 {
	return d.executedCount.Load()
}
