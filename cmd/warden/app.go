package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/config"
	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/internal/dispatch"
	"github.com/yairfalse/warden/internal/lease"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/storage/postgres"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/wal"
)

// app holds the wired components of one invocation
type app struct {
	store    storage.Storage
	policies *lawbook.Service
	trail    *audit.Writer
	engine   *executor.Engine
	closers  []func() error
}

// appOptions select what a command needs; policy and audit commands run
// without a playbook catalog or action dispatch
type appOptions struct {
	engine  bool
	metrics *telemetry.Metrics
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Storage.DSN, postgres.Options{})
	default:
		return storage.NewBoltStore(cfg.Storage.Path)
	}
}

func openLocker(ctx context.Context, cfg *config.Config) (lease.Locker, func() error, error) {
	if cfg.Lease.Backend != config.LeaseRedis {
		return lease.NewLocal(), func() error { return nil }, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Lease.RedisAddr},
		Password: cfg.Lease.RedisPassword,
	})
	locker := lease.NewRedis(client, cfg.Lease.Prefix)
	if err := locker.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return locker, client.Close, nil
}

func openActions(ctx context.Context, cfg *config.Config) (executor.ActionExecutor, error) {
	if cfg.Dispatch.SQS.QueueURL == "" {
		return dispatch.NewLogDispatcher(nil), nil
	}
	return dispatch.NewSQSDispatcherFromConfig(ctx, cfg.Dispatch.SQS.Region, cfg.Dispatch.SQS.QueueURL)
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	var auditOpts []audit.Option
	if cfg.Journal.Dir != "" {
		journal, err := wal.Open(cfg.Journal.Dir)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to open audit journal: %w", err)
		}
		a.closers = append(a.closers, journal.Close)
		auditOpts = append(auditOpts, audit.WithJournal(journal))
	}
	if opts.metrics != nil {
		auditOpts = append(auditOpts, audit.WithMetrics(opts.metrics))
	}

	a.policies = lawbook.NewService(store, lawbook.WithMetrics(opts.metrics))
	a.trail = audit.NewWriter(store, auditOpts...)

	if !opts.engine {
		return a, nil
	}

	catalog, err := executor.LoadCatalog(cfg.Playbooks.Dir)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to load playbooks: %w", err)
	}
	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to connect lease backend: %w", err)
	}
	a.closers = append(a.closers, closeLocker)

	actions, err := openActions(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create action dispatcher: %w", err)
	}

	a.engine = executor.NewEngine(store, a.policies, a.trail, catalog, actions,
		executor.WithOptions(executor.Options{
			PolicyID:       cfg.Policy.ID,
			StepTimeout:    cfg.Execution.StepTimeout,
			MaxStepTimeout: cfg.Execution.MaxStepTimeout,
			LeaseTTL:       cfg.Execution.LeaseTTL,
		}),
		executor.WithLocker(locker),
		executor.WithMetrics(opts.metrics),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
