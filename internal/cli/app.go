package cli

import (
	"fmt"
	"log/slog"

	"github.com/jdziat/job-reliability/internal/config"
	"github.com/jdziat/job-reliability/pkg/audit"
	redisbroker "github.com/jdziat/job-reliability/pkg/broker/redis"
	"github.com/jdziat/job-reliability/pkg/deadletter"
	"github.com/jdziat/job-reliability/pkg/idempotency"
	"github.com/jdziat/job-reliability/pkg/queue"
	"github.com/jdziat/job-reliability/pkg/storage"
)

// app holds the components wired from configuration.
type app struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	store   *storage.GormStorage
	queue   *queue.Queue
	broker  *redisbroker.Broker
	auditor *audit.Logger
	guard   *idempotency.Guard
	dlq     *deadletter.Handler
}

func openApp(cfg *config.AppConfig, logger *slog.Logger) (*app, error) {
	pool, err := storage.PoolPreset(cfg.Database.Pool)
	if err != nil {
		return nil, err
	}
	poolOpts := []storage.PoolOption{storage.WithPoolConfig(pool)}
	if cfg.Database.MaxOpenConns > 0 {
		poolOpts = append(poolOpts, storage.MaxOpenConns(cfg.Database.MaxOpenConns))
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, poolOpts...)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	a.auditor = audit.New(store, audit.WithLogger(logger))

	a.queue = queue.New(store)
	a.queue.SetPolicies(cfg.RetryTable())
	a.queue.SetLogger(logger)

	var publisher deadletter.Publisher = a.queue
	if cfg.Redis.URL != "" {
		b, err := redisbroker.New(cfg.Redis, redisbroker.WithLogger(logger))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.broker = b
		publisher = b
	}

	a.dlq = deadletter.New(store, publisher,
		deadletter.WithLogger(logger),
		deadletter.WithAuditor(a.auditor),
		deadletter.WithMinJustification(cfg.DeadLetter.MinJustification),
		deadletter.WithFailureBudget(cfg.DeadLetter.FailureBudget),
		deadletter.WithPreviewBytes(cfg.DeadLetter.PreviewBytes),
		deadletter.WithThresholds(cfg.DeadLetter.Thresholds),
		deadletter.WithEventHandler(a.queue.Emit),
	)

	a.guard = idempotency.New(store,
		idempotency.WithConfig(cfg.Idempotency),
		idempotency.WithLogger(logger),
	)
	return a, nil
}

func (a *app) Close() error {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	return a.store.Close()
}
