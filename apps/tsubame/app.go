package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/tsubame/internal/orchestrator"
	"github.com/andrej220/tsubame/pkg/cipher"
	"github.com/andrej220/tsubame/pkg/config"
	"github.com/andrej220/tsubame/pkg/executor"
	"github.com/andrej220/tsubame/pkg/kafkautil"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/andrej220/tsubame/pkg/persistence"
)

// app is the wired service: store, SSH client, cipher, event producer and
// the orchestrator on top of them.
type app struct {
	cfg      *config.Config
	logger   lg.Logger
	store    persistence.Store
	orch     *orchestrator.Orchestrator
	producer *kafkautil.Producer
}

func newApp(ctx context.Context, cfg *config.Config, logger lg.Logger) (*app, error) {
	c, err := cipher.New(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credential cipher (set %s): %w", config.EnvEncryptionKey, err)
	}
	client, err := executor.NewSSHClient(cfg.SSH.Executor(), logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	opts := []orchestrator.Option{
		orchestrator.WithExecTimeout(cfg.SSH.ExecTimeout),
		orchestrator.WithCancelWait(cfg.SSH.CancelWait),
		orchestrator.WithLogger(logger),
	}
	if cfg.Kafka.Enabled {
		a.producer = kafkautil.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, logger)
		opts = append(opts, orchestrator.WithNotifier(a.producer))
	}
	a.orch = orchestrator.New(store, client, c, opts...)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger lg.Logger) (persistence.Store, error) {
	switch cfg.Type {
	case config.MongoStore:
		return persistence.NewMongoStore(ctx, cfg.Mongo, logger)
	case config.MemoryStore:
		if cfg.SnapshotPath == "" {
			logger.Warn("memory store without snapshotPath, records are lost on exit")
			return persistence.NewMemStore(), nil
		}
		return persistence.OpenMemStore(cfg.SnapshotPath)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	errs = append(errs, a.store.Close(ctx))
	return errors.Join(errs...)
}
