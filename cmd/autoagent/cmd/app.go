package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/adapters/natsbridge"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/adapters/state"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/adapters/store"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/adapters/worker"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/config"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/control"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/diagnostics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/metrics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/service"
)

const eventBufferSize = 256

// app holds the long-lived components shared by run and serve.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
	bus        *events.EventBus
	store      *store.SQLiteStore
	checkpoint *state.JSONCheckpointer
	preflight  *diagnostics.Preflight
	pool       *worker.Pool
	gateway    *control.Gateway
	engine     *service.Engine

	cancel  context.CancelFunc
	closers []func() error
}

// newApp wires the engine and its adapters from cfg. Background tasks (the
// NATS bridge and config reloads) live until close is called or ctx ends.
// configPath is watched for changes when non-empty.
func newApp(ctx context.Context, cfg *config.Config, configPath string, logger *logging.Logger) (*app, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		bus:     events.New(eventBufferSize),
		cancel:  cancel,
	}
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	ok := false
	defer func() {
		if !ok {
			_ = a.close()
		}
	}()

	var err error
	a.store, err = store.NewSQLiteStore(cfg.Store.ConversationDB)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	a.checkpoint = state.NewJSONCheckpointer(cfg.Store.CheckpointDir)
	a.preflight = diagnostics.NewPreflight(cfg.Engine.MinFreeMemoryMB, logger)

	specs, err := worker.SpecsFromConfig(cfg.Workers, worker.SelfCommand())
	if err != nil {
		return nil, err
	}
	a.pool, err = worker.NewPool(specs,
		worker.WithRetryPolicy(worker.RetryPolicyFromConfig(cfg.Retry)),
		worker.WithLogger(logger),
		worker.WithMetrics(a.metrics),
		worker.WithPreflight(a.preflight),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.pool.Close)

	hitl, err := control.ConfigFrom(cfg.HITL)
	if err != nil {
		return nil, err
	}
	a.gateway = control.New(hitl,
		control.WithEventBus(a.bus),
		control.WithMetrics(a.metrics),
		control.WithLogger(logger),
	)

	var evaluator service.CapabilityEvaluator
	if cfg.Engine.Evaluator == "worker" {
		evaluator = service.NewWorkerEvaluator(a.pool, core.RoleResponder, worker.ToolEvaluateRouting)
	}
	a.engine = service.NewEngine(a.pool, a.gateway,
		service.WithEngineConfig(service.EngineConfigFrom(cfg)),
		service.WithRouter(service.NewRouter(evaluator, logger)),
		service.WithConversationStore(a.store),
		service.WithCheckpointer(a.checkpoint),
		service.WithEvents(a.bus),
		service.WithMetrics(a.metrics),
		service.WithLogger(logger),
	)

	if cfg.NATS.Enabled {
		if err := a.startBridge(ctx); err != nil {
			return nil, err
		}
	}
	if configPath != "" {
		go a.watchConfig(ctx, configPath)
	}

	ok = true
	return a, nil
}

func (a *app) startBridge(ctx context.Context) error {
	nc, err := natsbridge.Connect(a.cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	a.closers = append(a.closers, func() error { nc.Close(); return nil })

	bridge := natsbridge.New(nc, a.bus,
		natsbridge.WithSubjectPrefix(a.cfg.NATS.SubjectPrefix),
		natsbridge.WithLogger(a.logger),
	)
	errCh := bridge.Start(ctx)
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("nats bridge stopped", "error", err)
		}
	}()
	a.logger.Info("forwarding events to nats", "url", a.cfg.NATS.URL)
	return nil
}

// watchConfig applies engine and approval settings from configPath whenever
// it changes. Worker and store settings need a restart.
func (a *app) watchConfig(ctx context.Context, configPath string) {
	err := config.Watch(ctx, configPath,
		func(c *config.Config) {
			if err := a.applyConfig(c); err != nil {
				a.logger.Warn("configuration reload failed", "path", configPath, "error", err)
				return
			}
			a.logger.Info("configuration reloaded", "path", configPath)
		},
		func(err error) {
			a.logger.Warn("configuration reload failed", "path", configPath, "error", err)
		},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("configuration watch stopped", "error", err)
	}
}

// applyConfig pushes the reloadable settings of c into the running engine
// and approval gateway. Nothing changes when the approval section is invalid.
func (a *app) applyConfig(c *config.Config) error {
	hitl, err := control.ConfigFrom(c.HITL)
	if err != nil {
		return err
	}
	a.gateway.UpdateConfig(hitl)
	a.engine.UpdateConfig(service.EngineConfigFrom(c))
	return nil
}

// close stops background tasks and releases resources in reverse order.
func (a *app) close() error {
	a.cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
