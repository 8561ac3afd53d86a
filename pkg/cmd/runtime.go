// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/devicehub/pkg/channels/redisqueue"
	"github.com/dukex/devicehub/pkg/config"
	"github.com/dukex/devicehub/pkg/devices"
	"github.com/dukex/devicehub/pkg/dispatcher"
	"github.com/dukex/devicehub/pkg/eventbus"
	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/metrics"
	"github.com/dukex/devicehub/pkg/otelhelper"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/registry"
	"github.com/dukex/devicehub/pkg/tracker"
	"github.com/dukex/devicehub/pkg/transfer"
	"github.com/dukex/devicehub/pkg/workflow"
	"golang.org/x/sync/errgroup"
)

// Runtime is the wired control plane shared by the binaries.
type Runtime struct {
	Logger  *slog.Logger
	Config  config.Config
	Store   persistence.Persistence
	Bus     eventbus.EventBus
	Inbox   *redisqueue.Queue
	Metrics *metrics.Collector

	Kinds      *registry.Registry
	Devices    *devices.Registry
	Tracker    *tracker.Tracker
	Pool       *tracker.Pool
	Dispatcher *dispatcher.Dispatcher
	Transfers  *transfer.Coordinator
	Engine     *workflow.Engine
	Scheduler  *workflow.Scheduler

	closers []func(context.Context) error
}

// NewRuntime opens storage, transport and tracing, and wires every component.
func NewRuntime(ctx context.Context, logger *slog.Logger, serviceName string, cfg config.Config) (*Runtime, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	r := &Runtime{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics.NewCollector(),
	}

	if cfg.OTelEnabled {
		shutdown, err := otelhelper.Setup(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}

		r.closers = append(r.closers, shutdown)
	}

	r.Store, err = NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Join(err, r.Close(ctx))
	}

	r.closers = append(r.closers, r.Store.Close)

	r.Bus, err = NewEventBus(cfg.EventBus, cfg.KafkaBrokers, serviceName, logger)
	if err != nil {
		return nil, errors.Join(err, r.Close(ctx))
	}

	r.closers = append(r.closers, func(context.Context) error { return r.Bus.Close() })

	deliverer, inbox, err := NewDeliverer(ctx, cfg, r.Bus, logger)
	if err != nil {
		return nil, errors.Join(err, r.Close(ctx))
	}

	if inbox != nil {
		r.Inbox = inbox
		r.closers = append(r.closers, func(context.Context) error { return inbox.Close() })
	}

	r.Kinds = registry.NewDefaultRegistry(logger)
	r.Devices = devices.NewRegistry(logger, r.Store.Devices(),
		devices.WithLivenessWindow(cfg.LivenessWindow),
		devices.WithMetrics(r.Metrics))
	r.Tracker = tracker.New(logger, r.Store.Tasks(),
		tracker.WithPublisher(r.Bus),
		tracker.WithMetrics(r.Metrics),
		tracker.WithSweepInterval(cfg.SweepInterval),
		tracker.WithRetention(cfg.TaskRetention))
	r.Pool = tracker.NewPool(r.Tracker, cfg.ReportWorkers)
	r.Dispatcher = dispatcher.New(logger, r.Store.Tasks(), r.Devices, r.Kinds, deliverer, r.Tracker,
		dispatcher.WithMetrics(r.Metrics))
	r.Transfers = transfer.New(logger, r.Dispatcher, r.Tracker, r.Store.Tasks(), r.Store.Chunks(), r.Kinds,
		transfer.WithMetrics(r.Metrics))
	r.Tracker.SetVerifier(r.Transfers)
	r.Engine = workflow.NewEngine(logger, r.Store, r.Dispatcher, r.Kinds,
		workflow.WithPublisher(r.Bus),
		workflow.WithMetrics(r.Metrics))
	r.Scheduler = workflow.NewScheduler(logger, r.Store.Workflows(), r.Engine)

	return r, nil
}

// RunWorker consumes agent reports, heartbeats and task outcomes, and runs
// the periodic loops until ctx ends.
func (r *Runtime) RunWorker(ctx context.Context) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.AgentReportEvent:     r.Pool.HandleAgentReportEvent,
		events.DeviceHeartbeatEvent: r.Devices.HandleHeartbeatEvent,
		events.TaskFinishedEvent:    r.Engine.HandleTaskFinished,
	}

	for eventType, handler := range handlers {
		err := r.Bus.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	err := r.Bus.Subscribe(gctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	g.Go(func() error {
		return r.Pool.Run(gctx)
	})

	loops := []interface {
		Start(ctx context.Context) error
		Stop(ctx context.Context) error
	}{r.Devices, r.Tracker, r.Engine, r.Scheduler}

	for _, l := range loops {
		err = l.Start(gctx)
		if err != nil {
			return err
		}
	}

	r.Logger.InfoContext(ctx, "Worker running", "report_workers", r.Pool.Workers())

	g.Go(func() error {
		<-gctx.Done()

		var errs []error
		for _, l := range loops {
			errs = append(errs, l.Stop(context.WithoutCancel(gctx)))
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// Close releases everything opened by NewRuntime, newest first.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}

	r.closers = nil

	return errors.Join(errs...)
}
