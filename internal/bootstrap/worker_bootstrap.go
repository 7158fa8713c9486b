package bootstrap

import (
	"context"

	"mailsync/adapter/in/worker"
	"mailsync/config"
	"mailsync/pkg/logger"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Worker runs the queue supervisor together with the background schedulers.
type Worker struct {
	deps       *Dependencies
	supervisor *worker.Supervisor
	history    *worker.HistorySyncScheduler
	reaper     *worker.BackfillReaper
	zlog       zerolog.Logger
}

func NewWorker(ctx context.Context, cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return newWorker(deps), cleanup, nil
}

func newWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	zlog := logger.Component("worker")

	handler := worker.NewHandler(deps.Engine, zlog)

	supCfg := worker.DefaultSupervisorConfig()
	supCfg.Loops = cfg.Worker.Loops
	supCfg.Concurrency = cfg.Worker.Concurrency
	supCfg.BatchSize = cfg.Worker.BatchSize
	if cfg.Worker.MessageTimeout > 0 {
		supCfg.MessageTimeout = cfg.Worker.MessageTimeout
	}
	if cfg.Worker.RestartDelay > 0 {
		supCfg.RestartDelay = cfg.Worker.RestartDelay
	}
	if cfg.Worker.MaxDeliveries > 0 {
		supCfg.MaxDeliveries = cfg.Worker.MaxDeliveries
	}

	w := &Worker{
		deps:       deps,
		supervisor: worker.NewSupervisor(deps.Queue, handler, supCfg, deps.Metrics, zlog),
		reaper:     worker.NewBackfillReaper(deps.Engine.Coordinator, cfg.Backfill.ReapInterval, cfg.Backfill.StaleAfter, zlog),
		zlog:       zlog,
	}

	// 여러 워커 중 하나만 스케줄러를 켜도 됨
	if cfg.Scheduler.Enabled {
		w.history = worker.NewHistorySyncScheduler(deps.Store.Links(), deps.Queue, cfg.Scheduler.HistorySyncInterval, zlog)
	} else {
		zlog.Info().Msg("history sync scheduler disabled")
	}
	return w
}

// Run blocks until ctx is cancelled and the supervisor drained in-flight work.
func (w *Worker) Run(ctx context.Context) error {
	w.zlog.Info().Str("worker_id", w.deps.Config.Worker.ID).Msg("worker starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.supervisor.Run(ctx) })
	g.Go(func() error { return w.reaper.Run(ctx) })
	if w.history != nil {
		g.Go(func() error { return w.history.Run(ctx) })
	}

	err := g.Wait()
	w.zlog.Info().Msg("worker stopped")
	return err
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
