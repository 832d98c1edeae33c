package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/clmmbot/internal/domain"
	"github.com/alanyoungcy/clmmbot/internal/rebalance"
	"github.com/alanyoungcy/clmmbot/internal/server"
	"github.com/alanyoungcy/clmmbot/internal/server/handler"
	"github.com/alanyoungcy/clmmbot/internal/server/ws"
	"github.com/alanyoungcy/clmmbot/internal/service"
)

// shutdownTimeout bounds the withdraw-on-shutdown and HTTP drain.
const shutdownTimeout = 2 * time.Minute

// RunMode drives the rebalance engine until ctx is cancelled, alongside the
// pool lease, the HTTP API and the periodic archive when those are enabled.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	// Take the pool lease before touching the ledger.
	var keeper *service.LeaseKeeper
	if deps.LockManager != nil {
		keeper = service.NewLeaseKeeper(deps.LockManager, a.cfg.Pool.ID, a.cfg.Rebalance.LeaseTTL.Duration, a.logger)
		if err := keeper.Acquire(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		defer keeper.Release()
	}

	var engine *rebalance.Engine
	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:         a.cfg.Mode,
			Status:       func() any { return engine.Snapshot() },
			StartedAt:    time.Now().UTC(),
			Replay:       a.cfg.Server.WSReplay,
			ReplayStream: service.StreamCycles,
		})
	}

	engine, err := a.buildEngine(deps, hub)
	if err != nil {
		return err
	}

	if err := deps.Notifier.Info(ctx, fmt.Sprintf("initialized for pool %s (width %.2f%%, every %s, %s ledger)",
		a.cfg.Pool.ID, a.cfg.Rebalance.RangeWidthPercent, a.cfg.Rebalance.Interval.Duration, a.cfg.Ledger.Kind)); err != nil {
		a.logger.WarnContext(ctx, "startup notice failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.runEngine(ctx, engine)
	})

	if keeper != nil {
		g.Go(func() error {
			return keeper.Run(ctx)
		})
	}

	if hub != nil {
		a.startHTTPServer(ctx, g, deps, engine, hub)
	}

	if deps.Archiver != nil {
		sched := service.NewArchiveScheduler(deps.Archiver, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.ArchiveRetention.Duration, a.logger)
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}

	return g.Wait()
}

// ArchiveMode moves old cycle history to S3 once and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("app: archive mode needs supabase and s3")
	}

	sched := service.NewArchiveScheduler(deps.Archiver, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.ArchiveRetention.Duration, a.logger)
	n, err := sched.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode finished", slog.Int64("cycles", n))
	return nil
}

// buildEngine assembles the engine and its recorders. hub may be nil.
func (a *App) buildEngine(deps *Dependencies, hub *ws.Hub) (*rebalance.Engine, error) {
	rc := a.cfg.Rebalance

	policy, err := rebalance.ParseIdlePolicy(rc.IdlePolicy)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	alloc, err := rebalance.NewSplitPolicy(rc.AllocationA, rc.AllocationB)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var live service.Broadcaster
	if hub != nil {
		live = hub
	}
	recorders := []rebalance.Recorder{
		deps.Metrics,
		service.NewCycleRecorder(deps.CycleStore, deps.AuditStore, deps.SignalBus, live, a.logger),
	}

	engine, err := rebalance.NewEngine(rebalance.Config{
		PoolID:            a.cfg.Pool.ID,
		AssetA:            a.cfg.Pool.AssetA,
		AssetB:            a.cfg.Pool.AssetB,
		RangeWidthPercent: rc.RangeWidthPercent,
		Interval:          rc.Interval.Duration,
		BackoffMultiplier: rc.BackoffMultiplier,
		CallTimeout:       rc.CallTimeout.Duration,
		IdlePolicy:        policy,
	}, rebalance.Deps{
		Oracle:     deps.Oracle,
		Ledger:     deps.Ledger,
		Alerter:    deps.Notifier,
		Allocation: alloc,
		Recorders:  recorders,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: build engine: %w", err)
	}
	return engine, nil
}

// runEngine bootstraps the first position when configured, runs the cycle
// loop and, on shutdown, optionally withdraws the position.
func (a *App) runEngine(ctx context.Context, engine *rebalance.Engine) error {
	if a.cfg.Rebalance.BootstrapOnStart {
		if err := a.bootstrap(ctx, engine); err != nil {
			return err
		}
	}

	err := engine.Run(ctx)

	if a.cfg.Rebalance.WithdrawOnShutdown {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		closed, cerr := engine.Close(closeCtx)
		switch {
		case cerr != nil:
			a.logger.ErrorContext(closeCtx, "withdraw on shutdown failed", slog.String("error", cerr.Error()))
		case closed:
			a.logger.InfoContext(closeCtx, "position withdrawn on shutdown")
		}
	}
	return err
}

// bootstrap opens the first position, retrying after the backoff interval
// until it succeeds or ctx is cancelled. Without funds it hands over to the
// scheduled cycles, which keep retrying the open.
func (a *App) bootstrap(ctx context.Context, engine *rebalance.Engine) error {
	for {
		report, err := engine.OpenInitial(ctx)
		switch {
		case err == nil && report.Outcome == domain.OutcomeInsufficientFunds:
			a.logger.WarnContext(ctx, "bootstrap found no funds, scheduled cycles open once balances allow",
				slog.Float64("price", report.Price),
			)
			return nil
		case err == nil:
			a.logger.InfoContext(ctx, "bootstrap finished", slog.String("outcome", string(report.Outcome)))
			return nil
		case errors.Is(err, domain.ErrAlreadyOpen):
			return nil
		}

		timer := time.NewTimer(report.NextDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// startHTTPServer adds the ws hub and the HTTP server to the errgroup. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *rebalance.Engine, hub *ws.Hub) {
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, engine, deps.PriceCache, a.logger),
		Position: handler.NewPositionHandler(engine),
		Metrics:  deps.Metrics.Handler(),
	}
	if deps.CycleStore != nil {
		handlers.Cycles = handler.NewCycleHandler(deps.CycleStore, a.cfg.Pool.ID, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
