package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/logging"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/observability"
	"github.com/irfndi/tickerpulse/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const usage = `Usage: tickerpulse [command]

Commands:
  serve            run the API server and cycle scheduler (default)
  migrate          apply the schema, seed portfolios and exit
  cycle [kind]     run one cycle (full or monitor) and exit
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = run()
	case "migrate":
		err = runMigrate()
	case "cycle":
		kind := models.CycleFull
		if len(os.Args) > 2 {
			kind = models.CycleKind(os.Args[2])
		}
		err = runCycle(kind)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and sets up logging and error reporting.
func bootstrap() (*config.Config, *logging.StandardLogger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.NewStandardLogger(cfg.Log.Level, cfg.App.Environment)
	if err := observability.InitSentry(cfg.Sentry, cfg.App.Version, cfg.App.Environment); err != nil {
		logger.WithError(err).Warn("Failed to initialize Sentry")
	}
	return cfg, logger, nil
}

func runMigrate() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := openStore(context.Background(), cfg, logger.Logger())
	if err != nil {
		return err
	}
	logger.Info("Schema applied and portfolios seeded")
	return db.Close()
}

func runCycle(kind models.CycleKind) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer observability.Flush(context.Background())
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.orch.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover stale cycles: %w", err)
	}
	run, err := a.orch.Run(ctx, kind, "cli")
	if err != nil {
		return err
	}
	logger.Info("Cycle completed", zap.String("cycle_id", run.ID), zap.Any("counters", run.Counters),
		zap.Int("warnings", len(run.Warnings)))
	return nil
}

// run starts the HTTP server and the scheduler and blocks until a termination signal.
func run() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer observability.Flush(context.Background())
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	recovered, err := a.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover stale cycles: %w", err)
	}
	if len(recovered) > 0 {
		logger.Warn("Failed cycles left running by a previous process", zap.Strings("cycle_ids", recovered))
	}

	sched := scheduler.New(ctx, a.orch, a.calendar, logger.WithComponent("scheduler").Logger(), nil)
	if cfg.Schedule.Enabled {
		if err := sched.Register(cfg.Schedule); err != nil {
			return err
		}
	}

	srv := a.server()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.LogStartup(cfg.App.Name, cfg.App.Version, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		logger.LogShutdown(cfg.App.Name, "signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		sched.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited gracefully")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 20 * time.Second
}
