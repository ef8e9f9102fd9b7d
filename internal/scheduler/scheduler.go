// Package scheduler fires full and monitor cycles on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/cycle"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const trigger = "schedule"

// CycleRunner is the part of the orchestrator the scheduler drives.
type CycleRunner interface {
	Run(ctx context.Context, kind models.CycleKind, trigger string) (*models.CycleRun, error)
}

// MarketClock gates monitor cycles to the trading session.
type MarketClock interface {
	IsOpen(t time.Time) bool
}

type Scheduler struct {
	cron    *cron.Cron
	runner  CycleRunner
	clock   MarketClock
	logger  *zap.Logger
	baseCtx context.Context
	now     func() time.Time
}

// New builds a scheduler whose jobs run under baseCtx. Expressions include a seconds field.
func New(baseCtx context.Context, runner CycleRunner, clock MarketClock, logger *zap.Logger, now func() time.Time) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runner:  runner,
		clock:   clock,
		logger:  logger,
		baseCtx: baseCtx,
		now:     now,
	}
}

// Register adds the configured jobs. An empty expression leaves that job unscheduled.
func (s *Scheduler) Register(cfg config.ScheduleConfig) error {
	if spec := strings.TrimSpace(cfg.FullCycle); spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.RunFull(s.baseCtx) }); err != nil {
			return fmt.Errorf("schedule.full_cycle %q: %w", spec, err)
		}
	}
	if spec := strings.TrimSpace(cfg.Monitor); spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.RunMonitor(s.baseCtx) }); err != nil {
			return fmt.Errorf("schedule.monitor %q: %w", spec, err)
		}
	}
	return nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started", zap.Int("jobs", s.Entries()))
	s.cron.Start()
}

// Stop prevents new runs and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunFull runs one full cycle.
func (s *Scheduler) RunFull(ctx context.Context) {
	s.run(ctx, models.CycleFull)
}

// RunMonitor runs an exit-monitor cycle while the market is open.
func (s *Scheduler) RunMonitor(ctx context.Context) {
	if s.clock != nil && !s.clock.IsOpen(s.now()) {
		s.logger.Debug("Market closed, skipping monitor cycle")
		return
	}
	s.run(ctx, models.CycleMonitor)
}

func (s *Scheduler) run(ctx context.Context, kind models.CycleKind) {
	run, err := s.runner.Run(ctx, kind, trigger)
	switch {
	case errors.Is(err, cycle.ErrCycleInProgress):
		s.logger.Info("Cycle already running, skipping scheduled run", zap.String("kind", string(kind)))
	case err != nil:
		fields := []zap.Field{zap.String("kind", string(kind)), zap.Error(err)}
		if run != nil {
			fields = append(fields, zap.String("cycle_id", run.ID))
		}
		s.logger.Error("Scheduled cycle failed", fields...)
	default:
		s.logger.Info("Scheduled cycle completed",
			zap.String("kind", string(kind)), zap.String("cycle_id", run.ID), zap.Any("counters", run.Counters))
	}
}
