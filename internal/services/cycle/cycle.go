// Package cycle runs the ingest → signal → position → exit → trust pipeline as one serialized unit.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/ingest"
	"github.com/irfndi/tickerpulse/internal/markethours"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/observability"
	"github.com/irfndi/tickerpulse/internal/services/distributedlock"
	"github.com/irfndi/tickerpulse/internal/services/exits"
	"github.com/irfndi/tickerpulse/internal/services/lifecycle"
	"github.com/irfndi/tickerpulse/internal/services/predictions"
	"github.com/irfndi/tickerpulse/internal/services/signals"
	"github.com/irfndi/tickerpulse/internal/services/trust"
	"go.uber.org/zap"
)

// ErrCycleInProgress is returned when a trigger or manual close races a running cycle.
var ErrCycleInProgress = errors.New("cycle already in progress")

// errDeadline is the failure recorded when a cycle outlives its timeout.
var errDeadline = errors.New("cycle deadline exceeded")

const recoveredReason = "process exited while cycle was running"

// Event types sent to the Publisher.
const (
	EventPhase    = "cycle.phase"
	EventFinished = "cycle.finished"
)

// Publisher receives cycle progress. Publish must not retain data after it returns.
type Publisher interface {
	Publish(eventType string, data interface{})
}

// Progress is the payload of a cycle.phase event.
type Progress struct {
	CycleID  string           `json:"cycle_id"`
	Kind     models.CycleKind `json:"kind"`
	Phase    string           `json:"phase"`
	Counters map[string]int64 `json:"counters"`
}

type Deps struct {
	Cycles      *database.CycleRepository
	Comments    *database.CommentRepository
	Trading     config.TradingConfigStore
	Source      ingest.Source
	Lock        distributedlock.Mutex
	Aggregator  *signals.Aggregator
	Emergence   *signals.EmergenceDetector
	Lifecycle   *lifecycle.Manager
	Predictions *predictions.Creator
	Exits       *exits.Engine
	Trust       *trust.Updater
	Calendar    *markethours.Calendar
	Metrics     *metrics.Registry
	Events      Publisher
	Logger      *zap.Logger
	Now         func() time.Time
	Timeout     time.Duration
}

// Orchestrator owns the cycle lock. At most one cycle runs system-wide.
type Orchestrator struct {
	d  Deps
	wg sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. A zero Timeout falls back to ten minutes.
func NewOrchestrator(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Lock == nil {
		d.Lock = distributedlock.NewLocalMutex()
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Minute
	}
	return &Orchestrator{d: d}
}

// state is the mutable bookkeeping of one running cycle.
type state struct {
	run          *models.CycleRun
	release      func()
	started      time.Time
	trustApplied bool
}

func (s *state) count(name string, n int) {
	s.run.Counters[name] += int64(n)
}

// Recover fails cycles left running by a dead process and returns their comments to the queue.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	ids, err := o.d.Cycles.RecoverStale(ctx, recoveredReason)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := o.d.Comments.Release(ctx, id); err != nil {
			return ids, err
		}
		o.d.Logger.Warn("Recovered stale cycle", zap.String("cycle_id", id))
	}
	return ids, nil
}

// Run executes a cycle and blocks until it finishes. A failed cycle returns its row and the error.
func (o *Orchestrator) Run(ctx context.Context, kind models.CycleKind, trigger string) (*models.CycleRun, error) {
	st, err := o.begin(ctx, kind, trigger)
	if err != nil {
		return nil, err
	}
	err = o.execute(ctx, st)
	return st.run, err
}

// Trigger starts a cycle in the background and returns its initial row.
func (o *Orchestrator) Trigger(kind models.CycleKind, trigger string) (*models.CycleRun, error) {
	st, err := o.begin(context.Background(), kind, trigger)
	if err != nil {
		return nil, err
	}
	snapshot := *st.run
	snapshot.Counters = map[string]int64{}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.execute(context.Background(), st)
	}()
	return &snapshot, nil
}

// Wait blocks until background cycles have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Running reports whether any process currently holds the cycle lock.
func (o *Orchestrator) Running(ctx context.Context) (bool, error) {
	return o.d.Lock.Held(ctx)
}

func (o *Orchestrator) begin(ctx context.Context, kind models.CycleKind, trigger string) (*state, error) {
	if kind != models.CycleFull && kind != models.CycleMonitor {
		return nil, fmt.Errorf("unknown cycle kind %q", kind)
	}
	release, err := o.d.Lock.TryAcquire(ctx)
	if errors.Is(err, distributedlock.ErrLockHeld) {
		return nil, ErrCycleInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}

	now := o.d.Now()
	run := &models.CycleRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Trigger:   trigger,
		Phase:     models.PhaseStarting,
		Counters:  map[string]int64{},
		StartedAt: now.UTC(),
	}
	if err := o.d.Cycles.Start(ctx, run); err != nil {
		release()
		if errors.Is(err, database.ErrCycleRunning) {
			return nil, ErrCycleInProgress
		}
		return nil, err
	}
	return &state{run: run, release: release, started: now}, nil
}

func (o *Orchestrator) execute(parent context.Context, st *state) error {
	defer st.release()
	run := st.run
	logger := o.d.Logger.With(zap.String("cycle_id", run.ID), zap.String("kind", string(run.Kind)))
	logger.Info("Cycle started", zap.String("trigger", run.Trigger))

	ctx, cancel := context.WithTimeout(parent, o.d.Timeout)
	defer cancel()
	ctx, span := observability.StartSpanWithTags(ctx, observability.SpanOpCycle, string(run.Kind),
		map[string]string{"cycle_id": run.ID})

	var err error
	if run.Kind == models.CycleMonitor {
		err = o.monitor(ctx, st)
	} else {
		err = o.full(ctx, st)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errDeadline
	}
	observability.FinishSpan(span, err)

	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer finishCancel()

	finished := o.d.Now().UTC()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = models.CycleFailed
		run.Error = err.Error()
		if run.Kind == models.CycleFull && !st.trustApplied {
			if relErr := o.d.Comments.Release(finishCtx, run.ID); relErr != nil {
				logger.Error("Failed to release claimed comments", zap.Error(relErr))
			}
		}
		observability.CaptureWithTags(finishCtx, err, map[string]string{
			"cycle_id": run.ID, "cycle_kind": string(run.Kind), "phase": run.Phase,
		})
		logger.Error("Cycle failed", zap.String("phase", run.Phase), zap.Error(err))
	} else {
		run.Status = models.CycleCompleted
		run.Phase = models.PhaseDone
		logger.Info("Cycle completed", zap.Any("counters", run.Counters), zap.Int("warnings", len(run.Warnings)))
	}
	if finErr := o.d.Cycles.Finish(finishCtx, run); finErr != nil {
		logger.Error("Failed to record cycle result", zap.Error(finErr))
		if err == nil {
			err = finErr
		}
	}
	o.d.Metrics.ObserveCycle(string(run.Kind), string(run.Status), finished.Sub(st.started.UTC()))
	o.publish(EventFinished, run)
	return err
}

func (o *Orchestrator) publish(eventType string, data interface{}) {
	if o.d.Events != nil {
		o.d.Events.Publish(eventType, data)
	}
}

// phase records progress, times fn and collects its warnings.
func (o *Orchestrator) phase(ctx context.Context, st *state, name string, fn func(ctx context.Context) ([]models.Warning, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.run.Phase = name
	if err := o.d.Cycles.UpdateProgress(ctx, st.run.ID, name, st.run.Counters); err != nil {
		return err
	}
	o.publish(EventPhase, Progress{CycleID: st.run.ID, Kind: st.run.Kind, Phase: name, Counters: st.run.Counters})
	phaseCtx, span := observability.StartSpan(ctx, observability.SpanOpPhase, name)
	start := time.Now()
	warnings, err := fn(phaseCtx)
	observability.FinishSpan(span, err)
	o.d.Metrics.ObservePhase(name, time.Since(start))
	for _, w := range warnings {
		o.d.Metrics.Warning(w.Phase)
	}
	st.run.Warnings = append(st.run.Warnings, warnings...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) full(ctx context.Context, st *state) error {
	cfg, err := o.d.Trading.Load(ctx)
	if err != nil {
		return err
	}
	snapshot, err := o.d.Trust.Snapshot(ctx)
	if err != nil {
		return err
	}

	var comments []models.AnnotatedComment
	err = o.phase(ctx, st, models.PhaseIngest, func(ctx context.Context) ([]models.Warning, error) {
		if o.d.Source != nil {
			pulled, err := o.d.Source.Pull(ctx)
			if err != nil {
				return nil, fmt.Errorf("comment source %s: %w", o.d.Source.Name(), err)
			}
			st.count("comments_received", pulled.Received)
			st.count("comments_duplicate", pulled.Duplicates)
			st.count("comments_rejected", pulled.Rejected)
		}
		claimed, err := o.d.Comments.Claim(ctx, st.run.ID)
		if err != nil {
			return nil, err
		}
		st.count("comments_claimed", int(claimed))
		comments, err = o.d.Comments.ListByCycle(ctx, st.run.ID)
		return nil, err
	})
	if err != nil {
		return err
	}

	var aggregated signals.Result
	err = o.phase(ctx, st, models.PhaseAggregate, func(ctx context.Context) ([]models.Warning, error) {
		keys := database.TouchedDays(comments, o.d.Calendar.Location())
		res, err := o.d.Aggregator.Aggregate(ctx, cfg, snapshot, keys)
		aggregated = res
		st.count("ticker_days", res.Evaluated)
		st.count("signals", len(res.Signals))
		st.count("signals_withdrawn", res.Withdrawn)
		return nil, err
	})
	if err != nil {
		return err
	}

	err = o.phase(ctx, st, models.PhaseEmergence, func(ctx context.Context) ([]models.Warning, error) {
		n, err := o.d.Emergence.Flag(ctx, cfg, aggregated.Signals)
		st.count("emergent", n)
		return nil, err
	})
	if err != nil {
		return err
	}

	err = o.phase(ctx, st, models.PhasePositions, func(ctx context.Context) ([]models.Warning, error) {
		res, err := o.d.Lifecycle.OpenPositions(ctx, cfg)
		st.count("positions_opened", res.Opened)
		st.count("positions_replaced", res.Replaced)
		st.count("positions_rejected", res.Rejected)
		return res.Warnings, err
	})
	if err != nil {
		return err
	}

	err = o.phase(ctx, st, models.PhasePredictions, func(ctx context.Context) ([]models.Warning, error) {
		res, err := o.d.Predictions.Create(ctx, cfg)
		st.count("predictions_opened", res.Created)
		return res.Warnings, err
	})
	if err != nil {
		return err
	}

	if err := o.exits(ctx, st, cfg); err != nil {
		return err
	}

	err = o.phase(ctx, st, models.PhaseTrust, func(ctx context.Context) ([]models.Warning, error) {
		res, err := o.d.Trust.Apply(ctx, cfg.Trust, comments)
		if err == nil {
			st.trustApplied = true
		}
		st.count("authors_updated", res.Authors)
		st.count("outcomes_applied", res.Outcomes)
		return nil, err
	})
	if err != nil {
		return err
	}
	return o.valuate(ctx, st)
}

func (o *Orchestrator) monitor(ctx context.Context, st *state) error {
	cfg, err := o.d.Trading.Load(ctx)
	if err != nil {
		return err
	}
	if err := o.exits(ctx, st, cfg); err != nil {
		return err
	}
	return o.valuate(ctx, st)
}

func (o *Orchestrator) exits(ctx context.Context, st *state, cfg config.TradingConfig) error {
	return o.phase(ctx, st, models.PhaseExits, func(ctx context.Context) ([]models.Warning, error) {
		res, err := o.d.Exits.Run(ctx, cfg)
		st.count("instruments_checked", res.Checked)
		st.count("exit_fills", res.Fills)
		st.count("instruments_closed", res.Closed)
		return res.Warnings, err
	})
}

func (o *Orchestrator) valuate(ctx context.Context, st *state) error {
	return o.phase(ctx, st, models.PhaseValuation, func(ctx context.Context) ([]models.Warning, error) {
		res, err := o.d.Lifecycle.Valuate(ctx)
		return res.Warnings, err
	})
}

// ClosePosition closes a position by hand. It holds the cycle lock so no cycle can start meanwhile.
func (o *Orchestrator) ClosePosition(ctx context.Context, id, reason string, fraction float64) (*models.Position, error) {
	release, err := o.d.Lock.TryAcquire(ctx)
	if errors.Is(err, distributedlock.ErrLockHeld) {
		return nil, ErrCycleInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	defer release()

	running, err := o.d.Cycles.HasRunning(ctx)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, ErrCycleInProgress
	}
	return o.d.Exits.ClosePosition(ctx, id, reason, fraction)
}
