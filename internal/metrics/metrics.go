// Package metrics exposes prometheus collectors for cycles, trading activity and upstream calls.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector. A nil *Registry is valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	CycleRuns       *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	PhaseDuration   *prometheus.HistogramVec
	CycleWarnings   *prometheus.CounterVec
	SignalsUpserted *prometheus.CounterVec
	PositionsOpened *prometheus.CounterVec
	Exits           *prometheus.CounterVec
	PortfolioValue  *prometheus.GaugeVec
	PortfolioCash   *prometheus.GaugeVec
	UpstreamCalls   *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	CacheLookups    *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors on a private prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		CycleRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_cycle_runs_total",
				Help: "Cycle runs by kind and terminal status",
			},
			[]string{"kind", "status"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickerpulse_cycle_duration_seconds",
				Help:    "Wall-clock duration of a cycle",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickerpulse_cycle_phase_duration_seconds",
				Help:    "Duration of each cycle phase",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"phase"},
		),
		CycleWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_cycle_warnings_total",
				Help: "Non-fatal warnings recorded by phase",
			},
			[]string{"phase"},
		),
		SignalsUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_signals_upserted_total",
				Help: "Signals written by the aggregator",
			},
			[]string{"signal_type", "direction"},
		),
		PositionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_positions_opened_total",
				Help: "Paper positions opened per portfolio",
			},
			[]string{"portfolio"},
		),
		Exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_exits_total",
				Help: "Exit fills by owner kind and reason",
			},
			[]string{"owner", "reason"},
		),
		PortfolioValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickerpulse_portfolio_value",
				Help: "Marked-to-market portfolio value",
			},
			[]string{"portfolio"},
		),
		PortfolioCash: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickerpulse_portfolio_cash",
				Help: "Available portfolio cash",
			},
			[]string{"portfolio"},
		),
		UpstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_marketdata_calls_total",
				Help: "Market data calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickerpulse_marketdata_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickerpulse_marketdata_cache_lookups_total",
				Help: "Market data cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),
	}

	r.registry.MustRegister(
		r.CycleRuns, r.CycleDuration, r.PhaseDuration, r.CycleWarnings,
		r.SignalsUpserted, r.PositionsOpened, r.Exits, r.PortfolioValue, r.PortfolioCash,
		r.UpstreamCalls, r.BreakerState, r.CacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *Registry) ObserveCycle(kind, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.CycleRuns.WithLabelValues(kind, status).Inc()
	r.CycleDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Registry) ObservePhase(phase string, d time.Duration) {
	if r == nil {
		return
	}
	r.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (r *Registry) Warning(phase string) {
	if r == nil {
		return
	}
	r.CycleWarnings.WithLabelValues(phase).Inc()
}

func (r *Registry) SignalUpserted(signalType, direction string) {
	if r == nil {
		return
	}
	r.SignalsUpserted.WithLabelValues(signalType, direction).Inc()
}

func (r *Registry) PositionOpened(portfolio string) {
	if r == nil {
		return
	}
	r.PositionsOpened.WithLabelValues(portfolio).Inc()
}

func (r *Registry) Exit(owner, reason string) {
	if r == nil {
		return
	}
	r.Exits.WithLabelValues(owner, reason).Inc()
}

func (r *Registry) Portfolio(id string, cash, value float64) {
	if r == nil {
		return
	}
	r.PortfolioCash.WithLabelValues(id).Set(cash)
	r.PortfolioValue.WithLabelValues(id).Set(value)
}

func (r *Registry) UpstreamCall(operation, outcome string) {
	if r == nil {
		return
	}
	r.UpstreamCalls.WithLabelValues(operation, outcome).Inc()
}

func (r *Registry) Breaker(name string, state float64) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(name).Set(state)
}

func (r *Registry) CacheLookup(kind string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.CacheLookups.WithLabelValues(kind, result).Inc()
}

// WatchQueue exports depth as the backlog gauge of the named worker queue.
func (r *Registry) WatchQueue(name string, depth func() int) {
	if r == nil || depth == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "tickerpulse_worker_queue_depth",
			Help:        "Tasks waiting for a worker",
			ConstLabels: prometheus.Labels{"queue": name},
		},
		func() float64 { return float64(depth()) },
	)
	if err := r.registry.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
	}
}
