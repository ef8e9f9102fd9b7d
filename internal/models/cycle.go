package models

import (
	"fmt"
	"time"
)

// CycleStatus is the terminal-or-running state of a cycle run.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// CycleKind selects which phases a cycle executes.
type CycleKind string

const (
	// CycleFull runs ingestion through trust update.
	CycleFull CycleKind = "full"
	// CycleMonitor only evaluates exits on open instruments.
	CycleMonitor CycleKind = "monitor"
)

// Cycle phases, in execution order.
const (
	PhaseStarting    = "starting"
	PhaseIngest      = "ingest"
	PhaseAggregate   = "aggregate"
	PhaseEmergence   = "emergence"
	PhasePositions   = "positions"
	PhasePredictions = "predictions"
	PhaseExits       = "exits"
	PhaseTrust       = "trust"
	PhaseValuation   = "valuation"
	PhaseDone        = "done"
)

// Warning is a non-fatal degradation event recorded during a cycle.
type Warning struct {
	Phase   string    `json:"phase"`
	Subject string    `json:"subject,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CycleRun is the pollable status record of one cycle.
type CycleRun struct {
	ID         string           `json:"id"`
	Kind       CycleKind        `json:"kind"`
	Trigger    string           `json:"trigger"`
	Status     CycleStatus      `json:"status"`
	Phase      string           `json:"phase"`
	Counters   map[string]int64 `json:"counters"`
	Warnings   []Warning        `json:"warnings,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// NewWarning builds a warning with a formatted message.
func NewWarning(phase, subject string, at time.Time, format string, args ...any) Warning {
	return Warning{Phase: phase, Subject: subject, Message: fmt.Sprintf(format, args...), At: at.UTC()}
}
