package domain

import "time"

// EngineState is the coarse state of the rebalance engine.
type EngineState string

const (
	// EngineIdle means no position is held.
	EngineIdle EngineState = "idle"
	// EngineHolding means a position is open and presumed in range.
	EngineHolding EngineState = "holding"
	// EngineRebalancing only exists while a cycle is executing.
	EngineRebalancing EngineState = "rebalancing"
)

// CycleOutcome summarises what a single engine cycle did.
type CycleOutcome string

const (
	OutcomeInRange           CycleOutcome = "in_range"
	OutcomeIdle              CycleOutcome = "idle"
	OutcomeRebalanced        CycleOutcome = "rebalanced"
	OutcomeOpened            CycleOutcome = "opened"
	OutcomeInsufficientFunds CycleOutcome = "skipped_insufficient_funds"
	OutcomeFailed            CycleOutcome = "failed"
	// OutcomeWithdrawn is an explicit close, not a scheduled cycle.
	OutcomeWithdrawn CycleOutcome = "withdrawn"
)

// Mutated reports whether the outcome changed the managed position or
// attempted to. Only these outcomes are worth alerting on.
func (o CycleOutcome) Mutated() bool {
	switch o {
	case OutcomeInRange, OutcomeIdle:
		return false
	default:
		return true
	}
}

// CycleReport is the record of one engine cycle.
type CycleReport struct {
	ID         string        `json:"id"`
	PoolID     string        `json:"pool_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Price      float64       `json:"price,omitempty"`
	Outcome    CycleOutcome  `json:"outcome"`
	FailedStep int           `json:"failed_step,omitempty"`
	Error      string        `json:"error,omitempty"`
	Withdrawn  *Position     `json:"withdrawn,omitempty"`
	Opened     *Position     `json:"opened,omitempty"`
	State      EngineState   `json:"state"`
	NextDelay  time.Duration `json:"next_delay"`
}

// Duration returns how long the cycle took.
func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether the cycle aborted with an error.
func (r CycleReport) Failed() bool {
	return r.Outcome == OutcomeFailed
}
