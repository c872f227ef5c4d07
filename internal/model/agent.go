package model

import "time"

// AgentState is the process-wide lifecycle state. Transitions are monotonic:
// starting → running → draining → stopped, never backward. Only the lifecycle
// tracker mutates it; every other component observes.
type AgentState string

const (
	StateStarting AgentState = "starting"
	StateRunning  AgentState = "running"
	StateDraining AgentState = "draining"
	StateStopped  AgentState = "stopped"
)

// stateOrder maps each state to its position in the lifecycle.
var stateOrder = map[AgentState]int{
	StateStarting: 0,
	StateRunning:  1,
	StateDraining: 2,
	StateStopped:  3,
}

// Valid reports whether s is a known agent state.
func (s AgentState) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Skipping ahead is allowed (e.g. starting → stopped when start-up fails);
// moving backward or standing still is not.
func (s AgentState) CanTransition(next AgentState) bool {
	from, ok := stateOrder[s]
	if !ok {
		return false
	}
	to, ok := stateOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// RunStatus is the outcome of the most recent scheduling tick for an entry.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	// RunSkipped means a due tick was not run because the previous run of the
	// same entry was still in flight.
	RunSkipped RunStatus = "skipped"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunSuccess, RunFailure, RunSkipped:
		return true
	}
	return false
}

// RunState tracks per-entry scheduling history. It is owned by the entry's
// scheduling loop; everyone else reads copies.
type RunState struct {
	// LastRunAt is the start instant of the most recent run. Zero before the
	// first run.
	LastRunAt  time.Time `json:"last_run_at"`
	LastStatus RunStatus `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	// DroppedRows counts rows discarded by the collector because a value
	// could not be mapped to an event field.
	DroppedRows int64 `json:"dropped_rows"`

	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	Skips    int64 `json:"skips"`
}
