package sqlpulse

import (
	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/publish"
)

// Event is one observation produced by a catalog query.
type Event = model.Event

// Batch is a sealed, identified group of events ready for delivery.
type Batch = model.Batch

// AgentState is the process-wide lifecycle state.
type AgentState = model.AgentState

// Lifecycle states, in order. Transitions only move forward.
const (
	StateStarting = model.StateStarting
	StateRunning  = model.StateRunning
	StateDraining = model.StateDraining
	StateStopped  = model.StateStopped
)

// RunState is the scheduling history of one catalog entry.
type RunState = model.RunState

// Sink delivers sealed batches downstream. Implementations classify their
// failures with publish.Transient and publish.Permanent; anything else is
// treated as transient and retried.
type Sink = publish.Sink
