// Package lifecycle owns the agent's process-wide state machine. The Tracker
// is the single mutation path for AgentState; every other component observes
// through State or Subscribe.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

// subscriberBuffer holds every transition the machine can make, so a
// subscriber that never reads cannot block a transition.
const subscriberBuffer = 4

// Tracker serializes agent state transitions and broadcasts them.
type Tracker struct {
	logger *slog.Logger

	mu    sync.Mutex
	state model.AgentState
	subs  []chan model.AgentState
}

// NewTracker starts in the starting state.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		state:  model.StateStarting,
	}
}

// State returns the current agent state.
func (t *Tracker) State() model.AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves the agent to next. Transitions only move forward; a repeat
// of the current state is a no-op so shutdown paths can be idempotent.
func (t *Tracker) Transition(next model.AgentState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if next == t.state {
		return nil
	}
	if !t.state.CanTransition(next) {
		return fmt.Errorf("lifecycle: invalid transition %s to %s", t.state, next)
	}

	from := t.state
	t.state = next
	t.logger.Info("lifecycle: state changed", "from", from, "to", next)

	for _, ch := range t.subs {
		select {
		case ch <- next:
		default:
			// Buffer sized for the whole lifecycle; a full one means the
			// subscriber abandoned the channel.
		}
	}
	return nil
}

// Subscribe returns a channel receiving every subsequent transition. The
// channel is buffered for the full lifecycle and is never closed.
func (t *Tracker) Subscribe() <-chan model.AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan model.AgentState, subscriberBuffer)
	t.subs = append(t.subs, ch)
	return ch
}
