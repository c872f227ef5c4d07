package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentStateCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from AgentState
		to   AgentState
		want bool
	}{
		{"starting to running", StateStarting, StateRunning, true},
		{"running to draining", StateRunning, StateDraining, true},
		{"draining to stopped", StateDraining, StateStopped, true},
		{"starting to stopped skips ahead", StateStarting, StateStopped, true},
		{"running to stopped skips ahead", StateRunning, StateStopped, true},
		{"no self transition", StateRunning, StateRunning, false},
		{"never backward", StateDraining, StateRunning, false},
		{"stopped is terminal", StateStopped, StateStarting, false},
		{"unknown source", AgentState("bogus"), StateRunning, false},
		{"unknown target", StateStarting, AgentState("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestAgentStateValid(t *testing.T) {
	for _, s := range []AgentState{StateStarting, StateRunning, StateDraining, StateStopped} {
		assert.True(t, s.Valid(), "state %q", s)
	}
	assert.False(t, AgentState("paused").Valid())
	assert.False(t, AgentState("").Valid())
}

func TestRunStatusValid(t *testing.T) {
	for _, s := range []RunStatus{RunSuccess, RunFailure, RunSkipped} {
		assert.True(t, s.Valid(), "status %q", s)
	}
	assert.False(t, RunStatus("pending").Valid())
	assert.False(t, RunStatus("").Valid())
}
