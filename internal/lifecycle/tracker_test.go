package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/testutil"
)

func TestTrackerStartsInStarting(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())
	assert.Equal(t, model.StateStarting, tr.State())
}

func TestTransitionForward(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())

	require.NoError(t, tr.Transition(model.StateRunning))
	assert.Equal(t, model.StateRunning, tr.State())

	require.NoError(t, tr.Transition(model.StateDraining))
	require.NoError(t, tr.Transition(model.StateStopped))
	assert.Equal(t, model.StateStopped, tr.State())
}

func TestTransitionBackwardRejected(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())
	require.NoError(t, tr.Transition(model.StateDraining))

	err := tr.Transition(model.StateRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
	assert.Equal(t, model.StateDraining, tr.State(), "failed transition must not change state")
}

func TestTransitionSameStateIsNoop(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())
	require.NoError(t, tr.Transition(model.StateRunning))
	require.NoError(t, tr.Transition(model.StateRunning))
	assert.Equal(t, model.StateRunning, tr.State())
}

func TestTransitionSkipsAhead(t *testing.T) {
	// Start-up failure goes straight from starting to stopped.
	tr := NewTracker(testutil.TestLogger())
	require.NoError(t, tr.Transition(model.StateStopped))
	assert.Equal(t, model.StateStopped, tr.State())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())
	ch := tr.Subscribe()

	require.NoError(t, tr.Transition(model.StateRunning))
	require.NoError(t, tr.Transition(model.StateDraining))
	require.NoError(t, tr.Transition(model.StateStopped))

	var got []model.AgentState
	for i := 0; i < 3; i++ {
		select {
		case s := <-ch:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatalf("missing transition %d", i)
		}
	}
	assert.Equal(t, []model.AgentState{model.StateRunning, model.StateDraining, model.StateStopped}, got)
}

func TestSubscribeMissesNothingBeforeSubscription(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())
	require.NoError(t, tr.Transition(model.StateRunning))

	ch := tr.Subscribe()
	select {
	case s := <-ch:
		t.Fatalf("unexpected replayed state %s", s)
	default:
	}

	require.NoError(t, tr.Transition(model.StateDraining))
	select {
	case s := <-ch:
		assert.Equal(t, model.StateDraining, s)
	case <-time.After(time.Second):
		t.Fatal("transition not delivered")
	}
}

func TestAbandonedSubscriberDoesNotBlock(t *testing.T) {
	tr := NewTracker(testutil.TestLogger())
	ch := tr.Subscribe()
	_ = ch // never read

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = tr.Transition(model.StateRunning)
		}
		_ = tr.Transition(model.StateDraining)
		_ = tr.Transition(model.StateStopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transition blocked on unread subscriber")
	}
}
