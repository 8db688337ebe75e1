package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusFailedUpstream.Terminal())
}

func TestTransitionForwardChain(t *testing.T) {
	tk := &Task{URL: "task://a", Status: StatusWaiting}

	require.NoError(t, tk.Transition(StatusReady))
	assert.Equal(t, StatusReady, tk.Status)

	require.NoError(t, tk.Transition(StatusRunning))
	assert.Equal(t, StatusRunning, tk.Status)

	require.NoError(t, tk.Transition(StatusCompleted))
	assert.Equal(t, StatusCompleted, tk.Status)
}

func TestTransitionNeverBackward(t *testing.T) {
	tk := &Task{Status: StatusRunning}
	err := tk.Transition(StatusReady)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRunning, tk.Status)
}

func TestTransitionTerminalIsFinal(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusFailedUpstream} {
		tk := &Task{Status: terminal}
		for _, to := range []Status{StatusWaiting, StatusReady, StatusRunning, StatusCompleted, StatusFailed} {
			assert.ErrorIs(t, tk.Transition(to), ErrInvalidTransition, "from %s to %s", terminal, to)
		}
	}
}

func TestTransitionFailedUpstreamOnlyBeforeRunning(t *testing.T) {
	waiting := &Task{Status: StatusWaiting}
	require.NoError(t, waiting.Transition(StatusFailedUpstream))

	ready := &Task{Status: StatusReady}
	require.NoError(t, ready.Transition(StatusFailedUpstream))

	running := &Task{Status: StatusRunning}
	require.ErrorIs(t, running.Transition(StatusFailedUpstream), ErrInvalidTransition)
}

func TestTransitionFailFromAnyNonTerminal(t *testing.T) {
	for _, from := range []Status{StatusWaiting, StatusReady, StatusRunning} {
		tk := &Task{Status: from}
		require.NoError(t, tk.Transition(StatusFailed), "from %s", from)
	}
}

func TestTransitionUnknownStatus(t *testing.T) {
	tk := &Task{Status: StatusWaiting}
	assert.ErrorIs(t, tk.Transition(Status("paused")), ErrInvalidTransition)
}

func TestClone(t *testing.T) {
	tk := &Task{URL: "task://a", Status: StatusReady, Payload: []byte(`{"n":1}`)}
	c := tk.Clone()

	c.Payload[0] = 'x'
	c.Status = StatusRunning

	assert.Equal(t, StatusReady, tk.Status)
	assert.Equal(t, byte('{'), tk.Payload[0])
}
