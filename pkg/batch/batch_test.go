package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusStopped, StatusExpired, StatusTimedOut}
	for _, s := range terminal {
		require.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusSubmitted, StatusValidating, StatusScheduled, StatusInProgress} {
		require.False(t, s.Terminal(), string(s))
	}
}

func TestSucceeded(t *testing.T) {
	require.True(t, StatusCompleted.Succeeded())
	// A partially completed job counts as a failure for its stage.
	require.False(t, StatusPartiallyCompleted.Succeeded())
	require.False(t, StatusFailed.Succeeded())
}
