package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHealthOpensCircuitAfterThreshold(t *testing.T) {
	h := NewWorkerHealth(HealthConfig{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	require.True(t, h.Available(0))

	h.MarkCrashed(0)
	require.True(t, h.Available(0))

	h.MarkCrashed(0)
	require.False(t, h.Available(0))

	time.Sleep(60 * time.Millisecond)
	require.True(t, h.Available(0))
}

func TestWorkerHealthResetsOnSuccess(t *testing.T) {
	h := NewWorkerHealth(DefaultHealthConfig())
	h.MarkCrashed(1)
	h.MarkCrashed(1)
	h.MarkSpawned(1)

	snap := h.Snapshot(1)
	require.Equal(t, 0, snap.FailureCount)
	require.False(t, snap.CircuitOpen)
}

func TestWorkerHealthSlotsAreIndependent(t *testing.T) {
	h := NewWorkerHealth(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	h.MarkCrashed(0)
	require.False(t, h.Available(0))
	require.True(t, h.Available(1))
}
