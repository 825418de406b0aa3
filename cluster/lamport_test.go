package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLamportClock_IncrementMonotonic(t *testing.T) {
	var l LamportClock
	require.Equal(t, LamportTime(0), l.Time(), "zero value clock should start at 0")
	require.Equal(t, LamportTime(1), l.Increment())
	require.Equal(t, LamportTime(2), l.Increment())
}

func TestLamportClock_WitnessAdvancesPastObserved(t *testing.T) {
	var l LamportClock
	l.Witness(41)
	require.Equal(t, LamportTime(42), l.Time(), "witnessing 41 should set the clock to 42")

	// Witnessing an older or equal value must never move the clock backward.
	l.Witness(10)
	require.Equal(t, LamportTime(42), l.Time(), "witnessing a stale time must not move the clock backward")
	l.Witness(42)
	require.Equal(t, LamportTime(43), l.Time(), "witnessing the current time advances the clock past it")
}

func TestLamportClock_NeverDecreases(t *testing.T) {
	var l LamportClock
	for i := 0; i < 100; i++ {
		l.Increment()
	}
	before := l.Time()
	l.Witness(5)
	require.GreaterOrEqual(t, uint64(l.Time()), uint64(before), "clock must never decrease")
}
