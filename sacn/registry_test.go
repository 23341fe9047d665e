package sacn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryDeduplicatesListeners(t *testing.T) {
	r := NewListenerRegistryWithClock(NetworkConfig{}, NewFakeClock(time.Now()))
	t.Cleanup(r.Close)

	l1, err := r.Get(10)
	require.NoError(t, err)
	l2, err := r.Get(10)
	require.NoError(t, err)
	require.Same(t, l1, l2)
}

func TestRegistryRejectsUniverseZero(t *testing.T) {
	r := NewListenerRegistryWithClock(NetworkConfig{}, NewFakeClock(time.Now()))
	t.Cleanup(r.Close)

	_, err := r.Get(0)
	require.Error(t, err)
	require.True(t, IsKind(err, KindUniverseZeroRejected))
}

func TestRegistryReleaseTearsDownAtZeroRefs(t *testing.T) {
	r := NewListenerRegistryWithClock(NetworkConfig{}, NewFakeClock(time.Now()))
	t.Cleanup(r.Close)

	l, err := r.Get(11)
	require.NoError(t, err)
	l2, err := r.Get(11)
	require.NoError(t, err)

	r.Release(l)
	// still referenced once; second Get call for the same universe returns
	// the same still-live listener.
	l3, err := r.Get(11)
	require.NoError(t, err)
	require.Same(t, l2, l3)

	r.Release(l2)
	r.Release(l3)

	// refs reached zero: the next Get builds a fresh listener.
	l4, err := r.Get(11)
	require.NoError(t, err)
	require.NotSame(t, l3, l4)
}
