package sacn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, clock Clock) *Scheduler {
	t.Helper()
	s, err := NewSchedulerWithClock(NetworkConfig{}, clock)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerCreateUniverseRejectsZero(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)

	_, _, err := s.createUniverse(createUniverseConfig{cid: NewCID(), universe: 0, version: ProtocolRatified})
	require.Error(t, err)
	require.True(t, IsKind(err, KindUniverseZeroRejected))
}

func TestSchedulerSequenceSharedAcrossStartCodes(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	cid := NewCID()

	h1, _, err := s.createUniverse(createUniverseConfig{cid: cid, universe: 20, startCode: 0x00, version: ProtocolRatified})
	require.NoError(t, err)
	h2, _, err := s.createUniverse(createUniverseConfig{cid: cid, universe: 20, startCode: 0xDD, version: ProtocolRatified})
	require.NoError(t, err)

	require.NoError(t, s.MarkDirty(h1))
	require.NoError(t, s.MarkDirty(h2))

	clock.Advance(schedulerTick)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		u1 := s.universes[h1.index]
		u2 := s.universes[h2.index]
		return u1 != nil && u2 != nil && !u1.dirty && !u2.dirty
	}, time.Second, time.Millisecond)

	s.mu.Lock()
	ref := s.seq[cidAndUniverse{cid: cid, universe: 20}]
	s.mu.Unlock()
	require.NotNil(t, ref)
	require.Equal(t, 2, ref.refs)
	require.Equal(t, byte(2), ref.value)
}

func TestSchedulerInvalidHandleAfterDestroy(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)

	h, _, err := s.createUniverse(createUniverseConfig{cid: NewCID(), universe: 21, version: ProtocolRatified})
	require.NoError(t, err)
	require.NoError(t, s.DestroyUniverse(h))

	err = s.MarkDirty(h)
	require.Error(t, err)
	require.True(t, IsKind(err, KindInvalidHandle))
}

func TestSchedulerTerminationFreesSlotAfterThreeFrames(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)

	h, _, err := s.createUniverse(createUniverseConfig{cid: NewCID(), universe: 22, version: ProtocolRatified})
	require.NoError(t, err)
	require.NoError(t, s.MarkDirty(h))
	require.NoError(t, s.Terminate(h))

	for i := 0; i < terminateFrames+1; i++ {
		clock.Advance(schedulerTick)
	}

	require.Eventually(t, func() bool {
		return s.MarkDirty(h) != nil
	}, time.Second, time.Millisecond)
}

func TestSchedulerHandleReuseBumpsGeneration(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)

	h1, _, err := s.createUniverse(createUniverseConfig{cid: NewCID(), universe: 23, version: ProtocolRatified})
	require.NoError(t, err)
	require.NoError(t, s.DestroyUniverse(h1))

	h2, _, err := s.createUniverse(createUniverseConfig{cid: NewCID(), universe: 24, version: ProtocolRatified})
	require.NoError(t, err)

	require.Equal(t, h1.index, h2.index)
	require.NotEqual(t, h1.generation, h2.generation)
	require.Error(t, s.MarkDirty(h1))
	require.NoError(t, s.MarkDirty(h2))
}
