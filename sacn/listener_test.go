package sacn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T, universe uint16, clock Clock) *Listener {
	t.Helper()
	l, err := newListener(NetworkConfig{}, universe, clock)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func samplePacket(t *testing.T, cid CID, universe uint16, seq byte, priority byte, levels []byte) *Header {
	t.Helper()
	p, err := NewEncodedPacket(ProtocolRatified, cid, "Test Source", priority, universe, 0x00, 513)
	require.NoError(t, err)
	p.SetSequence(seq)
	copy(p.Slots(), levels)
	h, err := ParsePacket(p.Bytes(), universe)
	require.NoError(t, err)
	return h
}

func TestListenerTracksNewSource(t *testing.T) {
	clock := NewFakeClock(time.Now())
	l := newTestListener(t, 1, clock)
	sub := l.Subscribe()

	cid := NewCID()
	l.inbound <- inboundPacket{header: samplePacket(t, cid, 1, 1, 100, []byte{42})}

	require.Eventually(t, func() bool {
		select {
		case ev := <-sub.Events():
			_, ok := ev.(SourceFound)
			return ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestListenerSamplingTransitionsToOnline(t *testing.T) {
	clock := NewFakeClock(time.Now())
	l := newTestListener(t, 2, clock)

	cid := NewCID()
	l.inbound <- inboundPacket{header: samplePacket(t, cid, 2, 1, 100, []byte{10})}

	require.Eventually(t, func() bool {
		return l.SourceCount() == 1
	}, time.Second, time.Millisecond)

	clock.Advance(SamplingWindow)

	require.Eventually(t, func() bool {
		s := l.Source(0)
		return s != nil && s.State() == StateOnline
	}, time.Second, time.Millisecond)
}

func TestListenerTerminationRemovesSource(t *testing.T) {
	clock := NewFakeClock(time.Now())
	l := newTestListener(t, 3, clock)
	cid := NewCID()

	l.inbound <- inboundPacket{header: samplePacket(t, cid, 3, 1, 100, []byte{1})}
	require.Eventually(t, func() bool { return l.SourceCount() == 1 }, time.Second, time.Millisecond)

	p, err := NewEncodedPacket(ProtocolRatified, cid, "Test Source", 100, 3, 0x00, 2)
	require.NoError(t, err)
	p.SetSequence(2)
	p.SetOptions(false, true, false)
	h, err := ParsePacket(p.Bytes(), 3)
	require.NoError(t, err)

	l.inbound <- inboundPacket{header: h}
	require.Eventually(t, func() bool { return l.SourceCount() == 0 }, time.Second, time.Millisecond)
}

func TestListenerExpiresStaleSources(t *testing.T) {
	clock := NewFakeClock(time.Now())
	l := newTestListener(t, 4, clock)
	cid := NewCID()

	l.inbound <- inboundPacket{header: samplePacket(t, cid, 4, 1, 100, []byte{1})}
	require.Eventually(t, func() bool { return l.SourceCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(SourceLossWindow + MergeCadence)

	require.Eventually(t, func() bool { return l.SourceCount() == 0 }, time.Second, time.Millisecond)
}

func TestListenerMonitorAddressRejectsOutOfRange(t *testing.T) {
	clock := NewFakeClock(time.Now())
	l := newTestListener(t, 5, clock)
	require.Error(t, l.MonitorAddress(-1))
	require.Error(t, l.MonitorAddress(512))
	require.NoError(t, l.MonitorAddress(0))
}
