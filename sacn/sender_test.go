package sacn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSenderStartStopLifecycle(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	sender, err := s.NewSender(SenderConfig{CID: NewCID(), Universe: 30, Name: "Desk", Priority: 100})
	require.NoError(t, err)

	require.NoError(t, sender.StartSending(false))
	require.NoError(t, sender.SetLevel(1, 255))
	require.NoError(t, sender.StopSending())

	// a fresh StartSending after StopSending allocates a new handle.
	require.NoError(t, sender.StartSending(false))
}

func TestSenderSetLevelRejectsOutOfRange(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	sender, err := s.NewSender(SenderConfig{CID: NewCID(), Universe: 31})
	require.NoError(t, err)
	require.NoError(t, sender.StartSending(false))

	require.Error(t, sender.SetLevel(0, 1))
	require.Error(t, sender.SetLevel(513, 1))
	require.NoError(t, sender.SetLevel(512, 1))
}

func TestSenderPerAddressPriorityRequiresMode(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	sender, err := s.NewSender(SenderConfig{CID: NewCID(), Universe: 32})
	require.NoError(t, err)
	require.NoError(t, sender.StartSending(false))

	var priorities [512]byte
	priorities[0], priorities[1] = 100, 100
	require.Error(t, sender.SetPerChannelPriorities(priorities))

	require.NoError(t, sender.SetPriorityMode(PriorityModePerAddress))
	require.NoError(t, sender.SetPerChannelPriorities(priorities))
}

func TestSenderVerticalAndHorizontalBars(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	sender, err := s.NewSender(SenderConfig{CID: NewCID(), Universe: 33})
	require.NoError(t, err)
	require.NoError(t, sender.StartSending(false))

	require.NoError(t, sender.SetVerticalBar(3, 200))
	slots, err := s.slots(sender.handle)
	require.NoError(t, err)
	for row := 0; row < 16; row++ {
		require.Equal(t, byte(200), slots[row*32+3])
	}

	require.NoError(t, sender.SetHorizontalBar(2, 150))
	slots, err = s.slots(sender.handle)
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		require.Equal(t, byte(150), slots[2*32+i])
	}

	require.Error(t, sender.SetVerticalBar(32, 1))
	require.Error(t, sender.SetHorizontalBar(16, 1))
}

func TestSenderExpiredLifetime(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	sender, err := s.NewSender(SenderConfig{CID: NewCID(), Universe: 34, Lifetime: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, sender.StartSending(false))

	require.False(t, sender.Expired(clock.Now()))
	clock.Advance(5 * time.Second)
	require.True(t, sender.Expired(clock.Now()))
}

func TestSenderRejectsProtocolVersionChangeWhileSending(t *testing.T) {
	clock := NewFakeClock(time.Now())
	s := newTestScheduler(t, clock)
	sender, err := s.NewSender(SenderConfig{CID: NewCID(), Universe: 35})
	require.NoError(t, err)
	require.NoError(t, sender.StartSending(false))

	require.Error(t, sender.SetProtocolVersion(ProtocolDraft))
}
