package sacn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTripRatified(t *testing.T) {
	cid := NewCID()
	p, err := NewEncodedPacket(ProtocolRatified, cid, "Console 1", 100, 1, 0x00, 513)
	require.NoError(t, err)
	p.SetSequence(5)
	copy(p.Slots(), []byte{10, 20, 30})

	h, err := ParsePacket(p.Bytes(), 1)
	require.NoError(t, err)
	require.Equal(t, cid, h.CID)
	require.Equal(t, "Console 1", h.SourceName)
	require.Equal(t, byte(100), h.Priority)
	require.Equal(t, byte(5), h.Sequence)
	require.Equal(t, uint16(1), h.Universe)
	require.Equal(t, byte(0x00), h.StartCode)
	require.Equal(t, byte(10), h.Slots[0])
	require.Equal(t, byte(20), h.Slots[1])
	require.Equal(t, byte(30), h.Slots[2])
	require.False(t, h.Terminated)
}

func TestEncodeParseRoundTripDraft(t *testing.T) {
	cid := NewCID()
	p, err := NewEncodedPacket(ProtocolDraft, cid, "Old Desk", 50, 7, 0x00, 4)
	require.NoError(t, err)
	p.SetSequence(1)
	copy(p.Slots(), []byte{1, 2, 3})

	h, err := ParsePacket(p.Bytes(), 7)
	require.NoError(t, err)
	require.Equal(t, ProtocolDraft, h.Version)
	require.Equal(t, "Old Desk", h.SourceName)
	require.Equal(t, uint16(7), h.Universe)
	require.Equal(t, uint16(0), h.SyncAddress)
}

func TestParsePacketWrongUniverse(t *testing.T) {
	p, err := NewEncodedPacket(ProtocolRatified, NewCID(), "x", 1, 3, 0x00, 2)
	require.NoError(t, err)

	_, err = ParsePacket(p.Bytes(), 9)
	require.Error(t, err)
	require.True(t, IsKind(err, KindWrongUniverse))
}

func TestParsePacketMalformed(t *testing.T) {
	_, err := ParsePacket([]byte{1, 2, 3}, 0)
	require.Error(t, err)
	require.True(t, IsKind(err, KindMalformedPacket))
}

func TestParsePacketTruncatedSlots(t *testing.T) {
	p, err := NewEncodedPacket(ProtocolRatified, NewCID(), "x", 1, 3, 0x00, 10)
	require.NoError(t, err)
	truncated := p.Bytes()[:len(p.Bytes())-5]

	_, err = ParsePacket(truncated, 3)
	require.Error(t, err)
	require.True(t, IsKind(err, KindMalformedPacket))
}

func TestTerminatedOptionBit(t *testing.T) {
	p, err := NewEncodedPacket(ProtocolRatified, NewCID(), "x", 1, 1, 0x00, 2)
	require.NoError(t, err)
	require.False(t, p.Terminated())
	p.SetOptions(false, true, false)
	require.True(t, p.Terminated())

	h, err := ParsePacket(p.Bytes(), 1)
	require.NoError(t, err)
	require.True(t, h.Terminated)
}

func TestMulticastAddr(t *testing.T) {
	require.Equal(t, [4]byte{239, 255, 0, 1}, MulticastAddr(1))
	require.Equal(t, [4]byte{239, 255, 1, 44}, MulticastAddr(300))
}

func TestSourceNameTruncation(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	p, err := NewEncodedPacket(ProtocolRatified, NewCID(), long, 1, 1, 0x00, 2)
	require.NoError(t, err)
	h, err := ParsePacket(p.Bytes(), 1)
	require.NoError(t, err)
	require.Len(t, h.SourceName, 64)
}
