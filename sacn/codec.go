package sacn

import (
	"encoding/binary"
)

// ProtocolVersion selects between the ratified ANSI E1.31 framing and the
// earlier pre-ratification draft framing. Both are accepted inbound; a
// sender picks one outbound (spec.md §4.1, §6).
type ProtocolVersion int

const (
	ProtocolRatified ProtocolVersion = iota
	ProtocolDraft
)

// Wire layout constants for the ratified framing. Offsets are from the
// start of the UDP payload.
const (
	acnPacketIdentifier = "ASC-E1.17\x00\x00\x00"

	rootVectorRatified = 0x00000004 // VECTOR_ROOT_E131_DATA
	rootVectorDraft    = 0x00000001 // engine-internal marker distinguishing the draft framing

	framingVectorRatified = 0x00000002 // VECTOR_E131_DATA_PACKET
	framingVectorDraft    = 0x00000003

	dmpVector      = 0x02 // VECTOR_DMP_SET_PROPERTY
	dmpAddrAndType = 0xa1

	optionPreview     = 0x80
	optionTerminated  = 0x40
	optionForceSync   = 0x20

	ratifiedSourceNameSize = 64
	draftSourceNameSize    = 32

	// Ratified offsets.
	offRatifiedRootFlagsLen = 16
	offRatifiedRootVector   = 18
	offRatifiedCID          = 22
	offRatifiedFrameFlagsLen = 38
	offRatifiedFrameVector   = 40
	offRatifiedSourceName    = 44
	offRatifiedPriority      = 108
	offRatifiedSyncAddress   = 109
	offRatifiedSequence      = 111
	offRatifiedOptions       = 112
	offRatifiedUniverse      = 113
	offRatifiedDMPFlagsLen   = 115
	offRatifiedDMPVector     = 117
	offRatifiedAddrType      = 118
	offRatifiedFirstPropAddr = 119
	offRatifiedAddrIncrement = 121
	offRatifiedPropValueCnt  = 123
	offRatifiedPropValues    = 125

	ratifiedHeaderSize = offRatifiedPropValues // 125

	// Draft offsets: no synchronization-address field, 32-byte name.
	offDraftRootFlagsLen  = 16
	offDraftRootVector    = 18
	offDraftCID           = 22
	offDraftFrameFlagsLen = 38
	offDraftFrameVector   = 40
	offDraftSourceName    = 44
	offDraftPriority      = 76
	offDraftSequence      = 77
	offDraftOptions       = 78
	offDraftUniverse      = 79
	offDraftDMPFlagsLen   = 81
	offDraftDMPVector     = 83
	offDraftAddrType      = 84
	offDraftFirstPropAddr = 85
	offDraftAddrIncrement = 87
	offDraftPropValueCnt  = 89
	offDraftPropValues    = 91

	draftHeaderSize = offDraftPropValues // 91

	// MinSlots/MaxSlots bound the DMX payload (start code + up to 512
	// data bytes), per spec.md §6.
	MinSlots = 1
	MaxSlots = 513
)

// Header is the decoded form of an E1.31 packet's root/framing/DMP layers,
// independent of protocol variant.
type Header struct {
	Version      ProtocolVersion
	CID          CID
	SourceName   string
	Priority     byte
	SyncAddress  uint16 // 0 = not synchronized; the Open Question in spec.md §9 is parsed but not acted on
	Sequence     byte
	Preview      bool
	Terminated   bool
	ForceSync    bool
	Universe     uint16
	SlotCount    uint16 // includes the start code
	StartCode    byte
	Slots        []byte // length SlotCount-1, excludes the start code
}

func headerSize(v ProtocolVersion) int {
	if v == ProtocolDraft {
		return draftHeaderSize
	}
	return ratifiedHeaderSize
}

// ParsePacket validates and decodes a raw UDP payload per spec.md §4.1.
// expectedUniverse, when non-zero, causes a framing-universe mismatch to be
// reported as KindWrongUniverse rather than silently accepted (the
// datagram is still decodable so a sibling listener can consume it via
// cross-universe unicast dispatch).
func ParsePacket(data []byte, expectedUniverse uint16) (*Header, error) {
	if len(data) < 40 || string(data[4:16]) != acnPacketIdentifier {
		return nil, newError(KindMalformedPacket, nil, "missing ACN packet identifier")
	}

	rootVector := binary.BigEndian.Uint32(data[18:22])

	var version ProtocolVersion
	switch rootVector {
	case rootVectorRatified:
		version = ProtocolRatified
	case rootVectorDraft:
		version = ProtocolDraft
	default:
		return nil, newError(KindUnsupportedVersion, nil, "unrecognized root vector")
	}

	hs := headerSize(version)
	if len(data) < hs+MinSlots {
		return nil, newError(KindMalformedPacket, nil, "packet shorter than minimum header+slot size")
	}
	if len(data) > hs+MaxSlots {
		return nil, newError(KindMalformedPacket, nil, "packet longer than maximum header+slot size")
	}

	h := &Header{Version: version}
	copy(h.CID[:], data[offsetCID(version):offsetCID(version)+16])

	var nameOff, nameSize, prioOff, seqOff, optOff, univOff int
	var dmpVecOff, addrTypeOff, propCntOff int

	if version == ProtocolDraft {
		if binary.BigEndian.Uint32(data[offDraftFrameVector:offDraftFrameVector+4]) != framingVectorDraft {
			return nil, newError(KindUnsupportedVersion, nil, "unrecognized draft framing vector")
		}
		nameOff, nameSize = offDraftSourceName, draftSourceNameSize
		prioOff, seqOff, optOff, univOff = offDraftPriority, offDraftSequence, offDraftOptions, offDraftUniverse
		dmpVecOff, addrTypeOff, propCntOff = offDraftDMPVector, offDraftAddrType, offDraftPropValueCnt
	} else {
		if binary.BigEndian.Uint32(data[offRatifiedFrameVector:offRatifiedFrameVector+4]) != framingVectorRatified {
			return nil, newError(KindUnsupportedVersion, nil, "unrecognized ratified framing vector")
		}
		nameOff, nameSize = offRatifiedSourceName, ratifiedSourceNameSize
		prioOff, seqOff, optOff, univOff = offRatifiedPriority, offRatifiedSequence, offRatifiedOptions, offRatifiedUniverse
		dmpVecOff, addrTypeOff, propCntOff = offRatifiedDMPVector, offRatifiedAddrType, offRatifiedPropValueCnt
		h.SyncAddress = binary.BigEndian.Uint16(data[offRatifiedSyncAddress : offRatifiedSyncAddress+2])
	}

	if data[dmpVecOff] != dmpVector {
		return nil, newError(KindMalformedPacket, nil, "unrecognized DMP vector")
	}
	if data[addrTypeOff] != dmpAddrAndType {
		return nil, newError(KindMalformedPacket, nil, "unrecognized DMP address/type field")
	}

	h.SourceName = decodeSourceName(data[nameOff : nameOff+nameSize])
	h.Priority = data[prioOff]
	h.Sequence = data[seqOff]
	opts := data[optOff]
	h.Preview = opts&optionPreview != 0
	h.Terminated = opts&optionTerminated != 0
	h.ForceSync = opts&optionForceSync != 0
	h.Universe = binary.BigEndian.Uint16(data[univOff : univOff+2])

	propCount := binary.BigEndian.Uint16(data[propCntOff : propCntOff+2])
	if int(propCount) != len(data)-hs {
		return nil, newError(KindMalformedPacket, nil, "property value count does not match payload length")
	}
	h.SlotCount = propCount
	h.StartCode = data[hs]
	h.Slots = data[hs+1:]

	if expectedUniverse != 0 && h.Universe != expectedUniverse {
		return nil, newError(KindWrongUniverse, nil, "framing universe does not match socket universe")
	}

	return h, nil
}

func offsetCID(v ProtocolVersion) int {
	if v == ProtocolDraft {
		return offDraftCID
	}
	return offRatifiedCID
}

func decodeSourceName(raw []byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// EncodedPacket is a mutable, pre-allocated wire buffer for one sending
// universe. The header is written once at creation (NewEncodedPacket);
// subsequent emits mutate only the sequence, priority, name, options, and
// slot-payload fields in place, per spec.md §4.1.
type EncodedPacket struct {
	version  ProtocolVersion
	buf      []byte
	slotsOff int
}

// NewEncodedPacket allocates a packet buffer for slotCount slots (including
// the start code) and writes the fixed header fields once.
func NewEncodedPacket(version ProtocolVersion, cid CID, sourceName string, priority byte, universe uint16, startCode byte, slotCount int) (*EncodedPacket, error) {
	if universe == 0 {
		return nil, newError(KindUniverseZeroRejected, nil, "universe 0 is invalid")
	}
	if slotCount < MinSlots || slotCount > MaxSlots {
		return nil, newError(KindSlotRangeOutOfBounds, nil, "slot count out of range")
	}

	hs := headerSize(version)
	buf := make([]byte, hs+slotCount)

	binary.BigEndian.PutUint16(buf[0:2], 0x0010)
	binary.BigEndian.PutUint16(buf[2:4], 0x0000)
	copy(buf[4:16], acnPacketIdentifier)

	flagsLen := func(length int) uint16 { return 0x7000 | uint16(length&0x0fff) }

	rootLen := len(buf) - 16 // from root flags/len field to end
	binary.BigEndian.PutUint16(buf[offsetFlagsLenRoot(version):offsetFlagsLenRoot(version)+2], flagsLen(rootLen))

	var rootVec uint32 = rootVectorRatified
	if version == ProtocolDraft {
		rootVec = rootVectorDraft
	}
	binary.BigEndian.PutUint32(buf[offsetRootVector(version):offsetRootVector(version)+4], rootVec)
	copy(buf[offsetCID(version):offsetCID(version)+16], cid[:])

	p := &EncodedPacket{version: version, buf: buf}
	p.writeFramingAndDMP(sourceName, priority, universe, startCode, slotCount)
	p.slotsOff = hs + 1

	return p, nil
}

func offsetFlagsLenRoot(v ProtocolVersion) int {
	if v == ProtocolDraft {
		return offDraftRootFlagsLen
	}
	return offRatifiedRootFlagsLen
}

func offsetRootVector(v ProtocolVersion) int {
	if v == ProtocolDraft {
		return offDraftRootVector
	}
	return offRatifiedRootVector
}

func (p *EncodedPacket) writeFramingAndDMP(sourceName string, priority byte, universe uint16, startCode byte, slotCount int) {
	buf := p.buf
	hs := headerSize(p.version)

	var frameFlagsLenOff, frameVecOff, nameOff, nameSize, prioOff, seqOff, optOff, univOff int
	var dmpFlagsLenOff, dmpVecOff, addrTypeOff, firstPropOff, addrIncOff, propCntOff int
	var frameVec uint32

	if p.version == ProtocolDraft {
		frameFlagsLenOff, frameVecOff = offDraftFrameFlagsLen, offDraftFrameVector
		nameOff, nameSize = offDraftSourceName, draftSourceNameSize
		prioOff, seqOff, optOff, univOff = offDraftPriority, offDraftSequence, offDraftOptions, offDraftUniverse
		dmpFlagsLenOff, dmpVecOff, addrTypeOff = offDraftDMPFlagsLen, offDraftDMPVector, offDraftAddrType
		firstPropOff, addrIncOff, propCntOff = offDraftFirstPropAddr, offDraftAddrIncrement, offDraftPropValueCnt
		frameVec = framingVectorDraft
	} else {
		frameFlagsLenOff, frameVecOff = offRatifiedFrameFlagsLen, offRatifiedFrameVector
		nameOff, nameSize = offRatifiedSourceName, ratifiedSourceNameSize
		prioOff, seqOff, optOff, univOff = offRatifiedPriority, offRatifiedSequence, offRatifiedOptions, offRatifiedUniverse
		dmpFlagsLenOff, dmpVecOff, addrTypeOff = offRatifiedDMPFlagsLen, offRatifiedDMPVector, offRatifiedAddrType
		firstPropOff, addrIncOff, propCntOff = offRatifiedFirstPropAddr, offRatifiedAddrIncrement, offRatifiedPropValueCnt
		frameVec = framingVectorRatified
	}

	flagsLen := func(length int) uint16 { return 0x7000 | uint16(length&0x0fff) }

	frameLen := len(buf) - frameFlagsLenOff
	binary.BigEndian.PutUint16(buf[frameFlagsLenOff:frameFlagsLenOff+2], flagsLen(frameLen))
	binary.BigEndian.PutUint32(buf[frameVecOff:frameVecOff+4], frameVec)
	writeSourceName(buf[nameOff:nameOff+nameSize], sourceName)
	buf[prioOff] = priority
	if p.version == ProtocolRatified {
		binary.BigEndian.PutUint16(buf[offRatifiedSyncAddress:offRatifiedSyncAddress+2], 0)
	}
	buf[seqOff] = 0
	buf[optOff] = 0
	binary.BigEndian.PutUint16(buf[univOff:univOff+2], universe)

	dmpLen := len(buf) - dmpFlagsLenOff
	binary.BigEndian.PutUint16(buf[dmpFlagsLenOff:dmpFlagsLenOff+2], flagsLen(dmpLen))
	buf[dmpVecOff] = dmpVector
	buf[addrTypeOff] = dmpAddrAndType
	binary.BigEndian.PutUint16(buf[firstPropOff:firstPropOff+2], 0)
	binary.BigEndian.PutUint16(buf[addrIncOff:addrIncOff+2], 1)
	binary.BigEndian.PutUint16(buf[propCntOff:propCntOff+2], uint16(slotCount))

	buf[hs] = startCode
}

// Bytes returns the current wire representation. The slice aliases the
// packet's internal buffer and must not be retained past the next mutation.
func (p *EncodedPacket) Bytes() []byte { return p.buf }

// Slots returns the mutable slot payload (excluding the start code).
func (p *EncodedPacket) Slots() []byte { return p.buf[p.slotsOff:] }

func (p *EncodedPacket) priorityOffset() int {
	if p.version == ProtocolDraft {
		return offDraftPriority
	}
	return offRatifiedPriority
}

func (p *EncodedPacket) sequenceOffset() int {
	if p.version == ProtocolDraft {
		return offDraftSequence
	}
	return offRatifiedSequence
}

func (p *EncodedPacket) optionsOffset() int {
	if p.version == ProtocolDraft {
		return offDraftOptions
	}
	return offRatifiedOptions
}

func (p *EncodedPacket) nameOffsetAndSize() (int, int) {
	if p.version == ProtocolDraft {
		return offDraftSourceName, draftSourceNameSize
	}
	return offRatifiedSourceName, ratifiedSourceNameSize
}

// SetSequence stamps the sequence number field in place.
func (p *EncodedPacket) SetSequence(seq byte) { p.buf[p.sequenceOffset()] = seq }

// SetPriority stamps the per-source priority field in place.
func (p *EncodedPacket) SetPriority(priority byte) { p.buf[p.priorityOffset()] = priority }

// SetName stamps the source-name field in place.
func (p *EncodedPacket) SetName(name string) {
	off, size := p.nameOffsetAndSize()
	writeSourceName(p.buf[off:off+size], name)
}

// SetOptions stamps the preview/terminated/force-sync options byte.
func (p *EncodedPacket) SetOptions(preview, terminated, forceSync bool) {
	var opts byte
	if preview {
		opts |= optionPreview
	}
	if terminated {
		opts |= optionTerminated
	}
	if forceSync {
		opts |= optionForceSync
	}
	p.buf[p.optionsOffset()] = opts
}

// Terminated reports whether the stream-terminated option bit is set.
func (p *EncodedPacket) Terminated() bool {
	return p.buf[p.optionsOffset()]&optionTerminated != 0
}

func writeSourceName(dst []byte, name string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, truncateUTF8(name, len(dst)))
}

// truncateUTF8 truncates s to at most maxBytes bytes without splitting a
// multi-byte rune, matching the ≤64-byte UTF-8 source-name constraint in
// spec.md §3.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	n := maxBytes
	for n > 0 && (s[n]&0xc0) == 0x80 {
		n--
	}
	return s[:n]
}

// MulticastAddr computes the IPv4 multicast group for a universe: spec.md
// §6, 239.255.{high byte}.{low byte} with the universe encoded big-endian.
// This is the one pure-function utility spec.md §1 delegates out of scope;
// it is implemented here because the engine must compute it internally to
// join/send on the right group (grounded in Tuhis-sacn-monitor's
// multicastAddressForUniverse and the teacher's calcMulticastAddr).
func MulticastAddr(universe uint16) [4]byte {
	return [4]byte{239, 255, byte(universe >> 8), byte(universe)}
}
