package sacn

import (
	"net"
	"time"
)

// SenderConfig configures a new sending universe (spec.md §6.1).
type SenderConfig struct {
	CID          CID
	Name         string
	Universe     uint16
	Priority     byte
	Version      ProtocolVersion
	SendInterval time.Duration // 0 -> defaultSendInterval (850ms keep-alive)
	Unicast      *net.UDPAddr  // nil -> multicast
	Lifetime     time.Duration // 0 -> no wall-clock timeout (spec.md §3.1)
}

// Sender is the consumer-facing handle for one CID's transmission of a
// single universe (spec.md §6.1's SendingUniverse), wrapping a Scheduler
// handle with the original sACNSentUniverse convenience API (grounded in
// original_source/sacn/sacnsender.cpp). It owns a second scheduler handle
// for the 0xDD per-address-priority stream when PriorityModePerAddress is
// selected.
type Sender struct {
	scheduler *Scheduler
	clock     Clock
	cfg       SenderConfig

	handle     Handle
	started    bool
	mode       PriorityMode
	priHandle  Handle
	priStarted bool

	lifetime time.Duration
	deadline time.Time
}

// NewSender allocates a Sender bound to cfg.CID and cfg.Universe against
// the scheduler. The universe is not transmitted until StartSending is
// called (spec.md §6.1).
func (s *Scheduler) NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Universe == 0 {
		return nil, newError(KindUniverseZeroRejected, nil, "universe 0 is invalid")
	}
	return &Sender{
		scheduler: s,
		clock:     s.clock,
		cfg:       cfg,
		mode:      PriorityModePerSource,
		lifetime:  cfg.Lifetime,
	}, nil
}

func (s *Sender) baseConfig(startCode byte) createUniverseConfig {
	return createUniverseConfig{
		cid:          s.cfg.CID,
		name:         s.cfg.Name,
		priority:     s.cfg.Priority,
		universe:     s.cfg.Universe,
		startCode:    startCode,
		version:      s.cfg.Version,
		unicast:      s.cfg.Unicast,
		sendInterval: s.cfg.SendInterval,
	}
}

// StartSending allocates the scheduler slot(s) for this universe and marks
// them dirty so the first frame goes out on the next tick (spec.md §4.5's
// CreateUniverse followed by an initial SetUniverseDirty).
func (s *Sender) StartSending(preview bool) error {
	if s.started {
		return newError(KindInvalidHandle, nil, "sender already started")
	}

	cfg := s.baseConfig(0x00)
	cfg.preview = preview
	h, _, err := s.scheduler.createUniverse(cfg)
	if err != nil {
		return err
	}
	s.handle = h
	s.started = true
	if s.lifetime > 0 {
		s.deadline = s.clock.Now().Add(s.lifetime)
	}
	if err := s.scheduler.MarkDirty(s.handle); err != nil {
		return err
	}
	if s.mode == PriorityModePerAddress {
		pcfg := s.baseConfig(0xDD)
		pcfg.name = ""
		pcfg.priority = 0
		ph, _, err := s.scheduler.createUniverse(pcfg)
		if err != nil {
			return err
		}
		s.priHandle = ph
		s.priStarted = true
		return s.scheduler.MarkDirty(s.priHandle)
	}
	return nil
}

// StopSending sets the stream-terminated option bit and lets the scheduler
// emit the three-frame termination handshake (spec.md §4.5) before the
// slot is freed; a subsequent StartSending allocates a fresh handle.
func (s *Sender) StopSending() error {
	if !s.started {
		return nil
	}
	if err := s.scheduler.Terminate(s.handle); err != nil {
		return err
	}
	if s.priStarted {
		if err := s.scheduler.Terminate(s.priHandle); err != nil {
			return err
		}
	}
	s.started = false
	s.priStarted = false
	return nil
}

// SetPriorityMode switches between per-source-only priority and an
// additional per-address-priority (0xDD) stream, using the sender's
// configured protocol version for the second stream. Switching to
// PriorityModePerAddress while already sending allocates the second
// scheduler slot; switching back terminates it.
func (s *Sender) SetPriorityMode(mode PriorityMode) error {
	if mode == s.mode {
		return nil
	}
	s.mode = mode

	if !s.started {
		return nil
	}

	if mode == PriorityModePerAddress {
		cfg := s.baseConfig(0xDD)
		cfg.name = ""
		cfg.priority = 0
		h, _, err := s.scheduler.createUniverse(cfg)
		if err != nil {
			s.mode = PriorityModePerSource
			return err
		}
		s.priHandle = h
		s.priStarted = true
		return s.scheduler.MarkDirty(s.priHandle)
	}

	if s.priStarted {
		if err := s.scheduler.Terminate(s.priHandle); err != nil {
			return err
		}
		s.priStarted = false
	}
	return nil
}

// SetProtocolVersion changes the wire framing used for frames sent after
// the next StartSending. It has no effect on an already-allocated
// scheduler slot (the header layout is fixed at allocation time).
func (s *Sender) SetProtocolVersion(v ProtocolVersion) error {
	if s.started {
		return newError(KindInvalidHandle, nil, "cannot change protocol version while sending")
	}
	s.cfg.Version = v
	return nil
}

// SetUnicastAddress changes the destination used by the next StartSending.
// Has no effect on an already-allocated scheduler slot.
func (s *Sender) SetUnicastAddress(addr *net.UDPAddr) error {
	if s.started {
		return newError(KindInvalidHandle, nil, "cannot change destination while sending")
	}
	s.cfg.Unicast = addr
	return nil
}

// SetLevel stamps a single DMX slot (1..512) and marks the universe dirty.
func (s *Sender) SetLevel(slot int, value byte) error {
	if slot < 1 || slot > 512 {
		return newError(KindSlotRangeOutOfBounds, nil, "level slot out of range")
	}
	slots, err := s.scheduler.slots(s.handle)
	if err != nil {
		return err
	}
	slots[slot-1] = value
	return s.scheduler.MarkDirty(s.handle)
}

// SetLevelRange fills slots [start, end] (1-based, inclusive) with value.
func (s *Sender) SetLevelRange(start, end int, value byte) error {
	if start < 1 || end > 512 || start > end {
		return newError(KindSlotRangeOutOfBounds, nil, "level range out of bounds")
	}
	slots, err := s.scheduler.slots(s.handle)
	if err != nil {
		return err
	}
	for i := start; i <= end; i++ {
		slots[i-1] = value
	}
	return s.scheduler.MarkDirty(s.handle)
}

// SetLevels copies data into the slot buffer starting at the 1-based
// offset start.
func (s *Sender) SetLevels(data []byte, start int) error {
	if start < 1 || start-1+len(data) > 512 {
		return newError(KindSlotRangeOutOfBounds, nil, "level buffer out of bounds")
	}
	slots, err := s.scheduler.slots(s.handle)
	if err != nil {
		return err
	}
	copy(slots[start-1:], data)
	return s.scheduler.MarkDirty(s.handle)
}

// SetName updates the source-name field.
func (s *Sender) SetName(name string) error {
	s.cfg.Name = name
	return s.scheduler.setName(s.handle, name)
}

// SetPerSourcePriority updates the per-source priority field (1..200).
func (s *Sender) SetPerSourcePriority(p byte) error {
	s.cfg.Priority = p
	return s.scheduler.setPriority(s.handle, p)
}

// SetPerChannelPriorities replaces the full per-address-priority (0xDD)
// slot buffer. Requires PriorityModePerAddress.
func (s *Sender) SetPerChannelPriorities(p [512]byte) error {
	if s.mode != PriorityModePerAddress || !s.priStarted {
		return newError(KindInvalidHandle, nil, "per-address priority mode not active")
	}
	slots, err := s.scheduler.slots(s.priHandle)
	if err != nil {
		return err
	}
	copy(slots, p[:])
	return s.scheduler.MarkDirty(s.priHandle)
}

// SetPreviewData toggles the preview-data option bit.
func (s *Sender) SetPreviewData(preview bool) error {
	return s.scheduler.setPreview(s.handle, preview)
}

// SendNow emits the current frame immediately, bypassing the scheduler's
// dirty/interval bookkeeping (spec.md §4.3 design notes).
func (s *Sender) SendNow() error {
	if !s.started {
		return newError(KindInvalidHandle, nil, "sender not started")
	}
	return s.scheduler.SendNow(s.handle)
}

// Expired reports whether this sender's optional wall-clock lifetime has
// elapsed (grounded in sacnsender.cpp's m_checkTimeoutTimer/doTimeout).
// Callers poll this and call StopSending in response; the engine does not
// stop sending on its own and sends no notification when the lifetime ends.
func (s *Sender) Expired(now time.Time) bool {
	return s.lifetime > 0 && !now.Before(s.deadline)
}

// SetLifetime changes the wall-clock sending lifetime; zero disables it.
// Takes effect immediately against the current time.
func (s *Sender) SetLifetime(d time.Duration) {
	s.lifetime = d
	if d > 0 {
		s.deadline = s.clock.Now().Add(d)
	}
}
