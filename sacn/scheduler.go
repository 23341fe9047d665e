package sacn

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PriorityMode selects whether a sender transmits per-source priority only
// or an additional per-address-priority (start code 0xDD) stream.
type PriorityMode int

const (
	PriorityModePerSource PriorityMode = iota
	PriorityModePerAddress
)

// Handle is an opaque, generation-validated reference to a sending
// universe (spec.md §3 "Ownership": "indices with generation validation
// recommended").
type Handle struct {
	index      uint32
	generation uint32
}

func (h Handle) valid() bool { return h.generation != 0 }

const (
	defaultSendInterval = 850 * time.Millisecond
	schedulerTick       = 10 * time.Millisecond
	terminateFrames     = 3
)

type sendingUniverse struct {
	generation uint32
	active     bool

	cid       CID
	universe  uint16
	startCode byte
	packet    *EncodedPacket
	dest      *net.UDPAddr

	dirty            bool
	everDirty        bool
	ignoreInactivity bool
	inactiveCount    int
	sendInterval     time.Duration
	nextSend         time.Time
	terminateCount   int
}

// seqRef is the reference-counted (spec.md §3/§9) sequence counter shared
// by every handle on one (CID, universe) pair, regardless of start code.
type seqRef struct {
	refs  int
	value byte
}

// Scheduler is the single 10ms transmit tick across all sending universes
// (spec.md §4.5, §5.2). Its state is guarded by one mutex acquired for the
// duration of each tick and each consumer mutation.
type Scheduler struct {
	cfg   NetworkConfig
	clock Clock
	sock  *transmitSocket

	mu        sync.Mutex
	universes []*sendingUniverse
	seq       map[cidAndUniverse]*seqRef

	metrics *schedulerMetrics

	stop chan struct{}
	done chan struct{}
}

// NewScheduler binds the shared transmit socket and starts the 10ms tick
// loop. Re-expresses the original CStreamServer singleton (spec.md §9) as
// an explicit handle the application owns and can shut down.
func NewScheduler(cfg NetworkConfig) (*Scheduler, error) {
	return NewSchedulerWithClock(cfg, SystemClock)
}

// NewSchedulerWithClock is NewScheduler with an injectable Clock, used by
// tests to drive the tick deterministically.
func NewSchedulerWithClock(cfg NetworkConfig, clock Clock) (*Scheduler, error) {
	sock, err := bindTransmit(cfg)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		clock:   clock,
		sock:    sock,
		seq:     make(map[cidAndUniverse]*seqRef),
		metrics: newSchedulerMetrics(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Collector exposes the scheduler's prometheus metrics.
func (s *Scheduler) Collector() prometheus.Collector { return s.metrics }

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := s.clock.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C():
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	start := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for i, u := range s.universes {
		if u == nil || !u.active {
			continue
		}

		if u.terminateCount >= terminateFrames {
			s.freeLocked(uint32(i))
			continue
		}
		active++

		shouldSend := u.dirty || (u.everDirty && ((!u.ignoreInactivity && u.inactiveCount < terminateFrames) || !now.Before(u.nextSend)))
		if !shouldSend {
			continue
		}

		if u.dirty {
			u.inactiveCount = 0
		} else if u.inactiveCount < terminateFrames {
			u.inactiveCount++
		}

		seq := s.nextSequenceLocked(u.cid, u.universe)
		u.packet.SetSequence(seq)

		if err := s.sock.sendTo(u.packet.Bytes(), u.dest); err != nil {
			s.metrics.sendErrors.Inc()
		} else if u.packet.Terminated() {
			u.terminateCount++
		}

		u.dirty = false
		u.nextSend = now.Add(u.sendInterval)
	}

	s.metrics.universesActive.Set(float64(active))
	s.metrics.tickDuration.Observe(s.clock.Now().Sub(start).Seconds())
}

func (s *Scheduler) nextSequenceLocked(cid CID, universe uint16) byte {
	key := cidAndUniverse{cid: cid, universe: universe}
	ref, ok := s.seq[key]
	if !ok {
		ref = &seqRef{}
		s.seq[key] = ref
	}
	v := ref.value
	ref.value++
	return v
}

func (s *Scheduler) refSequenceLocked(cid CID, universe uint16) {
	key := cidAndUniverse{cid: cid, universe: universe}
	ref, ok := s.seq[key]
	if !ok {
		ref = &seqRef{}
		s.seq[key] = ref
	}
	ref.refs++
}

func (s *Scheduler) unrefSequenceLocked(cid CID, universe uint16) {
	key := cidAndUniverse{cid: cid, universe: universe}
	ref, ok := s.seq[key]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		delete(s.seq, key)
	}
}

// createUniverseConfig is the internal allocation request backing
// Sender.StartSending (spec.md §4.5's CreateUniverse).
type createUniverseConfig struct {
	cid              CID
	name             string
	priority         byte
	universe         uint16
	startCode        byte
	version          ProtocolVersion
	preview          bool
	unicast          *net.UDPAddr
	sendInterval     time.Duration
	ignoreInactivity bool
}

func (s *Scheduler) createUniverse(cfg createUniverseConfig) (Handle, []byte, error) {
	if cfg.universe == 0 {
		return Handle{}, nil, newError(KindUniverseZeroRejected, nil, "universe 0 is invalid")
	}

	packet, err := NewEncodedPacket(cfg.version, cfg.cid, cfg.name, cfg.priority, cfg.universe, cfg.startCode, 513)
	if err != nil {
		return Handle{}, nil, err
	}
	packet.SetOptions(cfg.preview, false, false)

	dest := cfg.unicast
	if dest == nil {
		g := MulticastAddr(cfg.universe)
		dest = &net.UDPAddr{IP: net.IPv4(g[0], g[1], g[2], g[3]), Port: 5568}
	}

	interval := cfg.sendInterval
	if interval <= 0 {
		interval = defaultSendInterval
	}

	u := &sendingUniverse{
		active:           true,
		cid:              cfg.cid,
		universe:         cfg.universe,
		startCode:        cfg.startCode,
		packet:           packet,
		dest:             dest,
		ignoreInactivity: cfg.ignoreInactivity,
		sendInterval:     interval,
		nextSend:         s.clock.Now().Add(interval),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, slot := range s.universes {
		if slot == nil || !slot.active {
			idx = i
			break
		}
	}
	var generation uint32
	if idx == -1 {
		idx = len(s.universes)
		generation = 1
		s.universes = append(s.universes, u)
	} else {
		generation = s.universes[idx].generation + 1
		s.universes[idx] = u
	}
	u.generation = generation

	s.refSequenceLocked(cfg.cid, cfg.universe)

	return Handle{index: uint32(idx), generation: generation}, packet.Slots(), nil
}

func (s *Scheduler) lookupLocked(h Handle) (*sendingUniverse, error) {
	if !h.valid() || int(h.index) >= len(s.universes) {
		return nil, newError(KindInvalidHandle, nil, "handle out of range")
	}
	u := s.universes[h.index]
	if u == nil || !u.active || u.generation != h.generation {
		return nil, newError(KindInvalidHandle, nil, "stale or freed handle")
	}
	return u, nil
}

// MarkDirty flags handle's universe to emit on the next scheduler tick
// (spec.md §4.5).
func (s *Scheduler) MarkDirty(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	u.dirty = true
	u.everDirty = true
	return nil
}

// Terminate sets the stream-terminated option bit; the scheduler emits
// terminateFrames termination packets on subsequent ticks before freeing
// the universe (spec.md §4.5 "Destruction").
func (s *Scheduler) Terminate(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	u.packet.SetOptions(false, true, false)
	u.dirty = true
	u.everDirty = true
	return nil
}

// DestroyUniverse immediately frees handle's slot without running the
// termination handshake. Sender.StopSending uses Terminate instead; this
// exists for callers that need synchronous teardown (e.g. abandoning a
// universe that was never started).
func (s *Scheduler) DestroyUniverse(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	s.freeLocked(h.index)
	return nil
}

func (s *Scheduler) freeLocked(index uint32) {
	u := s.universes[index]
	if u == nil {
		return
	}
	s.unrefSequenceLocked(u.cid, u.universe)
	u.active = false
}

// SendNow emits handle's current packet immediately, bypassing the dirty
// flag, inactivity accounting, and send-interval timer (spec.md §4.3 design
// notes / original_source SendUniverseNow). It holds the scheduler mutex,
// so it is serialized with ticks and other consumer mutations.
func (s *Scheduler) SendNow(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	seq := s.nextSequenceLocked(u.cid, u.universe)
	u.packet.SetSequence(seq)
	return s.sock.sendTo(u.packet.Bytes(), u.dest)
}

func (s *Scheduler) setPriority(h Handle, priority byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	u.packet.SetPriority(priority)
	u.dirty = true
	u.everDirty = true
	return nil
}

func (s *Scheduler) setName(h Handle, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	u.packet.SetName(name)
	u.dirty = true
	u.everDirty = true
	return nil
}

func (s *Scheduler) setPreview(h Handle, preview bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	u.packet.SetOptions(preview, u.packet.Terminated(), false)
	u.dirty = true
	u.everDirty = true
	return nil
}

func (s *Scheduler) slots(h Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	return u.packet.Slots(), nil
}

// Close stops the tick loop and releases the transmit socket.
func (s *Scheduler) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.sock.close()
}
