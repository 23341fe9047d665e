package sacn

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// inboundPacket is queued from a socket-reader goroutine or from
// ProcessDatagram (cross-universe unicast dispatch) into the listener's
// single-threaded processing loop.
type inboundPacket struct {
	header *Header
	sender *net.UDPAddr
}

// Listener owns one universe's receive socket, source table, and merge
// state (spec.md §4.4). All source-table and merge mutation happens on the
// listener's own goroutine; the only state shared with consumers directly
// is the monitored-addresses set (mutex-guarded) and merged-level
// snapshots (copy-on-read), per spec.md §5.
type Listener struct {
	universe uint16
	cfg      NetworkConfig
	clock    Clock

	sock *receiveSocket

	inbound chan inboundPacket
	stop    chan struct{}
	done    chan struct{}

	sources     map[CID]*Source
	sourceOrder []CID
	merger      *merger

	sampling      bool
	samplingTimer <-chan time.Time

	monitoredMu sync.Mutex
	monitored   map[int]struct{}

	subsMu sync.Mutex
	subs   []*EventSubscription

	metrics *listenerMetrics

	mergeMu      sync.Mutex
	mergeWindow  []time.Time
	mergedLevels [512]MergedAddress
	levelsMu     sync.RWMutex
}

// newListener constructs a listener bound to universe's multicast group
// and starts its processing goroutine. Use ListenerRegistry.Get in normal
// operation; this is exported indirectly only through the registry so
// listeners are always deduplicated per spec.md §4.4/§6.
func newListener(cfg NetworkConfig, universe uint16, clock Clock) (*Listener, error) {
	sock, err := bindMulticast(cfg, universe)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		universe:  universe,
		cfg:       cfg,
		clock:     clock,
		sock:      sock,
		inbound:   make(chan inboundPacket, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		sources:   make(map[CID]*Source),
		merger:    newMerger(),
		sampling:  true,
		monitored: make(map[int]struct{}),
		metrics:   newListenerMetrics(universe),
	}
	l.levelsMu.Lock()
	l.mergedLevels = l.merger.snapshot()
	l.levelsMu.Unlock()

	l.samplingTimer = clock.After(SamplingWindow)

	go l.readLoop()
	go l.run()

	return l, nil
}

// Universe returns the universe this listener is bound to.
func (l *Listener) Universe() uint16 { return l.universe }

// Collector exposes this listener's prometheus metrics.
func (l *Listener) Collector() prometheus.Collector { return l.metrics }

// Subscribe returns a new event subscription. The channel is buffered;
// a slow consumer drops events rather than blocking the listener.
func (l *Listener) Subscribe() *EventSubscription {
	sub := &EventSubscription{ch: make(chan Event, 64)}
	l.subsMu.Lock()
	l.subs = append(l.subs, sub)
	l.subsMu.Unlock()
	return sub
}

func (l *Listener) publish(e Event) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, s := range l.subs {
		s.publish(e)
	}
}

// MonitorAddress adds slot to the set of addresses that emit DataReady
// events on every merge pass.
func (l *Listener) MonitorAddress(slot int) error {
	if slot < 0 || slot >= 512 {
		return newError(KindSlotRangeOutOfBounds, nil, "monitor address out of range")
	}
	l.monitoredMu.Lock()
	l.monitored[slot] = struct{}{}
	l.monitoredMu.Unlock()
	return nil
}

// UnmonitorAddress removes slot from the monitored set.
func (l *Listener) UnmonitorAddress(slot int) {
	l.monitoredMu.Lock()
	delete(l.monitored, slot)
	l.monitoredMu.Unlock()
}

// MergedLevels returns a copy-on-read snapshot of the 512 merged-address
// records (spec.md §5).
func (l *Listener) MergedLevels() [512]MergedAddress {
	l.levelsMu.RLock()
	defer l.levelsMu.RUnlock()
	return l.mergedLevels
}

// SourceCount returns the number of currently tracked sources. Like the
// original Qt implementation's sourceCount()/source(i), this reads the
// listener's source table without synchronization: callers use it for
// diagnostics/UI display, not as a synchronization point with the
// listener goroutine.
func (l *Listener) SourceCount() int {
	return len(l.sourceOrder)
}

// Source returns the i'th tracked source in discovery order, or nil if out
// of range.
func (l *Listener) Source(i int) *Source {
	if i < 0 || i >= len(l.sourceOrder) {
		return nil
	}
	return l.sources[l.sourceOrder[i]]
}

// MergesPerSecond returns the sliding 1-second count of completed merges.
func (l *Listener) MergesPerSecond() uint32 {
	l.mergeMu.Lock()
	defer l.mergeMu.Unlock()
	return uint32(len(l.mergeWindow))
}

// ProcessDatagram is the public entry point for both this listener's own
// socket reads and cross-universe unicast forwarding from a sibling
// listener via the registry (spec.md §4.4, §6). Parsing/validation run
// synchronously in the caller's goroutine (they touch no listener state);
// only source-table and merge mutation are handed off to the listener's
// own goroutine, preserving the single-owner invariant in spec.md §5.
func (l *Listener) ProcessDatagram(data []byte, local, sender *net.UDPAddr) error {
	h, err := ParsePacket(data, l.universe)
	if err != nil {
		if e, ok := err.(*Error); ok {
			l.metrics.dropped(e.Kind)
		}
		return err
	}

	select {
	case l.inbound <- inboundPacket{header: h, sender: sender}:
	case <-l.done:
	default:
		l.metrics.dropped(kindQueueOverflow)
	}
	return nil
}

// Close shuts down the listener: drains the socket, stops emitting
// events, and releases multicast membership before returning (spec.md
// §5 "Cancellation and timeouts").
func (l *Listener) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}

func (l *Listener) readLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		l.sock.conn.SetReadDeadline(l.clock.Now().Add(200 * time.Millisecond))
		n, addr, err := l.sock.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		_ = l.ProcessDatagram(cp, nil, addr)
	}
}

func (l *Listener) run() {
	defer close(l.done)
	defer l.sock.close()

	ticker := l.clock.NewTicker(MergeCadence)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return

		case <-l.samplingTimer:
			if l.sampling {
				l.sampling = false
				for _, cid := range l.sourceOrder {
					if s := l.sources[cid]; s != nil && s.state == StateSampling {
						s.state = StateOnline
					}
				}
				l.doMerge()
			}
			l.samplingTimer = nil

		case pkt := <-l.inbound:
			l.handlePacket(pkt)

		case <-ticker.C():
			l.expireSources()
			l.doMerge()
		}
	}
}

func (l *Listener) handlePacket(pkt inboundPacket) {
	h := pkt.header
	now := l.clock.Now()

	if h.Terminated {
		if s, ok := l.sources[h.CID]; ok {
			l.removeSource(h.CID)
			l.publish(SourceLost{Source: s})
			l.doMerge()
		}
		return
	}

	s, existed := l.sources[h.CID]
	if !existed {
		s = newSource(h.CID, h.Universe)
		if !l.sampling {
			s.state = StateOnline
		}
		l.sources[h.CID] = s
		l.sourceOrder = append(l.sourceOrder, h.CID)
		l.publish(SourceFound{Source: s})
	}

	if !s.acceptSequence(h.Sequence) {
		l.metrics.dropped(KindSequenceOutOfOrder)
		return
	}

	prevName, prevPriority := s.Name, s.priority

	switch h.StartCode {
	case 0x00:
		s.applyDMX(h.SourceName, h.Priority, h.Preview, h.Terminated, h.Slots, now)
	case 0xDD:
		s.applyPerAddressPriority(h.Slots, now)
	default:
		s.lastActivity = now
	}

	if existed && (s.Name != prevName || s.priority != prevPriority) {
		l.publish(SourceChanged{Source: s})
	}

	l.doMerge()
}

func (l *Listener) expireSources() {
	now := l.clock.Now()
	var lost []*Source
	remaining := l.sourceOrder[:0]
	for _, cid := range l.sourceOrder {
		s := l.sources[cid]
		if s.expired(now) {
			delete(l.sources, cid)
			lost = append(lost, s)
			continue
		}
		remaining = append(remaining, cid)
	}
	l.sourceOrder = remaining
	for _, s := range lost {
		l.publish(SourceLost{Source: s})
	}
}

func (l *Listener) removeSource(cid CID) {
	delete(l.sources, cid)
	for i, c := range l.sourceOrder {
		if c == cid {
			l.sourceOrder = append(l.sourceOrder[:i], l.sourceOrder[i+1:]...)
			break
		}
	}
}

func (l *Listener) doMerge() {
	start := l.clock.Now()

	sources := make([]*Source, 0, len(l.sourceOrder))
	for _, cid := range l.sourceOrder {
		sources = append(sources, l.sources[cid])
	}
	l.merger.run(sources, start)

	byState := make(map[SourceState]int)
	for _, s := range sources {
		byState[s.state]++
	}
	for _, st := range []SourceState{StateSampling, StateOnline} {
		l.metrics.sourcesByState.WithLabelValues(st.String()).Set(float64(byState[st]))
	}

	snap := l.merger.snapshot()
	l.levelsMu.Lock()
	l.mergedLevels = snap
	l.levelsMu.Unlock()

	l.metrics.mergesTotal.Inc()
	l.metrics.mergeDuration.Observe(l.clock.Now().Sub(start).Seconds())

	l.mergeMu.Lock()
	l.mergeWindow = append(l.mergeWindow, start)
	cutoff := start.Add(-1 * time.Second)
	i := 0
	for i < len(l.mergeWindow) && l.mergeWindow[i].Before(cutoff) {
		i++
	}
	l.mergeWindow = l.mergeWindow[i:]
	l.mergeMu.Unlock()

	l.monitoredMu.Lock()
	monitored := make([]int, 0, len(l.monitored))
	for slot := range l.monitored {
		monitored = append(monitored, slot)
	}
	l.monitoredMu.Unlock()

	anyChanged := false
	for slot := 0; slot < 512; slot++ {
		if snap[slot].Changed {
			anyChanged = true
			break
		}
	}
	if anyChanged {
		l.publish(LevelsChanged{})
	}
	for _, slot := range monitored {
		l.publish(DataReady{Slot: slot, Level: snap[slot].Level, At: start})
	}
}
