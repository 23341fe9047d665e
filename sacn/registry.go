package sacn

import (
	"net"
	"sync"
	"time"
)

// ListenerRegistry de-duplicates listeners by universe and shares them
// across consumers (spec.md §4, "Listener registry"). It also owns the
// single shared unicast socket used to cross-dispatch unicast sACN
// destined for a universe other than the one a given multicast socket is
// bound to (spec.md §4.4).
type ListenerRegistry struct {
	cfg   NetworkConfig
	clock Clock

	mu        sync.Mutex
	listeners map[uint16]*registryEntry

	unicast *receiveSocket
	stop    chan struct{}
	done    chan struct{}
}

type registryEntry struct {
	listener *Listener
	refs     int
}

// NewListenerRegistry constructs a registry using cfg for all listeners it
// creates. It attempts to bind a shared unicast socket for cross-universe
// dispatch; failure to do so is non-fatal (multicast-only operation still
// works). The bind error is discarded and is not reported to the caller.
func NewListenerRegistry(cfg NetworkConfig) *ListenerRegistry {
	return NewListenerRegistryWithClock(cfg, SystemClock)
}

// NewListenerRegistryWithClock is NewListenerRegistry with an injectable
// Clock, used by tests to drive timing deterministically.
func NewListenerRegistryWithClock(cfg NetworkConfig, clock Clock) *ListenerRegistry {
	r := &ListenerRegistry{
		cfg:       cfg,
		clock:     clock,
		listeners: make(map[uint16]*registryEntry),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	sock, err := bindUnicast(cfg)
	if err == nil {
		r.unicast = sock
		go r.unicastLoop()
	} else {
		close(r.done)
	}

	return r
}

// Get returns the shared listener for universe, creating it if needed, and
// increments its reference count.
func (r *ListenerRegistry) Get(universe uint16) (*Listener, error) {
	if universe == 0 {
		return nil, newError(KindUniverseZeroRejected, nil, "universe 0 is invalid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.listeners[universe]; ok {
		e.refs++
		return e.listener, nil
	}

	l, err := newListener(r.cfg, universe, r.clock)
	if err != nil {
		return nil, err
	}
	r.listeners[universe] = &registryEntry{listener: l, refs: 1}
	return l, nil
}

// Release decrements l's reference count, tearing it down when it reaches
// zero (spec.md §6 "last release tears down").
func (r *ListenerRegistry) Release(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.listeners[l.universe]
	if !ok || e.listener != l {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.listeners, l.universe)
		l.Close()
	}
}

// Close tears down the registry's shared unicast socket and every listener
// it still holds.
func (r *ListenerRegistry) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if r.unicast != nil {
		<-r.done
	}

	r.mu.Lock()
	entries := r.listeners
	r.listeners = make(map[uint16]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.listener.Close()
	}
}

func (r *ListenerRegistry) unicastLoop() {
	defer close(r.done)
	defer r.unicast.close()

	buf := make([]byte, 2048)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		r.unicast.conn.SetReadDeadline(r.clock.Now().Add(200 * time.Millisecond))
		n, addr, err := r.unicast.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		r.dispatchUnicast(buf[:n], addr)
	}
}

// dispatchUnicast reads the framing universe field via peekUniverse and
// routes the datagram to the matching listener, per spec.md §4.4; the
// target listener's ProcessDatagram parses and validates it again.
func (r *ListenerRegistry) dispatchUnicast(data []byte, sender *net.UDPAddr) {
	universe, ok := peekUniverse(data)
	if !ok {
		return
	}

	r.mu.Lock()
	e, found := r.listeners[universe]
	r.mu.Unlock()
	if !found {
		return
	}
	_ = e.listener.ProcessDatagram(data, nil, sender)
}

// peekUniverse extracts the framing-layer universe field from a datagram
// that might be either protocol variant. It runs the full ParsePacket
// validation with no expected universe, so invalid datagrams yield false.
func peekUniverse(data []byte) (uint16, bool) {
	if len(data) < 22 {
		return 0, false
	}
	h, err := ParsePacket(data, 0)
	if err != nil {
		return 0, false
	}
	return h.Universe, true
}
