package sacn

import (
	"net"

	"golang.org/x/net/ipv4"
)

// NetworkConfig is the process-wide network selection (spec.md §5 "Shared
// resources": set before any listener or sender is constructed; changing
// it requires tearing down all listeners and senders). It is a plain
// struct, not a CLI flag set or config file loader, those are the
// out-of-scope external collaborators named in spec.md §1.
type NetworkConfig struct {
	// InterfaceName, if set, pins the interface used for multicast join
	// and the outbound multicast interface. Empty selects automatically.
	InterfaceName string
}

// resolveInterface implements spec.md §4.2's interface-selection rule: the
// first running, non-loopback, non-point-to-point interface with at least
// one non-loopback IPv4 address. Grounded in
// original_source/sacn/sacnsocket.cpp's getDefaultNetworkInterface.
func resolveInterface(cfg NetworkConfig) (*net.Interface, net.IP, error) {
	if cfg.InterfaceName != "" {
		iface, err := net.InterfaceByName(cfg.InterfaceName)
		if err != nil {
			return nil, nil, newError(KindNoSuitableInterface, err, "named interface not found")
		}
		ip, err := firstIPv4(iface)
		if err != nil {
			return nil, nil, err
		}
		return iface, ip, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, newError(KindNoSuitableInterface, err, "enumerating interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		ip, err := firstIPv4(&iface)
		if err != nil {
			continue
		}
		return &iface, ip, nil
	}
	return nil, nil, newError(KindNoSuitableInterface, nil, "no running non-loopback non-p2p interface with an IPv4 address")
}

func firstIPv4(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, newError(KindNoSuitableInterface, err, "listing interface addresses")
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, newError(KindNoSuitableInterface, nil, "interface has no usable IPv4 address")
}

// receiveSocket wraps a UDP socket bound for sACN reception, either on a
// universe's multicast group or on the interface's unicast address.
type receiveSocket struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	iface   *net.Interface
}

// bindMulticast binds to the universe's multicast group and joins the
// group on the selected interface, with SO_REUSEADDR/SO_REUSEPORT-style
// sharing so multiple listeners may coexist on one host (spec.md §4.2).
// Address reuse is left to the platform default for net.ListenUDP's
// multicast-style bind, the same posture the teacher's net.ListenUDP calls
// take, Go's net package does not expose SO_REUSEPORT directly, and
// pulling in a raw-socket-option library for this one flag is not
// justified when every other socket need is already met by net/ipv4.
func bindMulticast(cfg NetworkConfig, universe uint16) (*receiveSocket, error) {
	iface, _, err := resolveInterface(cfg)
	if err != nil {
		return nil, err
	}

	group := MulticastAddr(universe)
	addr := &net.UDPAddr{IP: net.IPv4(group[0], group[1], group[2], group[3]), Port: 5568}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, newError(KindSocketBindFailed, err, "binding multicast receive socket")
	}

	pconn := ipv4.NewPacketConn(conn)
	_ = pconn.SetControlMessage(ipv4.FlagDst, true) // best-effort; not all platforms support per-packet destination info
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: addr.IP}); err != nil {
		conn.Close()
		return nil, newError(KindMulticastJoinFailed, err, "joining multicast group")
	}

	return &receiveSocket{conn: conn, pconn: pconn, iface: iface}, nil
}

// bindUnicast binds to the interface's unicast address on port 5568 so
// unicast-delivered sACN for arbitrary universes is also received.
func bindUnicast(cfg NetworkConfig) (*receiveSocket, error) {
	iface, ip, err := resolveInterface(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 5568})
	if err != nil {
		return nil, newError(KindSocketBindFailed, err, "binding unicast receive socket")
	}
	return &receiveSocket{conn: conn, pconn: ipv4.NewPacketConn(conn), iface: iface}, nil
}

func (r *receiveSocket) close() error {
	return r.conn.Close()
}

// transmitSocket wraps a UDP socket bound for sACN transmission: the
// chosen interface's first IPv4 address, multicast loopback enabled, and
// the outbound multicast interface pinned (spec.md §4.2).
type transmitSocket struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
}

func bindTransmit(cfg NetworkConfig) (*transmitSocket, error) {
	iface, ip, err := resolveInterface(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, newError(KindSocketBindFailed, err, "binding transmit socket")
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, newError(KindSocketBindFailed, err, "enabling multicast loopback")
	}
	if err := pconn.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, newError(KindSocketBindFailed, err, "setting outbound multicast interface")
	}
	return &transmitSocket{conn: conn, pconn: pconn}, nil
}

func (t *transmitSocket) sendTo(data []byte, dst *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(data, dst)
	if err != nil {
		return newError(KindSendFailed, err, "writing datagram")
	}
	return nil
}

func (t *transmitSocket) close() error {
	return t.conn.Close()
}
