package platform

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// MTU is a safe maximum size of a UDP packet.
const MTU = 1200

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Listener opens platform UDP sockets.
type Listener struct {
	ListenConfig net.ListenConfig
}

// ListenUDP listens on addr. A zero port picks a free one.
func (l Listener) ListenUDP(ctx context.Context, addr netip.AddrPort) (net.PacketConn, error) {
	conn, err := l.ListenConfig.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	return conn, nil
}

// LocalHostAddr returns the address other hosts on the LAN can reach us at:
// the first IPv4 address of an interface which is up and not loopback.
// Falls back to 127.0.0.1.
func LocalHostAddr() (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			prefix, err := netip.ParsePrefix(a.String())
			if err != nil {
				continue
			}
			if ip := prefix.Addr(); ip.Is4() {
				return NormalizeLoopback(ip), nil
			}
		}
	}

	return loopback, nil
}

// NormalizeLoopback maps any loopback address to 127.0.0.1 so that hosts
// configured with 127.0.1.1 and alike advertise a reachable address.
func NormalizeLoopback(addr netip.Addr) netip.Addr {
	if addr.Unmap().IsLoopback() {
		return loopback
	}
	return addr.Unmap()
}

// UDPAddrPort extracts the address of a UDP peer.
func UDPAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}

	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
