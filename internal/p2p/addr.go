// Package p2p addresses and multiplexes logical sockets over a peer-to-peer transport.
//
// A peer address names a remote user instead of an IP endpoint:
//
//	P2P:<product user id>:<socket name>:<channel>
//
// Many sockets share one transport connection per peer; the socket name and
// channel select the receiving socket.
package p2p

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/dmksnnk/lobby/internal/id"
)

// Scheme prefixes the textual form of peer addresses.
const Scheme = "P2P"

// DefaultSocketName is used for local sockets when no session is active.
const DefaultSocketName = "GameSession"

// ErrInvalidAddr is returned when an address string cannot be parsed.
var ErrInvalidAddr = errors.New("p2p: invalid address")

// Addr is either an IP endpoint or a peer address. Addr is comparable and
// may be used as a map key; two addresses are equal if they have the same form
// and the same fields.
type Addr struct {
	ip      netip.AddrPort
	peer    id.ID
	socket  string
	channel uint16
}

// PeerAddr creates a peer address.
func PeerAddr(peer id.ID, socket string, channel uint16) Addr {
	return Addr{
		peer:    peer,
		socket:  socket,
		channel: channel,
	}
}

// IPAddr creates an IP address.
func IPAddr(ap netip.AddrPort) Addr {
	return Addr{ip: ap}
}

// ParseAddr parses "P2P:peer:socket[:channel]", "ip:port" or a bare IP.
func ParseAddr(s string) (Addr, error) {
	if rest, ok := strings.CutPrefix(s, Scheme+":"); ok {
		return parsePeerAddr(rest)
	}

	if ap, err := netip.ParseAddrPort(s); err == nil {
		return IPAddr(ap), nil
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		return IPAddr(netip.AddrPortFrom(ip, 0)), nil
	}

	return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
}

func parsePeerAddr(s string) (Addr, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Addr{}, fmt.Errorf("%w: want peer:socket[:channel], got %q", ErrInvalidAddr, s)
	}

	peer, err := id.Parse(parts[0])
	if err != nil {
		return Addr{}, fmt.Errorf("%w: peer id: %w", ErrInvalidAddr, err)
	}
	if !peer.IsValid() {
		return Addr{}, fmt.Errorf("%w: empty peer id", ErrInvalidAddr)
	}
	if parts[1] == "" {
		return Addr{}, fmt.Errorf("%w: empty socket name", ErrInvalidAddr)
	}

	var channel uint64
	if len(parts) == 3 {
		channel, err = strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: channel: %w", ErrInvalidAddr, err)
		}
	}

	return PeerAddr(peer, parts[1], uint16(channel)), nil
}

// IsP2P reports whether the address is a peer address.
func (a Addr) IsP2P() bool {
	return a.peer.IsValid()
}

// IsValid reports whether the address is not zero.
func (a Addr) IsValid() bool {
	return a.IsP2P() || a.ip.IsValid()
}

func (a Addr) Peer() id.ID {
	return a.peer
}

func (a Addr) SocketName() string {
	return a.socket
}

func (a Addr) Channel() uint16 {
	return a.channel
}

// AddrPort returns the IP endpoint of an IP address.
func (a Addr) AddrPort() netip.AddrPort {
	return a.ip
}

// Port returns the channel of a peer address or the port of an IP address.
func (a Addr) Port() int {
	if a.IsP2P() {
		return int(a.channel)
	}
	return int(a.ip.Port())
}

// WithPort returns a copy of the address with the channel or port replaced.
func (a Addr) WithPort(port uint16) Addr {
	if a.IsP2P() {
		a.channel = port
		return a
	}
	a.ip = netip.AddrPortFrom(a.ip.Addr(), port)
	return a
}

// Network implements net.Addr.
func (a Addr) Network() string {
	if a.IsP2P() {
		return "p2p"
	}
	return "udp"
}

// String formats the address with its port or channel.
func (a Addr) String() string {
	if a.IsP2P() {
		return Scheme + ":" + a.peer.String() + ":" + a.socket + ":" + strconv.Itoa(int(a.channel))
	}
	if !a.ip.IsValid() {
		return ""
	}
	return a.ip.String()
}

// HostString formats the address without its port or channel.
func (a Addr) HostString() string {
	if a.IsP2P() {
		return Scheme + ":" + a.peer.String() + ":" + a.socket
	}
	if !a.ip.IsValid() {
		return ""
	}
	return a.ip.Addr().String()
}
