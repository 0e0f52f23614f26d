package p2p

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/dmksnnk/lobby/internal/cert"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/identity"
	"github.com/dmksnnk/lobby/internal/metrics"
	"github.com/dmksnnk/lobby/internal/platform"
	"github.com/quic-go/quic-go"
)

var (
	// ErrNotLoggedIn is returned when the local user has no product user id.
	ErrNotLoggedIn = errors.New("p2p: local user is not logged in")
	// ErrNotStarted is returned when creating sockets before Init.
	ErrNotStarted = errors.New("p2p: subsystem is not started")
	// ErrStarted is returned by Init on a running subsystem.
	ErrStarted = errors.New("p2p: subsystem is already started")
)

// DefaultChannel is the channel of local bind addresses.
const DefaultChannel = 7777

// SessionNamer reports the name of the session the local user is in.
type SessionNamer interface {
	ActiveSessionName() (string, bool)
}

type socketKey struct {
	socket  string
	channel uint16
}

// Subsystem creates sockets addressed by peer addresses. All sockets share
// one transport, which is started by Init and stopped by Shutdown.
type Subsystem struct {
	users          identity.Provider
	directory      Directory
	registry       *Registry
	sessions       SessionNamer
	tlsConf        *tls.Config
	quicConf       *quic.Config
	listener       platform.Listener
	advertise      netip.AddrPort
	defaultChannel uint16
	logger         *slog.Logger

	mu      sync.Mutex
	self    id.ID
	tr      *transport
	sockets *platform.Map[socketKey, *Socket]
}

// Option configures the Subsystem.
type Option func(*Subsystem)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subsystem) {
		s.logger = logger
	}
}

// WithRegistry replaces the process-wide channel registry.
func WithRegistry(r *Registry) Option {
	return func(s *Subsystem) {
		s.registry = r
	}
}

// WithSessions sets where the local bind address takes the session name from.
func WithSessions(sessions SessionNamer) Option {
	return func(s *Subsystem) {
		s.sessions = sessions
	}
}

// WithTLSConfig sets the TLS config of the transport. Peers must trust each
// other's certificates. By default a config from a fresh authority is used,
// which only works for peers in the same process.
func WithTLSConfig(conf *tls.Config) Option {
	return func(s *Subsystem) {
		s.tlsConf = conf
	}
}

// WithQUICConfig sets the QUIC config of the transport. Datagrams are always enabled.
func WithQUICConfig(conf *quic.Config) Option {
	return func(s *Subsystem) {
		s.quicConf = conf
	}
}

// WithAdvertiseAddr sets the endpoint published to the directory, when the
// local address of the transport is not reachable by other peers.
func WithAdvertiseAddr(addr netip.AddrPort) Option {
	return func(s *Subsystem) {
		s.advertise = addr
	}
}

// WithDefaultChannel sets the channel of local bind addresses.
func WithDefaultChannel(channel uint16) Option {
	return func(s *Subsystem) {
		s.defaultChannel = channel
	}
}

// NewSubsystem creates a socket subsystem. Peers are resolved with directory.
func NewSubsystem(users identity.Provider, directory Directory, opts ...Option) *Subsystem {
	s := &Subsystem{
		users:     users,
		directory: directory,
		registry:  Channels,
		quicConf: &quic.Config{
			KeepAlivePeriod: 5 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
		defaultChannel: DefaultChannel,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		sockets:        platform.NewMap[socketKey, *Socket](),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.sockets.NotifyAdd(func(socketKey, *Socket) {
		metrics.Sockets.Inc()
	})
	s.sockets.NotifyDelete(func(socketKey, *Socket) {
		metrics.Sockets.Dec()
	})

	return s
}

// Init starts the transport on conn for the local user and publishes its
// endpoint. The caller keeps ownership of conn.
func (s *Subsystem) Init(conn net.PacketConn, localUser int) error {
	self := s.users.ProductUserID(localUser)
	if !self.IsValid() {
		return ErrNotLoggedIn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr != nil {
		return ErrStarted
	}

	tlsConf := s.tlsConf
	if tlsConf == nil {
		auth, err := cert.NewAuthority()
		if err != nil {
			return fmt.Errorf("create authority: %w", err)
		}
		tlsConf, err = auth.TLSConf(self.String())
		if err != nil {
			return fmt.Errorf("create TLS config: %w", err)
		}
	}

	quicConf := s.quicConf.Clone()
	quicConf.EnableDatagrams = true

	tr, err := newTransport(self, conn, tlsConf, quicConf, s.directory, s.deliver, s.logger)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	advertise := s.advertise
	if !advertise.IsValid() {
		local, ok := platform.UDPAddrPort(conn.LocalAddr())
		if !ok {
			tr.close()
			return fmt.Errorf("unsupported local address %s", conn.LocalAddr())
		}
		advertise = netip.AddrPortFrom(platform.NormalizeLoopback(local.Addr()), local.Port())
	}
	s.directory.RegisterPeer(self, advertise)

	s.self = self
	s.tr = tr
	s.logger.Info("P2P transport started", slog.String("peer", self.String()), slog.String("addr", advertise.String()))

	return nil
}

// Self returns the product user id the transport runs as.
func (s *Subsystem) Self() id.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.self
}

// CreateSocket binds a socket to the socket name and channel of a local
// peer address.
func (s *Subsystem) CreateSocket(local Addr) (*Socket, error) {
	if !local.IsP2P() {
		return nil, fmt.Errorf("create socket %s: %w", local, errNotPeerAddr)
	}

	s.mu.Lock()
	tr := s.tr
	self := s.self
	s.mu.Unlock()

	if tr == nil {
		return nil, ErrNotStarted
	}

	if local.Peer() != self {
		local = PeerAddr(self, local.SocketName(), local.Channel())
	}

	if err := s.registry.BindChannel(local); err != nil {
		return nil, err
	}

	key := socketKey{socket: local.SocketName(), channel: local.Channel()}
	sock := &Socket{
		local:   local,
		packets: make(chan packet, socketQueueSize),
		done:    make(chan struct{}),
		send: func(ctx context.Context, to Addr, payload []byte) error {
			err := tr.send(ctx, to.Peer(), frame{
				socket:  to.SocketName(),
				dst:     to.Channel(),
				src:     local.Channel(),
				payload: payload,
			})
			if err == nil {
				metrics.Frames.WithLabelValues(metrics.Out).Inc()
			}
			return err
		},
	}
	sock.release = func() error {
		s.sockets.Delete(key)
		return s.registry.UnbindChannel(local)
	}

	if !s.sockets.PutNew(key, sock) {
		s.registry.UnbindChannel(local)
		return nil, fmt.Errorf("create socket %s: %w", local, ErrAddrInUse)
	}

	s.logger.Debug("socket created", slog.String("addr", local.String()))

	return sock, nil
}

// ListenPacket opens a peer socket for peer addresses and a platform UDP
// socket for IP addresses.
func (s *Subsystem) ListenPacket(ctx context.Context, local Addr) (net.PacketConn, error) {
	if local.IsP2P() {
		return s.CreateSocket(local)
	}

	return s.listener.ListenUDP(ctx, local.AddrPort())
}

// deliver routes a received frame to the socket bound to its name and channel.
func (s *Subsystem) deliver(from id.ID, f frame) {
	sock, ok := s.sockets.Get(socketKey{socket: f.socket, channel: f.dst})
	if !ok || !sock.enqueue(packet{from: PeerAddr(from, f.socket, f.src), data: f.payload}) {
		metrics.Frames.WithLabelValues(metrics.Dropped).Inc()
		s.logger.Debug("frame dropped",
			slog.String("from", from.String()),
			slog.String("socket", f.socket),
			slog.Int("channel", int(f.dst)),
		)
		return
	}

	metrics.Frames.WithLabelValues(metrics.In).Inc()
}

// LocalBindAddr returns the address sockets of the local user bind to:
// the active session name as socket name, or DefaultSocketName.
func (s *Subsystem) LocalBindAddr(localUser int) (Addr, error) {
	peer := s.users.ProductUserID(localUser)
	if !peer.IsValid() {
		return Addr{}, ErrNotLoggedIn
	}

	socket := DefaultSocketName
	if s.sessions != nil {
		if name, ok := s.sessions.ActiveSessionName(); ok && name != "" {
			socket = name
		}
	}

	return PeerAddr(peer, socket, s.defaultChannel), nil
}

// CreateAddr returns an empty address to be filled by the caller.
func (s *Subsystem) CreateAddr() Addr {
	return Addr{}
}

// AddrFromString parses peer addresses as well as plain IP endpoints.
func (s *Subsystem) AddrFromString(str string) (Addr, error) {
	return ParseAddr(str)
}

// Sockets returns the number of open sockets.
func (s *Subsystem) Sockets() int {
	return s.sockets.Len()
}

// Shutdown closes all sockets, stops the transport and clears the channel registry.
func (s *Subsystem) Shutdown() error {
	var errs []error
	for _, sock := range s.sockets.Drain() {
		sock.shutdown(false)
	}

	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.self = id.ID{}
	s.mu.Unlock()

	if tr != nil {
		if err := tr.close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}

	s.registry.Reset()
	s.logger.Info("P2P subsystem shut down")

	return errors.Join(errs...)
}
