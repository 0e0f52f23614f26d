package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/dmksnnk/lobby/internal/metrics"
	"github.com/dmksnnk/lobby/internal/platform"
)

const (
	// DefaultPort is the port hosts listen for queries on.
	DefaultPort = 14001
	// DefaultTimeout is how long a search collects responses.
	DefaultTimeout = 5 * time.Second

	// queueSize is the number of received packets waiting for Tick.
	queueSize = 128
)

// ErrSearching is returned by Host while a search is running.
var ErrSearching = errors.New("discovery: search in progress")

// State is the state of a beacon.
type State int

const (
	Idle State = iota
	Hosting
	Searching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Hosting:
		return "Hosting"
	case Searching:
		return "Searching"
	default:
		return "Unknown"
	}
}

// QueryHandler is called for every valid query while hosting.
type QueryHandler func(from netip.AddrPort, nonce uint64, body []byte)

// ResponseHandler is called for every response to the current search.
type ResponseHandler func(from netip.AddrPort, body []byte)

type received struct {
	from   netip.AddrPort
	header Header
	body   []byte
}

// Beacon hosts or searches, one at a time. Packets are received in a
// background goroutine and handled by Tick on the caller's goroutine.
type Beacon struct {
	port      uint16
	broadcast netip.Addr
	bucketID  uint32
	timeout   time.Duration
	listener  platform.Listener
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	conn       net.PacketConn
	packets    chan received
	done       chan struct{}
	wg         sync.WaitGroup
	nonce      uint64
	deadline   time.Time
	onQuery    QueryHandler
	onResponse ResponseHandler
	onTimeout  func()
}

// Option configures the Beacon.
type Option func(*Beacon)

// WithPort sets the port hosts listen on and searches are sent to.
func WithPort(port uint16) Option {
	return func(b *Beacon) {
		b.port = port
	}
}

// WithBroadcastAddr sets where queries are sent to.
func WithBroadcastAddr(addr netip.Addr) Option {
	return func(b *Beacon) {
		b.broadcast = addr
	}
}

// WithBucketID sets the bucket, packets from other buckets are ignored.
func WithBucketID(id uint32) Option {
	return func(b *Beacon) {
		b.bucketID = id
	}
}

// WithTimeout sets how long searches collect responses.
func WithTimeout(d time.Duration) Option {
	return func(b *Beacon) {
		b.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Beacon) {
		b.logger = logger
	}
}

// New creates an idle beacon.
func New(opts ...Option) *Beacon {
	b := &Beacon{
		port:      DefaultPort,
		broadcast: netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		timeout:   DefaultTimeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// State returns the current state.
func (b *Beacon) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// LocalAddr returns the address of the beacon socket, or nil when idle.
func (b *Beacon) LocalAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Host listens for queries on the beacon port. Hosting twice is a no-op.
func (b *Beacon) Host(ctx context.Context, onQuery QueryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Hosting:
		b.onQuery = onQuery
		return nil
	case Searching:
		return ErrSearching
	}

	conn, err := b.listener.ListenUDP(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), b.port))
	if err != nil {
		return fmt.Errorf("host: %w", err)
	}

	b.start(conn)
	b.state = Hosting
	b.onQuery = onQuery

	b.logger.Info("hosting LAN beacon", slog.String("addr", conn.LocalAddr().String()))
	return nil
}

// Search broadcasts a query and collects responses with the same nonce
// until the timeout, then calls onTimeout once from Tick. A running search
// or hosting is stopped first.
func (b *Beacon) Search(ctx context.Context, nonce uint64, body []byte, onResponse ResponseHandler, onTimeout func()) error {
	pkt, err := NewPacket(Header{Type: Query, BucketID: b.bucketID, Nonce: nonce}, body)
	if err != nil {
		return err
	}
	if len(pkt) > platform.MTU {
		return fmt.Errorf("query of %d bytes exceeds MTU", len(pkt))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()

	conn, err := b.listener.ListenUDP(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	to := net.UDPAddrFromAddrPort(netip.AddrPortFrom(b.broadcast, b.port))
	if _, err := conn.WriteTo(pkt, to); err != nil {
		conn.Close()
		return fmt.Errorf("send query: %w", err)
	}
	metrics.BeaconPackets.WithLabelValues(Query.String(), metrics.Out).Inc()

	b.start(conn)
	b.state = Searching
	b.nonce = nonce
	b.deadline = time.Now().Add(b.timeout)
	b.onResponse = onResponse
	b.onTimeout = onTimeout

	b.logger.Debug("LAN search started", slog.String("to", to.String()), slog.Uint64("nonce", nonce))
	return nil
}

// Respond sends a response for a query to the querier.
func (b *Beacon) Respond(to netip.AddrPort, nonce uint64, body []byte) error {
	pkt, err := NewPacket(Header{Type: Response, BucketID: b.bucketID, Nonce: nonce}, body)
	if err != nil {
		return err
	}
	if len(pkt) > platform.MTU {
		return fmt.Errorf("response of %d bytes exceeds MTU", len(pkt))
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}

	if _, err := conn.WriteTo(pkt, net.UDPAddrFromAddrPort(to)); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	metrics.BeaconPackets.WithLabelValues(Response.String(), metrics.Out).Inc()

	return nil
}

// Stop stops hosting or searching. A stopped search never times out.
func (b *Beacon) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
}

// Tick handles received packets and fires the search timeout.
// Handlers run on the caller's goroutine.
func (b *Beacon) Tick(now time.Time) {
	for {
		b.mu.Lock()
		packets := b.packets
		b.mu.Unlock()

		if packets == nil {
			return
		}

		var pkt received
		select {
		case pkt = <-packets:
		default:
			b.checkTimeout(now)
			return
		}

		b.dispatch(pkt)
	}
}

func (b *Beacon) dispatch(pkt received) {
	b.mu.Lock()
	state := b.state
	nonce := b.nonce
	onQuery := b.onQuery
	onResponse := b.onResponse
	b.mu.Unlock()

	switch {
	case state == Hosting && pkt.header.Type == Query:
		if onQuery != nil {
			onQuery(pkt.from, pkt.header.Nonce, pkt.body)
		}
	case state == Searching && pkt.header.Type == Response:
		if pkt.header.Nonce != nonce {
			b.logger.Debug("stale LAN response", slog.String("from", pkt.from.String()))
			return
		}
		if onResponse != nil {
			onResponse(pkt.from, pkt.body)
		}
	}
}

func (b *Beacon) checkTimeout(now time.Time) {
	b.mu.Lock()
	if b.state != Searching || now.Before(b.deadline) {
		b.mu.Unlock()
		return
	}

	onTimeout := b.onTimeout
	b.stopLocked()
	b.mu.Unlock()

	b.logger.Debug("LAN search timed out")
	if onTimeout != nil {
		onTimeout()
	}
}

func (b *Beacon) start(conn net.PacketConn) {
	b.conn = conn
	b.packets = make(chan received, queueSize)
	b.done = make(chan struct{})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.receive(conn, b.packets, b.done); err != nil {
			b.logger.Error("LAN beacon receive", slog.Any("error", err))
		}
	}()
}

func (b *Beacon) stopLocked() {
	if b.state == Idle {
		return
	}

	close(b.done)
	b.wg.Wait()
	b.conn.Close()

	b.conn = nil
	b.packets = nil
	b.done = nil
	b.state = Idle
	b.nonce = 0
	b.onQuery = nil
	b.onResponse = nil
	b.onTimeout = nil
}

// receive reads packets until done is closed.
func (b *Beacon) receive(conn net.PacketConn, packets chan<- received, done <-chan struct{}) error {
	buf := make([]byte, platform.MTU)
	for {
		select {
		case <-done:
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			return err
		}

		var h Header
		if err := h.UnmarshalBinary(buf[:n]); err != nil {
			continue // not ours
		}
		if h.BucketID != b.bucketID {
			continue
		}

		from, ok := platform.UDPAddrPort(raddr)
		if !ok {
			continue
		}

		metrics.BeaconPackets.WithLabelValues(h.Type.String(), metrics.In).Inc()

		pkt := received{
			from:   from,
			header: h,
			body:   append([]byte(nil), buf[HeaderSize:n]...),
		}

		select {
		case packets <- pkt:
		default:
			metrics.BeaconPackets.WithLabelValues(h.Type.String(), metrics.Dropped).Inc()
		}
	}
}
