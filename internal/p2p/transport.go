package p2p

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/platform"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// NextProto is the ALPN protocol of the peer transport.
const NextProto = "lobby-p2p"

const (
	peerIDHeader     = "X-Peer-ID"
	handshakeTimeout = 5 * time.Second
)

const (
	errcodeClosed quic.ApplicationErrorCode = iota + 1
	errcodeBadRequest
)

type badRequestError string

func (e badRequestError) Error() string {
	return string(e)
}

// Directory publishes and resolves transport endpoints of peers.
type Directory interface {
	RegisterPeer(peer id.ID, addr netip.AddrPort)
	Lookup(ctx context.Context, peer id.ID) (netip.AddrPort, error)
}

// transport keeps one QUIC connection per remote peer on a single UDP socket
// and carries socket frames as datagrams.
type transport struct {
	self      id.ID
	transport *quic.Transport
	listener  *quic.Listener
	tlsConf   *tls.Config
	quicConf  *quic.Config
	directory Directory
	deliver   func(from id.ID, f frame)
	logger    *slog.Logger

	conns  *platform.Map[id.ID, *quic.Conn]
	dialMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group
}

func newTransport(
	self id.ID,
	conn net.PacketConn,
	tlsConf *tls.Config,
	quicConf *quic.Config,
	directory Directory,
	deliver func(from id.ID, f frame),
	logger *slog.Logger,
) (*transport, error) {
	tr := &quic.Transport{
		Conn: conn,
	}

	serverTLS := tlsConf.Clone()
	serverTLS.NextProtos = []string{NextProto}
	listener, err := tr.Listen(serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen QUIC: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		self:      self,
		transport: tr,
		listener:  listener,
		tlsConf:   tlsConf,
		quicConf:  quicConf,
		directory: directory,
		deliver:   deliver,
		logger:    logger,
		conns:     platform.NewMap[id.ID, *quic.Conn](),
		ctx:       ctx,
		cancel:    cancel,
	}

	t.eg.Go(t.acceptLoop)

	return t, nil
}

// send delivers a frame to a peer, connecting to it first if needed.
// Frames to self are delivered locally.
func (t *transport) send(ctx context.Context, to id.ID, f frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	if to == t.self {
		t.deliver(t.self, f)
		return nil
	}

	conn, err := t.connect(ctx, to)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", to, err)
	}

	if err := conn.SendDatagram(data); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}

	return nil
}

func (t *transport) connect(ctx context.Context, peer id.ID) (*quic.Conn, error) {
	if conn, ok := t.conns.Get(peer); ok {
		return conn, nil
	}

	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	if conn, ok := t.conns.Get(peer); ok {
		return conn, nil
	}

	addr, err := t.directory.Lookup(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("lookup peer: %w", err)
	}

	clientTLS := t.tlsConf.Clone()
	clientTLS.NextProtos = []string{NextProto}
	conn, err := t.transport.Dial(ctx, net.UDPAddrFromAddrPort(addr), clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial QUIC: %w", err)
	}

	if err := t.sendHandshake(ctx, conn); err != nil {
		conn.CloseWithError(errcodeBadRequest, "handshake failed")
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	t.logger.Debug("connected to peer", slog.String("peer", peer.String()), slog.String("addr", addr.String()))

	// published before dialMu is released, so concurrent senders reuse it
	owned := t.conns.PutNew(peer, conn)
	t.eg.Go(func() error {
		t.serve(peer, conn, owned)
		return nil
	})

	if !owned {
		if existing, ok := t.conns.Get(peer); ok {
			return existing, nil
		}
	}

	return conn, nil
}

func (t *transport) acceptLoop() error {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		t.eg.Go(func() error {
			t.handleAccepted(conn)
			return nil
		})
	}
}

func (t *transport) handleAccepted(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(t.ctx, handshakeTimeout)
	defer cancel()

	peer, err := t.readHandshake(ctx, conn)
	if err != nil {
		var badReq badRequestError
		if errors.As(err, &badReq) {
			t.logger.Debug("bad handshake", slog.Any("error", err))
			conn.CloseWithError(errcodeBadRequest, err.Error())
			return
		}

		t.logger.Debug("read handshake", slog.Any("error", err))
		conn.CloseWithError(errcodeClosed, "handshake failed")
		return
	}

	t.logger.Debug("accepted peer", slog.String("peer", peer.String()), slog.String("addr", conn.RemoteAddr().String()))
	t.serve(peer, conn, t.conns.PutNew(peer, conn))
}

// serve receives datagrams until the connection closes. Both peers may dial
// each other at the same time: the first connection is used for sending,
// any of them is read. An owned connection is dropped from conns on return.
func (t *transport) serve(peer id.ID, conn *quic.Conn, owned bool) {
	defer func() {
		if owned {
			t.conns.Delete(peer)
		}
	}()

	for {
		data, err := conn.ReceiveDatagram(t.ctx)
		if err != nil {
			t.logger.Debug("connection done", slog.String("peer", peer.String()), slog.Any("reason", err))
			return
		}

		var f frame
		if err := f.UnmarshalBinary(data); err != nil {
			t.logger.Debug("invalid frame", slog.String("peer", peer.String()), slog.Any("error", err))
			continue
		}

		t.deliver(peer, f)
	}
}

// sendHandshake tells the remote side who we are.
func (t *transport) sendHandshake(ctx context.Context, conn *quic.Conn) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "/connect", http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set(peerIDHeader, t.self.String())

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		stream.CancelRead(quic.StreamErrorCode(quic.NoError))
		stream.Close()
	}()

	if err := req.Write(stream); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

// readHandshake returns the id of the remote peer.
func (t *transport) readHandshake(ctx context.Context, conn *quic.Conn) (id.ID, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return id.ID{}, fmt.Errorf("accept stream: %w", err)
	}
	defer func() {
		stream.CancelRead(quic.StreamErrorCode(quic.NoError))
		stream.Close()
	}()

	req, err := http.ReadRequest(bufio.NewReader(stream))
	if err != nil {
		return id.ID{}, fmt.Errorf("read request: %w", err)
	}

	peer, err := id.Parse(req.Header.Get(peerIDHeader))
	if err != nil || !peer.IsValid() {
		httpWrite(stream, http.StatusBadRequest)
		return id.ID{}, badRequestError("invalid " + peerIDHeader)
	}

	httpWrite(stream, http.StatusOK)
	return peer, nil
}

func httpWrite(w io.Writer, status int) {
	r := http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Body:       http.NoBody,
	}

	r.Write(w)
}

func (t *transport) localAddr() net.Addr {
	return t.transport.Conn.LocalAddr()
}

// close drops all peer connections and stops the transport.
// The underlying packet connection stays open.
func (t *transport) close() error {
	t.cancel()

	for _, conn := range t.conns.Drain() {
		conn.CloseWithError(errcodeClosed, "transport closed")
	}

	err := t.listener.Close()
	if waitErr := t.eg.Wait(); waitErr != nil {
		err = errors.Join(err, waitErr)
	}

	return errors.Join(err, t.transport.Close())
}
