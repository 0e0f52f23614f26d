package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// socketQueueSize is the number of received packets a socket buffers
// before dropping new ones.
const socketQueueSize = 64

var errNotPeerAddr = errors.New("p2p: destination is not a peer address")

type packet struct {
	from Addr
	data []byte
}

// Socket is a datagram socket bound to a socket name and channel
// of the local peer.
type Socket struct {
	local   Addr
	send    func(ctx context.Context, to Addr, payload []byte) error
	packets chan packet
	done    chan struct{}
	release func() error

	closeOnce sync.Once
	closeErr  error

	mu            sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.PacketConn = (*Socket)(nil)

// LocalAddr returns the peer address the socket is bound to.
func (s *Socket) LocalAddr() net.Addr {
	return s.local
}

// Addr is LocalAddr without the interface.
func (s *Socket) Addr() Addr {
	return s.local
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readDeadline = t
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeDeadline = t
	return nil
}

func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readDeadline = t
	s.writeDeadline = t
	return nil
}

// ReadFrom reads a packet into p. It blocks until a packet arrives,
// the deadline is exceeded, or the socket is closed.
func (s *Socket) ReadFrom(p []byte) (int, net.Addr, error) {
	s.mu.RLock()
	dl, cancel := newDeadline(s.readDeadline)
	defer cancel()
	s.mu.RUnlock()

	select {
	case <-dl.Done():
		return 0, nil, os.ErrDeadlineExceeded
	case pkt := <-s.packets:
		return copy(p, pkt.data), pkt.from, nil
	case <-s.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo sends p to a peer address.
func (s *Socket) WriteTo(p []byte, addr net.Addr) (int, error) {
	to, err := peerAddrOf(addr)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	dl, cancel := newDeadline(s.writeDeadline)
	defer cancel()
	s.mu.RUnlock()

	select {
	case <-dl.Done():
		return 0, os.ErrDeadlineExceeded
	case <-s.done:
		return 0, net.ErrClosed
	default:
	}

	if err := s.send(dl, to, p); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, os.ErrDeadlineExceeded
		}
		return 0, err
	}

	return len(p), nil
}

// Close unbinds the socket and unblocks pending reads.
func (s *Socket) Close() error {
	return s.shutdown(true)
}

// shutdown closes the socket, releasing its binding if asked to.
func (s *Socket) shutdown(release bool) error {
	s.closeOnce.Do(func() {
		close(s.done)
		if release {
			s.closeErr = s.release()
		}
	})

	return s.closeErr
}

// enqueue hands a received packet to the socket.
// It reports false if the packet was dropped.
func (s *Socket) enqueue(pkt packet) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.packets <- pkt:
		return true
	default:
		return false
	}
}

func peerAddrOf(addr net.Addr) (Addr, error) {
	var a Addr
	switch v := addr.(type) {
	case Addr:
		a = v
	case *Addr:
		a = *v
	default:
		parsed, err := ParseAddr(addr.String())
		if err != nil {
			return Addr{}, err
		}
		a = parsed
	}

	if !a.IsP2P() {
		return Addr{}, fmt.Errorf("%w: %s", errNotPeerAddr, addr)
	}

	return a, nil
}

// newDeadline creates a context with a deadline.
// A zero time gives a context which is never done.
func newDeadline(t time.Time) (context.Context, context.CancelFunc) {
	if t.IsZero() {
		return context.WithCancel(context.Background())
	}

	return context.WithDeadline(context.Background(), t)
}
