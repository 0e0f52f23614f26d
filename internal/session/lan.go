package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/p2p"
	"github.com/dmksnnk/lobby/internal/platform"
)

func (s *Subsystem) createLAN(sess *Session) error {
	ip, err := platform.LocalHostAddr()
	if err != nil {
		s.logger.Warn("failed to get local host address, using loopback", slog.Any("error", err))
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}

	s.mu.Lock()
	sess.Info = &LANInfo{
		HostAddr:  p2p.IPAddr(netip.AddrPortFrom(ip, s.gamePort)),
		SessionID: id.New(),
	}
	s.mu.Unlock()

	if sess.Settings.ShouldAdvertise {
		if err := s.beacon.Host(background, s.onQuery); err != nil && !errors.Is(err, discovery.ErrSearching) {
			s.remove(sess)
			s.fireCreate(sess.Name, false)
			return fmt.Errorf("create session %q: %w", sess.Name, err)
		}
	}

	s.setState(sess, Pending)
	s.registerLocalPlayers(sess)

	s.logger.Info("LAN session created", slog.String("session", sess.Name), slog.String("host", sess.Info.Host().String()))
	s.fireCreate(sess.Name, true)
	return nil
}

// advertised reports whether a hosted session answers LAN queries.
func advertised(sess *Session) bool {
	return sess.Settings.IsLANMatch &&
		sess.Settings.NumPublicConnections > 0 &&
		(sess.State != InProgress || sess.Settings.AllowJoinInProgress)
}

// refreshBeacon hosts the beacon while any LAN session should be advertised
// and stops it otherwise. A running search is left alone.
func (s *Subsystem) refreshBeacon() {
	if s.beacon.State() == discovery.Searching {
		return
	}

	s.mu.Lock()
	host := false
	for _, sess := range s.sessions {
		if sess.Settings.ShouldAdvertise && advertised(sess) {
			host = true
			break
		}
	}
	s.mu.Unlock()

	if !host {
		if s.beacon.State() == discovery.Hosting {
			s.logger.Debug("no LAN sessions to advertise, stopping beacon")
			s.beacon.Stop()
		}
		return
	}

	if err := s.beacon.Host(background, s.onQuery); err != nil {
		s.logger.Warn("failed to host LAN beacon", slog.Any("error", err))
	}
}

// onQuery answers a LAN query with every advertised session.
func (s *Subsystem) onQuery(from netip.AddrPort, nonce uint64, _ []byte) {
	s.mu.Lock()
	port := s.gamePort
	var bodies [][]byte
	for _, name := range s.sortedNames() {
		sess := s.sessions[name]
		if !advertised(sess) || sess.Info == nil {
			continue
		}

		host := sess.Info.Host()
		if !host.IsP2P() {
			host = host.WithPort(port)
		}

		body, err := EncodeSession(sess, host)
		if err != nil {
			s.logger.Warn("failed to encode LAN session", slog.String("session", name), slog.Any("error", err))
			continue
		}
		bodies = append(bodies, body)
	}
	s.mu.Unlock()

	for _, body := range bodies {
		if err := s.beacon.Respond(from, nonce, body); err != nil {
			s.logger.Warn("failed to respond to LAN query", slog.String("to", from.String()), slog.Any("error", err))
		}
	}
}

func (s *Subsystem) findLAN(search *Search) error {
	nonce := newNonce()

	onResponse := func(from netip.AddrPort, body []byte) {
		s.onResponse(search, from, body)
	}
	onTimeout := func() {
		s.finishSearch(search, SearchDone, nil)
		s.refreshBeacon()
	}

	if err := s.beacon.Search(background, nonce, nil, onResponse, onTimeout); err != nil {
		s.finishSearch(search, SearchFailed, nil)
		s.refreshBeacon()
		return fmt.Errorf("find LAN sessions: %w", err)
	}

	return nil
}

// onResponse adds a LAN session to a search still in progress.
func (s *Subsystem) onResponse(search *Search, from netip.AddrPort, body []byte) {
	sess, err := DecodeSession(body)
	if err != nil {
		s.logger.Debug("dropping LAN response", slog.String("from", from.String()), slog.Any("error", err))
		return
	}

	ping := s.ping()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.search != search {
		return
	}
	if search.MaxResults > 0 && len(search.Results) >= search.MaxResults {
		return
	}
	if slices.ContainsFunc(search.Results, func(r SearchResult) bool {
		return r.Session.Info.ID() == sess.Info.ID()
	}) {
		return
	}

	search.Results = append(search.Results, SearchResult{Session: sess, Ping: ping})
}

func newNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
