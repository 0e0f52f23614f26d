// Package memory is an in-process implementation of the online service.
// A single Server holds sessions and peer endpoints, any number of Clients
// talk to it the way game processes talk to the real service.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/dmksnnk/lobby/internal/backend"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/samber/lo"
)

// ErrUnknownPeer is returned by Lookup for peers which never registered an endpoint.
var ErrUnknownPeer = errors.New("memory: unknown peer")

type record struct {
	details backend.SessionDetails
	owner   *Client
	members map[id.ID]struct{}
}

// Server is the shared state of the service.
type Server struct {
	mu       sync.Mutex
	sessions map[id.ID]*record
	peers    map[id.ID]netip.AddrPort
}

// NewServer creates an empty service.
func NewServer() *Server {
	return &Server{
		sessions: make(map[id.ID]*record),
		peers:    make(map[id.ID]netip.AddrPort),
	}
}

// RegisterPeer publishes the transport endpoint of a product user.
func (s *Server) RegisterPeer(user id.ID, addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[user] = addr
}

// Lookup resolves a product user to the endpoint it registered.
func (s *Server) Lookup(ctx context.Context, user id.ID) (netip.AddrPort, error) {
	if err := ctx.Err(); err != nil {
		return netip.AddrPort{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.peers[user]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnknownPeer, user)
	}

	return addr, nil
}

// Session returns a copy of a session by id.
func (s *Server) Session(sessionID id.ID) (backend.SessionDetails, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return backend.SessionDetails{}, false
	}

	return copyDetails(rec.details), true
}

// Len returns the number of sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

func (s *Server) update(c *Client, sessionID id.ID, req backend.UpdateRequest) backend.UpdateResult {
	res := backend.UpdateResult{SessionName: req.SessionName}

	if req.Create && !req.LocalUserID.IsValid() {
		res.Result = backend.InvalidUser
		return res
	}
	if req.MaxPlayers < 0 {
		res.Result = backend.InvalidParameters
		return res
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Create {
		if sessionID.IsValid() {
			res.Result = backend.AlreadyExists
			return res
		}

		rec := &record{
			details: backend.SessionDetails{
				SessionID:                id.New(),
				BucketID:                 req.BucketID,
				OwnerUserID:              req.LocalUserID,
				NumOpenPublicConnections: req.MaxPlayers,
			},
			owner:   c,
			members: make(map[id.ID]struct{}),
		}
		applyUpdate(&rec.details, req)
		s.sessions[rec.details.SessionID] = rec

		res.Result = backend.Success
		res.SessionID = rec.details.SessionID
		return res
	}

	rec, ok := s.sessions[sessionID]
	if !ok || rec.owner != c {
		res.Result = backend.NotFound
		return res
	}

	taken := rec.details.NumPublicConnections - rec.details.NumOpenPublicConnections
	applyUpdate(&rec.details, req)
	rec.details.NumOpenPublicConnections = max(req.MaxPlayers-taken, 0)

	res.Result = backend.Success
	res.SessionID = sessionID
	return res
}

func applyUpdate(d *backend.SessionDetails, req backend.UpdateRequest) {
	d.NumPublicConnections = req.MaxPlayers
	d.Permission = req.Permission
	d.JoinInProgressAllowed = req.JoinInProgressAllowed
	if req.HostAddress != "" {
		d.HostAddress = req.HostAddress
	}

	for _, attr := range req.Attributes {
		idx := slices.IndexFunc(d.Attributes, func(a backend.Attribute) bool { return a.Key == attr.Key })
		if idx < 0 {
			d.Attributes = append(d.Attributes, attr)
		} else {
			d.Attributes[idx] = attr
		}
	}
}

func (s *Server) setStarted(c *Client, sessionID id.ID, started bool) backend.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return backend.NotFound
	}
	if rec.owner == c {
		rec.details.Started = started
	}

	return backend.Success
}

func (s *Server) destroy(c *Client, sessionID id.ID, user id.ID) backend.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return backend.NotFound
	}

	if rec.owner == c {
		delete(s.sessions, sessionID)
		return backend.Success
	}

	if _, member := rec.members[user]; member {
		delete(rec.members, user)
		rec.details.NumOpenPublicConnections++
	}

	return backend.Success
}

func (s *Server) join(sessionID id.ID, user id.ID) backend.Result {
	if !user.IsValid() {
		return backend.InvalidUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return backend.NotFound
	}
	if rec.details.Started && !rec.details.JoinInProgressAllowed {
		return backend.NotFound
	}
	if _, member := rec.members[user]; member {
		return backend.Success
	}
	if rec.details.NumOpenPublicConnections <= 0 {
		return backend.TooManyPlayers
	}

	rec.members[user] = struct{}{}
	rec.details.NumOpenPublicConnections--
	return backend.Success
}

func (s *Server) find(req backend.SearchRequest) ([]backend.SessionDetails, backend.Result) {
	if req.MaxResults < 0 {
		return nil, backend.InvalidParameters
	}

	s.mu.Lock()
	records := lo.Values(s.sessions)
	found := make([]backend.SessionDetails, 0, len(records))
	for _, rec := range records {
		if rec.details.Permission != backend.PublicAdvertised {
			continue
		}
		if rec.details.Started && !rec.details.JoinInProgressAllowed {
			continue
		}
		if lo.EveryBy(req.Params, func(p backend.SearchParam) bool { return matches(rec.details, p) }) {
			found = append(found, copyDetails(rec.details))
		}
	}
	s.mu.Unlock()

	sortFound(found, req.Params)

	limit := min(req.MaxResults, backend.MaxSearchResults)
	if len(found) > limit {
		found = found[:limit]
	}

	return found, backend.Success
}

func matches(d backend.SessionDetails, p backend.SearchParam) bool {
	if p.Key == backend.BucketIDKey {
		return p.Matches(backend.StringValue(d.BucketID))
	}

	attr, ok := d.Attribute(p.Key)
	if !ok {
		return p.Op == backend.NotEqual || p.Op == backend.NotAnyOf
	}

	return p.Matches(attr.Value)
}

// sortFound orders results by the first Distance param, if any, keeping
// results with equal distance in session id order.
func sortFound(found []backend.SessionDetails, params []backend.SearchParam) {
	slices.SortFunc(found, func(a, b backend.SessionDetails) int {
		return slices.Compare(a.SessionID[:], b.SessionID[:])
	})

	p, ok := lo.Find(params, func(p backend.SearchParam) bool { return p.Op == backend.Distance })
	if !ok {
		return
	}

	slices.SortStableFunc(found, func(a, b backend.SessionDetails) int {
		return compareDistance(p, a, b)
	})
}

func compareDistance(p backend.SearchParam, a, b backend.SessionDetails) int {
	da, db := distanceOf(p, a), distanceOf(p, b)
	switch {
	case da < db:
		return -1
	case da > db:
		return 1
	default:
		return 0
	}
}

func distanceOf(p backend.SearchParam, d backend.SessionDetails) float64 {
	attr, ok := d.Attribute(p.Key)
	if !ok {
		return p.Distance(backend.AttributeValue{Type: -1})
	}
	return p.Distance(attr.Value)
}

func copyDetails(d backend.SessionDetails) backend.SessionDetails {
	d.Attributes = slices.Clone(d.Attributes)
	return d
}
