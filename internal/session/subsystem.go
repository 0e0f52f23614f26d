// Package session manages named multiplayer sessions hosted on the LAN or by
// an online service.
//
// A Subsystem is driven from one goroutine: operations are called and Tick is
// run on it, and all hooks fire on it, either from the operation itself or
// from a later Tick. Operations return nil when they completed or are pending.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
	"weak"

	"github.com/dmksnnk/lobby/internal/async"
	"github.com/dmksnnk/lobby/internal/backend"
	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/identity"
	"github.com/dmksnnk/lobby/internal/metrics"
	"github.com/dmksnnk/lobby/internal/p2p"
	"github.com/samber/lo"
)

var (
	ErrSessionExists   = errors.New("session: session already exists")
	ErrSessionNotFound = errors.New("session: session not found")
	ErrInvalidState    = errors.New("session: invalid session state")
	ErrNotLoggedIn     = errors.New("session: user is not logged in")
	ErrInvalidUser     = errors.New("session: invalid user id")
	ErrNoService       = errors.New("session: online service is not available")
	ErrNoSearch        = errors.New("session: no search in progress")
	ErrInvalidResult   = errors.New("session: invalid search result")
	ErrInvalidSettings = errors.New("session: invalid session settings")
)

// DefaultGamePort is the port game traffic is expected on.
const DefaultGamePort = 7777

// DefaultBeaconPort is the beacon port used when a session has no BeaconPortSetting.
const DefaultBeaconPort = 15000

// BeaconPortSetting is the setting overriding the beacon port of a session.
const BeaconPortSetting = "BEACONPORT"

// NameGameSession is the conventional name of the game session.
const NameGameSession = "GameSession"

// JoinResult is the result of JoinSession.
type JoinResult int

const (
	JoinSuccess JoinResult = iota
	JoinSessionIsFull
	JoinSessionDoesNotExist
	JoinCouldNotRetrieveAddress
	JoinAlreadyInSession
	JoinUnknownError
)

func (r JoinResult) String() string {
	switch r {
	case JoinSuccess:
		return "Success"
	case JoinSessionIsFull:
		return "SessionIsFull"
	case JoinSessionDoesNotExist:
		return "SessionDoesNotExist"
	case JoinCouldNotRetrieveAddress:
		return "CouldNotRetrieveAddress"
	case JoinAlreadyInSession:
		return "AlreadyInSession"
	default:
		return "UnknownError"
	}
}

// Hooks are notified when operations complete. Any of them may be nil.
type Hooks struct {
	OnCreateComplete            func(name string, ok bool)
	OnStartComplete             func(name string, ok bool)
	OnEndComplete               func(name string, ok bool)
	OnUpdateComplete            func(name string, ok bool)
	OnDestroyComplete           func(name string, ok bool)
	OnFindComplete              func(ok bool)
	OnCancelFindComplete        func(ok bool)
	OnFindByIDComplete          func(user int, ok bool, result SearchResult)
	OnJoinComplete              func(name string, result JoinResult)
	OnRegisterPlayersComplete   func(name string, players []id.ID, ok bool)
	OnUnregisterPlayersComplete func(name string, players []id.ID, ok bool)
}

// Subsystem is the table of named sessions.
type Subsystem struct {
	users      identity.Provider
	service    backend.Service
	beacon     *discovery.Beacon
	hooks      Hooks
	buildID    int32
	p2pSockets bool
	now        func() time.Time
	logger     *slog.Logger
	lifetime   async.Lifetime

	mu          sync.Mutex
	gamePort    uint16
	sessions    map[string]*Session
	search      *Search
	searchStart time.Time
}

// Option configures the Subsystem.
type Option func(*Subsystem)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subsystem) {
		s.logger = logger
	}
}

// WithHooks sets completion hooks.
func WithHooks(h Hooks) Option {
	return func(s *Subsystem) {
		s.hooks = h
	}
}

// WithService sets the online service. Without it only LAN sessions work.
func WithService(service backend.Service) Option {
	return func(s *Subsystem) {
		s.service = service
	}
}

// WithBeacon sets the LAN beacon. By default a beacon on the default port
// with the build id as bucket is used.
func WithBeacon(b *discovery.Beacon) Option {
	return func(s *Subsystem) {
		s.beacon = b
	}
}

// WithBuildID sets the build id stamped on created sessions. Only sessions
// of the same build are found.
func WithBuildID(buildID int32) Option {
	return func(s *Subsystem) {
		s.buildID = buildID
	}
}

// WithGamePort sets the port game traffic is expected on.
func WithGamePort(port uint16) Option {
	return func(s *Subsystem) {
		s.gamePort = port
	}
}

// WithP2PSockets makes online sessions advertise peer addresses instead of IP addresses.
func WithP2PSockets(enabled bool) Option {
	return func(s *Subsystem) {
		s.p2pSockets = enabled
	}
}

// WithClock sets the source of time for search pings.
func WithClock(now func() time.Time) Option {
	return func(s *Subsystem) {
		s.now = now
	}
}

// New creates a session subsystem for the users.
func New(users identity.Provider, opts ...Option) *Subsystem {
	s := &Subsystem{
		users:    users,
		gamePort: DefaultGamePort,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.beacon == nil {
		s.beacon = discovery.New(
			discovery.WithBucketID(uint32(s.buildID)),
			discovery.WithLogger(s.logger),
		)
	}

	return s
}

// Alive reports whether the subsystem was not closed.
// Completions of calls issued before Close are dropped.
func (s *Subsystem) Alive() bool {
	return s.lifetime.Alive()
}

// Close stops the beacon and abandons all pending calls.
func (s *Subsystem) Close() {
	s.lifetime.End()
	s.beacon.Stop()
}

// Tick delivers completions of online service calls and handles LAN packets.
func (s *Subsystem) Tick(now time.Time) {
	if s.service != nil {
		s.service.Tick()
	}
	s.beacon.Tick(now)

	s.mu.Lock()
	counts := lo.CountValuesBy(lo.Values(s.sessions), func(sess *Session) State { return sess.State })
	s.mu.Unlock()

	for state := NoSession; state <= Destroying; state++ {
		metrics.Sessions.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

// BuildID returns the build id stamped on created sessions.
func (s *Subsystem) BuildID() int32 {
	return s.buildID
}

func (s *Subsystem) bucketID() string {
	return strconv.FormatInt(int64(s.buildID), 10)
}

// SetGamePort updates the port game traffic is on, e.g. after the game
// server rebinds. Hosted LAN sessions advertise the new port.
func (s *Subsystem) SetGamePort(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gamePort = port
}

func (s *Subsystem) port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gamePort
}

// Session returns a copy of a named session.
func (s *Subsystem) Session(name string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[name]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// NumSessions returns the number of named sessions.
func (s *Subsystem) NumSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// SessionState returns the state of a named session, NoSession if there is none.
func (s *Subsystem) SessionState(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[name]; ok {
		return sess.State
	}
	return NoSession
}

// ActiveSessionName returns the name of the game session if it exists,
// else the first session name in order.
func (s *Subsystem) ActiveSessionName() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[NameGameSession]; ok {
		return NameGameSession, true
	}
	if len(s.sessions) == 0 {
		return "", false
	}

	return slices.Min(lo.Keys(s.sessions)), true
}

// IsHost reports whether the local user hosting the session owns it.
// Dedicated servers always host.
func (s *Subsystem) IsHost(name string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if sess.Settings.IsDedicated {
		return true
	}

	return sess.OwningUserID.IsValid() && sess.OwningUserID == s.users.UniqueID(sess.HostingUser)
}

// IsPlayerInSession reports whether a player is registered in a session.
func (s *Subsystem) IsPlayerInSession(name string, player id.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[name]
	return ok && slices.Contains(sess.RegisteredPlayers, player)
}

// DumpSessionState logs all sessions.
func (s *Subsystem) DumpSessionState() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, name := range s.sortedNames() {
		sessions = append(sessions, s.sessions[name].Clone())
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		attrs := []any{
			slog.String("session", sess.Name),
			slog.String("state", sess.State.String()),
			slog.String("owner", sess.OwningUserID.String()),
			slog.String("owner_name", sess.OwningUserName),
			slog.Int("open_public", int(sess.NumOpenPublicConnections)),
			slog.Int("open_private", int(sess.NumOpenPrivateConnections)),
			slog.Int("players", len(sess.RegisteredPlayers)),
		}
		if sess.Info != nil {
			attrs = append(attrs, slog.String("host", sess.Info.Host().String()))
		}
		s.logger.Info("session", attrs...)
	}
}

// sortedNames must be called with the lock held.
func (s *Subsystem) sortedNames() []string {
	names := lo.Keys(s.sessions)
	slices.Sort(names)
	return names
}

// current reports whether sess is still the session under its name.
func (s *Subsystem) current(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessions[sess.Name] == sess
}

func (s *Subsystem) setState(sess *Session, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.State = state
}

func (s *Subsystem) remove(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[sess.Name] == sess {
		delete(s.sessions, sess.Name)
	}
}

// precondition logs a failed precondition and wraps err.
func (s *Subsystem) precondition(op, name string, err error) error {
	s.logger.Warn("cannot "+op+" session", slog.String("session", name), slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%s session %q: %w", op, name, err)
}

// CreateSession creates a session hosted by a local user.
func (s *Subsystem) CreateSession(hostingUser int, name string, settings Settings) error {
	if s.users.LoginStatus(hostingUser) == identity.NotLoggedIn {
		s.fireCreate(name, false)
		return s.precondition("create", name, ErrNotLoggedIn)
	}

	owner := s.users.UniqueID(hostingUser)
	if !owner.IsValid() {
		s.fireCreate(name, false)
		return s.precondition("create", name, ErrInvalidUser)
	}

	if err := checkConnections(settings); err != nil {
		s.fireCreate(name, false)
		return s.precondition("create", name, err)
	}

	sess := &Session{
		Name:                      name,
		State:                     Creating,
		Settings:                  settings.Clone(),
		OwningUserID:              owner,
		OwningUserName:            s.users.Nickname(hostingUser),
		NumOpenPublicConnections:  settings.NumPublicConnections,
		NumOpenPrivateConnections: settings.NumPrivateConnections,
		HostingUser:               hostingUser,
	}
	sess.Settings.BuildUniqueID = s.buildID

	s.mu.Lock()
	if _, exists := s.sessions[name]; exists {
		s.mu.Unlock()
		s.fireCreate(name, false)
		return s.precondition("create", name, ErrSessionExists)
	}
	s.sessions[name] = sess
	s.mu.Unlock()

	if settings.IsLANMatch {
		return s.createLAN(sess)
	}
	return s.createOnline(sess)
}

func checkConnections(settings Settings) error {
	if settings.NumPublicConnections < 0 || settings.NumPrivateConnections < 0 {
		return fmt.Errorf("%w: negative number of connections (%d public, %d private)",
			ErrInvalidSettings, settings.NumPublicConnections, settings.NumPrivateConnections)
	}
	return nil
}

// StartSession marks a session as in progress.
func (s *Subsystem) StartSession(name string) error {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		s.fireStart(name, false)
		return s.precondition("start", name, ErrSessionNotFound)
	}
	if sess.State != Pending && sess.State != Ended {
		state := sess.State
		s.mu.Unlock()
		s.fireStart(name, false)
		return s.precondition("start", name, fmt.Errorf("%w: %s", ErrInvalidState, state))
	}
	s.mu.Unlock()

	if sess.Settings.IsLANMatch {
		s.setState(sess, InProgress)
		s.refreshBeacon()
		s.fireStart(name, true)
		return nil
	}

	return s.startOnline(sess)
}

// EndSession marks an in progress session as ended.
func (s *Subsystem) EndSession(name string) error {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		s.fireEnd(name, false)
		return s.precondition("end", name, ErrSessionNotFound)
	}
	if sess.State != InProgress {
		state := sess.State
		s.mu.Unlock()
		s.fireEnd(name, false)
		return s.precondition("end", name, fmt.Errorf("%w: %s", ErrInvalidState, state))
	}
	s.mu.Unlock()

	if sess.Settings.IsLANMatch {
		s.setState(sess, Ended)
		s.refreshBeacon()
		s.fireEnd(name, true)
		return nil
	}

	return s.endOnline(sess, func(sub *Subsystem, ok bool) {
		sub.fireEnd(name, ok)
	})
}

// UpdateSession replaces the settings of a session. Online sessions push
// them to the service. With refresh, LAN hosting is re-evaluated.
func (s *Subsystem) UpdateSession(name string, settings Settings, refresh bool) error {
	if err := checkConnections(settings); err != nil {
		s.fireUpdate(name, false)
		return s.precondition("update", name, err)
	}

	s.mu.Lock()
	sess, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		s.fireUpdate(name, false)
		return s.precondition("update", name, ErrSessionNotFound)
	}
	if sess.State == Creating || sess.State == Destroying {
		state := sess.State
		s.mu.Unlock()
		s.fireUpdate(name, false)
		return s.precondition("update", name, fmt.Errorf("%w: %s", ErrInvalidState, state))
	}

	buildID := sess.Settings.BuildUniqueID
	sess.Settings = settings.Clone()
	sess.Settings.BuildUniqueID = buildID
	sess.NumOpenPublicConnections = min(sess.NumOpenPublicConnections, sess.Settings.NumPublicConnections)
	sess.NumOpenPrivateConnections = min(sess.NumOpenPrivateConnections, sess.Settings.NumPrivateConnections)
	s.mu.Unlock()

	if sess.Settings.IsLANMatch {
		if refresh {
			s.refreshBeacon()
		}
		s.fireUpdate(name, true)
		return nil
	}

	return s.updateOnline(sess)
}

// DestroySession removes a session. done and the destroy hook fire exactly
// once, unless the session is already being destroyed. A session waiting
// for the service to create, start or end it can't be destroyed.
func (s *Subsystem) DestroySession(name string, done func(name string, ok bool)) error {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		s.finishDestroy(name, done, false)
		return s.precondition("destroy", name, ErrSessionNotFound)
	}
	switch state := sess.State; state {
	case Destroying:
		s.mu.Unlock()
		return s.precondition("destroy", name, fmt.Errorf("%w: already destroying", ErrInvalidState))
	case Creating, Starting, Ending:
		s.mu.Unlock()
		s.finishDestroy(name, done, false)
		return s.precondition("destroy", name, fmt.Errorf("%w: %s", ErrInvalidState, state))
	}
	s.mu.Unlock()

	if sess.Settings.IsLANMatch {
		s.remove(sess)
		s.refreshBeacon()
		s.finishDestroy(name, done, true)
		return nil
	}

	return s.destroyOnline(sess, done)
}

func (s *Subsystem) finishDestroy(name string, done func(name string, ok bool), ok bool) {
	if done != nil {
		done(name, ok)
	}
	s.fireDestroy(name, ok)
}

// FindSessions starts a search. While another search runs the request is
// ignored.
func (s *Subsystem) FindSessions(searchingUser int, search *Search) error {
	s.mu.Lock()
	if s.search != nil && s.search.State == SearchInProgress {
		s.mu.Unlock()
		s.logger.Warn("ignoring search request while one is pending", slog.String("op", "find"))
		return nil
	}

	search.Results = nil
	search.State = SearchInProgress
	s.search = search
	s.searchStart = s.now()
	s.mu.Unlock()

	if search.IsLANQuery {
		return s.findLAN(search)
	}
	return s.findOnline(searchingUser, search)
}

// FindSessionByID is not supported by the online service. It completes
// with failure.
func (s *Subsystem) FindSessionByID(searchingUser int, sessionID id.ID) error {
	s.logger.Warn("find session by id is not supported", slog.String("session_id", sessionID.String()))
	if s.hooks.OnFindByIDComplete != nil {
		s.hooks.OnFindByIDComplete(searchingUser, false, SearchResult{})
	}
	return fmt.Errorf("find session by id: %w", errors.ErrUnsupported)
}

// CancelFindSessions cancels the running search. Its results are discarded.
func (s *Subsystem) CancelFindSessions() error {
	s.mu.Lock()
	search := s.search
	if search == nil || search.State != SearchInProgress {
		s.mu.Unlock()
		s.fireCancelFind(false)
		return s.precondition("cancel find", "", ErrNoSearch)
	}

	search.State = SearchFailed
	s.search = nil
	s.mu.Unlock()

	if search.IsLANQuery {
		s.beacon.Stop()
		s.refreshBeacon()
	}

	metrics.Searches.WithLabelValues(searchKind(search), "canceled").Inc()
	s.fireCancelFind(true)
	return nil
}

// JoinSession joins a session found by a search under a local name.
func (s *Subsystem) JoinSession(user int, name string, result SearchResult) error {
	if !result.IsValid() {
		s.fireJoin(name, JoinSessionDoesNotExist)
		return s.precondition("join", name, ErrInvalidResult)
	}

	sess := result.Session.Clone()
	sess.Name = name
	sess.State = Pending
	sess.HostingUser = user
	sess.RegisteredPlayers = nil

	s.mu.Lock()
	if _, exists := s.sessions[name]; exists {
		s.mu.Unlock()
		s.fireJoin(name, JoinAlreadyInSession)
		return s.precondition("join", name, ErrSessionExists)
	}
	s.sessions[name] = sess
	s.mu.Unlock()

	if sess.Settings.IsLANMatch {
		s.registerLocalPlayers(sess)
		s.fireJoin(name, JoinSuccess)
		return nil
	}

	return s.joinOnline(user, sess)
}

func searchKind(search *Search) string {
	if search.IsLANQuery {
		return metrics.LAN
	}
	return metrics.Online
}

// finishSearch completes the current search if it is still search.
// It reports false for a detached search, whose results are dropped.
func (s *Subsystem) finishSearch(search *Search, state SearchState, results []SearchResult) bool {
	s.mu.Lock()
	if s.search != search {
		s.mu.Unlock()
		return false
	}

	search.Results = append(search.Results, results...)
	if state == SearchDone && len(search.Results) > 0 {
		search.SortResults()
	}
	search.State = state
	s.search = nil
	n := len(search.Results)
	s.mu.Unlock()

	result := "done"
	if state != SearchDone {
		result = "failed"
	}
	metrics.Searches.WithLabelValues(searchKind(search), result).Inc()
	if state == SearchDone {
		metrics.SearchResults.Observe(float64(n))
	}

	s.fireFind(state == SearchDone)
	return true
}

// ping is the time since the current search started.
func (s *Subsystem) ping() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now().Sub(s.searchStart)
}

// ResolvedConnectString returns the address to connect to a named session.
func (s *Subsystem) ResolvedConnectString(name string, port PortType) (string, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	var info Info
	var settings Settings
	if ok {
		info = sess.Info
		settings = sess.Settings
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("unknown session to resolve", slog.String("session", name))
		return "", false
	}

	return connectString(info, settings, port)
}

// ResolvedConnectStringFor returns the address to connect to a found session.
func (s *Subsystem) ResolvedConnectStringFor(result SearchResult, port PortType) (string, bool) {
	if !result.IsValid() {
		return "", false
	}

	return connectString(result.Session.Info, result.Session.Settings, port)
}

func connectString(info Info, settings Settings, port PortType) (string, bool) {
	if info == nil || !info.Host().IsValid() {
		return "", false
	}

	if port == BeaconPort {
		beaconPort := int32(DefaultBeaconPort)
		if v, ok := settings.Get(BeaconPortSetting); ok {
			if p, ok := v.AsInt32(); ok {
				beaconPort = p
			}
		}
		return info.Host().WithPort(uint16(beaconPort)).String(), true
	}

	if bi, ok := info.(*BackendInfo); ok && bi.P2PAddr.IsValid() {
		return bi.P2PAddr.String(), true
	}

	return info.Host().String(), true
}

// localPlayers returns account ids of logged in local users.
func (s *Subsystem) localPlayers() []id.ID {
	return lo.FilterMap(s.users.LocalUsers(), func(user int, _ int) (id.ID, bool) {
		uid := s.users.UniqueID(user)
		return uid, uid.IsValid() && s.users.LoginStatus(user) != identity.NotLoggedIn
	})
}

func (s *Subsystem) registerLocalPlayers(sess *Session) {
	if sess.Settings.IsDedicated {
		return
	}

	if players := s.localPlayers(); len(players) > 0 {
		s.RegisterPlayers(sess.Name, players, false)
	}
}

// RegisterPlayer takes a connection slot of a session for a player.
func (s *Subsystem) RegisterPlayer(name string, player id.ID, wasInvited bool) error {
	return s.RegisterPlayers(name, []id.ID{player}, wasInvited)
}

// RegisterPlayers takes a connection slot for every player not registered
// yet, public slots first.
func (s *Subsystem) RegisterPlayers(name string, players []id.ID, wasInvited bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		s.fireRegister(name, players, false)
		return s.precondition("register players in", name, ErrSessionNotFound)
	}

	for _, player := range players {
		if slices.Contains(sess.RegisteredPlayers, player) {
			s.logger.Info("player already registered", slog.String("session", name), slog.String("player", player.String()))
			continue
		}

		sess.RegisteredPlayers = append(sess.RegisteredPlayers, player)
		switch {
		case sess.NumOpenPublicConnections > 0:
			sess.NumOpenPublicConnections--
		case sess.NumOpenPrivateConnections > 0:
			sess.NumOpenPrivateConnections--
		}
	}
	s.mu.Unlock()

	s.fireRegister(name, players, true)
	return nil
}

// UnregisterPlayer frees the connection slot of a player.
func (s *Subsystem) UnregisterPlayer(name string, player id.ID) error {
	return s.UnregisterPlayers(name, []id.ID{player})
}

// UnregisterPlayers frees the connection slots of registered players,
// public slots first.
func (s *Subsystem) UnregisterPlayers(name string, players []id.ID) error {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		s.fireUnregister(name, players, false)
		return s.precondition("unregister players from", name, ErrSessionNotFound)
	}

	for _, player := range players {
		idx := slices.Index(sess.RegisteredPlayers, player)
		if idx < 0 {
			s.logger.Warn("player is not part of session", slog.String("session", name), slog.String("player", player.String()))
			continue
		}

		sess.RegisteredPlayers = slices.Delete(sess.RegisteredPlayers, idx, idx+1)
		switch {
		case sess.NumOpenPublicConnections < sess.Settings.NumPublicConnections:
			sess.NumOpenPublicConnections++
		case sess.NumOpenPrivateConnections < sess.Settings.NumPrivateConnections:
			sess.NumOpenPrivateConnections++
		}
	}
	s.mu.Unlock()

	s.fireUnregister(name, players, true)
	return nil
}

// callback wraps a completion for the online service. The service only
// holds the subsystem weakly, and completions are dropped after Close.
func callback[R async.Completer](s *Subsystem, op string, done func(*Subsystem, R)) func(R) {
	return newCallback(s, op, done).Func()
}

func newCallback[R async.Completer](s *Subsystem, op string, done func(*Subsystem, R)) *async.Callback[R] {
	wp := weak.Make(s)
	logger := s.logger

	return async.NewCallback(async.Weak(s),
		func(res R) {
			if sub := wp.Value(); sub != nil {
				done(sub, res)
			}
		},
		async.OnProgress(func(R) {
			logger.Debug("online call will retry", slog.String("op", op))
		}),
	)
}

func observe(op string, res backend.Result) {
	metrics.BackendCalls.WithLabelValues(op, res.String()).Inc()
}

func (s *Subsystem) fireCreate(name string, ok bool) {
	if s.hooks.OnCreateComplete != nil {
		s.hooks.OnCreateComplete(name, ok)
	}
}

func (s *Subsystem) fireStart(name string, ok bool) {
	if s.hooks.OnStartComplete != nil {
		s.hooks.OnStartComplete(name, ok)
	}
}

func (s *Subsystem) fireEnd(name string, ok bool) {
	if s.hooks.OnEndComplete != nil {
		s.hooks.OnEndComplete(name, ok)
	}
}

func (s *Subsystem) fireUpdate(name string, ok bool) {
	if s.hooks.OnUpdateComplete != nil {
		s.hooks.OnUpdateComplete(name, ok)
	}
}

func (s *Subsystem) fireDestroy(name string, ok bool) {
	if s.hooks.OnDestroyComplete != nil {
		s.hooks.OnDestroyComplete(name, ok)
	}
}

func (s *Subsystem) fireFind(ok bool) {
	if s.hooks.OnFindComplete != nil {
		s.hooks.OnFindComplete(ok)
	}
}

func (s *Subsystem) fireCancelFind(ok bool) {
	if s.hooks.OnCancelFindComplete != nil {
		s.hooks.OnCancelFindComplete(ok)
	}
}

func (s *Subsystem) fireJoin(name string, res JoinResult) {
	if s.hooks.OnJoinComplete != nil {
		s.hooks.OnJoinComplete(name, res)
	}
}

func (s *Subsystem) fireRegister(name string, players []id.ID, ok bool) {
	if s.hooks.OnRegisterPlayersComplete != nil {
		s.hooks.OnRegisterPlayersComplete(name, players, ok)
	}
}

func (s *Subsystem) fireUnregister(name string, players []id.ID, ok bool) {
	if s.hooks.OnUnregisterPlayersComplete != nil {
		s.hooks.OnUnregisterPlayersComplete(name, players, ok)
	}
}

var _ p2p.SessionNamer = (*Subsystem)(nil)

// background is the context of beacon sockets. Beacons are stopped
// explicitly, not by cancellation.
var background = context.Background()
