package session

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/dmksnnk/lobby/internal/async"
	"github.com/dmksnnk/lobby/internal/backend"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/p2p"
	"github.com/samber/lo"
)

// Attributes written for every online session.
const (
	AttrNumPrivateConnections = "NumPrivateConnections"
	AttrNumPublicConnections  = "NumPublicConnections"
	AttrOwningPlayerName      = "OwningPlayerName"
	AttrOwningNetID           = "OwningNetId"
	AttrAntiCheatProtected    = "bAntiCheatProtected"
	AttrUsesStats             = "bUsesStats"
	AttrIsDedicated           = "bIsDedicated"
	AttrBuildUniqueID         = "BuildUniqueId"
)

// customPrefix marks attributes carrying custom settings.
const customPrefix = "FOSS="

func (s *Subsystem) createOnline(sess *Session) error {
	if s.service == nil {
		s.remove(sess)
		s.fireCreate(sess.Name, false)
		return s.precondition("create", sess.Name, ErrNoService)
	}

	host, err := s.onlineHostAddr(sess)
	if err != nil {
		s.remove(sess)
		s.fireCreate(sess.Name, false)
		return s.precondition("create", sess.Name, err)
	}

	info := &BackendInfo{HostAddr: host}
	if host.IsP2P() {
		info.P2PAddr = host
	}
	s.mu.Lock()
	sess.Info = info
	s.mu.Unlock()

	req := s.updateRequest(sess)
	req.Create = true

	name := sess.Name
	s.service.UpdateSession(req, callback(s, "create", func(sub *Subsystem, res backend.UpdateResult) {
		observe("create", res.Result)
		if !sub.current(sess) {
			sub.logger.Warn("session was removed while being created", slog.String("session", name))
			sub.fireCreate(name, false)
			return
		}

		if res.Result != backend.Success {
			sub.logger.Warn("failed to create online session",
				slog.String("session", name),
				slog.String("result", res.Result.String()),
			)
			sub.remove(sess)
			sub.fireCreate(name, false)
			return
		}

		sub.mu.Lock()
		info.SessionID = res.SessionID
		if sess.State == Creating {
			sess.State = Pending
		}
		sub.mu.Unlock()

		sub.registerLocalPlayers(sess)
		sub.logger.Info("online session created", slog.String("session", name), slog.String("session_id", res.SessionID.String()))
		sub.fireCreate(name, true)
	}))

	return nil
}

// onlineHostAddr is the address put into the online service: a peer address
// of the owner with P2P sockets, loopback otherwise. The service replaces
// loopback with the address it sees.
func (s *Subsystem) onlineHostAddr(sess *Session) (p2p.Addr, error) {
	port := s.port()

	if s.p2pSockets && !sess.Settings.IsDedicated {
		puid := s.users.ProductUserID(sess.HostingUser)
		if !puid.IsValid() {
			return p2p.Addr{}, ErrInvalidUser
		}
		return p2p.PeerAddr(puid, sess.Name, port), nil
	}

	return p2p.IPAddr(netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)), nil
}

func (s *Subsystem) startOnline(sess *Session) error {
	if s.service == nil {
		s.fireStart(sess.Name, false)
		return s.precondition("start", sess.Name, ErrNoService)
	}

	s.setState(sess, Starting)

	name := sess.Name
	s.service.StartSession(name, callback(s, "start", func(sub *Subsystem, res backend.CallResult) {
		observe("start", res.Result)
		if !sub.current(sess) {
			sub.fireStart(name, false)
			return
		}

		ok := res.Result == backend.Success
		if !ok {
			sub.logger.Warn("failed to start online session", slog.String("session", name), slog.String("result", res.Result.String()))
		}

		// The game is running either way.
		sub.mu.Lock()
		if sess.State == Starting {
			sess.State = InProgress
		}
		sub.mu.Unlock()
		sub.fireStart(name, ok)
	}))

	return nil
}

// endOnline ends the session and calls after with the result.
func (s *Subsystem) endOnline(sess *Session, after func(sub *Subsystem, ok bool)) error {
	if s.service == nil {
		after(s, false)
		return s.precondition("end", sess.Name, ErrNoService)
	}

	s.setState(sess, Ending)

	name := sess.Name
	s.service.EndSession(name, callback(s, "end", func(sub *Subsystem, res backend.CallResult) {
		observe("end", res.Result)
		ok := res.Result == backend.Success
		if !ok {
			sub.logger.Warn("failed to end online session", slog.String("session", name), slog.String("result", res.Result.String()))
		}

		sub.mu.Lock()
		if sub.sessions[name] == sess && sess.State == Ending {
			sess.State = Ended
		}
		sub.mu.Unlock()

		after(sub, ok)
	}))

	return nil
}

func (s *Subsystem) updateOnline(sess *Session) error {
	if s.service == nil {
		s.fireUpdate(sess.Name, false)
		return s.precondition("update", sess.Name, ErrNoService)
	}

	name := sess.Name
	s.service.UpdateSession(s.updateRequest(sess), callback(s, "update", func(sub *Subsystem, res backend.UpdateResult) {
		observe("update", res.Result)
		ok := res.Result == backend.Success || res.Result == backend.OutOfSync
		if !ok {
			sub.logger.Warn("failed to update online session", slog.String("session", name), slog.String("result", res.Result.String()))
		}
		sub.fireUpdate(name, ok)
	}))

	return nil
}

// destroyOnline ends an in progress session first. The session is removed
// whatever the service replies.
func (s *Subsystem) destroyOnline(sess *Session, done func(name string, ok bool)) error {
	name := sess.Name

	if s.service == nil {
		s.remove(sess)
		s.finishDestroy(name, done, false)
		return s.precondition("destroy", name, ErrNoService)
	}

	destroy := func(sub *Subsystem) {
		sub.setState(sess, Destroying)
		sub.service.DestroySession(name, callback(sub, "destroy", func(sub *Subsystem, res backend.CallResult) {
			observe("destroy", res.Result)
			ok := res.Result == backend.Success
			if !ok {
				sub.logger.Warn("failed to destroy online session", slog.String("session", name), slog.String("result", res.Result.String()))
			}

			sub.remove(sess)
			sub.finishDestroy(name, done, ok)
		}))
	}

	if sess.State == InProgress {
		return s.endOnline(sess, func(sub *Subsystem, _ bool) {
			destroy(sub)
		})
	}

	destroy(s)
	return nil
}

func (s *Subsystem) joinOnline(user int, sess *Session) error {
	name := sess.Name

	info, ok := sess.Info.(*BackendInfo)
	if !ok || s.service == nil {
		s.remove(sess)
		s.fireJoin(name, JoinCouldNotRetrieveAddress)
		return s.precondition("join", name, ErrNoService)
	}

	puid := s.users.ProductUserID(user)
	if !puid.IsValid() {
		s.remove(sess)
		s.fireJoin(name, JoinUnknownError)
		return s.precondition("join", name, ErrNotLoggedIn)
	}

	req := backend.JoinRequest{
		SessionName: name,
		LocalUserID: puid,
		SessionID:   info.SessionID,
	}
	s.service.JoinSession(req, callback(s, "join", func(sub *Subsystem, res backend.CallResult) {
		observe("join", res.Result)
		if !sub.current(sess) {
			sub.fireJoin(name, JoinUnknownError)
			return
		}

		if res.Result != backend.Success {
			sub.logger.Warn("failed to join online session", slog.String("session", name), slog.String("result", res.Result.String()))
			sub.remove(sess)
			sub.fireJoin(name, joinResult(res.Result))
			return
		}

		sub.registerLocalPlayers(sess)
		sub.fireJoin(name, JoinSuccess)
	}))

	return nil
}

func joinResult(r backend.Result) JoinResult {
	switch r {
	case backend.Success:
		return JoinSuccess
	case backend.TooManyPlayers:
		return JoinSessionIsFull
	case backend.NotFound:
		return JoinSessionDoesNotExist
	case backend.AlreadyExists:
		return JoinAlreadyInSession
	default:
		return JoinUnknownError
	}
}

func (s *Subsystem) findOnline(searchingUser int, search *Search) error {
	if s.service == nil {
		s.finishSearch(search, SearchFailed, nil)
		return fmt.Errorf("find sessions: %w", ErrNoService)
	}

	puid := s.users.ProductUserID(searchingUser)
	if !puid.IsValid() {
		s.finishSearch(search, SearchFailed, nil)
		return fmt.Errorf("find sessions: %w", ErrNotLoggedIn)
	}

	req := backend.SearchRequest{
		LocalUserID: puid,
		MaxResults:  backend.MaxSearchResults,
		Params:      s.searchParams(search),
	}
	if search.MaxResults > 0 {
		req.MaxResults = min(search.MaxResults, backend.MaxSearchResults)
	}

	// found sessions are dropped with the search callback, on close or
	// after the terminal result
	var found []backend.SessionDetails
	done := newCallback(s, "find", func(sub *Subsystem, res backend.FindResult) {
		observe("find", res.Result)
		if res.Result != backend.Success {
			sub.logger.Warn("online search failed", slog.String("result", res.Result.String()))
			sub.finishSearch(search, SearchFailed, nil)
			return
		}
		if len(found) != res.Count {
			sub.logger.Warn("online search lost sessions", slog.Int("want", res.Count), slog.Int("got", len(found)))
		}

		ping := sub.ping()
		results := lo.FilterMap(found, func(d backend.SessionDetails, _ int) (SearchResult, bool) {
			sess, err := sessionFromDetails(d)
			if err != nil {
				sub.logger.Debug("skipping online session", slog.String("session_id", d.SessionID.String()), slog.Any("error", err))
				return SearchResult{}, false
			}
			return SearchResult{Session: sess, Ping: ping}, true
		})

		if !sub.finishSearch(search, SearchDone, results) {
			sub.logger.Debug("dropping results of a canceled search", slog.Int("results", len(results)))
		}
	})
	onFound := async.NewNested(done, func(f backend.FoundSession) {
		found = append(found, f.Details)
	})

	s.service.FindSessions(req, onFound.Func(), done.Func())

	return nil
}

// searchParams filters by build and free slots, plus custom params of
// supported types.
func (s *Subsystem) searchParams(search *Search) []backend.SearchParam {
	params := []backend.SearchParam{
		{Key: AttrNumPublicConnections, Value: backend.Int64Value(1), Op: backend.GreaterThanOrEqual},
		{Key: backend.BucketIDKey, Value: backend.StringValue(s.bucketID()), Op: backend.Equal},
	}

	for _, p := range search.Params {
		v, ok := attributeValue(p.Value)
		if !ok {
			s.logger.Warn("unsupported search param type", slog.String("key", p.Key), slog.String("type", p.Value.Type().String()))
			continue
		}
		params = append(params, backend.SearchParam{Key: customPrefix + p.Key, Value: v, Op: p.Op})
	}

	return params
}

func (s *Subsystem) updateRequest(sess *Session) backend.UpdateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := sess.Settings
	host := ""
	if sess.Info != nil {
		host = sess.Info.Host().String()
	}

	return backend.UpdateRequest{
		SessionName:           sess.Name,
		BucketID:              s.bucketID(),
		LocalUserID:           s.users.ProductUserID(sess.HostingUser),
		MaxPlayers:            int(settings.NumPublicConnections + settings.NumPrivateConnections),
		PresenceEnabled:       presenceEnabled(settings),
		HostAddress:           host,
		Permission:            permissionLevel(settings),
		JoinInProgressAllowed: settings.AllowJoinInProgress,
		Attributes:            attributes(sess),
	}
}

func presenceEnabled(s Settings) bool {
	return s.UsesPresence || s.AllowJoinViaPresence || s.AllowJoinViaPresenceFriendsOnly || s.AllowInvites
}

func permissionLevel(s Settings) backend.PermissionLevel {
	switch {
	case s.NumPublicConnections > 0:
		return backend.PublicAdvertised
	case s.AllowJoinViaPresence:
		return backend.JoinViaPresence
	default:
		return backend.InviteOnly
	}
}

// attributes lists reserved attributes and advertised custom settings.
func attributes(sess *Session) []backend.Attribute {
	ownerName := sess.OwningUserName
	if ownerName == "" {
		ownerName = "DedicatedServer - " + sess.OwningUserID.String()
	}

	attrs := []backend.Attribute{
		{Key: AttrNumPrivateConnections, Value: backend.Int64Value(int64(sess.Settings.NumPrivateConnections)), Advertised: true},
		{Key: AttrNumPublicConnections, Value: backend.Int64Value(int64(sess.Settings.NumPublicConnections)), Advertised: true},
		{Key: AttrOwningPlayerName, Value: backend.StringValue(ownerName), Advertised: true},
		{Key: AttrOwningNetID, Value: backend.StringValue(sess.OwningUserID.String()), Advertised: true},
		{Key: AttrAntiCheatProtected, Value: backend.BoolValue(sess.Settings.AntiCheatProtected), Advertised: true},
		{Key: AttrUsesStats, Value: backend.BoolValue(sess.Settings.UsesStats), Advertised: true},
		{Key: AttrIsDedicated, Value: backend.BoolValue(sess.Settings.IsDedicated), Advertised: true},
		{Key: AttrBuildUniqueID, Value: backend.Int64Value(int64(sess.Settings.BuildUniqueID)), Advertised: true},
	}

	for _, key := range sess.Settings.sortedKeys() {
		setting := sess.Settings.Settings[key]
		if !setting.advertised() {
			continue
		}
		v, ok := attributeValue(setting.Value)
		if !ok {
			continue
		}
		attrs = append(attrs, backend.Attribute{Key: customPrefix + key, Value: v, Advertised: true})
	}

	return attrs
}

// attributeValue widens a setting value to an attribute value.
func attributeValue(v Value) (backend.AttributeValue, bool) {
	switch v.Type() {
	case TypeBool:
		b, _ := v.AsBool()
		return backend.BoolValue(b), true
	case TypeInt32:
		n, _ := v.AsInt32()
		return backend.Int64Value(int64(n)), true
	case TypeUint32:
		n, _ := v.AsUint32()
		return backend.Int64Value(int64(n)), true
	case TypeInt64:
		n, _ := v.AsInt64()
		return backend.Int64Value(n), true
	case TypeFloat:
		f, _ := v.AsFloat()
		return backend.DoubleValue(float64(f)), true
	case TypeDouble:
		f, _ := v.AsDouble()
		return backend.DoubleValue(f), true
	case TypeString:
		str, _ := v.AsString()
		return backend.StringValue(str), true
	default:
		return backend.AttributeValue{}, false
	}
}

func settingValue(v backend.AttributeValue) Value {
	switch v.Type {
	case backend.TypeBool:
		return Bool(v.Bool)
	case backend.TypeInt64:
		return Int64(v.Int64)
	case backend.TypeDouble:
		return Double(v.Double)
	default:
		return String(v.String)
	}
}

// sessionFromDetails rebuilds a session from what the service returned.
func sessionFromDetails(d backend.SessionDetails) (*Session, error) {
	host, err := p2p.ParseAddr(d.HostAddress)
	if err != nil {
		return nil, fmt.Errorf("host address: %w", err)
	}

	info := &BackendInfo{HostAddr: host, SessionID: d.SessionID}
	if host.IsP2P() {
		info.P2PAddr = host
	}

	sess := &Session{
		OwningUserID: d.OwnerUserID,
		Info:         info,
	}
	sess.Settings.ShouldAdvertise = d.Permission == backend.PublicAdvertised
	sess.Settings.AllowJoinInProgress = d.JoinInProgressAllowed
	sess.Settings.AllowJoinViaPresence = d.Permission == backend.JoinViaPresence

	for _, attr := range d.Attributes {
		switch attr.Key {
		case AttrNumPrivateConnections:
			sess.Settings.NumPrivateConnections = int32(attr.Value.Int64)
		case AttrNumPublicConnections:
			sess.Settings.NumPublicConnections = int32(attr.Value.Int64)
		case AttrOwningPlayerName:
			sess.OwningUserName = attr.Value.String
		case AttrOwningNetID:
			if owner, err := id.Parse(attr.Value.String); err == nil && owner.IsValid() {
				sess.OwningUserID = owner
			}
		case AttrAntiCheatProtected:
			sess.Settings.AntiCheatProtected = attr.Value.Bool
		case AttrUsesStats:
			sess.Settings.UsesStats = attr.Value.Bool
		case AttrIsDedicated:
			sess.Settings.IsDedicated = attr.Value.Bool
		case AttrBuildUniqueID:
			sess.Settings.BuildUniqueID = int32(attr.Value.Int64)
		default:
			if key, ok := strings.CutPrefix(attr.Key, customPrefix); ok {
				sess.Settings.Set(key, settingValue(attr.Value), ViaOnlineService)
			}
		}
	}

	open := int32(d.NumOpenPublicConnections)
	if d.Permission == backend.PublicAdvertised {
		sess.NumOpenPublicConnections = min(open, sess.Settings.NumPublicConnections)
		sess.NumOpenPrivateConnections = min(max(open-sess.NumOpenPublicConnections, 0), sess.Settings.NumPrivateConnections)
	} else {
		sess.NumOpenPrivateConnections = min(open, sess.Settings.NumPrivateConnections)
	}

	return sess, nil
}
