package session_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/dmksnnk/lobby/internal/backend"
	"github.com/dmksnnk/lobby/internal/backend/memory"
	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/identity"
	"github.com/dmksnnk/lobby/internal/session"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// default pool of ants, started on package init
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*poolCommon).purgeStaleWorkers"),
		goleak.IgnoreAnyFunction("github.com/panjf2000/ants/v2.(*poolCommon).ticktock"),
	)
}

func TestCreateSessionTwice(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}

	err := s.CreateSession(0, "Game1", lanSettings(8))
	if !errors.Is(err, session.ErrSessionExists) {
		t.Fatalf("want %v, got %v", session.ErrSessionExists, err)
	}

	want := []string{"create Game1 true", "create Game1 false"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	sess, ok := s.Session("Game1")
	if !ok {
		t.Fatal("session is gone")
	}
	if sess.State != session.Pending {
		t.Errorf("want state %s, got %s", session.Pending, sess.State)
	}
	if sess.Settings.NumPublicConnections != 4 {
		t.Errorf("first session changed: %+v", sess.Settings)
	}
}

func TestCreateSessionNotLoggedIn(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	err := s.CreateSession(3, "Game1", lanSettings(4))
	if !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("want %v, got %v", session.ErrNotLoggedIn, err)
	}
	if s.NumSessions() != 0 {
		t.Errorf("want no sessions, got %d", s.NumSessions())
	}
	if diff := cmp.Diff([]string{"create Game1 false"}, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateSessionNegativeConnections(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	settings := lanSettings(4)
	settings.NumPrivateConnections = -1
	err := s.CreateSession(0, "Game1", settings)
	if !errors.Is(err, session.ErrInvalidSettings) {
		t.Fatalf("want %v, got %v", session.ErrInvalidSettings, err)
	}
	if s.NumSessions() != 0 {
		t.Errorf("want no sessions, got %d", s.NumSessions())
	}

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}
	settings = lanSettings(-2)
	if err := s.UpdateSession("Game1", settings, false); !errors.Is(err, session.ErrInvalidSettings) {
		t.Fatalf("want %v, got %v", session.ErrInvalidSettings, err)
	}

	sess, _ := s.Session("Game1")
	if sess.Settings.NumPublicConnections != 4 || sess.NumOpenPublicConnections != 4 {
		t.Errorf("want 4 of 4 open public connections, got %d of %d",
			sess.NumOpenPublicConnections, sess.Settings.NumPublicConnections)
	}

	want := []string{"create Game1 false", "create Game1 true", "update Game1 false"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateRegistersLocalPlayers(t *testing.T) {
	users, owners := newUsers(t, "alice", "bob")
	s := newLAN(t, users)

	settings := lanSettings(4)
	settings.IsDedicated = false
	if err := s.CreateSession(0, "Game1", settings); err != nil {
		t.Fatalf("create: %s", err)
	}

	sess, _ := s.Session("Game1")
	if diff := cmp.Diff(owners, sess.RegisteredPlayers); diff != "" {
		t.Errorf("registered players mismatch (-want +got):\n%s", diff)
	}
	if sess.NumOpenPublicConnections != 2 {
		t.Errorf("want 2 open public connections, got %d", sess.NumOpenPublicConnections)
	}
	if !s.IsHost("Game1") {
		t.Error("want alice to be the host")
	}
}

func TestRegisterPlayers(t *testing.T) {
	users, _ := newUsers(t, "alice")
	s := newLAN(t, users)

	settings := lanSettings(2)
	settings.NumPrivateConnections = 1
	if err := s.CreateSession(0, "Game1", settings); err != nil {
		t.Fatalf("create: %s", err)
	}

	a, b, c, stranger := id.New(), id.New(), id.New(), id.New()

	type open struct{ Public, Private int32 }
	steps := []struct {
		name string
		do   func() error
		want open
	}{
		{"register a", func() error { return s.RegisterPlayer("Game1", a, false) }, open{1, 1}},
		{"register a again", func() error { return s.RegisterPlayer("Game1", a, false) }, open{1, 1}},
		{"register b", func() error { return s.RegisterPlayer("Game1", b, false) }, open{0, 1}},
		{"register c", func() error { return s.RegisterPlayer("Game1", c, true) }, open{0, 0}},
		{"unregister stranger", func() error { return s.UnregisterPlayer("Game1", stranger) }, open{0, 0}},
		{"unregister c", func() error { return s.UnregisterPlayer("Game1", c) }, open{1, 0}},
		{"unregister a and b", func() error { return s.UnregisterPlayers("Game1", []id.ID{a, b}) }, open{2, 1}},
		{"unregister a again", func() error { return s.UnregisterPlayer("Game1", a) }, open{2, 1}},
	}

	for _, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("%s: %s", step.name, err)
		}

		sess, _ := s.Session("Game1")
		got := open{sess.NumOpenPublicConnections, sess.NumOpenPrivateConnections}
		if got != step.want {
			t.Fatalf("%s: want %+v, got %+v", step.name, step.want, got)
		}
	}

	if err := s.RegisterPlayer("Unknown", a, false); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("want %v, got %v", session.ErrSessionNotFound, err)
	}
}

func TestStartEndLAN(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}

	if err := s.EndSession("Game1"); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("end pending session: want %v, got %v", session.ErrInvalidState, err)
	}
	if got := s.SessionState("Game1"); got != session.Pending {
		t.Fatalf("want %s, got %s", session.Pending, got)
	}

	if err := s.StartSession("Game1"); err != nil {
		t.Fatalf("start: %s", err)
	}
	if got := s.SessionState("Game1"); got != session.InProgress {
		t.Fatalf("want %s, got %s", session.InProgress, got)
	}
	if err := s.StartSession("Game1"); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("start twice: want %v, got %v", session.ErrInvalidState, err)
	}

	if err := s.EndSession("Game1"); err != nil {
		t.Fatalf("end: %s", err)
	}
	if err := s.StartSession("Game1"); err != nil {
		t.Fatalf("restart: %s", err)
	}

	want := []string{
		"create Game1 true",
		"end Game1 false",
		"start Game1 true",
		"start Game1 false",
		"end Game1 true",
		"start Game1 true",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStartStopsBeaconWithoutJoinInProgress(t *testing.T) {
	users, _ := newUsers(t, "alice")
	beacon := newBeacon(t, 0, time.Second)
	s := newLAN(t, users, session.WithBeacon(beacon))

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}
	if beacon.State() != discovery.Hosting {
		t.Fatalf("want beacon hosting, got %s", beacon.State())
	}

	if err := s.StartSession("Game1"); err != nil {
		t.Fatalf("start: %s", err)
	}
	if beacon.State() != discovery.Idle {
		t.Errorf("want beacon idle while in progress, got %s", beacon.State())
	}

	if err := s.EndSession("Game1"); err != nil {
		t.Fatalf("end: %s", err)
	}
	if beacon.State() != discovery.Hosting {
		t.Errorf("want beacon hosting after end, got %s", beacon.State())
	}

	if err := s.DestroySession("Game1", nil); err != nil {
		t.Fatalf("destroy: %s", err)
	}
	if beacon.State() != discovery.Idle {
		t.Errorf("want beacon idle after destroy, got %s", beacon.State())
	}
}

func TestDestroyLAN(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	var done []string
	destroyed := func(name string, ok bool) {
		done = append(done, name+" "+boolText(ok))
	}

	if err := s.DestroySession("Game1", destroyed); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("want %v, got %v", session.ErrSessionNotFound, err)
	}

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}
	if err := s.DestroySession("Game1", destroyed); err != nil {
		t.Fatalf("destroy: %s", err)
	}
	if s.NumSessions() != 0 {
		t.Errorf("want no sessions, got %d", s.NumSessions())
	}

	if diff := cmp.Diff([]string{"Game1 false", "Game1 true"}, done); diff != "" {
		t.Errorf("done mismatch (-want +got):\n%s", diff)
	}
	want := []string{"destroy Game1 false", "create Game1 true", "destroy Game1 true"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLANCreateFind(t *testing.T) {
	hostUsers, hostOwners := newUsers(t, "alice")
	hostBeacon := newBeacon(t, 0, time.Second)
	host := newLAN(t, hostUsers, session.WithBeacon(hostBeacon))

	settings := lanSettings(4)
	settings.Set("MAPNAME", session.String("Forest"), session.ViaOnlineService)
	settings.Set("PASSWORD", session.String("secret"), session.DontAdvertise)
	settings.Set(session.BeaconPortSetting, session.Int32(16000), session.ViaOnlineService)
	if err := host.CreateSession(0, "Game1", settings); err != nil {
		t.Fatalf("create: %s", err)
	}
	if got := host.SessionState("Game1"); got != session.Pending {
		t.Fatalf("want %s, got %s", session.Pending, got)
	}
	if hostBeacon.State() != discovery.Hosting {
		t.Fatalf("want beacon hosting, got %s", hostBeacon.State())
	}

	guestUsers, _ := newUsers(t, "bob")
	var rec recorder
	guest := newLAN(t, guestUsers,
		session.WithBeacon(newBeacon(t, hostPort(t, hostBeacon), 300*time.Millisecond)),
		session.WithHooks(rec.hooks()),
	)

	search := &session.Search{IsLANQuery: true, MaxResults: 10}
	if err := guest.FindSessions(0, search); err != nil {
		t.Fatalf("find: %s", err)
	}

	tickUntil(t, func() bool { return search.State != session.SearchInProgress }, host, guest)

	if search.State != session.SearchDone {
		t.Fatalf("want search done, got %s", search.State)
	}
	if len(search.Results) != 1 {
		t.Fatalf("want 1 result, got %d", len(search.Results))
	}

	result := search.Results[0]
	if !result.IsValid() {
		t.Fatal("want valid result")
	}
	if result.Session.OwningUserID != hostOwners[0] || result.Session.OwningUserName != "alice" {
		t.Errorf("owner: got %s %q", result.Session.OwningUserID, result.Session.OwningUserName)
	}
	if result.Session.NumOpenPublicConnections != 4 {
		t.Errorf("want 4 open public connections, got %d", result.Session.NumOpenPublicConnections)
	}

	want := settings.Clone()
	want.BuildUniqueID = host.BuildID()
	delete(want.Settings, "PASSWORD")
	if diff := cmp.Diff(want, result.Session.Settings, valueComparer); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	beaconAddr, ok := guest.ResolvedConnectStringFor(result, session.BeaconPort)
	if !ok || !strings.HasSuffix(beaconAddr, ":16000") {
		t.Errorf("want beacon port override, got %q", beaconAddr)
	}
	gameAddr, ok := guest.ResolvedConnectStringFor(result, session.GamePort)
	if !ok || !strings.HasSuffix(gameAddr, ":7777") {
		t.Errorf("want game port, got %q", gameAddr)
	}

	if err := guest.JoinSession(0, "Game1", result); err != nil {
		t.Fatalf("join: %s", err)
	}
	if got := guest.SessionState("Game1"); got != session.Pending {
		t.Errorf("want joined session %s, got %s", session.Pending, got)
	}

	wantEvents := []string{"find true", "join Game1 Success"}
	if diff := cmp.Diff(wantEvents, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinOccupiedName(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}
	before, _ := s.Session("Game1")

	result := session.SearchResult{
		Session: &session.Session{
			OwningUserID: id.New(),
			Settings:     lanSettings(2),
			Info:         &session.LANInfo{SessionID: id.New()},
		},
	}
	result.Session.Info.(*session.LANInfo).HostAddr = before.Info.Host()

	err := s.JoinSession(0, "Game1", result)
	if !errors.Is(err, session.ErrSessionExists) {
		t.Fatalf("want %v, got %v", session.ErrSessionExists, err)
	}

	after, _ := s.Session("Game1")
	if after.Info.ID() != before.Info.ID() || after.Settings.NumPublicConnections != 4 {
		t.Error("existing session changed")
	}

	want := []string{"create Game1 true", "join Game1 AlreadyInSession"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinInvalidResult(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	if err := s.JoinSession(0, "Game1", session.SearchResult{}); !errors.Is(err, session.ErrInvalidResult) {
		t.Fatalf("want %v, got %v", session.ErrInvalidResult, err)
	}
	if diff := cmp.Diff([]string{"join Game1 SessionDoesNotExist"}, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelFindSessions(t *testing.T) {
	users, _ := newUsers(t, "alice")
	target := newBeacon(t, 0, time.Second)
	if err := target.Host(context.Background(), func(netip.AddrPort, uint64, []byte) {}); err != nil {
		t.Fatalf("host: %s", err)
	}

	var rec recorder
	s := newLAN(t, users,
		session.WithBeacon(newBeacon(t, hostPort(t, target), 100*time.Millisecond)),
		session.WithHooks(rec.hooks()),
	)

	search := &session.Search{IsLANQuery: true}
	if err := s.FindSessions(0, search); err != nil {
		t.Fatalf("find: %s", err)
	}

	second := &session.Search{IsLANQuery: true}
	if err := s.FindSessions(0, second); err != nil {
		t.Fatalf("find while searching: %s", err)
	}
	if second.State != session.SearchNotStarted {
		t.Errorf("want second search ignored, got %s", second.State)
	}

	if err := s.CancelFindSessions(); err != nil {
		t.Fatalf("cancel: %s", err)
	}
	if search.State != session.SearchFailed {
		t.Errorf("want search failed, got %s", search.State)
	}

	if err := s.CancelFindSessions(); !errors.Is(err, session.ErrNoSearch) {
		t.Errorf("want %v, got %v", session.ErrNoSearch, err)
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		time.Sleep(10 * time.Millisecond)
	}

	want := []string{"cancel find true", "cancel find false"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestResolvedConnectString(t *testing.T) {
	users, _ := newUsers(t, "alice")
	s := newLAN(t, users, session.WithGamePort(9000))

	if _, ok := s.ResolvedConnectString("Game1", session.GamePort); ok {
		t.Error("want no address for a missing session")
	}

	if err := s.CreateSession(0, "Game1", lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}
	sess, _ := s.Session("Game1")
	host := sess.Info.Host().HostString()

	tests := map[session.PortType]string{
		session.GamePort:   host + ":9000",
		session.BeaconPort: host + ":15000",
	}
	for port, want := range tests {
		got, ok := s.ResolvedConnectString("Game1", port)
		if !ok || got != want {
			t.Errorf("port type %d: want %q, got %q", port, want, got)
		}
	}
}

func TestActiveSessionName(t *testing.T) {
	users, _ := newUsers(t, "alice")
	s := newLAN(t, users)

	if _, ok := s.ActiveSessionName(); ok {
		t.Error("want no active session")
	}

	for _, name := range []string{"Party", "Lobby"} {
		if err := s.CreateSession(0, name, lanSettings(4)); err != nil {
			t.Fatalf("create %s: %s", name, err)
		}
	}
	if name, _ := s.ActiveSessionName(); name != "Lobby" {
		t.Errorf("want Lobby, got %q", name)
	}

	if err := s.CreateSession(0, session.NameGameSession, lanSettings(4)); err != nil {
		t.Fatalf("create: %s", err)
	}
	if name, _ := s.ActiveSessionName(); name != session.NameGameSession {
		t.Errorf("want %s, got %q", session.NameGameSession, name)
	}
}

func TestOnlineCreateFindJoin(t *testing.T) {
	server := memory.NewServer()

	hostUsers, hostOwners := newUsers(t, "alice")
	var hostRec recorder
	host := newOnline(t, server, hostUsers, session.WithHooks(hostRec.hooks()), session.WithP2PSockets(true))

	settings := session.Settings{
		NumPublicConnections: 3,
		ShouldAdvertise:      true,
		UsesStats:            true,
	}
	settings.Set("MAPNAME", session.String("Forest"), session.ViaOnlineService)
	settings.Set("LEVEL", session.Int32(5), session.ViaOnlineService)
	settings.Set("PASSWORD", session.String("secret"), session.DontAdvertise)

	if err := host.CreateSession(0, session.NameGameSession, settings); err != nil {
		t.Fatalf("create: %s", err)
	}
	if got := host.SessionState(session.NameGameSession); got != session.Creating {
		t.Fatalf("want %s, got %s", session.Creating, got)
	}

	tickUntil(t, func() bool { return len(hostRec.events) > 0 }, host)
	if diff := cmp.Diff([]string{"create GameSession true"}, hostRec.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	created, _ := host.Session(session.NameGameSession)
	if created.State != session.Pending {
		t.Errorf("want %s, got %s", session.Pending, created.State)
	}
	if !created.Info.ID().IsValid() {
		t.Error("want session id from the service")
	}
	if diff := cmp.Diff(hostOwners, created.RegisteredPlayers); diff != "" {
		t.Errorf("registered players mismatch (-want +got):\n%s", diff)
	}
	if server.Len() != 1 {
		t.Errorf("want 1 session on the server, got %d", server.Len())
	}

	guestUsers, _ := newUsers(t, "bob")
	var guestRec recorder
	guest := newOnline(t, server, guestUsers, session.WithHooks(guestRec.hooks()))

	search := &session.Search{
		MaxResults: 5,
		Params: []session.SearchParam{
			{Key: "MAPNAME", Value: session.String("Forest"), Op: backend.Equal},
		},
	}
	if err := guest.FindSessions(0, search); err != nil {
		t.Fatalf("find: %s", err)
	}
	tickUntil(t, func() bool { return search.State != session.SearchInProgress }, guest)

	if search.State != session.SearchDone || len(search.Results) != 1 {
		t.Fatalf("want 1 result, got %s with %d", search.State, len(search.Results))
	}

	found := search.Results[0].Session
	if found.OwningUserID != hostOwners[0] || found.OwningUserName != "alice" {
		t.Errorf("owner: got %s %q", found.OwningUserID, found.OwningUserName)
	}
	if found.Settings.NumPublicConnections != 3 || !found.Settings.UsesStats {
		t.Errorf("settings: got %+v", found.Settings)
	}
	if found.Settings.BuildUniqueID != host.BuildID() {
		t.Errorf("want build id %d, got %d", host.BuildID(), found.Settings.BuildUniqueID)
	}
	if v, _ := found.Settings.Get("MAPNAME"); v != session.String("Forest") {
		t.Errorf("want MAPNAME Forest, got %s", v)
	}
	if v, _ := found.Settings.Get("LEVEL"); v != session.Int64(5) {
		t.Errorf("want LEVEL 5, got %s", v)
	}
	if _, ok := found.Settings.Get("PASSWORD"); ok {
		t.Error("want PASSWORD not advertised")
	}

	wantAddr := "P2P:" + hostUsers.ProductUserID(0).String() + ":GameSession:7777"
	if got, _ := guest.ResolvedConnectStringFor(search.Results[0], session.GamePort); got != wantAddr {
		t.Errorf("want %q, got %q", wantAddr, got)
	}

	if err := guest.JoinSession(0, session.NameGameSession, search.Results[0]); err != nil {
		t.Fatalf("join: %s", err)
	}
	tickUntil(t, func() bool { return len(guestRec.events) > 1 }, guest)

	want := []string{"find true", "join GameSession Success"}
	if diff := cmp.Diff(want, guestRec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if got := guest.SessionState(session.NameGameSession); got != session.Pending {
		t.Errorf("want %s, got %s", session.Pending, got)
	}
}

func TestOnlineFindOtherBuild(t *testing.T) {
	server := memory.NewServer()

	hostUsers, _ := newUsers(t, "alice")
	var hostRec recorder
	host := newOnline(t, server, hostUsers, session.WithHooks(hostRec.hooks()), session.WithBuildID(1))
	if err := host.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	tickUntil(t, func() bool { return len(hostRec.events) > 0 }, host)

	guestUsers, _ := newUsers(t, "bob")
	guest := newOnline(t, server, guestUsers, session.WithBuildID(2))

	search := &session.Search{MaxResults: 5}
	if err := guest.FindSessions(0, search); err != nil {
		t.Fatalf("find: %s", err)
	}
	tickUntil(t, func() bool { return search.State != session.SearchInProgress }, guest)

	if search.State != session.SearchDone || len(search.Results) != 0 {
		t.Errorf("want no results, got %s with %d", search.State, len(search.Results))
	}
}

func TestOnlineCreateFailure(t *testing.T) {
	server := memory.NewServer()
	users, _ := newUsers(t, "alice")
	var rec recorder
	fault := memory.WithFault(func(op memory.Op) backend.Result {
		if op == memory.OpUpdate {
			return backend.TimedOut
		}
		return backend.Success
	})
	s := newOnlineClient(t, server, users, []memory.Option{fault}, session.WithHooks(rec.hooks()))

	if err := s.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	tickUntil(t, func() bool { return len(rec.events) > 0 }, s)

	if diff := cmp.Diff([]string{"create Game1 false"}, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if s.NumSessions() != 0 {
		t.Errorf("want session removed, got %d sessions", s.NumSessions())
	}
}

func TestOnlineRetryNotification(t *testing.T) {
	server := memory.NewServer()
	users, _ := newUsers(t, "alice")
	var rec recorder
	retry := memory.WithFault(func(memory.Op) backend.Result {
		return backend.OperationWillRetry
	})
	s := newOnlineClient(t, server, users, []memory.Option{retry}, session.WithHooks(rec.hooks()))

	if err := s.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	tickUntil(t, func() bool { return len(rec.events) > 0 }, s)

	if diff := cmp.Diff([]string{"create Game1 true"}, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestOnlineUpdateSession(t *testing.T) {
	server := memory.NewServer()
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newOnline(t, server, users, session.WithHooks(rec.hooks()))

	settings := session.Settings{NumPublicConnections: 2}
	if err := s.CreateSession(0, "Game1", settings); err != nil {
		t.Fatalf("create: %s", err)
	}

	if err := s.UpdateSession("Game1", settings, false); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("update while creating: want %v, got %v", session.ErrInvalidState, err)
	}
	tickUntil(t, func() bool { return len(rec.events) > 1 }, s)

	settings.Set("MAPNAME", session.String("Desert"), session.ViaOnlineService)
	if err := s.UpdateSession("Game1", settings, true); err != nil {
		t.Fatalf("update: %s", err)
	}
	tickUntil(t, func() bool { return len(rec.events) > 2 }, s)

	want := []string{"update Game1 false", "create Game1 true", "update Game1 true"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	sess, _ := s.Session("Game1")
	details, ok := server.Session(sess.Info.ID())
	if !ok {
		t.Fatal("session not on the server")
	}
	attr, ok := details.Attribute("FOSS=MAPNAME")
	if !ok || attr.Value.String != "Desert" {
		t.Errorf("want MAPNAME updated, got %+v", attr)
	}
}

func TestOnlineDestroyInProgress(t *testing.T) {
	server := memory.NewServer()
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newOnline(t, server, users, session.WithHooks(rec.hooks()))

	if err := s.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	tickUntil(t, func() bool { return s.SessionState("Game1") == session.Pending }, s)

	if err := s.StartSession("Game1"); err != nil {
		t.Fatalf("start: %s", err)
	}
	if got := s.SessionState("Game1"); got != session.Starting {
		t.Fatalf("want %s, got %s", session.Starting, got)
	}
	tickUntil(t, func() bool { return s.SessionState("Game1") == session.InProgress }, s)

	var done []string
	err := s.DestroySession("Game1", func(name string, ok bool) {
		done = append(done, name+" "+boolText(ok))
	})
	if err != nil {
		t.Fatalf("destroy: %s", err)
	}
	if got := s.SessionState("Game1"); got != session.Ending {
		t.Fatalf("want %s, got %s", session.Ending, got)
	}

	tickUntil(t, func() bool { return len(done) > 0 }, s)

	if diff := cmp.Diff([]string{"Game1 true"}, done); diff != "" {
		t.Errorf("done mismatch (-want +got):\n%s", diff)
	}
	if s.NumSessions() != 0 {
		t.Errorf("want no sessions, got %d", s.NumSessions())
	}
	if server.Len() != 0 {
		t.Errorf("want session destroyed on the server, got %d", server.Len())
	}

	want := []string{"create Game1 true", "start Game1 true", "destroy Game1 true"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestOnlineDestroyWhileBusy(t *testing.T) {
	server := memory.NewServer()
	users, _ := newUsers(t, "alice")
	var rec recorder
	slowDestroy := memory.WithFault(func(op memory.Op) backend.Result {
		if op == memory.OpDestroy {
			time.Sleep(200 * time.Millisecond)
		}
		return backend.Success
	})
	s := newOnlineClient(t, server, users, []memory.Option{slowDestroy}, session.WithHooks(rec.hooks()))

	var done []string
	onDone := func(name string, ok bool) {
		done = append(done, name+" "+boolText(ok))
	}

	if err := s.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	if err := s.DestroySession("Game1", onDone); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("destroy while creating: want %v, got %v", session.ErrInvalidState, err)
	}
	tickUntil(t, func() bool { return s.SessionState("Game1") == session.Pending }, s)

	if err := s.StartSession("Game1"); err != nil {
		t.Fatalf("start: %s", err)
	}
	if err := s.DestroySession("Game1", onDone); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("destroy while starting: want %v, got %v", session.ErrInvalidState, err)
	}
	tickUntil(t, func() bool { return s.SessionState("Game1") == session.InProgress }, s)

	if err := s.DestroySession("Game1", onDone); err != nil {
		t.Fatalf("destroy: %s", err)
	}
	if err := s.DestroySession("Game1", onDone); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("destroy while ending: want %v, got %v", session.ErrInvalidState, err)
	}

	tickUntil(t, func() bool { return s.SessionState("Game1") == session.Destroying }, s)
	if err := s.DestroySession("Game1", onDone); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("destroy while destroying: want %v, got %v", session.ErrInvalidState, err)
	}

	tickUntil(t, func() bool { return s.NumSessions() == 0 }, s)

	wantDone := []string{"Game1 false", "Game1 false", "Game1 false", "Game1 true"}
	if diff := cmp.Diff(wantDone, done); diff != "" {
		t.Errorf("done mismatch (-want +got):\n%s", diff)
	}

	// no hook for a session which is already being destroyed
	want := []string{
		"destroy Game1 false",
		"create Game1 true",
		"destroy Game1 false",
		"start Game1 true",
		"destroy Game1 false",
		"destroy Game1 true",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if server.Len() != 0 {
		t.Errorf("want session destroyed on the server, got %d", server.Len())
	}
}

func TestOnlineDestroyInProgressFailure(t *testing.T) {
	tests := map[string]struct {
		failOp     memory.Op
		wantOK     bool
		wantServer int
	}{
		"end fails":     {failOp: memory.OpEnd, wantOK: true, wantServer: 0},
		"destroy fails": {failOp: memory.OpDestroy, wantOK: false, wantServer: 1},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			server := memory.NewServer()
			users, _ := newUsers(t, "alice")
			var rec recorder
			fault := memory.WithFault(func(op memory.Op) backend.Result {
				if op == tt.failOp {
					return backend.TimedOut
				}
				return backend.Success
			})
			s := newOnlineClient(t, server, users, []memory.Option{fault}, session.WithHooks(rec.hooks()))

			if err := s.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
				t.Fatalf("create: %s", err)
			}
			tickUntil(t, func() bool { return s.SessionState("Game1") == session.Pending }, s)
			if err := s.StartSession("Game1"); err != nil {
				t.Fatalf("start: %s", err)
			}
			tickUntil(t, func() bool { return s.SessionState("Game1") == session.InProgress }, s)

			var done []bool
			err := s.DestroySession("Game1", func(_ string, ok bool) {
				done = append(done, ok)
			})
			if err != nil {
				t.Fatalf("destroy: %s", err)
			}
			tickUntil(t, func() bool { return len(done) > 0 }, s)

			if diff := cmp.Diff([]bool{tt.wantOK}, done); diff != "" {
				t.Errorf("done mismatch (-want +got):\n%s", diff)
			}
			if s.NumSessions() != 0 {
				t.Errorf("want session removed, got %d sessions", s.NumSessions())
			}
			if server.Len() != tt.wantServer {
				t.Errorf("want %d sessions on the server, got %d", tt.wantServer, server.Len())
			}

			want := []string{"create Game1 true", "start Game1 true", "destroy Game1 " + boolText(tt.wantOK)}
			if diff := cmp.Diff(want, rec.events); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOnlineJoinFailure(t *testing.T) {
	server := memory.NewServer()

	hostUsers, _ := newUsers(t, "alice")
	var hostRec recorder
	host := newOnline(t, server, hostUsers, session.WithHooks(hostRec.hooks()))
	if err := host.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	tickUntil(t, func() bool { return len(hostRec.events) > 0 }, host)

	guestUsers, _ := newUsers(t, "bob")
	var guestRec recorder
	full := memory.WithFault(func(op memory.Op) backend.Result {
		if op == memory.OpJoin {
			return backend.TooManyPlayers
		}
		return backend.Success
	})
	guest := newOnlineClient(t, server, guestUsers, []memory.Option{full}, session.WithHooks(guestRec.hooks()))

	search := &session.Search{MaxResults: 5}
	if err := guest.FindSessions(0, search); err != nil {
		t.Fatalf("find: %s", err)
	}
	tickUntil(t, func() bool { return search.State != session.SearchInProgress }, guest)
	if len(search.Results) != 1 {
		t.Fatalf("want 1 result, got %d", len(search.Results))
	}

	if err := guest.JoinSession(0, "Game1", search.Results[0]); err != nil {
		t.Fatalf("join: %s", err)
	}
	if got := guest.SessionState("Game1"); got != session.Pending {
		t.Fatalf("want %s while joining, got %s", session.Pending, got)
	}
	tickUntil(t, func() bool { return len(guestRec.events) > 1 }, guest)

	want := []string{"find true", "join Game1 SessionIsFull"}
	if diff := cmp.Diff(want, guestRec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if guest.NumSessions() != 0 {
		t.Errorf("want joined session rolled back, got %d sessions", guest.NumSessions())
	}
	if host.NumSessions() != 1 {
		t.Errorf("want host session untouched, got %d sessions", host.NumSessions())
	}
}

func TestCallbackAfterClose(t *testing.T) {
	server := memory.NewServer()
	users, _ := newUsers(t, "alice")
	var rec recorder

	client, err := memory.NewClient(server)
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	t.Cleanup(func() { client.Close() })

	s := session.New(users,
		session.WithService(client),
		session.WithBeacon(newBeacon(t, 0, time.Second)),
		session.WithHooks(rec.hooks()),
	)

	if err := s.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	s.Close()

	deadline := time.Now().Add(5 * time.Second)
	for client.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backend call did not complete")
		}
		time.Sleep(time.Millisecond)
	}
	client.Tick()

	if server.Len() != 1 {
		t.Errorf("want session created on the server, got %d", server.Len())
	}

	if len(rec.events) != 0 {
		t.Errorf("want no hooks after close, got %v", rec.events)
	}
}

func TestFindAfterClose(t *testing.T) {
	server := memory.NewServer()

	hostUsers, _ := newUsers(t, "alice")
	var hostRec recorder
	host := newOnline(t, server, hostUsers, session.WithHooks(hostRec.hooks()))
	if err := host.CreateSession(0, "Game1", session.Settings{NumPublicConnections: 2}); err != nil {
		t.Fatalf("create: %s", err)
	}
	tickUntil(t, func() bool { return len(hostRec.events) > 0 }, host)

	client, err := memory.NewClient(server)
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	t.Cleanup(func() { client.Close() })

	guestUsers, _ := newUsers(t, "bob")
	var rec recorder
	guest := session.New(guestUsers,
		session.WithService(client),
		session.WithBeacon(newBeacon(t, 0, time.Second)),
		session.WithHooks(rec.hooks()),
	)

	search := &session.Search{MaxResults: 5}
	if err := guest.FindSessions(0, search); err != nil {
		t.Fatalf("find: %s", err)
	}
	guest.Close()

	// the found session, then the terminal result
	deadline := time.Now().Add(5 * time.Second)
	for client.Pending() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("backend call did not complete")
		}
		time.Sleep(time.Millisecond)
	}
	client.Tick()

	if search.State != session.SearchInProgress || len(search.Results) != 0 {
		t.Errorf("want untouched search, got %s with %d results", search.State, len(search.Results))
	}
	if len(rec.events) != 0 {
		t.Errorf("want no hooks after close, got %v", rec.events)
	}
}

func TestFindSessionByID(t *testing.T) {
	users, _ := newUsers(t, "alice")
	var rec recorder
	s := newLAN(t, users, session.WithHooks(rec.hooks()))

	if err := s.FindSessionByID(0, id.New()); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("want %v, got %v", errors.ErrUnsupported, err)
	}
	if diff := cmp.Diff([]string{"find by id false"}, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

// recorder collects hook calls in order.
type recorder struct {
	events []string
}

func (r *recorder) add(event string) {
	r.events = append(r.events, event)
}

func (r *recorder) hooks() session.Hooks {
	named := func(op string) func(string, bool) {
		return func(name string, ok bool) {
			r.add(op + " " + name + " " + boolText(ok))
		}
	}

	return session.Hooks{
		OnCreateComplete:  named("create"),
		OnStartComplete:   named("start"),
		OnEndComplete:     named("end"),
		OnUpdateComplete:  named("update"),
		OnDestroyComplete: named("destroy"),
		OnFindComplete: func(ok bool) {
			r.add("find " + boolText(ok))
		},
		OnCancelFindComplete: func(ok bool) {
			r.add("cancel find " + boolText(ok))
		},
		OnFindByIDComplete: func(_ int, ok bool, _ session.SearchResult) {
			r.add("find by id " + boolText(ok))
		},
		OnJoinComplete: func(name string, res session.JoinResult) {
			r.add("join " + name + " " + res.String())
		},
	}
}

func boolText(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

func lanSettings(public int32) session.Settings {
	return session.Settings{
		NumPublicConnections: public,
		ShouldAdvertise:      true,
		IsLANMatch:           true,
		IsDedicated:          true,
	}
}

// newUsers logs in local users 0..n-1 and returns their account ids.
func newUsers(t *testing.T, nicknames ...string) (*identity.Local, []id.ID) {
	t.Helper()

	users := identity.NewLocal()
	owners := make([]id.ID, 0, len(nicknames))
	for i, name := range nicknames {
		owners = append(owners, users.Login(i, name))
	}

	return users, owners
}

func newBeacon(t *testing.T, port uint16, timeout time.Duration) *discovery.Beacon {
	t.Helper()

	b := discovery.New(
		discovery.WithPort(port),
		discovery.WithBroadcastAddr(netip.MustParseAddr("127.0.0.1")),
		discovery.WithTimeout(timeout),
	)
	t.Cleanup(b.Stop)

	return b
}

func hostPort(t *testing.T, b *discovery.Beacon) uint16 {
	t.Helper()

	addr, ok := b.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local address %v", b.LocalAddr())
	}

	return uint16(addr.Port)
}

func newLAN(t *testing.T, users identity.Provider, opts ...session.Option) *session.Subsystem {
	t.Helper()

	opts = append([]session.Option{session.WithBeacon(newBeacon(t, 0, time.Second))}, opts...)
	s := session.New(users, opts...)
	t.Cleanup(s.Close)

	return s
}

func newOnline(t *testing.T, server *memory.Server, users identity.Provider, opts ...session.Option) *session.Subsystem {
	t.Helper()

	return newOnlineClient(t, server, users, nil, opts...)
}

func newOnlineClient(t *testing.T, server *memory.Server, users identity.Provider, clientOpts []memory.Option, opts ...session.Option) *session.Subsystem {
	t.Helper()

	client, err := memory.NewClient(server, clientOpts...)
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("close client: %s", err)
		}
	})

	return newLAN(t, users, append([]session.Option{session.WithService(client)}, opts...)...)
}

func tickUntil(t *testing.T, cond func() bool, subsystems ...*session.Subsystem) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}

		for _, s := range subsystems {
			s.Tick(time.Now())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func netipAddrPort(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}
