package session

import (
	"cmp"
	"slices"
	"time"

	"github.com/dmksnnk/lobby/internal/backend"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/p2p"
)

// State is a state of a named session.
type State int

const (
	NoSession State = iota
	Creating
	Pending
	Starting
	InProgress
	Ending
	Ended
	Destroying
)

var stateNames = [...]string{
	NoSession:  "NoSession",
	Creating:   "Creating",
	Pending:    "Pending",
	Starting:   "Starting",
	InProgress: "InProgress",
	Ending:     "Ending",
	Ended:      "Ended",
	Destroying: "Destroying",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Settings describe a session.
type Settings struct {
	NumPublicConnections            int32
	NumPrivateConnections           int32
	ShouldAdvertise                 bool
	IsLANMatch                      bool
	IsDedicated                     bool
	UsesStats                       bool
	AllowJoinInProgress             bool
	AllowInvites                    bool
	UsesPresence                    bool
	AllowJoinViaPresence            bool
	AllowJoinViaPresenceFriendsOnly bool
	AntiCheatProtected              bool
	BuildUniqueID                   int32
	Settings                        map[string]Setting
}

// Get returns a custom setting value.
func (s Settings) Get(key string) (Value, bool) {
	setting, ok := s.Settings[key]
	return setting.Value, ok
}

// Set stores a custom setting.
func (s *Settings) Set(key string, value Value, adv Advertisement) {
	if s.Settings == nil {
		s.Settings = make(map[string]Setting)
	}
	s.Settings[key] = Setting{Value: value, Advertise: adv}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	c := s
	if s.Settings != nil {
		c.Settings = make(map[string]Setting, len(s.Settings))
		for k, v := range s.Settings {
			c.Settings[k] = v
		}
	}
	return c
}

// sortedKeys returns custom setting keys in a stable order.
func (s Settings) sortedKeys() []string {
	keys := make([]string, 0, len(s.Settings))
	for k := range s.Settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Info is where a session is hosted: *LANInfo or *BackendInfo.
type Info interface {
	// Host returns the address players connect to.
	Host() p2p.Addr
	// ID returns the session id.
	ID() id.ID
	clone() Info
}

// LANInfo describes a session found or hosted on the LAN.
type LANInfo struct {
	HostAddr  p2p.Addr
	SessionID id.ID
}

func (i *LANInfo) Host() p2p.Addr { return i.HostAddr }
func (i *LANInfo) ID() id.ID      { return i.SessionID }

func (i *LANInfo) clone() Info {
	c := *i
	return &c
}

// BackendInfo describes a session hosted by the online service.
type BackendInfo struct {
	HostAddr  p2p.Addr
	SessionID id.ID
	// P2PAddr is set when the host is reached by a peer address.
	P2PAddr p2p.Addr
}

func (i *BackendInfo) Host() p2p.Addr { return i.HostAddr }
func (i *BackendInfo) ID() id.ID      { return i.SessionID }

func (i *BackendInfo) clone() Info {
	c := *i
	return &c
}

// Session is a named session of this process.
type Session struct {
	Name                      string
	State                     State
	Settings                  Settings
	Info                      Info
	OwningUserID              id.ID
	OwningUserName            string
	NumOpenPublicConnections  int32
	NumOpenPrivateConnections int32
	RegisteredPlayers         []id.ID
	HostingUser               int
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Settings = s.Settings.Clone()
	c.RegisteredPlayers = slices.Clone(s.RegisteredPlayers)
	if s.Info != nil {
		c.Info = s.Info.clone()
	}
	return &c
}

// SearchState is the state of a search.
type SearchState int

const (
	SearchNotStarted SearchState = iota
	SearchInProgress
	SearchDone
	SearchFailed
)

func (s SearchState) String() string {
	switch s {
	case SearchNotStarted:
		return "NotStarted"
	case SearchInProgress:
		return "InProgress"
	case SearchDone:
		return "Done"
	case SearchFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// SearchParam constrains a custom setting in online searches.
type SearchParam struct {
	Key   string
	Value Value
	Op    backend.Comparison
}

// Search is a session search. The subsystem fills Results and State.
type Search struct {
	IsLANQuery     bool
	MaxResults     int
	Params         []SearchParam
	PingBucketSize int

	Results []SearchResult
	State   SearchState
}

// SortResults orders results by ping, in ping buckets if set.
func (s *Search) SortResults() {
	bucket := func(r SearchResult) time.Duration {
		if s.PingBucketSize <= 0 {
			return r.Ping
		}
		size := time.Duration(s.PingBucketSize) * time.Millisecond
		return r.Ping / size
	}

	slices.SortStableFunc(s.Results, func(a, b SearchResult) int {
		return cmp.Compare(bucket(a), bucket(b))
	})
}

// SearchResult is a session found by a search.
type SearchResult struct {
	Session *Session
	// Ping is the wall-clock time since the query was sent until the response
	// was handled. It includes local processing delays and is not a round trip time.
	Ping time.Duration
}

// IsValid reports whether the result describes a session.
func (r SearchResult) IsValid() bool {
	return r.Session != nil && r.Session.Info != nil && r.Session.OwningUserID.IsValid()
}

// PortType selects the port of a connect string.
type PortType int

const (
	GamePort PortType = iota
	BeaconPort
)
