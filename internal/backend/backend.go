// Package backend describes the online service which hosts sessions on behalf
// of the session subsystem. Every call is asynchronous: the result is delivered
// to a callback from the Tick of the service, on the goroutine which calls Tick.
package backend

import (
	"github.com/dmksnnk/lobby/internal/id"
)

// Result is a result code of a backend call.
type Result int

const (
	Success Result = iota
	// OutOfSync means the update was applied locally but not yet acknowledged by the service.
	OutOfSync
	NotFound
	InvalidUser
	InvalidParameters
	TooManyPlayers
	AlreadyExists
	Canceled
	TimedOut
	// OperationWillRetry is a progress notification, a terminal result follows.
	OperationWillRetry
	UnknownError
)

var resultNames = [...]string{
	Success:            "Success",
	OutOfSync:          "OutOfSync",
	NotFound:           "NotFound",
	InvalidUser:        "InvalidUser",
	InvalidParameters:  "InvalidParameters",
	TooManyPlayers:     "TooManyPlayers",
	AlreadyExists:      "AlreadyExists",
	Canceled:           "Canceled",
	TimedOut:           "TimedOut",
	OperationWillRetry: "OperationWillRetry",
	UnknownError:       "UnknownError",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "UnknownError"
}

// Complete reports whether the result is terminal.
func (r Result) Complete() bool {
	return r != OperationWillRetry
}

// PermissionLevel controls who may find and join a session.
type PermissionLevel int

const (
	PublicAdvertised PermissionLevel = iota
	JoinViaPresence
	InviteOnly
)

func (p PermissionLevel) String() string {
	switch p {
	case PublicAdvertised:
		return "PublicAdvertised"
	case JoinViaPresence:
		return "JoinViaPresence"
	case InviteOnly:
		return "InviteOnly"
	default:
		return "Unknown"
	}
}

// BucketIDKey is the search key matching the bucket a session was created in.
const BucketIDKey = "bucket"

// MaxSearchResults caps the number of results of a single search.
const MaxSearchResults = 200

// UpdateRequest creates a session, or updates a session previously created
// under the same name by the same client.
type UpdateRequest struct {
	Create      bool
	SessionName string
	BucketID    string
	// LocalUserID is the product user id of the owner.
	LocalUserID           id.ID
	MaxPlayers            int
	PresenceEnabled       bool
	HostAddress           string
	Permission            PermissionLevel
	JoinInProgressAllowed bool
	Attributes            []Attribute
}

// UpdateResult is the result of UpdateSession.
type UpdateResult struct {
	Result      Result
	SessionName string
	SessionID   id.ID
}

func (r UpdateResult) Complete() bool {
	return r.Result.Complete()
}

// SessionDetails is a snapshot of a session as seen by the service.
// It is a copy and may be kept after the callback returns.
type SessionDetails struct {
	SessionID id.ID
	BucketID  string
	// HostAddress is what the owner put into UpdateRequest.
	HostAddress              string
	OwnerUserID              id.ID
	NumPublicConnections     int
	NumOpenPublicConnections int
	Permission               PermissionLevel
	JoinInProgressAllowed    bool
	Started                  bool
	Attributes               []Attribute
}

// Attribute returns an attribute by key.
func (d SessionDetails) Attribute(key string) (Attribute, bool) {
	for _, a := range d.Attributes {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

// SearchRequest queries sessions matching all params.
type SearchRequest struct {
	LocalUserID id.ID
	MaxResults  int
	Params      []SearchParam
}

// FindResult is the terminal result of FindSessions.
type FindResult struct {
	Result Result
	// Count is the number of sessions delivered before the result.
	Count int
}

func (r FindResult) Complete() bool {
	return r.Result.Complete()
}

// FoundSession is one session matched by FindSessions.
type FoundSession struct {
	Index   int
	Details SessionDetails
}

func (FoundSession) Complete() bool { return true }

// JoinRequest joins a session found by a search under a local name.
type JoinRequest struct {
	SessionName string
	LocalUserID id.ID
	SessionID   id.ID
}

// CallResult is the result of calls without a payload.
type CallResult struct {
	Result Result
}

func (r CallResult) Complete() bool {
	return r.Result.Complete()
}

// Service is the client side of the online service. Callbacks may receive
// non-terminal results before the terminal one.
type Service interface {
	UpdateSession(req UpdateRequest, cb func(UpdateResult))
	StartSession(sessionName string, cb func(CallResult))
	EndSession(sessionName string, cb func(CallResult))
	DestroySession(sessionName string, cb func(CallResult))
	JoinSession(req JoinRequest, cb func(CallResult))
	// FindSessions passes every matching session to onFound, then the
	// terminal result to cb.
	FindSessions(req SearchRequest, onFound func(FoundSession), cb func(FindResult))
	// Tick delivers completed calls.
	Tick()
}
