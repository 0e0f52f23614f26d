// Package identity maps local user indexes to online identities.
package identity

import (
	"slices"
	"sync"

	"github.com/dmksnnk/lobby/internal/id"
)

// Status is a login status of a local user.
type Status int

const (
	NotLoggedIn Status = iota
	UsingLocalProfile
	LoggedIn
)

func (s Status) String() string {
	switch s {
	case NotLoggedIn:
		return "NotLoggedIn"
	case UsingLocalProfile:
		return "UsingLocalProfile"
	case LoggedIn:
		return "LoggedIn"
	default:
		return "Unknown"
	}
}

// Provider resolves identities of local users.
// IDs of users who are not logged in are zero.
type Provider interface {
	// UniqueID returns the account id of a local user.
	UniqueID(localUser int) id.ID
	// ProductUserID returns the id the local user is addressed by on the P2P network.
	ProductUserID(localUser int) id.ID
	LoginStatus(localUser int) Status
	Nickname(localUser int) string
	// LocalUserFor returns the local user index for an account id.
	LocalUserFor(user id.ID) (int, bool)
	// LocalUsers returns the indexes of logged in local users in ascending order.
	LocalUsers() []int
}

type account struct {
	unique   id.ID
	product  id.ID
	nickname string
	status   Status
}

// Local is an in-process Provider: users log in and out by calling its methods.
type Local struct {
	mu    sync.RWMutex
	users map[int]account
}

var _ Provider = (*Local)(nil)

// NewLocal creates a Local provider with no logged in users.
func NewLocal() *Local {
	return &Local{
		users: make(map[int]account),
	}
}

// Login logs a local user in with fresh ids and returns the account id.
func (l *Local) Login(localUser int, nickname string) id.ID {
	acc := account{
		unique:   id.New(),
		product:  id.New(),
		nickname: nickname,
		status:   LoggedIn,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.users[localUser] = acc
	return acc.unique
}

// Logout forgets a local user.
func (l *Local) Logout(localUser int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.users, localUser)
}

func (l *Local) get(localUser int) account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.users[localUser]
}

func (l *Local) UniqueID(localUser int) id.ID {
	return l.get(localUser).unique
}

func (l *Local) ProductUserID(localUser int) id.ID {
	return l.get(localUser).product
}

func (l *Local) LoginStatus(localUser int) Status {
	return l.get(localUser).status
}

func (l *Local) Nickname(localUser int) string {
	return l.get(localUser).nickname
}

func (l *Local) LocalUserFor(user id.ID) (int, bool) {
	if !user.IsValid() {
		return 0, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for idx, acc := range l.users {
		if acc.unique == user {
			return idx, true
		}
	}

	return 0, false
}

func (l *Local) LocalUsers() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := make([]int, 0, len(l.users))
	for idx := range l.users {
		users = append(users, idx)
	}
	slices.Sort(users)

	return users
}
