package p2p

import (
	"fmt"
	"slices"
	"syscall"

	"github.com/dmksnnk/lobby/internal/platform"
)

var (
	// ErrAddrInUse is returned when binding a channel which is already bound.
	ErrAddrInUse = fmt.Errorf("p2p: channel already bound: %w", syscall.EADDRINUSE)
	// ErrNotSocket is returned when unbinding a channel which is not bound.
	ErrNotSocket = fmt.Errorf("p2p: channel not bound: %w", syscall.ENOTSOCK)
)

// Registry tracks which channels are bound under each socket name.
type Registry struct {
	bound *platform.Set2[string, uint16]
}

// Channels is the process-wide registry. Subsystem uses it unless told
// otherwise and clears it on Shutdown.
var Channels = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bound: platform.NewSet2[string, uint16](),
	}
}

// BindChannel marks the socket name and channel of addr as bound.
func (r *Registry) BindChannel(addr Addr) error {
	if !r.bound.Add(addr.SocketName(), addr.Channel()) {
		return fmt.Errorf("bind %s: %w", addr, ErrAddrInUse)
	}
	return nil
}

// UnbindChannel releases the socket name and channel of addr.
func (r *Registry) UnbindChannel(addr Addr) error {
	if !r.bound.Remove(addr.SocketName(), addr.Channel()) {
		return fmt.Errorf("unbind %s: %w", addr, ErrNotSocket)
	}
	return nil
}

// IsBound reports whether the socket name and channel of addr are bound.
func (r *Registry) IsBound(addr Addr) bool {
	return r.bound.Has(addr.SocketName(), addr.Channel())
}

// BoundChannels returns the bound channels of a socket name in ascending order.
func (r *Registry) BoundChannels(socket string) []uint16 {
	channels := r.bound.Keys(socket)
	slices.Sort(channels)
	return channels
}

// Len returns the number of socket names with bound channels.
func (r *Registry) Len() int {
	return r.bound.Len()
}

// Reset unbinds everything.
func (r *Registry) Reset() {
	r.bound.Clear()
}
