// Package async bridges completion callbacks delivered by a backend into
// per-operation handlers, guarding every handler by the liveness of its owner.
package async

import (
	"sync"
)

// Completer is a result of an asynchronous operation. A result which is not
// complete is a progress notification and is followed by more results.
type Completer interface {
	Complete() bool
}

// Callback delivers the terminal result of one asynchronous operation.
// After the terminal result, or once the owner is gone, the callback is freed
// and ignores everything it receives.
type Callback[R Completer] struct {
	owner Owner

	mu       sync.Mutex
	freed    bool
	done     func(R)
	progress func(R)
}

// CallbackOption configures a Callback.
type CallbackOption[R Completer] func(*Callback[R])

// OnProgress sets a hook for results which are not complete.
func OnProgress[R Completer](fn func(R)) CallbackOption[R] {
	return func(c *Callback[R]) {
		c.progress = fn
	}
}

// NewCallback creates a callback which runs done with the terminal result
// while owner is alive.
func NewCallback[R Completer](owner Owner, done func(R), opts ...CallbackOption[R]) *Callback[R] {
	c := &Callback[R]{
		owner: owner,
		done:  done,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Invoke handles a result. It reports whether the callback ran its
// completion handler.
func (c *Callback[R]) Invoke(res R) bool {
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return false
	}

	if !c.owner.Alive() {
		c.free()
		c.mu.Unlock()
		return false
	}

	if !res.Complete() {
		progress := c.progress
		c.mu.Unlock()
		if progress != nil {
			progress(res)
		}
		return false
	}

	done := c.done
	c.free()
	c.mu.Unlock()

	done(res)
	return true
}

// Func returns Invoke as a plain function, to be handed to a backend.
func (c *Callback[R]) Func() func(R) {
	return func(res R) {
		c.Invoke(res)
	}
}

// Freed reports whether the callback will ignore further results.
func (c *Callback[R]) Freed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.freed
}

// Alive reports whether the callback still waits for a terminal result
// and its owner is alive. A Callback is the Owner of its nested callbacks.
func (c *Callback[R]) Alive() bool {
	return !c.Freed() && c.owner.Alive()
}

func (c *Callback[R]) free() {
	c.freed = true
	c.done = nil
	c.progress = nil
}

// Nested is a secondary callback tied to the lifetime of an outer callback,
// e.g. a per-chunk notification of a transfer whose end is reported by the outer one.
// It may fire any number of times, but only while the outer callback has not
// completed and the owner is alive.
type Nested[R, N Completer] struct {
	outer *Callback[R]
	fn    func(N)
}

// NewNested creates a callback bound to outer.
func NewNested[R, N Completer](outer *Callback[R], fn func(N)) *Nested[R, N] {
	return &Nested[R, N]{
		outer: outer,
		fn:    fn,
	}
}

// Invoke runs the nested handler if the outer operation is still alive.
func (n *Nested[R, N]) Invoke(res N) bool {
	if !n.outer.Alive() {
		return false
	}

	n.fn(res)
	return true
}

// Func returns Invoke as a plain function.
func (n *Nested[R, N]) Func() func(N) {
	return func(res N) {
		n.Invoke(res)
	}
}
