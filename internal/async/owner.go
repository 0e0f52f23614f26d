package async

import (
	"sync/atomic"
	"weak"
)

// Owner is the logical owner of outstanding asynchronous operations.
// Once it stops being alive, completions addressed to it are dropped.
type Owner interface {
	Alive() bool
}

// Lifetime is an Owner which is alive until End is called.
// The zero value is alive.
type Lifetime struct {
	ended atomic.Bool
}

// Alive reports whether End was not called yet.
func (l *Lifetime) Alive() bool {
	return !l.ended.Load()
}

// End marks the lifetime as over. It is safe to call multiple times.
func (l *Lifetime) End() {
	l.ended.Store(true)
}

type weakOwner[T any] struct {
	ptr weak.Pointer[T]
}

// Weak returns an Owner holding only a weak reference to p.
// It is alive while p has not been garbage collected and, if *T
// implements Owner itself, while p reports being alive.
func Weak[T any](p *T) Owner {
	return weakOwner[T]{ptr: weak.Make(p)}
}

func (w weakOwner[T]) Alive() bool {
	v := w.ptr.Value()
	if v == nil {
		return false
	}

	if o, ok := any(v).(Owner); ok {
		return o.Alive()
	}

	return true
}
