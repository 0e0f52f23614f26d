package async_test

import (
	"runtime"
	"sync"
	"testing"

	"github.com/dmksnnk/lobby/internal/async"
)

type result struct {
	code     int
	complete bool
}

func (r result) Complete() bool { return r.complete }

func TestCallback(t *testing.T) {
	t.Run("terminal result runs once", func(t *testing.T) {
		var owner async.Lifetime
		var got []int
		cb := async.NewCallback(&owner, func(r result) { got = append(got, r.code) })

		if !cb.Invoke(result{code: 1, complete: true}) {
			t.Fatal("expected callback to run")
		}
		if cb.Invoke(result{code: 2, complete: true}) {
			t.Fatal("freed callback must not run")
		}

		if len(got) != 1 || got[0] != 1 {
			t.Errorf("want [1], got %v", got)
		}
		if !cb.Freed() {
			t.Error("callback must be freed after terminal result")
		}
	})

	t.Run("partial results are not terminal", func(t *testing.T) {
		var owner async.Lifetime
		var progress, done []int
		cb := async.NewCallback(&owner,
			func(r result) { done = append(done, r.code) },
			async.OnProgress(func(r result) { progress = append(progress, r.code) }),
		)

		cb.Invoke(result{code: 1})
		cb.Invoke(result{code: 2})
		if cb.Freed() {
			t.Fatal("callback must stay registered until terminal result")
		}

		cb.Invoke(result{code: 3, complete: true})

		if len(progress) != 2 {
			t.Errorf("want 2 progress notifications, got %v", progress)
		}
		if len(done) != 1 || done[0] != 3 {
			t.Errorf("want [3], got %v", done)
		}
	})

	t.Run("owner gone", func(t *testing.T) {
		var owner async.Lifetime
		called := false
		cb := async.NewCallback(&owner, func(result) { called = true })

		owner.End()

		if cb.Invoke(result{complete: true}) {
			t.Fatal("callback must not run after owner ended")
		}
		if called {
			t.Fatal("handler called after owner ended")
		}
		if !cb.Freed() {
			t.Error("abandoned callback must be freed")
		}
	})

	t.Run("func adapter", func(t *testing.T) {
		var owner async.Lifetime
		var wg sync.WaitGroup
		wg.Add(1)
		cb := async.NewCallback(&owner, func(result) { wg.Done() })

		fn := cb.Func()
		go fn(result{complete: true})
		wg.Wait()
	})
}

func TestNested(t *testing.T) {
	var owner async.Lifetime
	outer := async.NewCallback(&owner, func(result) {})

	var chunks int
	nested := async.NewNested(outer, func(result) { chunks++ })

	nested.Invoke(result{})
	nested.Invoke(result{})
	if chunks != 2 {
		t.Fatalf("want 2 nested calls, got %d", chunks)
	}

	outer.Invoke(result{complete: true})

	if nested.Invoke(result{}) {
		t.Fatal("nested callback must not run after outer completed")
	}
	if chunks != 2 {
		t.Fatalf("want 2 nested calls, got %d", chunks)
	}

	t.Run("owner gone", func(t *testing.T) {
		var owner async.Lifetime
		outer := async.NewCallback(&owner, func(result) {})
		nested := async.NewNested(outer, func(result) { t.Error("nested called after owner ended") })

		owner.End()
		if nested.Invoke(result{}) {
			t.Fatal("nested callback must not run after owner ended")
		}
	})
}

type subsystem struct {
	async.Lifetime
	name string
}

func TestWeak(t *testing.T) {
	t.Run("owner lifetime", func(t *testing.T) {
		s := &subsystem{name: "online"}
		owner := async.Weak(s)

		if !owner.Alive() {
			t.Fatal("want alive owner")
		}

		s.End()
		if owner.Alive() {
			t.Fatal("want dead owner after End")
		}
		runtime.KeepAlive(s)
	})

	t.Run("plain value", func(t *testing.T) {
		v := new(int)
		owner := async.Weak(v)
		if !owner.Alive() {
			t.Fatal("want alive owner")
		}
		runtime.KeepAlive(v)
	})
}

func TestQueue(t *testing.T) {
	q := async.NewQueue()

	var order []int
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Post(func() { order = append(order, i) })
		}()
	}
	wg.Wait()

	if q.Len() != 3 {
		t.Fatalf("want 3 queued, got %d", q.Len())
	}

	q.Post(func() {
		q.Post(func() { order = append(order, 100) })
	})

	if n := q.Drain(); n != 4 {
		t.Fatalf("want 4 drained, got %d", n)
	}
	if len(order) != 3 {
		t.Fatalf("want 3 results, got %v", order)
	}

	if n := q.Drain(); n != 1 {
		t.Fatalf("want function posted during drain on next drain, got %d", n)
	}
	if order[len(order)-1] != 100 {
		t.Errorf("want last 100, got %v", order)
	}
}
