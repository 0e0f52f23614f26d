package async

import "sync"

// Queue moves completions from worker goroutines to the goroutine which calls Drain.
type Queue struct {
	mu      sync.Mutex
	pending []func()
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Post adds fn to the queue. Safe for concurrent use.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, fn)
}

// Drain runs all queued functions in the order they were posted and returns
// how many ran. Functions posted while draining run on the next Drain.
func (q *Queue) Drain() int {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fn := range pending {
		fn()
	}

	return len(pending)
}

// Len returns the number of queued functions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}
