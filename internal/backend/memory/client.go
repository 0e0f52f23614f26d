package memory

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dmksnnk/lobby/internal/async"
	"github.com/dmksnnk/lobby/internal/backend"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/panjf2000/ants/v2"
)

// Op names a backend call, for fault injection.
type Op string

const (
	OpUpdate  Op = "update"
	OpStart   Op = "start"
	OpEnd     Op = "end"
	OpDestroy Op = "destroy"
	OpJoin    Op = "join"
	OpFind    Op = "find"
)

// Client is the per-process view of the Server. Calls run on a worker pool,
// results are delivered from Tick.
type Client struct {
	server *Server
	pool   *ants.Pool
	queue  *async.Queue

	mu sync.Mutex
	// local session name -> session id
	local map[string]id.ID
	// local session name -> user which joined it
	joined map[string]id.ID

	workers int
	latency time.Duration
	fault   func(op Op) backend.Result
	logger  *slog.Logger
}

var _ backend.Service = (*Client)(nil)

// NewClient connects a client to the server.
func NewClient(server *Server, opts ...Option) (*Client, error) {
	c := &Client{
		server:  server,
		queue:   async.NewQueue(),
		local:   make(map[string]id.ID),
		joined:  make(map[string]id.ID),
		workers: 8,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	pool, err := ants.NewPool(c.workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			c.logger.Error("backend call panicked", slog.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	c.pool = pool

	return c, nil
}

// Close waits for running calls and stops the workers. Results of calls
// which finish after Close are never delivered.
func (c *Client) Close() error {
	return c.pool.ReleaseTimeout(5 * time.Second)
}

// Tick delivers results of finished calls to their callbacks.
func (c *Client) Tick() {
	c.queue.Drain()
}

// Pending returns the number of results waiting for Tick.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// call runs fn on the pool, posting its result to the queue. If the fault hook
// asks for a retry, a progress notification is posted first.
func call[R any](c *Client, op Op, cb func(R), fn func() R, failed func(backend.Result) R) {
	task := func() {
		if c.latency > 0 {
			time.Sleep(c.latency)
		}

		if c.fault != nil {
			switch res := c.fault(op); res {
			case backend.Success:
			case backend.OperationWillRetry:
				retry := failed(res)
				c.queue.Post(func() { cb(retry) })
			default:
				c.logger.Debug("injected fault", slog.String("op", string(op)), slog.String("result", res.String()))
				r := failed(res)
				c.queue.Post(func() { cb(r) })
				return
			}
		}

		r := fn()
		c.queue.Post(func() { cb(r) })
	}

	if err := c.pool.Submit(task); err != nil {
		c.logger.Warn("submit backend call", slog.String("op", string(op)), slog.Any("error", err))
		r := failed(backend.UnknownError)
		c.queue.Post(func() { cb(r) })
	}
}

func (c *Client) sessionID(name string) id.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.local[name]
}

func (c *Client) UpdateSession(req backend.UpdateRequest, cb func(backend.UpdateResult)) {
	call(c, OpUpdate, cb,
		func() backend.UpdateResult {
			res := c.server.update(c, c.sessionID(req.SessionName), req)
			if res.Result == backend.Success && req.Create {
				c.mu.Lock()
				c.local[req.SessionName] = res.SessionID
				c.mu.Unlock()
			}
			return res
		},
		func(r backend.Result) backend.UpdateResult {
			return backend.UpdateResult{Result: r, SessionName: req.SessionName}
		},
	)
}

func (c *Client) StartSession(sessionName string, cb func(backend.CallResult)) {
	call(c, OpStart, cb,
		func() backend.CallResult {
			return backend.CallResult{Result: c.server.setStarted(c, c.sessionID(sessionName), true)}
		},
		callResult,
	)
}

func (c *Client) EndSession(sessionName string, cb func(backend.CallResult)) {
	call(c, OpEnd, cb,
		func() backend.CallResult {
			return backend.CallResult{Result: c.server.setStarted(c, c.sessionID(sessionName), false)}
		},
		callResult,
	)
}

func (c *Client) DestroySession(sessionName string, cb func(backend.CallResult)) {
	call(c, OpDestroy, cb,
		func() backend.CallResult {
			c.mu.Lock()
			sessionID := c.local[sessionName]
			user := c.joined[sessionName]
			delete(c.local, sessionName)
			delete(c.joined, sessionName)
			c.mu.Unlock()

			return backend.CallResult{Result: c.server.destroy(c, sessionID, user)}
		},
		callResult,
	)
}

func (c *Client) JoinSession(req backend.JoinRequest, cb func(backend.CallResult)) {
	call(c, OpJoin, cb,
		func() backend.CallResult {
			c.mu.Lock()
			_, exists := c.local[req.SessionName]
			c.mu.Unlock()
			if exists {
				return backend.CallResult{Result: backend.AlreadyExists}
			}

			res := c.server.join(req.SessionID, req.LocalUserID)
			if res == backend.Success {
				c.mu.Lock()
				c.local[req.SessionName] = req.SessionID
				c.joined[req.SessionName] = req.LocalUserID
				c.mu.Unlock()
			}
			return backend.CallResult{Result: res}
		},
		callResult,
	)
}

func (c *Client) FindSessions(req backend.SearchRequest, onFound func(backend.FoundSession), cb func(backend.FindResult)) {
	call(c, OpFind, cb,
		func() backend.FindResult {
			found, res := c.server.find(req)
			for i, d := range found {
				c.queue.Post(func() { onFound(backend.FoundSession{Index: i, Details: d}) })
			}
			return backend.FindResult{Result: res, Count: len(found)}
		},
		func(r backend.Result) backend.FindResult {
			return backend.FindResult{Result: r}
		},
	)
}

func callResult(r backend.Result) backend.CallResult {
	return backend.CallResult{Result: r}
}

// Option configures a Client.
type Option func(*Client)

// WithWorkers sets the number of concurrent calls.
func WithWorkers(workers int) Option {
	return func(c *Client) {
		c.workers = workers
	}
}

// WithLatency delays every call.
func WithLatency(d time.Duration) Option {
	return func(c *Client) {
		c.latency = d
	}
}

// WithFault makes calls fail with whatever the hook returns, unless it returns
// Success. OperationWillRetry produces a progress notification followed by the real result.
func WithFault(fault func(op Op) backend.Result) Option {
	return func(c *Client) {
		c.fault = fault
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
