package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Manager owns every tool-server connection. Each endpoint gets one
// connection actor: a goroutine that performs dials and round-trips in
// arrival order, so frames to the same server never interleave and
// responses come back FIFO per connection. Different endpoints run
// fully in parallel.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*connection

	// dial builds a transport for a parsed endpoint; injectable so tests
	// can substitute recording stubs.
	dial func(ep Endpoint) (Transport, error)
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*connection),
	}
	m.dial = m.defaultDial
	return m
}

func (m *Manager) defaultDial(ep Endpoint) (Transport, error) {
	switch ep.Kind {
	case KindStdio:
		return newStdioTransport(m.cfg, ep.Module, m.logger)
	case KindHTTP:
		return newHTTPTransport(m.cfg, ep.URL), nil
	case KindSSE:
		return newSSETransport(m.cfg, ep.URL, m.logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", ep.Kind)
	}
}

// request is one unit of work for a connection actor.
type request struct {
	ctx    context.Context
	method string
	params any
	// connectOnly requests establish the connection without a round-trip.
	connectOnly bool
	reply       chan reply
}

type reply struct {
	result json.RawMessage
	err    error
}

// connection is the actor state for one endpoint.
type connection struct {
	endpoint Endpoint
	state    atomic.Int32
	requests chan *request
	closed   chan struct{}
	lastErr  atomic.Value // error
}

func (c *connection) setState(s State) { c.state.Store(int32(s)) }

// State returns the connection lifecycle state for an endpoint, or
// Disconnected if the endpoint has never been used.
func (m *Manager) State(endpoint string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[endpoint]; ok {
		return State(c.state.Load())
	}
	return StateDisconnected
}

// Connect eagerly establishes a connection to the endpoint. Allow-list
// and URL-policy violations surface here without spawning anything.
func (m *Manager) Connect(ctx context.Context, endpoint string) error {
	_, err := m.submit(ctx, endpoint, &request{ctx: ctx, connectOnly: true})
	return err
}

// Send performs one request/response round-trip against the endpoint,
// dialing on first use. Calls to the same endpoint are serialized in
// arrival order; cancellation abandons the wait without disturbing the
// queue.
func (m *Manager) Send(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	return m.submit(ctx, endpoint, &request{ctx: ctx, method: method, params: params})
}

// Disconnect tears down the endpoint's connection. In-flight requests
// fail with a ConnectionError; the next Send re-dials.
func (m *Manager) Disconnect(endpoint string) {
	m.mu.Lock()
	c, ok := m.conns[endpoint]
	if ok {
		delete(m.conns, endpoint)
	}
	m.mu.Unlock()
	if ok {
		close(c.closed)
	}
}

// Close disconnects every endpoint.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*connection)
	m.mu.Unlock()
	for _, c := range conns {
		close(c.closed)
	}
}

func (m *Manager) submit(ctx context.Context, endpoint string, req *request) (json.RawMessage, error) {
	c, err := m.connection(endpoint)
	if err != nil {
		return nil, err
	}

	req.reply = make(chan reply, 1)
	select {
	case c.requests <- req:
	case <-c.closed:
		return nil, &ConnectionError{Endpoint: endpoint, Err: fmt.Errorf("connection closed")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		// The actor notices the dead context and moves on; the reply
		// channel is buffered so it never blocks on us.
		return nil, ctx.Err()
	}
}

func (m *Manager) connection(endpoint string) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[endpoint]; ok {
		return c, nil
	}

	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c := &connection{
		endpoint: ep,
		requests: make(chan *request, 64),
		closed:   make(chan struct{}),
	}
	m.conns[endpoint] = c
	go m.run(c)
	return c, nil
}

// run is the connection actor loop. It owns the transport exclusively:
// all dials, round-trips, and teardowns for the endpoint happen here,
// one at a time.
func (m *Manager) run(c *connection) {
	var t Transport
	defer func() {
		if t != nil {
			_ = t.Close()
		}
		c.setState(StateDisconnected)
	}()

	for {
		select {
		case <-c.closed:
			m.failPending(c)
			return
		case req := <-c.requests:
			if req.ctx.Err() != nil {
				req.reply <- reply{err: req.ctx.Err()}
				continue
			}

			if t == nil {
				nt, err := m.establish(c, req.ctx)
				if err != nil {
					req.reply <- reply{err: err}
					continue
				}
				t = nt
			}

			if req.connectOnly {
				req.reply <- reply{}
				continue
			}

			result, err := t.Call(req.ctx, req.method, req.params)
			if err == nil {
				req.reply <- reply{result: result}
				continue
			}
			if req.ctx.Err() != nil {
				// Cancelled mid-flight: abandon this round-trip and keep
				// the connection; the stale response is skipped by ID.
				req.reply <- reply{err: req.ctx.Err()}
				continue
			}

			// Transport failure: drop the connection and retry with
			// backoff before giving up on this request.
			m.logger.Warn("transport call failed, reconnecting",
				zap.String("endpoint", c.endpoint.Raw),
				zap.Error(err),
			)
			c.setState(StateDegraded)
			c.lastErr.Store(err)
			_ = t.Close()
			t = nil

			nt, rerr := m.establish(c, req.ctx)
			if rerr != nil {
				req.reply <- reply{err: rerr}
				continue
			}
			t = nt
			result, err = t.Call(req.ctx, req.method, req.params)
			if err != nil {
				c.setState(StateDegraded)
				c.lastErr.Store(err)
				_ = t.Close()
				t = nil
				req.reply <- reply{err: &ConnectionError{Endpoint: c.endpoint.Raw, Err: err}}
				continue
			}
			req.reply <- reply{result: result}
		}
	}
}

// establish dials with exponential backoff. Allow-list and URL-policy
// violations are not retried: a forbidden endpoint stays forbidden.
func (m *Manager) establish(c *connection, ctx context.Context) (Transport, error) {
	c.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Backoff.MaxAttempts; attempt++ {
		t, err := m.dial(c.endpoint)
		if err == nil {
			err = t.Connect(ctx)
			if err == nil {
				c.setState(StateConnected)
				return t, nil
			}
			_ = t.Close()
		}
		lastErr = err

		if isPolicyViolation(err) {
			m.logger.Error("endpoint rejected by policy",
				zap.String("endpoint", c.endpoint.Raw),
				zap.Error(err),
			)
			c.setState(StateDisconnected)
			c.lastErr.Store(err)
			return nil, err
		}

		if attempt < m.cfg.Backoff.MaxAttempts {
			select {
			case <-time.After(m.cfg.Backoff.delay(attempt)):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return nil, ctx.Err()
			case <-c.closed:
				c.setState(StateDisconnected)
				return nil, &ConnectionError{Endpoint: c.endpoint.Raw, Err: fmt.Errorf("connection closed")}
			}
		}
	}

	c.setState(StateDisconnected)
	c.lastErr.Store(lastErr)
	return nil, &ConnectionError{Endpoint: c.endpoint.Raw, Err: lastErr}
}

func (m *Manager) failPending(c *connection) {
	for {
		select {
		case req := <-c.requests:
			req.reply <- reply{err: &ConnectionError{Endpoint: c.endpoint.Raw, Err: fmt.Errorf("connection closed")}}
		default:
			return
		}
	}
}

func isPolicyViolation(err error) bool {
	return errors.Is(err, ErrPathTraversal) ||
		errors.Is(err, ErrNotAllowListed) ||
		errors.Is(err, ErrForbiddenURL)
}
