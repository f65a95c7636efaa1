/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/clock"
	"github.com/srediag/instance-client/pkg/health"
	"github.com/srediag/instance-client/pkg/logsink"
)

// ErrNotConnected is wrapped in the NetworkError returned by Send while no
// session is established.
var ErrNotConnected = errors.New("no session established")

var discardLogger = logsink.New(logsink.Discard)

// EventType classifies connection events.
type EventType int

const (
	// EventPush carries a coordinator-initiated message.
	EventPush EventType = iota
	// EventDegraded reports that heartbeats were lost and a reconnect started.
	EventDegraded
	// EventReconnected reports a new authenticated session after EventDegraded.
	EventReconnected
	// EventFailed reports that reconnection gave up. No further events follow.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventPush:
		return "push"
	case EventDegraded:
		return "degraded"
	case EventReconnected:
		return "reconnected"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered on Connection.Events.
type Event struct {
	Type    EventType
	Message api.Message
	Err     error
}

// Options configure a Connection.
type Options struct {
	Account string
	Project string
	// Params are sent with every authentication request.
	Params    map[string]string
	Retry     RetryPolicy
	Heartbeat health.Config
	Clock     clock.Clock
	Logger    *logsink.Logger

	// OnRetry is called before each backoff wait.
	OnRetry func(err error, next time.Duration)
	// OnHeartbeatMiss is called after each failed heartbeat.
	OnHeartbeatMiss func(consecutive int, err error)
	// OnReconnect is called after each successful reconnection.
	OnReconnect func()
}

// Connection is the authenticated session of one instance. It is not
// shared across instances.
type Connection struct {
	dialer api.Dialer
	signer api.Signer
	opts   Options

	mu        sync.Mutex
	conn      api.Conn
	sessionID string
	degraded  bool
	closed    bool
	cancel    context.CancelFunc
	broken    chan api.Conn

	// lost is cancelled with the reconnect error once the session is gone
	// for good.
	lost     context.Context
	markLost context.CancelCauseFunc

	events chan Event
	wg     sync.WaitGroup
}

// NewConnection validates opts. No network activity happens until Connect.
func NewConnection(dialer api.Dialer, signer api.Signer, opts Options) (*Connection, error) {
	if dialer == nil {
		return nil, errors.New("transport: nil dialer")
	}
	if signer == nil {
		return nil, errors.New("transport: nil signer")
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Heartbeat.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	lost, markLost := context.WithCancelCause(context.Background())
	return &Connection{
		dialer:   dialer,
		signer:   signer,
		opts:     opts,
		broken:   make(chan api.Conn, 1),
		lost:     lost,
		markLost: markLost,
		events:   make(chan Event, eventBuffer),
	}, nil
}

// Events delivers pushes and session state changes. It is closed by Close.
func (c *Connection) Events() <-chan Event { return c.events }

// SessionID returns the coordinator-assigned id of the current session.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a healthy session is established.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.degraded
}

// Connect dials and authenticates, retrying network failures with
// backoff. An AuthError or ProtocolError is returned without retry; a
// NetworkError is returned once the policy is exhausted. On success the
// heartbeat starts.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &api.NetworkError{Op: "connect", Err: api.ErrClosed}
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, sessionID, err := c.establish(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return &api.NetworkError{Op: "connect", Err: api.ErrClosed}
	}
	c.conn = conn
	c.sessionID = sessionID
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.opts.Logger.Info("session established", "session", sessionID)
	c.wg.Add(1)
	go c.supervise(sessionCtx, conn)
	return nil
}

// Send delivers request and checks the coordinator's ack. Network
// failures are retried with backoff while the session reconnects. Once
// reconnection gives up, Send fails with that error.
func (c *Connection) Send(ctx context.Context, request api.Message) (api.Message, error) {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lost, cancel)
	defer stop()

	var reply api.Message
	op := func() error {
		conn, err := c.current(string(request.Kind))
		if err != nil {
			return err
		}
		msg, err := conn.Roundtrip(sendCtx, request)
		if err != nil {
			var netErr *api.NetworkError
			if errors.As(err, &netErr) && sendCtx.Err() == nil {
				c.markBroken(conn)
				return err
			}
			return backoff.Permanent(err)
		}
		if err := checkAck(msg); err != nil {
			return backoff.Permanent(err)
		}
		reply = msg
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.opts.Logger.Debug("send failed, retrying", "kind", string(request.Kind), "error", err, "backoff", next)
	}
	if err := c.opts.Retry.retry(sendCtx, c.opts.Clock, op, notify); err != nil {
		if cause := context.Cause(c.lost); cause != nil && ctx.Err() == nil {
			return api.Message{}, &api.NetworkError{Op: string(request.Kind), Err: cause}
		}
		var netErr *api.NetworkError
		if ctx.Err() != nil && !errors.As(err, &netErr) {
			err = &api.NetworkError{Op: string(request.Kind), Err: err}
		}
		return api.Message{}, err
	}
	return reply, nil
}

// Ping sends one heartbeat on the current session.
func (c *Connection) Ping(ctx context.Context) error {
	conn, err := c.current(string(api.KindHeartbeat))
	if err != nil {
		return err
	}
	return ping(ctx, conn)
}

// Close stops the heartbeat and releases the session. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	close(c.events)
	return err
}

func (c *Connection) current(op string) (api.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, backoff.Permanent(&api.NetworkError{Op: op, Err: api.ErrClosed})
	}
	if cause := context.Cause(c.lost); cause != nil {
		return nil, backoff.Permanent(&api.NetworkError{Op: op, Err: cause})
	}
	if c.conn == nil || c.degraded {
		return nil, &api.NetworkError{Op: op, Err: ErrNotConnected}
	}
	return c.conn, nil
}

func (c *Connection) markBroken(conn api.Conn) {
	select {
	case c.broken <- conn:
	default:
	}
}

// establish dials and authenticates under the retry policy.
func (c *Connection) establish(ctx context.Context) (api.Conn, string, error) {
	var (
		conn      api.Conn
		sessionID string
		attempt   int
	)
	op := func() error {
		attempt++
		var err error
		conn, sessionID, err = c.dialAndAuthenticate(ctx)
		if err == nil {
			return nil
		}
		var authErr *api.AuthError
		var protoErr *api.ProtocolError
		if errors.As(err, &authErr) || errors.As(err, &protoErr) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.opts.Logger.Warn("connect attempt failed", "attempt", attempt, "error", err, "backoff", next)
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(err, next)
		}
	}
	if err := c.opts.Retry.retry(ctx, c.opts.Clock, op, notify); err != nil {
		return nil, "", err
	}
	return conn, sessionID, nil
}

func (c *Connection) dialAndAuthenticate(ctx context.Context) (api.Conn, string, error) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		var netErr *api.NetworkError
		if !errors.As(err, &netErr) {
			err = &api.NetworkError{Op: "dial", Err: err}
		}
		return nil, "", err
	}

	request := &api.AuthRequest{
		Account: c.opts.Account,
		Project: c.opts.Project,
		Params:  c.opts.Params,
	}
	if err := c.signer.Sign(request); err != nil {
		_ = conn.Close()
		return nil, "", backoff.Permanent(fmt.Errorf("signing authentication request: %w", err))
	}

	reply, err := conn.Roundtrip(ctx, api.Message{Kind: api.KindAuthenticate, Auth: request})
	if err == nil {
		err = checkAck(reply)
	}
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, reply.Ack.SessionID, nil
}

// supervise runs the heartbeat for conn, forwards pushes and reconnects
// when the session is lost.
func (c *Connection) supervise(ctx context.Context, conn api.Conn) {
	defer c.wg.Done()
	for {
		lost := c.watch(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		_ = conn.Close()
		c.opts.Logger.Warn("session degraded, reconnecting", "error", lost)
		c.emit(ctx, Event{Type: EventDegraded, Err: lost})

		next, sessionID, err := c.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.opts.Logger.Error("reconnect failed", "error", err)
			c.markLost(err)
			c.emit(ctx, Event{Type: EventFailed, Err: err})
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.conn = next
		c.sessionID = sessionID
		c.degraded = false
		c.mu.Unlock()

		// Drop a broken report about the previous session.
		select {
		case <-c.broken:
		default:
		}
		conn = next
		c.opts.Logger.Info("session re-established", "session", sessionID)
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
		c.emit(ctx, Event{Type: EventReconnected})
	}
}

// watch blocks until conn is lost or ctx is done and returns the reason.
func (c *Connection) watch(ctx context.Context, conn api.Conn) error {
	monitor, err := health.NewMonitor(pingerFunc(func(pctx context.Context) error { return ping(pctx, conn) }),
		c.opts.Heartbeat, c.opts.Clock,
		health.WithLogger(c.opts.Logger),
		health.OnMiss(c.opts.OnHeartbeatMiss),
	)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	degraded := make(chan error, 1)
	go func() { degraded <- monitor.Run(watchCtx) }()

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-degraded:
			return err
		case broken := <-c.broken:
			if broken == conn {
				return &api.NetworkError{Op: "session", Err: errors.New("request failed on session")}
			}
		case msg, ok := <-events:
			if !ok {
				return &api.NetworkError{Op: "session", Err: errors.New("connection lost")}
			}
			c.opts.Logger.Debug("coordinator push", "kind", string(msg.Kind))
			c.emit(ctx, Event{Type: EventPush, Message: msg})
		}
	}
}

func (c *Connection) emit(ctx context.Context, event Event) {
	select {
	case c.events <- event:
	case <-ctx.Done():
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func ping(ctx context.Context, conn api.Conn) error {
	reply, err := conn.Roundtrip(ctx, api.Message{Kind: api.KindHeartbeat})
	if err != nil {
		return err
	}
	return checkAck(reply)
}

// checkAck classifies a coordinator reply.
func checkAck(msg api.Message) error {
	if msg.Kind != api.KindAck || msg.Ack == nil {
		return &api.ProtocolError{Reason: fmt.Sprintf("expected ack, got %q", msg.Kind)}
	}
	if msg.Ack.OK {
		return nil
	}
	switch msg.Ack.Code {
	case api.CodeUnauthorized, api.CodeForbidden:
		return &api.AuthError{Code: msg.Ack.Code, Reason: msg.Ack.Reason}
	default:
		return &api.ProtocolError{Reason: fmt.Sprintf("request rejected: %s %s", msg.Ack.Code, msg.Ack.Reason)}
	}
}
