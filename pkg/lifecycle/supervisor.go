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

// Package lifecycle drives one instance through
// created → spawning → running ⇄ reloading → stopping → stopped, with
// failed reachable from every non-terminal state.
//
// A Supervisor owns one background goroutine. Spawn, Reload and Stop
// enqueue requests that the goroutine executes one at a time in arrival
// order. Stop preempts: pending requests are cancelled and an in-flight
// spawn or reload is abandoned at its next network boundary.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/clock"
	"github.com/srediag/instance-client/pkg/identity"
	"github.com/srediag/instance-client/pkg/logsink"
	"github.com/srediag/instance-client/pkg/transport"
	"github.com/srediag/instance-client/pkg/watcher"
)

const defaultDeregisterTimeout = 2 * time.Second

// ErrConfigTooLarge is wrapped in the ConfigError returned for a config
// file above transport.MaxConfigSize.
var ErrConfigTooLarge = errors.New("config too large")

// Session is the coordinator session driven by a Supervisor.
// *transport.Connection implements it.
type Session interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, request api.Message) (api.Message, error)
	Events() <-chan transport.Event
	Close() error
}

// Descriptor identifies the supervised instance.
type Descriptor struct {
	InstanceID  string
	Identity    identity.Identity
	WatchConfig bool
	ConfigPath  string
}

// Config holds the Supervisor tunables.
type Config struct {
	// DeregisterTimeout bounds the best-effort deregistration on stop.
	DeregisterTimeout time.Duration
	Watcher           watcher.Config
}

// DefaultConfig returns a 2s deregistration timeout and the default
// watcher settings.
func DefaultConfig() Config {
	return Config{
		DeregisterTimeout: defaultDeregisterTimeout,
		Watcher:           watcher.DefaultConfig(),
	}
}

// Validate reports an invalid Config.
func (c Config) Validate() error {
	if c.DeregisterTimeout <= 0 {
		return fmt.Errorf("deregister timeout must be positive, got %s", c.DeregisterTimeout)
	}
	return c.Watcher.Validate()
}

type opKind int

const (
	opSpawn opKind = iota
	opReload
	opStop
	opReregister
)

func (o opKind) String() string {
	switch o {
	case opSpawn:
		return "spawn"
	case opReload:
		return "reload"
	case opStop:
		return "stop"
	default:
		return "reregister"
	}
}

type request struct {
	op     opKind
	ctx    context.Context
	result chan error
	// origin names the internal source of a request nobody waits on.
	origin string
}

// Supervisor is the lifecycle state machine of one instance.
type Supervisor struct {
	desc    Descriptor
	config  Config
	session Session
	logger  *logsink.Logger
	clock   clock.Clock
	observe func(api.TransitionEvent)
	read    func(path string) ([]byte, error)

	state atomic.Int32

	mu        sync.Mutex
	pending   []*request
	current   *request
	cancelOp  context.CancelFunc
	preempted bool
	started   bool
	finished  bool
	wake      chan struct{}

	done chan struct{}
	err  error

	// Owned by the supervisor goroutine.
	events      <-chan transport.Event
	registered  bool
	lastConfig  []byte
	stopWatcher context.CancelFunc
	watcherDone chan struct{}
	sessionShut bool
}

var _ api.Lifecycle = (*Supervisor)(nil)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Records carry the instance id.
func WithLogger(logger *logsink.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithObserver receives every transition. Observe must not block.
func WithObserver(observer api.Observer) Option {
	return func(s *Supervisor) { s.observe = observer.Observe }
}

// WithClock sets the clock used for timestamps and the config watcher.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clock = clk }
}

// WithConfigReader replaces the config file reader.
func WithConfigReader(read func(path string) ([]byte, error)) Option {
	return func(s *Supervisor) { s.read = read }
}

// NewSupervisor creates a Supervisor in the created state. The background
// goroutine starts with the first request.
func NewSupervisor(desc Descriptor, session Session, config Config, opts ...Option) (*Supervisor, error) {
	if session == nil {
		return nil, errors.New("lifecycle: nil session")
	}
	if desc.InstanceID == "" {
		return nil, errors.New("lifecycle: empty instance id")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		desc:    desc,
		config:  config,
		session: session,
		clock:   clock.Real(),
		observe: func(api.TransitionEvent) {},
		read:    watcher.ReadConfig,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logsink.New(logsink.Default())
	}
	s.state.Store(int32(api.StateCreated))
	return s, nil
}

// State returns the current state.
func (s *Supervisor) State() api.State { return api.State(s.state.Load()) }

// Done is closed when the instance reaches stopped or failed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err returns the cause of failure once Done is closed in the failed
// state, and nil otherwise.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Spawn connects, authenticates and registers the instance. A second
// Spawn fails with *api.AlreadySpawnedError.
func (s *Supervisor) Spawn(ctx context.Context) error { return s.submit(ctx, opSpawn) }

// Reload re-sends the configuration. It fails with *api.InvalidStateError
// unless the instance is running when the request is executed.
func (s *Supervisor) Reload(ctx context.Context) error { return s.submit(ctx, opReload) }

// Stop deregisters the instance and releases its session. It is
// idempotent and always completes, even without a healthy session.
func (s *Supervisor) Stop(ctx context.Context) error { return s.submit(ctx, opStop) }

func (s *Supervisor) submit(ctx context.Context, op opKind) error {
	req := &request{op: op, ctx: ctx, result: make(chan error, 1)}
	if !s.enqueue(req) {
		return s.rejectTerminal(op)
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue adds req and returns false once the supervisor has finished.
func (s *Supervisor) enqueue(req *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	if req.op == opStop {
		s.preemptLocked()
	}
	s.pending = append(s.pending, req)
	if !s.started {
		s.started = true
		go s.run()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// enqueueInternal adds a request nobody waits on.
func (s *Supervisor) enqueueInternal(op opKind, origin string) {
	s.enqueue(&request{op: op, ctx: context.Background(), result: make(chan error, 1), origin: origin})
}

// preemptLocked cancels every pending request except stops and abandons
// an in-flight spawn or reload.
func (s *Supervisor) preemptLocked() {
	kept := s.pending[:0]
	for _, req := range s.pending {
		if req.op == opStop {
			kept = append(kept, req)
			continue
		}
		req.result <- api.ErrCanceled
	}
	s.pending = kept
	if s.current != nil && s.current.op != opStop && s.cancelOp != nil {
		s.preempted = true
		s.cancelOp()
	}
}

func (s *Supervisor) rejectTerminal(op opKind) error {
	state := s.State()
	switch op {
	case opSpawn:
		return &api.AlreadySpawnedError{State: state}
	case opReload:
		return &api.InvalidStateError{Op: "reload", State: state}
	default:
		return nil
	}
}

func (s *Supervisor) run() {
	s.events = s.session.Events()
	for {
		if req, ctx := s.dequeue(); req != nil {
			err := s.execute(ctx, req)
			s.finish(req, err)
		} else {
			select {
			case <-s.wake:
			case event, ok := <-s.events:
				if !ok {
					s.events = nil
					continue
				}
				s.handleEvent(event)
			}
		}
		if s.State().Terminal() {
			s.drain()
			return
		}
	}
}

func (s *Supervisor) dequeue() (*request, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	req := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.current = req
	s.preempted = false
	ctx, cancel := context.WithCancel(req.ctx)
	s.cancelOp = cancel
	return req, ctx
}

func (s *Supervisor) finish(req *request, err error) {
	s.mu.Lock()
	s.current = nil
	if s.cancelOp != nil {
		s.cancelOp()
		s.cancelOp = nil
	}
	s.mu.Unlock()

	if req.origin != "" && err != nil {
		level := logsink.LevelWarn
		var stateErr *api.InvalidStateError
		if errors.As(err, &stateErr) || errors.Is(err, api.ErrCanceled) {
			level = logsink.LevelDebug
		}
		s.logger.Log(level, "internal request failed", "op", req.op.String(), "origin", req.origin, "error", err)
	}
	req.result <- err
}

func (s *Supervisor) isPreempted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preempted
}

// drain answers everything still queued once a terminal state is reached.
func (s *Supervisor) drain() {
	s.mu.Lock()
	s.finished = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, req := range pending {
		req.result <- s.rejectTerminal(req.op)
	}
}

func (s *Supervisor) execute(ctx context.Context, req *request) error {
	// A stop runs even when its caller gave up: it already preempted
	// everything else.
	if err := req.ctx.Err(); err != nil && req.op != opStop {
		return err
	}
	start := s.clock.Now()
	var err error
	switch req.op {
	case opSpawn:
		err = s.spawn(ctx)
	case opReload:
		err = s.reload(ctx)
	case opStop:
		err = s.stop(req.ctx)
	case opReregister:
		err = s.reregister(ctx)
	}
	s.logger.Debug("request done", "op", req.op.String(), "elapsed", s.clock.Now().Sub(start), "error", err)
	return err
}

func (s *Supervisor) spawn(ctx context.Context) error {
	if state := s.State(); state != api.StateCreated {
		return &api.AlreadySpawnedError{State: state}
	}
	s.transition(api.StateSpawning, nil)

	if err := s.session.Connect(ctx); err != nil {
		return s.spawnFailed(ctx, err)
	}
	if s.isPreempted() {
		return api.ErrCanceled
	}

	config := s.loadInitialConfig()
	if _, err := s.session.Send(ctx, api.Message{Kind: api.KindRegister, Registration: s.registration(config)}); err != nil {
		return s.spawnFailed(ctx, err)
	}
	s.registered = true
	s.lastConfig = config
	if s.isPreempted() {
		return api.ErrCanceled
	}

	s.transition(api.StateRunning, nil)
	s.startWatcher()
	return nil
}

// spawnFailed leaves the instance spawning when stop preempted it, so the
// queued stop can finish the teardown, and fails it otherwise.
func (s *Supervisor) spawnFailed(ctx context.Context, err error) error {
	if s.isPreempted() {
		return api.ErrCanceled
	}
	spawnErr := &api.SpawnError{Err: err}
	s.fail(spawnErr)
	return spawnErr
}

func (s *Supervisor) loadInitialConfig() []byte {
	if !s.desc.WatchConfig {
		return nil
	}
	data, err := s.readConfig()
	if err != nil {
		s.logger.Warn("config unreadable at spawn, registering without it", "path", s.desc.ConfigPath, "error", err)
		return nil
	}
	return data
}

// readConfig reads the watched file. Every error is an *api.ConfigError.
func (s *Supervisor) readConfig() ([]byte, error) {
	path := s.desc.ConfigPath
	data, err := s.read(path)
	if err != nil {
		var cfgErr *api.ConfigError
		if !errors.As(err, &cfgErr) {
			cfgErr = &api.ConfigError{Path: path, Err: err}
		}
		return nil, cfgErr
	}
	if len(data) > transport.MaxConfigSize {
		return nil, &api.ConfigError{
			Path:      path,
			Permanent: true,
			Err:       fmt.Errorf("%w: %d bytes, limit %d", ErrConfigTooLarge, len(data), transport.MaxConfigSize),
		}
	}
	return data, nil
}

func (s *Supervisor) reload(ctx context.Context) error {
	if state := s.State(); state != api.StateRunning {
		return &api.InvalidStateError{Op: "reload", State: state}
	}
	s.transition(api.StateReloading, nil)

	config := s.lastConfig
	if s.desc.WatchConfig {
		data, err := s.readConfig()
		if err != nil {
			var cfgErr *api.ConfigError
			errors.As(err, &cfgErr)
			s.logger.Error("reload skipped, keeping last known good config", "path", s.desc.ConfigPath, "error", cfgErr)
			s.transition(api.StateRunning, nil)
			return cfgErr
		}
		config = data
	}

	_, err := s.session.Send(ctx, api.Message{Kind: api.KindPushConfig, Registration: s.registration(config)})
	switch {
	case err == nil:
		s.lastConfig = config
		s.transition(api.StateRunning, nil)
		return nil
	case s.isPreempted():
		return api.ErrCanceled
	case ctx.Err() != nil:
		// The caller gave up; the session is still usable.
		s.transition(api.StateRunning, nil)
		return err
	default:
		s.fail(err)
		return err
	}
}

func (s *Supervisor) reregister(ctx context.Context) error {
	if state := s.State(); state != api.StateRunning || !s.registered {
		return &api.InvalidStateError{Op: "reregister", State: state}
	}
	_, err := s.session.Send(ctx, api.Message{Kind: api.KindRegister, Registration: s.registration(s.lastConfig)})
	if err != nil && !s.isPreempted() {
		s.fail(err)
	}
	return err
}

func (s *Supervisor) stop(ctx context.Context) error {
	switch state := s.State(); state {
	case api.StateCreated:
		s.closeSession()
		s.transition(api.StateStopped, nil)
		return nil
	case api.StateStopped, api.StateFailed:
		return nil
	}

	s.transition(api.StateStopping, nil)
	s.haltWatcher()
	if s.registered {
		s.deregister(ctx)
	}
	s.closeSession()
	s.transition(api.StateStopped, nil)
	return nil
}

func (s *Supervisor) deregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DeregisterTimeout)
	defer cancel()
	msg := api.Message{Kind: api.KindDeregister, Registration: &api.Registration{
		InstanceID: s.desc.InstanceID,
		Account:    s.desc.Identity.Account,
		Project:    s.desc.Identity.Project,
	}}
	if _, err := s.session.Send(ctx, msg); err != nil {
		s.logger.Warn("deregistration failed, continuing stop", "error", err)
		return
	}
	s.registered = false
}

func (s *Supervisor) handleEvent(event transport.Event) {
	switch event.Type {
	case transport.EventPush:
		switch event.Message.Kind {
		case api.KindReloadRequested:
			s.logger.Info("coordinator requested reload")
			s.enqueueInternal(opReload, "coordinator")
		case api.KindShutdown:
			s.logger.Info("coordinator requested shutdown")
			s.enqueueInternal(opStop, "coordinator")
		default:
			s.logger.Warn("ignoring unknown coordinator push", "kind", string(event.Message.Kind))
		}
	case transport.EventDegraded:
		s.logger.Warn("session degraded", "error", event.Err)
	case transport.EventReconnected:
		if s.registered && s.State() == api.StateRunning {
			s.enqueueInternal(opReregister, "reconnect")
		}
	case transport.EventFailed:
		if !s.State().Terminal() {
			s.fail(fmt.Errorf("session lost: %w", event.Err))
		}
	}
}

// fail moves the instance to failed and releases everything it owns.
func (s *Supervisor) fail(err error) {
	s.logger.Error("instance failed", "error", err)
	s.haltWatcher()
	s.closeSession()
	s.transition(api.StateFailed, err)
}

func (s *Supervisor) closeSession() {
	if s.sessionShut {
		return
	}
	s.sessionShut = true
	if err := s.session.Close(); err != nil {
		s.logger.Debug("session close", "error", err)
	}
}

func (s *Supervisor) startWatcher() {
	if !s.desc.WatchConfig || s.stopWatcher != nil {
		return
	}
	opts := []watcher.Option{watcher.WithLogger(s.logger), watcher.WithReader(s.read)}
	if s.lastConfig != nil {
		opts = append(opts, watcher.WithBaseline(s.lastConfig))
	}
	w, err := watcher.New(s.desc.ConfigPath, s.config.Watcher, s.clock,
		func() { s.enqueueInternal(opReload, "watcher") }, opts...)
	if err != nil {
		s.logger.Error("config watcher not started", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopWatcher = cancel
	s.watcherDone = make(chan struct{})
	go func() {
		defer close(s.watcherDone)
		_ = w.Run(ctx)
	}()
}

func (s *Supervisor) haltWatcher() {
	if s.stopWatcher == nil {
		return
	}
	s.stopWatcher()
	<-s.watcherDone
	s.stopWatcher = nil
}

func (s *Supervisor) registration(config []byte) *api.Registration {
	labels := make(map[string]string, len(s.desc.Identity.Labels))
	for k, v := range s.desc.Identity.Labels {
		labels[k] = v
	}
	return &api.Registration{
		InstanceID: s.desc.InstanceID,
		Account:    s.desc.Identity.Account,
		Project:    s.desc.Identity.Project,
		Labels:     labels,
		Config:     config,
	}
}

func (s *Supervisor) transition(to api.State, cause error) {
	from := api.State(s.state.Swap(int32(to)))
	if cause != nil {
		s.logger.Warn("state transition", "from", from.String(), "to", to.String(), "error", cause)
	} else {
		s.logger.Info("state transition", "from", from.String(), "to", to.String())
	}
	s.observe(api.TransitionEvent{
		InstanceID: s.desc.InstanceID,
		From:       from,
		To:         to,
		Time:       s.clock.Now(),
		Err:        cause,
	})
	if to.Terminal() {
		s.err = cause
		close(s.done)
	}
}
