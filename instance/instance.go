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

// Package instance is the public entry point of the client. An Instance is
// built from validated options and driven with Spawn, Reload and Stop;
// each call is queued to the instance's own supervisor goroutine.
package instance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/sysinfo"
	"github.com/srediag/instance-client/pkg/audit"
	"github.com/srediag/instance-client/pkg/identity"
	"github.com/srediag/instance-client/pkg/lifecycle"
	"github.com/srediag/instance-client/pkg/logsink"
	"github.com/srediag/instance-client/pkg/security"
	"github.com/srediag/instance-client/pkg/transport"
)

// Version is reported to the coordinator with every authentication.
const Version = "0.1.0"

// Instance is one registered unit of work. It exclusively owns its
// connection and supervisor.
type Instance struct {
	id         string
	identity   identity.Identity
	settings   settings
	logger     *logsink.Logger
	recorder   *audit.Recorder
	conn       *transport.Connection
	supervisor *lifecycle.Supervisor

	reapOnce sync.Once
}

var (
	_ api.Lifecycle = (*Instance)(nil)
	_ api.Health    = (*Instance)(nil)
)

// ErrNotReady is returned by ReadinessCheck while the session is degraded.
var ErrNotReady = errors.New("session not established")

// SetLogger installs the process-wide log sink. An Instance captures the
// sink when it is created, so instances created earlier keep theirs.
// Passing nil restores the stderr sink.
func SetLogger(sink logsink.Sink) {
	logsink.SetDefault(sink)
}

// NewFromMap is New for dynamic options. Unknown keys are rejected.
func NewFromMap(raw map[string]any, options ...Option) (*Instance, error) {
	opts, err := identity.FromMap(raw)
	if err != nil {
		return nil, err
	}
	return New(opts, options...)
}

// New validates opts and returns an Instance in the created state. It
// fails with *api.ValidationError; nothing touches the network until Spawn.
func New(opts identity.Options, options ...Option) (*Instance, error) {
	config, err := identity.Resolve(opts)
	if err != nil {
		return nil, err
	}
	s := defaultSettings()
	for _, opt := range options {
		opt(&s)
	}
	if err := s.retry.Validate(); err != nil {
		return nil, &api.ValidationError{Field: "retry", Reason: err.Error()}
	}
	if err := s.heartbeat.Validate(); err != nil {
		return nil, &api.ValidationError{Field: "heartbeat", Reason: err.Error()}
	}
	if err := s.lifecycle.Validate(); err != nil {
		return nil, &api.ValidationError{Field: "lifecycle", Reason: err.Error()}
	}
	signer, err := security.NewHMACSigner(config.Credentials, s.clock.Now)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := logsink.New(config.Logger,
		logsink.WithDropHook(s.metrics.LogRecordsDropped),
		logsink.WithTimeSource(s.clock.Now),
	).With("instance", id)

	conn, err := transport.NewConnection(s.coordinatorDialer(), signer, transport.Options{
		Account:         config.Identity.Account,
		Project:         config.Identity.Project,
		Params:          sysinfo.ConnectionParams(context.Background(), Version),
		Retry:           s.retry,
		Heartbeat:       s.heartbeat,
		Clock:           s.clock,
		Logger:          logger,
		OnRetry:         func(error, time.Duration) { s.metrics.ConnectRetry() },
		OnHeartbeatMiss: func(int, error) { s.metrics.HeartbeatMissed() },
		OnReconnect:     s.metrics.Reconnected,
	})
	if err != nil {
		logger.Close()
		return nil, err
	}

	in := &Instance{
		id:       id,
		identity: config.Identity,
		settings: s,
		logger:   logger,
		recorder: audit.NewRecorder(0),
		conn:     conn,
	}
	in.supervisor, err = lifecycle.NewSupervisor(lifecycle.Descriptor{
		InstanceID:  id,
		Identity:    config.Identity,
		WatchConfig: config.WatchConfig,
		ConfigPath:  config.ConfigPath,
	}, conn, s.lifecycle,
		lifecycle.WithLogger(logger),
		lifecycle.WithObserver(api.ObserverFunc(in.observe)),
		lifecycle.WithClock(s.clock),
	)
	if err != nil {
		logger.Close()
		return nil, err
	}
	if s.registry != nil {
		s.registry.add(in)
	}
	logger.Debug("instance created", "account", config.Identity.Account, "project", config.Identity.Project)
	return in, nil
}

// ID returns the instance id sent with the registration.
func (in *Instance) ID() string { return in.id }

// Identity returns a copy of the instance's account, project and labels.
func (in *Instance) Identity() identity.Identity {
	labels := make(map[string]string, len(in.identity.Labels))
	for k, v := range in.identity.Labels {
		labels[k] = v
	}
	return identity.Identity{Account: in.identity.Account, Project: in.identity.Project, Labels: labels}
}

// State returns the current lifecycle state.
func (in *Instance) State() api.State { return in.supervisor.State() }

// Done is closed once the instance is stopped or failed.
func (in *Instance) Done() <-chan struct{} { return in.supervisor.Done() }

// Err returns why the instance failed, or nil.
func (in *Instance) Err() error { return in.supervisor.Err() }

// History returns the most recent transitions, oldest first.
func (in *Instance) History() []api.TransitionEvent { return in.recorder.History() }

// Subscribe delivers future transitions to observer in order. The
// returned function cancels the subscription.
func (in *Instance) Subscribe(observer api.Observer) (unsubscribe func()) {
	return in.recorder.Subscribe(observer)
}

// LivenessCheck returns the failure cause once the instance has failed.
func (in *Instance) LivenessCheck() error {
	if in.State() == api.StateFailed {
		return in.Err()
	}
	return nil
}

// ReadinessCheck fails unless the instance is running on a healthy
// session.
func (in *Instance) ReadinessCheck() error {
	if state := in.State(); state != api.StateRunning {
		return &api.InvalidStateError{Op: "serve", State: state}
	}
	if !in.conn.Connected() {
		return ErrNotReady
	}
	return nil
}

// Spawn connects, authenticates and registers the instance. It returns
// once the instance is running or has failed.
func (in *Instance) Spawn(ctx context.Context) error {
	return in.do(ctx, "spawn", in.supervisor.Spawn)
}

// Reload re-sends the configuration; with watch_config set the file is
// read again first.
func (in *Instance) Reload(ctx context.Context) error {
	return in.do(ctx, "reload", in.supervisor.Reload)
}

// Stop deregisters the instance and releases its connection. It is
// idempotent and preempts a pending spawn or reload.
func (in *Instance) Stop(ctx context.Context) error {
	return in.do(ctx, "stop", in.supervisor.Stop)
}

// Run spawns the instance and blocks until it stops or fails. Cancelling
// ctx stops it. Run returns the spawn error, the failure cause, or nil
// after a clean stop.
func (in *Instance) Run(ctx context.Context) error {
	if err := in.Spawn(ctx); err != nil {
		return err
	}
	select {
	case <-in.Done():
	case <-ctx.Done():
		if err := in.Stop(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	return in.Err()
}

func (in *Instance) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	in.reapOnce.Do(func() { go in.reap() })
	start := in.settings.clock.Now()
	ctx, end := in.settings.telemetry.Start(ctx, operation, in.id)
	err := fn(ctx)
	end(err)
	in.settings.metrics.ObserveOperation(operation, err, in.settings.clock.Now().Sub(start))
	return err
}

func (in *Instance) observe(event api.TransitionEvent) {
	in.recorder.Observe(event)
	in.settings.metrics.Observe(event)
}

// reap releases what the instance owns once it is terminal.
func (in *Instance) reap() {
	<-in.Done()
	if in.settings.registry != nil {
		in.settings.registry.remove(in.id)
	}
	in.settings.metrics.Forget(in.id)
	in.recorder.Close()
	in.logger.Close()
}
