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

package lifecycle

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/testutil"
	"github.com/srediag/instance-client/pkg/health"
	"github.com/srediag/instance-client/pkg/identity"
	"github.com/srediag/instance-client/pkg/logsink"
	"github.com/srediag/instance-client/pkg/security"
	"github.com/srediag/instance-client/pkg/transport"
)

var credentials = security.Credentials{AccessKeyID: "K", SecretAccessKey: security.NewSecret("S")}

type transitions struct {
	mu     sync.Mutex
	events []api.TransitionEvent
}

func (t *transitions) Observe(event api.TransitionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *transitions) path() []api.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return nil
	}
	states := []api.State{t.events[0].From}
	for _, e := range t.events {
		states = append(states, e.To)
	}
	return states
}

func (t *transitions) last() api.TransitionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[len(t.events)-1]
}

type recordingSink struct {
	mu      sync.Mutex
	records []logsink.Record
}

func (s *recordingSink) Write(r logsink.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordingSink) has(level logsink.Level, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}

func (s *Supervisor) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type SupervisorTestSuite struct {
	suite.Suite

	coordinator *transport.MemoryCoordinator
	observed    *transitions
	sink        *recordingSink
	logger      *logsink.Logger
	retry       transport.RetryPolicy
	desc        Descriptor
	config      Config
	reader      func(string) ([]byte, error)
}

func (s *SupervisorTestSuite) SetupTest() {
	verifier, err := security.NewHMACVerifier(nil, credentials)
	s.Require().NoError(err)
	s.coordinator = transport.NewMemoryCoordinator(verifier)
	s.observed = &transitions{}
	s.sink = &recordingSink{}
	s.logger = logsink.New(s.sink)
	s.retry = transport.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     3,
	}
	s.desc = Descriptor{
		InstanceID: "i-1",
		Identity: identity.Identity{
			Account: "acme",
			Project: "p1",
			Labels:  map[string]string{"env": "prod"},
		},
	}
	s.config = DefaultConfig()
	s.reader = nil
}

func (s *SupervisorTestSuite) TearDownTest() {
	s.logger.Close()
}

func (s *SupervisorTestSuite) newSupervisor() *Supervisor {
	signer, err := security.NewHMACSigner(credentials, nil)
	s.Require().NoError(err)
	conn, err := transport.NewConnection(s.coordinator, signer, transport.Options{
		Account:   s.desc.Identity.Account,
		Project:   s.desc.Identity.Project,
		Retry:     s.retry,
		Heartbeat: health.DefaultConfig(),
		Logger:    s.logger,
	})
	s.Require().NoError(err)

	opts := []Option{WithLogger(s.logger), WithObserver(s.observed)}
	if s.reader != nil {
		opts = append(opts, WithConfigReader(s.reader))
	}
	sup, err := NewSupervisor(s.desc, conn, s.config, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = sup.Stop(context.Background()) })
	return sup
}

func (s *SupervisorTestSuite) spawned() *Supervisor {
	sup := s.newSupervisor()
	s.Require().NoError(sup.Spawn(context.Background()))
	s.Require().Equal(api.StateRunning, sup.State())
	return sup
}

func (s *SupervisorTestSuite) TestNewIsCreated() {
	sup := s.newSupervisor()
	s.Equal(api.StateCreated, sup.State())
	s.Nil(sup.Err())
	s.Zero(s.coordinator.Dials())
}

func (s *SupervisorTestSuite) TestSpawnRegistersOnce() {
	sup := s.spawned()

	s.Equal([]api.State{api.StateCreated, api.StateSpawning, api.StateRunning}, s.observed.path())
	registers := s.coordinator.ReceivedKind(api.KindRegister)
	s.Require().Len(registers, 1)
	reg := registers[0].Registration
	s.Equal("i-1", reg.InstanceID)
	s.Equal("acme", reg.Account)
	s.Equal("p1", reg.Project)
	s.Equal(map[string]string{"env": "prod"}, reg.Labels)
	s.Nil(reg.Config)

	err := sup.Spawn(context.Background())
	var already *api.AlreadySpawnedError
	s.Require().ErrorAs(err, &already)
	s.Equal(api.StateRunning, already.State)
	s.Equal(api.StateRunning, sup.State())
	s.Equal(1, s.coordinator.Count(api.KindRegister))
}

func (s *SupervisorTestSuite) TestReloadSendsOnePushConfig() {
	sup := s.spawned()
	s.Require().NoError(sup.Reload(context.Background()))

	s.Equal(api.StateRunning, sup.State())
	s.Equal([]api.State{
		api.StateCreated, api.StateSpawning, api.StateRunning, api.StateReloading, api.StateRunning,
	}, s.observed.path())
	pushes := s.coordinator.ReceivedKind(api.KindPushConfig)
	s.Require().Len(pushes, 1)
	s.Equal(map[string]string{"env": "prod"}, pushes[0].Registration.Labels)
	s.Equal("acme", pushes[0].Registration.Account)
}

func (s *SupervisorTestSuite) TestReloadOutsideRunning() {
	sup := s.newSupervisor()
	err := sup.Reload(context.Background())
	var stateErr *api.InvalidStateError
	s.Require().ErrorAs(err, &stateErr)
	s.Equal(api.StateCreated, stateErr.State)
	s.Equal(api.StateCreated, sup.State())
	s.Empty(s.coordinator.Received())

	s.Require().NoError(sup.Stop(context.Background()))
	err = sup.Reload(context.Background())
	s.Require().ErrorAs(err, &stateErr)
	s.Equal(api.StateStopped, stateErr.State)
	s.Empty(s.coordinator.Received())
}

func (s *SupervisorTestSuite) TestStopRunning() {
	sup := s.spawned()
	s.Require().NoError(sup.Stop(context.Background()))

	s.Equal(api.StateStopped, sup.State())
	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "done")
	s.Nil(sup.Err())
	s.Equal(1, s.coordinator.Count(api.KindDeregister))
	s.Equal("i-1", s.coordinator.ReceivedKind(api.KindDeregister)[0].Registration.InstanceID)
	s.Eventually(func() bool { return s.coordinator.Sessions() == 0 }, testutil.Timeout, 5*time.Millisecond)

	s.Require().NoError(sup.Stop(context.Background()))
	s.Equal(1, s.coordinator.Count(api.KindDeregister))

	var already *api.AlreadySpawnedError
	s.ErrorAs(sup.Spawn(context.Background()), &already)
}

func (s *SupervisorTestSuite) TestStopFromCreated() {
	sup := s.newSupervisor()
	s.Require().NoError(sup.Stop(context.Background()))
	s.Equal(api.StateStopped, sup.State())
	s.Equal([]api.State{api.StateCreated, api.StateStopped}, s.observed.path())
	s.Zero(s.coordinator.Dials())
}

func (s *SupervisorTestSuite) TestSpawnNetworkFailureFails() {
	s.coordinator.FailDials(-1)
	sup := s.newSupervisor()

	err := sup.Spawn(context.Background())
	var spawnErr *api.SpawnError
	s.Require().ErrorAs(err, &spawnErr)
	var netErr *api.NetworkError
	s.ErrorAs(err, &netErr)
	s.Equal(3, s.coordinator.Dials())

	s.Equal(api.StateFailed, sup.State())
	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "done")
	s.ErrorAs(sup.Err(), &spawnErr)
	s.Equal([]api.State{api.StateCreated, api.StateSpawning, api.StateFailed}, s.observed.path())
	s.Error(s.observed.last().Err)

	// Stop on a failed instance is a no-op.
	s.NoError(sup.Stop(context.Background()))
	s.Equal(api.StateFailed, sup.State())
}

func (s *SupervisorTestSuite) TestSpawnAuthFailureIsNotRetried() {
	s.coordinator.RejectAuth(api.CodeForbidden)
	s.retry.MaxAttempts = 0
	sup := s.newSupervisor()

	err := sup.Spawn(context.Background())
	var authErr *api.AuthError
	s.Require().ErrorAs(err, &authErr)
	s.Equal(1, s.coordinator.Dials())
	s.Equal(api.StateFailed, sup.State())
	s.Zero(s.coordinator.Count(api.KindRegister))
}

func (s *SupervisorTestSuite) TestSpawnProtocolErrorFails() {
	s.coordinator.Malform(api.KindRegister)
	sup := s.newSupervisor()

	err := sup.Spawn(context.Background())
	var protoErr *api.ProtocolError
	s.Require().ErrorAs(err, &protoErr)
	s.Equal(api.StateFailed, sup.State())
}

func (s *SupervisorTestSuite) TestRequestsRunInArrivalOrder() {
	release := s.coordinator.Hold(api.KindRegister)
	defer release()
	sup := s.newSupervisor()

	spawned := make(chan error, 1)
	go func() { spawned <- sup.Spawn(context.Background()) }()
	s.Require().True(s.coordinator.WaitFor(api.KindRegister, 1, testutil.Timeout))

	reloaded := make(chan error, 1)
	go func() { reloaded <- sup.Reload(context.Background()) }()
	s.Eventually(func() bool { return sup.queued() == 1 }, testutil.Timeout, time.Millisecond)
	s.Equal(api.StateSpawning, sup.State())

	release()
	s.NoError(testutil.RequireReceive(s.T(), spawned, testutil.Timeout, "spawn"))
	s.NoError(testutil.RequireReceive(s.T(), reloaded, testutil.Timeout, "reload"))
	s.Equal(1, s.coordinator.Count(api.KindPushConfig))
	s.Equal(api.StateRunning, sup.State())
}

func (s *SupervisorTestSuite) TestStopPreemptsReloads() {
	sup := s.spawned()
	release := s.coordinator.Hold(api.KindPushConfig)
	defer release()

	inFlight := make(chan error, 1)
	go func() { inFlight <- sup.Reload(context.Background()) }()
	s.Require().True(s.coordinator.WaitFor(api.KindPushConfig, 1, testutil.Timeout))

	queued := make(chan error, 1)
	go func() { queued <- sup.Reload(context.Background()) }()
	s.Eventually(func() bool { return sup.queued() == 1 }, testutil.Timeout, time.Millisecond)

	s.Require().NoError(sup.Stop(context.Background()))
	s.ErrorIs(testutil.RequireReceive(s.T(), queued, testutil.Timeout, "queued reload"), api.ErrCanceled)
	s.ErrorIs(testutil.RequireReceive(s.T(), inFlight, testutil.Timeout, "in-flight reload"), api.ErrCanceled)

	s.Equal(api.StateStopped, sup.State())
	s.Equal(1, s.coordinator.Count(api.KindPushConfig))
	s.Equal(1, s.coordinator.Count(api.KindDeregister))
	s.Equal([]api.State{
		api.StateCreated, api.StateSpawning, api.StateRunning, api.StateReloading, api.StateStopping, api.StateStopped,
	}, s.observed.path())
}

func (s *SupervisorTestSuite) TestStopCancelsSpawnBackoff() {
	s.coordinator.FailDials(-1)
	s.retry = transport.RetryPolicy{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 2}
	sup := s.newSupervisor()

	spawned := make(chan error, 1)
	go func() { spawned <- sup.Spawn(context.Background()) }()
	s.Require().True(s.coordinator.WaitForDials(1, testutil.Timeout))

	s.Require().NoError(sup.Stop(context.Background()))
	s.ErrorIs(testutil.RequireReceive(s.T(), spawned, testutil.Timeout, "spawn"), api.ErrCanceled)
	s.Equal(api.StateStopped, sup.State())
	s.Equal([]api.State{api.StateCreated, api.StateSpawning, api.StateStopping, api.StateStopped}, s.observed.path())
	s.Zero(s.coordinator.Count(api.KindDeregister))
}

func (s *SupervisorTestSuite) TestStopWithDegradedSession() {
	s.retry = transport.RetryPolicy{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 2}
	s.config.DeregisterTimeout = 50 * time.Millisecond
	sup := s.spawned()

	s.coordinator.FailDials(-1)
	s.coordinator.Disconnect()
	s.Require().True(s.coordinator.WaitForDials(2, testutil.Timeout))

	s.Require().NoError(sup.Stop(context.Background()))
	s.Equal(api.StateStopped, sup.State())
	s.Zero(s.coordinator.Count(api.KindDeregister))
	s.logger.Close()
	s.True(s.sink.has(logsink.LevelWarn, "deregistration failed, continuing stop"))
}

func (s *SupervisorTestSuite) TestCoordinatorPushes() {
	sup := s.spawned()

	s.Require().NoError(s.coordinator.Push(api.KindReloadRequested))
	s.Require().True(s.coordinator.WaitFor(api.KindPushConfig, 1, testutil.Timeout))

	s.Require().NoError(s.coordinator.Push(api.KindShutdown))
	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "shutdown push")
	s.Equal(api.StateStopped, sup.State())
	s.Equal(1, s.coordinator.Count(api.KindDeregister))
}

func (s *SupervisorTestSuite) TestReconnectReregisters() {
	sup := s.spawned()
	s.coordinator.Disconnect()
	s.Require().True(s.coordinator.WaitFor(api.KindRegister, 2, testutil.Timeout))
	s.Equal(api.StateRunning, sup.State())
	s.Equal(2, s.coordinator.Count(api.KindAuthenticate))
}

func (s *SupervisorTestSuite) TestAsyncFailureIsObservable() {
	s.retry.MaxAttempts = 2
	sup := s.spawned()

	s.coordinator.FailDials(-1)
	s.coordinator.Disconnect()
	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "failure")

	s.Equal(api.StateFailed, sup.State())
	s.ErrorIs(sup.Err(), transport.ErrDialRefused)
	s.Equal(api.StateFailed, s.observed.last().To)
	s.Error(s.observed.last().Err)

	s.logger.Close()
	s.True(s.sink.has(logsink.LevelError, "instance failed"))
}

func (s *SupervisorTestSuite) TestSessionLossDuringReloadFails() {
	s.retry.MaxAttempts = 0
	sup := s.spawned()
	release := s.coordinator.Hold(api.KindPushConfig)
	defer release()

	reloaded := make(chan error, 1)
	go func() { reloaded <- sup.Reload(context.Background()) }()
	s.Require().True(s.coordinator.WaitFor(api.KindPushConfig, 1, testutil.Timeout))

	s.coordinator.RejectAuth(api.CodeUnauthorized)
	s.coordinator.Disconnect()

	err := testutil.RequireReceive(s.T(), reloaded, testutil.Timeout, "reload")
	var authErr *api.AuthError
	s.Require().ErrorAs(err, &authErr)
	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "failure")
	s.Equal(api.StateFailed, sup.State())
	s.ErrorAs(sup.Err(), &authErr)
	s.Equal([]api.State{
		api.StateCreated, api.StateSpawning, api.StateRunning, api.StateReloading, api.StateFailed,
	}, s.observed.path())
}

func (s *SupervisorTestSuite) TestSessionLossDuringReregisterFails() {
	s.retry.MaxAttempts = 0
	sup := s.spawned()
	release := s.coordinator.Hold(api.KindRegister)
	defer release()

	s.coordinator.Disconnect()
	s.Require().True(s.coordinator.WaitFor(api.KindRegister, 2, testutil.Timeout))
	s.coordinator.RejectAuth(api.CodeForbidden)
	s.coordinator.Disconnect()

	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "failure")
	s.Equal(api.StateFailed, sup.State())
	var authErr *api.AuthError
	s.ErrorAs(sup.Err(), &authErr)
}

func (s *SupervisorTestSuite) TestOversizedConfigIsRejected() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	oversized := make([]byte, transport.MaxConfigSize+1)
	s.Require().NoError(os.WriteFile(path, oversized, 0o600))
	s.desc.WatchConfig = true
	s.desc.ConfigPath = path
	s.config.Watcher.PollInterval = time.Hour
	s.retry.MaxAttempts = 0

	sup := s.spawned()
	s.Nil(s.coordinator.ReceivedKind(api.KindRegister)[0].Registration.Config)

	s.Require().NoError(os.WriteFile(path, []byte("v: 1"), 0o600))
	s.Require().NoError(sup.Reload(context.Background()))

	s.Require().NoError(os.WriteFile(path, oversized, 0o600))
	err := sup.Reload(context.Background())
	var cfgErr *api.ConfigError
	s.Require().ErrorAs(err, &cfgErr)
	s.ErrorIs(err, ErrConfigTooLarge)
	s.Equal(path, cfgErr.Path)

	s.Equal(api.StateRunning, sup.State())
	s.Equal(1, s.coordinator.Count(api.KindPushConfig))
	s.Equal(1, s.coordinator.Dials())
	s.Equal(1, s.coordinator.Sessions())

	// The last known good config is still the one sent on reload.
	s.coordinator.Disconnect()
	s.Require().True(s.coordinator.WaitFor(api.KindRegister, 2, testutil.Timeout))
	s.Equal([]byte("v: 1"), s.coordinator.ReceivedKind(api.KindRegister)[1].Registration.Config)

	s.logger.Close()
	s.True(s.sink.has(logsink.LevelWarn, "config unreadable at spawn, registering without it"))
}

func (s *SupervisorTestSuite) TestStopWinsAfterCallerGivesUp() {
	sup := s.spawned()
	release := s.coordinator.Hold(api.KindPushConfig)
	defer release()

	reloaded := make(chan error, 1)
	go func() { reloaded <- sup.Reload(context.Background()) }()
	s.Require().True(s.coordinator.WaitFor(api.KindPushConfig, 1, testutil.Timeout))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sup.Stop(ctx); err != nil {
		s.ErrorIs(err, context.Canceled)
	}

	s.ErrorIs(testutil.RequireReceive(s.T(), reloaded, testutil.Timeout, "reload"), api.ErrCanceled)
	testutil.RequireClosed(s.T(), sup.Done(), testutil.Timeout, "stop")
	s.Equal(api.StateStopped, sup.State())
	s.Equal(1, s.coordinator.Count(api.KindDeregister))
}

func (s *SupervisorTestSuite) TestWatchConfigReload() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("v: 1"), 0o600))
	s.desc.WatchConfig = true
	s.desc.ConfigPath = path
	s.config.Watcher.PollInterval = time.Hour

	var mu sync.Mutex
	var denied bool
	s.reader = func(p string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if denied {
			return nil, &api.ConfigError{Path: p, Permanent: true, Err: fs.ErrPermission}
		}
		return os.ReadFile(p)
	}
	sup := s.spawned()
	s.Equal([]byte("v: 1"), s.coordinator.ReceivedKind(api.KindRegister)[0].Registration.Config)

	s.Require().NoError(os.WriteFile(path, []byte("v: 2"), 0o600))
	s.Require().NoError(sup.Reload(context.Background()))
	pushes := s.coordinator.ReceivedKind(api.KindPushConfig)
	s.Require().Len(pushes, 1)
	s.Equal([]byte("v: 2"), pushes[0].Registration.Config)

	mu.Lock()
	denied = true
	mu.Unlock()
	err := sup.Reload(context.Background())
	var cfgErr *api.ConfigError
	s.Require().ErrorAs(err, &cfgErr)
	s.True(cfgErr.Permanent)
	s.Equal(api.StateRunning, sup.State())
	s.Equal(1, s.coordinator.Count(api.KindPushConfig))

	// The last known good config is re-registered after a reconnect.
	s.coordinator.Disconnect()
	s.Require().True(s.coordinator.WaitFor(api.KindRegister, 2, testutil.Timeout))
	s.Equal([]byte("v: 2"), s.coordinator.ReceivedKind(api.KindRegister)[1].Registration.Config)
}

func (s *SupervisorTestSuite) TestCallerContextWhileQueued() {
	release := s.coordinator.Hold(api.KindRegister)
	defer release()
	sup := s.newSupervisor()

	go func() { _ = sup.Spawn(context.Background()) }()
	s.Require().True(s.coordinator.WaitFor(api.KindRegister, 1, testutil.Timeout))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sup.Reload(ctx)
	s.True(errors.Is(err, context.DeadlineExceeded))

	release()
	s.Eventually(func() bool { return sup.State() == api.StateRunning }, testutil.Timeout, time.Millisecond)
	s.Zero(s.coordinator.Count(api.KindPushConfig))
}

func TestSupervisorTestSuite(t *testing.T) {
	suite.Run(t, new(SupervisorTestSuite))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.DeregisterTimeout = 0
	if cfg.Validate() == nil {
		t.Fatal("zero deregister timeout accepted")
	}
}
