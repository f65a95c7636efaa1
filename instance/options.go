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

package instance

import (
	"context"
	"os"
	"time"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/clock"
	"github.com/srediag/instance-client/pkg/health"
	"github.com/srediag/instance-client/pkg/lifecycle"
	"github.com/srediag/instance-client/pkg/metrics"
	"github.com/srediag/instance-client/pkg/transport"
	"github.com/srediag/instance-client/pkg/watcher"
)

const (
	// DefaultCoordinator is dialed when neither WithDialer nor
	// WithCoordinator is given and CoordinatorEnv is unset.
	DefaultCoordinator = "localhost:7443"
	// CoordinatorEnv overrides DefaultCoordinator.
	CoordinatorEnv = "INSTANCE_COORDINATOR"
)

// Telemetry wraps every lifecycle operation. The returned function is
// called with the operation's result.
type Telemetry interface {
	Start(ctx context.Context, operation, instanceID string) (context.Context, func(err error))
}

type noopTelemetry struct{}

func (noopTelemetry) Start(ctx context.Context, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type settings struct {
	dialer    api.Dialer
	retry     transport.RetryPolicy
	heartbeat health.Config
	lifecycle lifecycle.Config
	clock     clock.Clock
	metrics   *metrics.Metrics
	telemetry Telemetry
	registry  *Registry
}

func defaultSettings() settings {
	return settings{
		retry:     transport.DefaultRetryPolicy(),
		heartbeat: health.DefaultConfig(),
		lifecycle: lifecycle.DefaultConfig(),
		clock:     clock.Real(),
		telemetry: noopTelemetry{},
	}
}

func (s *settings) coordinatorDialer() api.Dialer {
	if s.dialer != nil {
		return s.dialer
	}
	address := os.Getenv(CoordinatorEnv)
	if address == "" {
		address = DefaultCoordinator
	}
	return &transport.NetDialer{Network: "tcp", Address: address}
}

// Option customizes an Instance.
type Option func(*settings)

// WithDialer sets how the coordinator is reached.
func WithDialer(dialer api.Dialer) Option {
	return func(s *settings) { s.dialer = dialer }
}

// WithCoordinator dials address over TCP.
func WithCoordinator(address string) Option {
	return func(s *settings) { s.dialer = &transport.NetDialer{Network: "tcp", Address: address} }
}

// WithRetryPolicy sets the connect and reconnect backoff.
func WithRetryPolicy(policy transport.RetryPolicy) Option {
	return func(s *settings) { s.retry = policy }
}

// WithHeartbeat sets the heartbeat interval, timeout and miss threshold.
func WithHeartbeat(config health.Config) Option {
	return func(s *settings) { s.heartbeat = config }
}

// WithWatcher sets the config file polling and debounce intervals.
func WithWatcher(config watcher.Config) Option {
	return func(s *settings) { s.lifecycle.Watcher = config }
}

// WithDeregisterTimeout bounds the deregistration sent by Stop.
func WithDeregisterTimeout(timeout time.Duration) Option {
	return func(s *settings) { s.lifecycle.DeregisterTimeout = timeout }
}

// WithClock replaces the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) { s.clock = clk }
}

// WithMetrics exports transitions, operation durations, reconnects,
// heartbeat misses and dropped log records.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTelemetry wraps spawn, reload and stop.
func WithTelemetry(t Telemetry) Option {
	return func(s *settings) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// WithRegistry adds the instance to r until it reaches a terminal state.
func WithRegistry(r *Registry) Option {
	return func(s *settings) { s.registry = r }
}
