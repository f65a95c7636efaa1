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

// Package health runs the session heartbeat. A Monitor pings on a fixed
// interval, counts consecutive misses and reports the session degraded
// once the threshold is reached.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/clock"
	"github.com/srediag/instance-client/pkg/logsink"
)

const (
	defaultInterval    = 30 * time.Second
	defaultMaxMissed   = 3
	defaultPingTimeout = 10 * time.Second
)

// ErrDegraded is returned by Run when MaxMissed consecutive heartbeats
// have failed.
var ErrDegraded = errors.New("session degraded: heartbeats missed")

// Config controls the heartbeat.
type Config struct {
	// Interval between heartbeats.
	Interval time.Duration
	// MaxMissed consecutive failures mark the session degraded.
	MaxMissed int
	// PingTimeout bounds a single heartbeat round trip.
	PingTimeout time.Duration
}

// DefaultConfig returns a heartbeat every 30s, degraded after 3 misses.
func DefaultConfig() Config {
	return Config{
		Interval:    defaultInterval,
		MaxMissed:   defaultMaxMissed,
		PingTimeout: defaultPingTimeout,
	}
}

// Validate reports an invalid Config.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.Interval)
	}
	if c.MaxMissed < 1 {
		return fmt.Errorf("heartbeat max missed must be at least 1, got %d", c.MaxMissed)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("heartbeat ping timeout must be positive, got %s", c.PingTimeout)
	}
	return nil
}

// Monitor runs heartbeats for one session.
type Monitor struct {
	pinger api.Pinger
	config Config
	clock  clock.Clock
	logger *logsink.Logger

	onMiss    func(consecutive int, err error)
	onRecover func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for miss and recovery records.
func WithLogger(logger *logsink.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// OnMiss registers a callback invoked after every failed heartbeat.
func OnMiss(fn func(consecutive int, err error)) Option {
	return func(m *Monitor) { m.onMiss = fn }
}

// OnRecover registers a callback invoked when a heartbeat succeeds after
// one or more misses.
func OnRecover(fn func()) Option {
	return func(m *Monitor) { m.onRecover = fn }
}

// NewMonitor creates a Monitor. A nil clock uses real time.
func NewMonitor(pinger api.Pinger, config Config, clk clock.Clock, opts ...Option) (*Monitor, error) {
	if pinger == nil {
		return nil, errors.New("health: nil pinger")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	m := &Monitor{pinger: pinger, config: config, clock: clk}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run pings every Interval until ctx is done or the session is degraded.
// It returns ErrDegraded in the latter case and ctx.Err() otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.config.Interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := m.ping(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			if missed > 0 {
				m.log(logsink.LevelInfo, "heartbeat recovered", "missed", missed)
				if m.onRecover != nil {
					m.onRecover()
				}
			}
			missed = 0
			continue
		}

		missed++
		m.log(logsink.LevelWarn, "heartbeat missed", "consecutive", missed, "error", err)
		if m.onMiss != nil {
			m.onMiss(missed, err)
		}
		if missed >= m.config.MaxMissed {
			return ErrDegraded
		}
	}
}

func (m *Monitor) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	defer cancel()
	return m.pinger.Ping(pingCtx)
}

func (m *Monitor) log(level logsink.Level, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Log(level, msg, args...)
	}
}
