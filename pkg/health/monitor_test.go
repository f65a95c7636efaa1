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

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/instance-client/internal/clock"
	"github.com/srediag/instance-client/internal/testutil"
)

type scriptedPinger struct {
	results chan error
	calls   chan struct{}
}

func newScriptedPinger() *scriptedPinger {
	return &scriptedPinger{results: make(chan error, 16), calls: make(chan struct{}, 16)}
}

func (p *scriptedPinger) Ping(ctx context.Context) error {
	p.calls <- struct{}{}
	select {
	case err := <-p.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startMonitor(t *testing.T, pinger *scriptedPinger, clk *clock.FakeClock, opts ...Option) (context.CancelFunc, <-chan error) {
	t.Helper()
	monitor, err := NewMonitor(pinger, DefaultConfig(), clk, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()
	clk.WaitForTimers(1)
	return cancel, done
}

func beat(t *testing.T, clk *clock.FakeClock, pinger *scriptedPinger, result error) {
	t.Helper()
	pinger.results <- result
	clk.Advance(DefaultConfig().Interval)
	testutil.RequireReceive(t, pinger.calls, testutil.Timeout, "heartbeat")
}

func TestMonitorDegradesAfterConsecutiveMisses(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	pinger := newScriptedPinger()
	var misses []int
	cancel, done := startMonitor(t, pinger, clk, OnMiss(func(n int, _ error) { misses = append(misses, n) }))
	defer cancel()

	lost := errors.New("lost")
	beat(t, clk, pinger, lost)
	beat(t, clk, pinger, lost)
	beat(t, clk, pinger, lost)

	err := testutil.RequireReceive(t, done, testutil.Timeout, "monitor exit")
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, []int{1, 2, 3}, misses)
}

func TestMonitorResetsOnSuccess(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	pinger := newScriptedPinger()
	recovered := make(chan struct{}, 1)
	cancel, done := startMonitor(t, pinger, clk, OnRecover(func() { recovered <- struct{}{} }))

	lost := errors.New("lost")
	beat(t, clk, pinger, lost)
	beat(t, clk, pinger, lost)
	beat(t, clk, pinger, nil)
	testutil.RequireReceive(t, recovered, testutil.Timeout, "recovery")
	beat(t, clk, pinger, lost)
	beat(t, clk, pinger, lost)

	testutil.RequireNoReceive(t, done, 50*time.Millisecond, "monitor must keep running")
	cancel()
	err := testutil.RequireReceive(t, done, testutil.Timeout, "monitor exit")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxMissed = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PingTimeout = -time.Second
	assert.Error(t, cfg.Validate())

	_, err := NewMonitor(nil, DefaultConfig(), nil)
	assert.Error(t, err)
}
