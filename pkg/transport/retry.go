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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/instance-client/internal/clock"
)

const (
	defaultInitialInterval     = 500 * time.Millisecond
	defaultMaxInterval         = 30 * time.Second
	defaultMultiplier          = 2.0
	defaultRandomizationFactor = 0.1
)

// RetryPolicy is the exponential backoff applied to connection attempts.
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxAttempts bounds the total number of attempts. Zero retries until
	// the context is cancelled.
	MaxAttempts int
	// MaxElapsedTime bounds the total retry time. Zero means no bound.
	MaxElapsedTime time.Duration
}

// DefaultRetryPolicy returns base 500ms, factor 2, cap 30s, 10% jitter,
// unbounded attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     defaultInitialInterval,
		MaxInterval:         defaultMaxInterval,
		Multiplier:          defaultMultiplier,
		RandomizationFactor: defaultRandomizationFactor,
	}
}

// Validate reports an invalid policy.
func (p RetryPolicy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return fmt.Errorf("retry initial interval must be positive, got %s", p.InitialInterval)
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("retry max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("retry multiplier must be at least 1, got %g", p.Multiplier)
	case p.RandomizationFactor < 0 || p.RandomizationFactor >= 1:
		return fmt.Errorf("retry randomization factor must be in [0, 1), got %g", p.RandomizationFactor)
	case p.MaxAttempts < 0:
		return fmt.Errorf("retry max attempts must not be negative, got %d", p.MaxAttempts)
	case p.MaxElapsedTime < 0:
		return fmt.Errorf("retry max elapsed time must not be negative, got %s", p.MaxElapsedTime)
	}
	return nil
}

func (p RetryPolicy) backOff(ctx context.Context, clk clock.Clock) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.RandomizationFactor
	exp.MaxElapsedTime = p.MaxElapsedTime
	exp.Clock = clk
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// retry runs op under the policy. Errors wrapped with backoff.Permanent
// stop the loop and are returned unwrapped.
func (p RetryPolicy) retry(ctx context.Context, clk clock.Clock, op func() error, notify func(err error, next time.Duration)) error {
	return backoff.RetryNotifyWithTimer(op, p.backOff(ctx, clk), notify, clock.NewBackoffTimer(clk))
}
