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

package clock

import "time"

// BackoffTimer adapts a Clock to the timer interface expected by
// backoff.RetryNotifyWithTimer.
type BackoffTimer struct {
	clock Clock
	c     <-chan time.Time
}

// NewBackoffTimer returns a backoff timer driven by clock.
func NewBackoffTimer(clock Clock) *BackoffTimer {
	return &BackoffTimer{clock: clock}
}

func (t *BackoffTimer) Start(d time.Duration) { t.c = t.clock.After(d) }

// Stop is a no-op; an abandoned After channel is garbage collected.
func (t *BackoffTimer) Stop() {}

func (t *BackoffTimer) C() <-chan time.Time { return t.c }
