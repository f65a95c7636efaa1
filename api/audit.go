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

package api

import "time"

// TransitionEvent records one lifecycle state change.
type TransitionEvent struct {
	InstanceID string
	From       State
	To         State
	Time       time.Time
	// Err is the cause when To is StateFailed.
	Err error
}

// Observer receives lifecycle transitions. Observe must not block.
type Observer interface {
	Observe(event TransitionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event TransitionEvent)

func (f ObserverFunc) Observe(event TransitionEvent) { f(event) }
