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

// Package api defines public API contracts for the instance client.
package api

import "context"

// State is the lifecycle state of an instance. An instance is in exactly one
// state at a time.
type State int32

const (
	StateCreated State = iota
	StateSpawning
	StateRunning
	StateReloading
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateCreated:   "created",
	StateSpawning:  "spawning",
	StateRunning:   "running",
	StateReloading: "reloading",
	StateStopping:  "stopping",
	StateStopped:   "stopped",
	StateFailed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Lifecycle defines the interface for instance lifecycle management.
type Lifecycle interface {
	// Spawn connects to the coordinator and registers the instance.
	Spawn(ctx context.Context) error
	// Reload re-sends the current configuration to the coordinator.
	Reload(ctx context.Context) error
	// Stop deregisters the instance and releases its resources.
	Stop(ctx context.Context) error
	// State returns the current lifecycle state.
	State() State
}
