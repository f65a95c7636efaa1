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

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned to a spawn or reload request that was
	// preempted by stop.
	ErrCanceled = errors.New("request canceled by stop")
	// ErrClosed is returned by a connection after Close.
	ErrClosed = errors.New("connection closed")
)

// ValidationError reports bad construction input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid options: " + e.Reason
	}
	return fmt.Sprintf("invalid option %q: %s", e.Field, e.Reason)
}

// AuthError reports that the coordinator rejected the credentials.
// It is terminal.
type AuthError struct {
	Code   string
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication failed: " + e.Code
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Code, e.Reason)
}

// NetworkError reports a transport failure. The connection layer retries
// it with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected coordinator response.
// It is not retried and is fatal for the instance.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SpawnError wraps the cause of a failed spawn: an AuthError, a
// NetworkError after retries were exhausted, or a ProtocolError.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return "spawn failed: " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// AlreadySpawnedError is returned by a second spawn on the same instance.
type AlreadySpawnedError struct {
	State State
}

func (e *AlreadySpawnedError) Error() string {
	return fmt.Sprintf("instance has already been spawned (state %s)", e.State)
}

// InvalidStateError is returned when an operation is not allowed in the
// current state. The state is left unchanged.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance in state %s", e.Op, e.State)
}

// ConfigError reports that the local configuration file could not be read.
// It is non-fatal: the last known good configuration is kept.
type ConfigError struct {
	Path      string
	Permanent bool
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
