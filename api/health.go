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

import "context"

// Pinger checks the liveness of a remote session.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports the liveness and readiness of a managed instance.
type Health interface {
	// LivenessCheck fails once the instance has failed.
	LivenessCheck() error
	// ReadinessCheck fails unless the instance is running with a healthy
	// session.
	ReadinessCheck() error
}
