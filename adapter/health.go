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

package adapter

import (
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/instance-client/instance"
)

const (
	defaultMaxGoroutines = 10000
	defaultReadyTimeout  = time.Second
)

// HealthOptions tune NewHealthHandler.
type HealthOptions struct {
	// MaxGoroutines fails liveness above this count. Zero uses 10000.
	MaxGoroutines int
	// ReadyTimeout bounds the readiness check. Zero uses 1s.
	ReadyTimeout time.Duration
	// Registerer, when set, exports each check as
	// <Namespace>_healthcheck_status{check=...}.
	Registerer prometheus.Registerer
	Namespace  string
}

// NewHealthHandler serves /live and /ready. Readiness fails until at
// least one instance is registered and every registered instance runs.
func NewHealthHandler(registry *instance.Registry, opts HealthOptions) healthcheck.Handler {
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = defaultMaxGoroutines
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}

	var handler healthcheck.Handler
	if opts.Registerer != nil {
		handler = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		handler = healthcheck.NewHandler()
	}
	handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	handler.AddReadinessCheck("instances", healthcheck.Timeout(registry.Ready, opts.ReadyTimeout))
	return handler
}
