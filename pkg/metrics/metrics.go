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

// Package metrics exports instance lifecycle, session and logging counters
// to Prometheus. All methods are safe on a nil *Metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/instance-client/api"
)

const namespace = "instance_client"

// Metrics holds the collectors of one registry. Instances sharing a
// registry share the collectors.
type Metrics struct {
	transitions       *prometheus.CounterVec
	state             *prometheus.GaugeVec
	operations        *prometheus.HistogramVec
	connectRetries    prometheus.Counter
	reconnects        prometheus.Counter
	heartbeatMisses   prometheus.Counter
	droppedLogRecords prometheus.Counter
}

var _ api.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg. Collectors
// already registered by an earlier call are reused. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}
	var err error
	if m.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions.",
	}, []string{"from", "to"})); err != nil {
		return nil, err
	}
	if m.state, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "state",
		Help:      "Current lifecycle state per instance (1 for the active state).",
	}, []string{"instance", "state"})); err != nil {
		return nil, err
	}
	if m.operations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "operation_duration_seconds",
		Help:      "Duration of spawn, reload and stop requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"operation", "result"})); err != nil {
		return nil, err
	}
	if m.connectRetries, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "connect_retries_total",
		Help:      "Connection attempts that failed and were retried.",
	})); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Sessions re-established after being degraded.",
	})); err != nil {
		return nil, err
	}
	if m.heartbeatMisses, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "heartbeat_misses_total",
		Help:      "Heartbeats that failed or timed out.",
	})); err != nil {
		return nil, err
	}
	if m.droppedLogRecords, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "dropped_records_total",
		Help:      "Log records dropped because the buffer was full.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNew is New that panics on error.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// Observe counts a transition and moves the instance's state gauge.
func (m *Metrics) Observe(event api.TransitionEvent) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event.From.String(), event.To.String()).Inc()
	m.state.WithLabelValues(event.InstanceID, event.From.String()).Set(0)
	m.state.WithLabelValues(event.InstanceID, event.To.String()).Set(1)
}

// ObserveOperation records the duration and outcome of a request.
func (m *Metrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

// Forget removes the state series of an instance.
func (m *Metrics) Forget(instanceID string) {
	if m == nil {
		return
	}
	m.state.DeletePartialMatch(prometheus.Labels{"instance": instanceID})
}

func (m *Metrics) ConnectRetry() {
	if m != nil {
		m.connectRetries.Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) HeartbeatMissed() {
	if m != nil {
		m.heartbeatMisses.Inc()
	}
}

func (m *Metrics) LogRecordsDropped(n int) {
	if m != nil {
		m.droppedLogRecords.Add(float64(n))
	}
}
