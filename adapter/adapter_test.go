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
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/instance"
	"github.com/srediag/instance-client/internal/testutil"
	"github.com/srediag/instance-client/pkg/identity"
	"github.com/srediag/instance-client/pkg/logsink"
	"github.com/srediag/instance-client/pkg/security"
	"github.com/srediag/instance-client/pkg/transport"
)

func TestNewDialer(t *testing.T) {
	tests := []struct {
		address string
		network string
		target  string
		tls     bool
	}{
		{"localhost:7443", "tcp", "localhost:7443", false},
		{"127.0.0.1:7443", "tcp", "127.0.0.1:7443", false},
		{"tcp://coord.example:7443", "tcp", "coord.example:7443", false},
		{"tls://coord.example:7443", "tcp", "coord.example:7443", true},
		{"unix:///run/coordinator.sock", "unix", "/run/coordinator.sock", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			d, err := NewDialer(tt.address, nil, time.Second)
			require.NoError(t, err)
			nd, ok := d.(*transport.NetDialer)
			require.True(t, ok)
			assert.Equal(t, tt.network, nd.Network)
			assert.Equal(t, tt.target, nd.Address)
			assert.Equal(t, time.Second, nd.Timeout)
			if tt.tls {
				require.NotNil(t, nd.TLS)
				assert.Equal(t, "coord.example", nd.TLS.ServerName)
			} else {
				assert.Nil(t, nd.TLS)
			}
		})
	}
}

func TestNewDialerKeepsCallerTLSConfig(t *testing.T) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	d, err := NewDialer("tls://coord.example:7443", cfg, 0)
	require.NoError(t, err)
	nd := d.(*transport.NetDialer)
	assert.Equal(t, "coord.example", nd.TLS.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS13), nd.TLS.MinVersion)
	assert.Empty(t, cfg.ServerName)
}

func TestNewDialerRejects(t *testing.T) {
	for _, address := range []string{"", "no-port", "ftp://coord.example:21", "tcp://coord.example", "unix://"} {
		t.Run(address, func(t *testing.T) {
			_, err := NewDialer(address, nil, 0)
			var validation *api.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, "coordinator", validation.Field)
		})
	}
}

func newCoordinator(t *testing.T) *transport.MemoryCoordinator {
	t.Helper()
	verifier, err := security.NewHMACVerifier(nil, security.Credentials{AccessKeyID: "K", SecretAccessKey: security.NewSecret("S")})
	require.NoError(t, err)
	return transport.NewMemoryCoordinator(verifier)
}

func newInstance(t *testing.T, opts ...instance.Option) *instance.Instance {
	t.Helper()
	in, err := instance.New(identity.Options{
		AccessKeyID:     "K",
		SecretAccessKey: "S",
		Account:         "acme",
		Project:         "p1",
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = in.Stop(context.Background()) })
	return in
}

func get(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestHealthHandler(t *testing.T) {
	coordinator := newCoordinator(t)
	registry := instance.NewRegistry(0)
	handler := NewHealthHandler(registry, HealthOptions{})

	assert.Equal(t, http.StatusOK, get(t, handler, "/live"))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, handler, "/ready"))

	in := newInstance(t, instance.WithDialer(coordinator), instance.WithRegistry(registry))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, handler, "/ready"))

	require.NoError(t, in.Spawn(context.Background()))
	assert.Equal(t, http.StatusOK, get(t, handler, "/ready"))

	require.NoError(t, in.Stop(context.Background()))
	assert.Eventually(t, func() bool {
		return get(t, handler, "/ready") == http.StatusServiceUnavailable
	}, testutil.Timeout, time.Millisecond)
}

func TestHealthHandlerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	handler := NewHealthHandler(instance.NewRegistry(0), HealthOptions{Registerer: reg, Namespace: "agent"})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, handler, "/ready"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agent_healthcheck_status")
}

type countingReloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingReloader) Reload(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingReloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestReloadOn(t *testing.T) {
	target := &countingReloader{err: errors.New("not running")}
	trigger := make(chan struct{})
	done := make(chan struct{})
	logger := logsink.New(logsink.Discard)
	defer logger.Close()

	go func() {
		defer close(done)
		ReloadOn(context.Background(), trigger, target, logger)
	}()
	trigger <- struct{}{}
	trigger <- struct{}{}
	close(trigger)
	testutil.RequireClosed(t, done, testutil.Timeout, "reload loop")
	assert.Equal(t, 2, target.count())
}

func TestReloadOnStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	logger := logsink.New(logsink.Discard)
	defer logger.Close()

	go func() {
		defer close(done)
		ReloadOn(ctx, make(chan int), &countingReloader{}, logger)
	}()
	cancel()
	testutil.RequireClosed(t, done, testutil.Timeout, "reload loop")
}

type recordingSpan struct {
	trace.Span
	name   string
	attrs  []attribute.KeyValue
	status codes.Code
	err    error
	ended  bool
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) { s.attrs = append(s.attrs, kv...) }
func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) { s.err = err }
func (s *recordingSpan) SetStatus(code codes.Code, _ string) { s.status = code }
func (s *recordingSpan) End(...trace.SpanEndOption) { s.ended = true }

type recordingTracer struct {
	tracenoop.Tracer
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	span := &recordingSpan{Span: tracenoop.Span{}, name: name, attrs: cfg.Attributes()}
	t.spans = append(t.spans, span)
	return trace.ContextWithSpan(ctx, span), span
}

type recordingProvider struct {
	tracenoop.TracerProvider
	tracer *recordingTracer
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.tracer }

func TestTelemetrySpans(t *testing.T) {
	tracer := &recordingTracer{}
	tel, err := NewTelemetry(&recordingProvider{tracer: tracer}, nil)
	require.NoError(t, err)

	ctx, end := tel.Start(context.Background(), "spawn", "i-1")
	assert.Equal(t, tracer.spans[0], trace.SpanFromContext(ctx))
	end(nil)

	_, end = tel.Start(context.Background(), "reload", "i-1")
	failure := errors.New("boom")
	end(failure)

	require.Len(t, tracer.spans, 2)
	spawn, reload := tracer.spans[0], tracer.spans[1]
	assert.Equal(t, "instance.spawn", spawn.name)
	assert.True(t, spawn.ended)
	assert.Contains(t, spawn.attrs, AttrInstanceID.String("i-1"))
	assert.Contains(t, spawn.attrs, AttrResult.String("ok"))
	assert.Equal(t, codes.Unset, spawn.status)

	assert.Equal(t, "instance.reload", reload.name)
	assert.Equal(t, failure, reload.err)
	assert.Equal(t, codes.Error, reload.status)
	assert.Contains(t, reload.attrs, AttrResult.String("error"))
}

func TestTelemetryWrapsInstanceOperations(t *testing.T) {
	tracer := &recordingTracer{}
	tel, err := NewTelemetry(&recordingProvider{tracer: tracer}, nil)
	require.NoError(t, err)

	in := newInstance(t, instance.WithDialer(newCoordinator(t)), instance.WithTelemetry(tel))
	require.NoError(t, in.Spawn(context.Background()))
	require.NoError(t, in.Stop(context.Background()))

	require.Len(t, tracer.spans, 2)
	assert.Equal(t, "instance.spawn", tracer.spans[0].name)
	assert.Equal(t, "instance.stop", tracer.spans[1].name)
	assert.Contains(t, tracer.spans[1].attrs, AttrInstanceID.String(in.ID()))
}

func TestNewTelemetryDefaults(t *testing.T) {
	tel, err := NewTelemetry(nil, nil)
	require.NoError(t, err)
	ctx, end := tel.Start(context.Background(), "stop", "i-1")
	end(nil)
	assert.NotNil(t, ctx)
}

type recordingSink struct {
	mu      sync.Mutex
	records []logsink.Record
}

func (s *recordingSink) Write(r logsink.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func TestLogObserver(t *testing.T) {
	sink := &recordingSink{}
	logger := logsink.New(sink)
	observer := LogObserver(logger)

	observer.Observe(api.TransitionEvent{InstanceID: "i-1", From: api.StateCreated, To: api.StateSpawning})
	observer.Observe(api.TransitionEvent{InstanceID: "i-1", From: api.StateSpawning, To: api.StateFailed, Err: errors.New("refused")})
	logger.Close()

	require.Len(t, sink.records, 2)
	assert.Equal(t, logsink.LevelInfo, sink.records[0].Level)
	assert.Equal(t, "spawning", sink.records[0].Fields["to"])
	assert.Equal(t, logsink.LevelError, sink.records[1].Level)
	assert.EqualError(t, sink.records[1].Fields["error"].(error), "refused")
}
