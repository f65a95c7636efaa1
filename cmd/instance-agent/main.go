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

// instance-agent runs one instance from a YAML options file until it is
// signalled. SIGHUP reloads the instance; SIGINT and SIGTERM stop it.
//
// Usage:
//
//	instance-agent --config options.yaml [--coordinator addr] [--listen :9090]
//
// The coordinator address comes from --coordinator, else the
// INSTANCE_COORDINATOR environment variable, else localhost:7443. With
// --listen set, /live, /ready and /metrics are served on that address.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/srediag/instance-client/adapter"
	"github.com/srediag/instance-client/instance"
	"github.com/srediag/instance-client/pkg/lifecycle"
	"github.com/srediag/instance-client/pkg/logsink"
	"github.com/srediag/instance-client/pkg/metrics"
	"github.com/srediag/instance-client/pkg/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "instance-agent: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config            string
	coordinator       string
	listen            string
	logLevel          int
	maxAttempts       int
	deregisterTimeout time.Duration
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("instance-agent", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "path to the YAML options file (required)")
	fs.StringVar(&f.coordinator, "coordinator", "", "coordinator address: host:port, tcp://, tls:// or unix://")
	fs.StringVar(&f.listen, "listen", "", "serve /live, /ready and /metrics on this address")
	fs.IntVar(&f.logLevel, "log-level", int(logsink.LevelInfo), "minimum log level, 0 (trace) to 5 (silent)")
	fs.IntVar(&f.maxAttempts, "max-attempts", 0, "connection attempts before giving up, 0 retries forever")
	fs.DurationVar(&f.deregisterTimeout, "deregister-timeout", lifecycle.DefaultConfig().DeregisterTimeout, "bound on deregistration at shutdown")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if fs.NArg() > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if f.config == "" {
		return flags{}, errors.New("--config is required")
	}
	if f.logLevel < int(logsink.LevelTrace) || f.logLevel > int(logsink.LevelSilent) {
		return flags{}, fmt.Errorf("--log-level must be between %d and %d", logsink.LevelTrace, logsink.LevelSilent)
	}
	return f, nil
}

func coordinatorAddress(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(instance.CoordinatorEnv); env != "" {
		return env
	}
	return instance.DefaultCoordinator
}

func run(args []string) error {
	f, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	opts, err := loadOptions(f.config)
	if err != nil {
		return err
	}

	sink := logsink.NewWriterSink(os.Stderr, logsink.WithLevel(logsink.Level(f.logLevel)), logsink.WithName("instance-agent"))
	instance.SetLogger(sink)
	logger := logsink.New(sink)
	defer logger.Close()

	dialer, err := adapter.NewDialer(coordinatorAddress(f.coordinator), nil, 0)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	telemetry, err := adapter.NewTelemetry(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		return err
	}

	policy := transport.DefaultRetryPolicy()
	policy.MaxAttempts = f.maxAttempts
	registry := instance.NewRegistry(0)
	in, err := instance.New(opts,
		instance.WithDialer(dialer),
		instance.WithRetryPolicy(policy),
		instance.WithDeregisterTimeout(f.deregisterTimeout),
		instance.WithMetrics(m),
		instance.WithTelemetry(telemetry),
		instance.WithRegistry(registry),
	)
	if err != nil {
		return err
	}
	unsubscribe := in.Subscribe(adapter.LogObserver(logger))
	defer unsubscribe()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if f.listen != "" {
		server := newServer(f.listen, registry, reg)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "listen", f.listen, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = server.Shutdown(shutdownCtx)
		}()
	}
	go adapter.ReloadOnSignal(ctx, in, logger, syscall.SIGHUP)

	logger.Info("starting instance", "instance", in.ID(), "coordinator", coordinatorAddress(f.coordinator))
	runErr := in.Run(ctx)

	stopCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	return errors.Join(runErr, registry.StopAll(stopCtx))
}

func newServer(addr string, registry *instance.Registry, reg *prometheus.Registry) *http.Server {
	health := adapter.NewHealthHandler(registry, adapter.HealthOptions{Registerer: reg, Namespace: "instance_agent"})
	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
