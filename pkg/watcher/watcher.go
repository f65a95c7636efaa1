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

// Package watcher polls a configuration file and reports content changes,
// coalescing bursts of writes into a single notification.
package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/zeebo/blake3"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/internal/clock"
	"github.com/srediag/instance-client/internal/fsutil"
	"github.com/srediag/instance-client/pkg/logsink"
)

const (
	defaultPollInterval = time.Second
	defaultDebounce     = 200 * time.Millisecond
)

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	// Debounce is the quiet period after the last detected change before
	// the change is reported.
	Debounce time.Duration
}

// DefaultConfig polls every second with a 200ms debounce.
func DefaultConfig() Config {
	return Config{PollInterval: defaultPollInterval, Debounce: defaultDebounce}
}

// Validate reports an invalid Config.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("watcher poll interval must be positive, got %s", c.PollInterval)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("watcher debounce must not be negative, got %s", c.Debounce)
	}
	return nil
}

// ReadConfig reads the file at path. Failures are *api.ConfigError;
// Permanent is set when the file exists but may not be read.
func ReadConfig(path string) ([]byte, error) {
	if err := fsutil.CheckReadable(path); err != nil {
		return nil, &api.ConfigError{Path: path, Permanent: fsutil.IsPermanent(err), Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &api.ConfigError{Path: path, Permanent: fsutil.IsPermanent(err), Err: err}
	}
	return data, nil
}

// Watcher polls one file.
type Watcher struct {
	path     string
	config   Config
	clock    clock.Clock
	logger   *logsink.Logger
	onChange func()
	onError  func(err *api.ConfigError)
	read     func(path string) ([]byte, error)

	fingerprint []byte
	baselined   bool
	failure     failureKind
}

type failureKind int

const (
	readable failureKind = iota
	transientFailure
	permanentFailure
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger for read failures.
func WithLogger(logger *logsink.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// OnError registers a callback for the first read failure of each episode.
func OnError(fn func(err *api.ConfigError)) Option {
	return func(w *Watcher) { w.onError = fn }
}

// WithReader replaces the file reader. Errors that are not
// *api.ConfigError are treated as transient.
func WithReader(read func(path string) ([]byte, error)) Option {
	return func(w *Watcher) { w.read = read }
}

// WithBaseline compares the first polls against data instead of the
// contents read when Run starts.
func WithBaseline(data []byte) Option {
	return func(w *Watcher) {
		w.fingerprint = fingerprint(data)
		w.baselined = true
	}
}

// New creates a Watcher that calls onChange after the contents of path
// change. A nil clock uses real time.
func New(path string, config Config, clk clock.Clock, onChange func(), opts ...Option) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("watcher: empty path")
	}
	if onChange == nil {
		return nil, errors.New("watcher: nil change callback")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	w := &Watcher{
		path:     path,
		config:   config,
		clock:    clk,
		onChange: onChange,
		read:     ReadConfig,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run polls until ctx is done. Unless WithBaseline was given, the
// contents at start are the baseline and do not trigger a change.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.baselined {
		if data, err := w.read(w.path); err == nil {
			w.fingerprint = fingerprint(data)
		} else {
			w.report(err)
		}
	}

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.poll() {
				if w.config.Debounce == 0 {
					w.onChange()
					continue
				}
				settle = w.clock.After(w.config.Debounce)
			}
		case <-settle:
			settle = nil
			w.log(logsink.LevelInfo, "config changed", "path", w.path)
			w.onChange()
		}
	}
}

// poll reads the file and reports whether its contents changed.
func (w *Watcher) poll() bool {
	data, err := w.read(w.path)
	if err != nil {
		w.report(err)
		return false
	}
	if w.failure != readable {
		w.failure = readable
		w.log(logsink.LevelInfo, "config readable again", "path", w.path)
	}
	sum := fingerprint(data)
	if bytes.Equal(sum, w.fingerprint) {
		return false
	}
	w.fingerprint = sum
	return true
}

// report logs a read failure once per episode and at debug level after.
// An episode ends when the file is read again or the failure changes
// between transient and permanent.
func (w *Watcher) report(err error) {
	var cfgErr *api.ConfigError
	if !errors.As(err, &cfgErr) {
		cfgErr = &api.ConfigError{Path: w.path, Err: err}
	}
	kind := transientFailure
	if cfgErr.Permanent {
		kind = permanentFailure
	}
	if w.failure == kind {
		w.log(logsink.LevelDebug, "config still unreadable", "path", w.path, "error", err)
		return
	}
	w.failure = kind
	switch {
	case cfgErr.Permanent:
		w.log(logsink.LevelError, "config unreadable, keeping last known good", "path", w.path, "error", cfgErr)
	case errors.Is(err, fs.ErrNotExist):
		w.log(logsink.LevelWarn, "config missing, waiting for it to appear", "path", w.path)
	default:
		w.log(logsink.LevelWarn, "config read failed, retrying on next poll", "path", w.path, "error", err)
	}
	if w.onError != nil {
		w.onError(cfgErr)
	}
}

func (w *Watcher) log(level logsink.Level, msg string, args ...any) {
	if w.logger != nil {
		w.logger.Log(level, msg, args...)
	}
}

func fingerprint(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}
