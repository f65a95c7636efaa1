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

package logsink

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

var (
	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}
)

const timeLayout = "2006-01-02 15:04:05.999999"

// WriterSink renders records as single text lines on an io.Writer.
type WriterSink struct {
	mu    sync.Mutex
	out   io.Writer
	name  string
	level Level
	color bool
}

// WriterOption configures a WriterSink.
type WriterOption func(*WriterSink)

// WithLevel sets the minimum level written.
func WithLevel(level Level) WriterOption {
	return func(w *WriterSink) { w.level = level }
}

// WithName sets the name printed after the timestamp.
func WithName(name string) WriterOption {
	return func(w *WriterSink) { w.name = name }
}

// WithColor toggles ANSI colors. Colors are on by default.
func WithColor(enabled bool) WriterOption {
	return func(w *WriterSink) { w.color = enabled }
}

// NewWriterSink returns a sink writing to out, or to stdout when out is nil.
func NewWriterSink(out io.Writer, opts ...WriterOption) *WriterSink {
	if out == nil {
		out = os.Stdout
	}
	w := &WriterSink{out: out, level: LevelWarn, color: true}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WriterSink) Write(record Record) {
	if record.Level < w.level || record.Level >= LevelSilent {
		return
	}
	line := w.format(record)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.out, line); err != nil {
		fmt.Fprintf(os.Stderr, "logsink write failed: %v\n", err)
	}
}

func (w *WriterSink) format(record Record) string {
	var buffer [128]byte
	buf := bytes.NewBuffer(buffer[:0])
	level := record.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	if w.color {
		_, _ = buf.WriteString(colors[level])
	}
	_, _ = buf.WriteString(level.String())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(record.Time.Format(timeLayout))
	_ = buf.WriteByte(' ')
	if w.name != "" {
		_, _ = buf.WriteString(w.name)
		_ = buf.WriteByte(' ')
	}
	_, _ = buf.WriteString(record.Message)

	keys := make([]string, 0, len(record.Fields))
	for k := range record.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, " %s=%v", k, record.Fields[k])
	}
	if w.color {
		_, _ = buf.WriteString(reset)
	}
	_ = buf.WriteByte('\n')
	return buf.String()
}
