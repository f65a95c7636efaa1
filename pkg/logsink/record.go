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

// Package logsink routes structured log records from instances to a
// caller-supplied destination.
//
// A process-wide default sink can be set once with SetDefault before
// instances are created. Each instance captures the sink when its Logger is
// built, so later calls to SetDefault only affect instances created
// afterwards. Logging never blocks the caller: records go through a bounded
// buffer and the oldest records are dropped on overflow.
package logsink

import (
	"fmt"
	"time"
)

// Level is the severity of a record.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	// LevelSilent disables output when used as a sink threshold.
	LevelSilent
)

var levelNames = []string{
	"Trace",
	"Debug",
	"Info",
	"Warn",
	"Error",
	"Silent",
}

func (l Level) String() string {
	if l < LevelTrace || l > LevelSilent {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Record is one structured log event.
type Record struct {
	Level   Level
	Message string
	Time    time.Time
	Fields  map[string]any
}

// Sink receives records. Write is called from a single delivery goroutine
// per Logger, but a sink shared by several instances must be safe for
// concurrent use.
type Sink interface {
	Write(record Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(record Record)

func (f SinkFunc) Write(record Record) { f(record) }

// Discard drops every record.
var Discard Sink = SinkFunc(func(Record) {})

// fieldsFromArgs converts alternating key/value arguments into a field map.
// A key that is not a string is rendered with fmt; a trailing key without a
// value is stored under "!BADKEY".
func fieldsFromArgs(base map[string]any, args []any) map[string]any {
	if len(base) == 0 && len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(base)+len(args)/2)
	for k, v := range base {
		fields[k] = v
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
