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
	"os"
	"strconv"
	"sync/atomic"
)

type sinkCell struct {
	sink Sink
}

var (
	defaultSink atomic.Pointer[sinkCell]
	stderrSink  Sink
)

func init() {
	level := LevelWarn
	if v := os.Getenv("INSTANCE_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= int(LevelTrace) && n <= int(LevelSilent) {
			level = Level(n)
		}
	}
	stderrSink = NewWriterSink(os.Stderr, WithLevel(level), WithName("instance"))
}

// SetDefault installs the process-wide sink. Passing nil restores the
// stderr sink. Instances that already captured a sink keep it.
func SetDefault(sink Sink) {
	if sink == nil {
		defaultSink.Store(nil)
		return
	}
	defaultSink.Store(&sinkCell{sink: sink})
}

// Default returns the process-wide sink.
func Default() Sink {
	if cell := defaultSink.Load(); cell != nil {
		return cell.sink
	}
	return stderrSink
}
