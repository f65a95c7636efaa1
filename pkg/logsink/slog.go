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
	"context"
	"log/slog"
)

// LevelTraceSlog is the slog level used for Trace records.
const LevelTraceSlog = slog.LevelDebug - 4

type slogSink struct {
	logger *slog.Logger
}

// NewSlogSink routes records to an slog.Logger, preserving each record's
// timestamp.
func NewSlogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogSink{logger: logger}
}

func (s *slogSink) Write(record Record) {
	ctx := context.Background()
	level := slogLevel(record.Level)
	handler := s.logger.Handler()
	if !handler.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(record.Time, level, record.Message, 0)
	for k, v := range record.Fields {
		r.AddAttrs(slog.Any(k, v))
	}
	_ = handler.Handle(ctx, r)
}

func slogLevel(level Level) slog.Level {
	switch {
	case level <= LevelTrace:
		return LevelTraceSlog
	case level == LevelDebug:
		return slog.LevelDebug
	case level == LevelInfo:
		return slog.LevelInfo
	case level == LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
