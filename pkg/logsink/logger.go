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
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

const (
	// DefaultCapacity is the number of records buffered per Logger.
	DefaultCapacity = 1024
	deliveryBatch   = 64
)

// Logger is an asynchronous, structured logger bound to one sink. Log
// calls enqueue and return; a single goroutine delivers records in order.
// When the buffer is full the oldest record is dropped. An overflow
// episode lasts until delivery catches up with the buffer; one
// "dropped log records" marker carrying the total is written then.
//
// Loggers derived with With share the buffer and delivery goroutine.
type Logger struct {
	core   *core
	fields map[string]any
}

type core struct {
	sink     Sink
	capacity int64
	now      func() time.Time
	onDrop   func(n int)

	mu      sync.Mutex
	queue   *queuepkg.Queue
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// LoggerOption configures a Logger.
type LoggerOption func(*core)

// WithCapacity sets the buffer size. Values below 1 are ignored.
func WithCapacity(n int) LoggerOption {
	return func(c *core) {
		if n > 0 {
			c.capacity = int64(n)
		}
	}
}

// WithDropHook registers a function called with the number of records
// dropped at the end of each overflow episode.
func WithDropHook(hook func(n int)) LoggerOption {
	return func(c *core) { c.onDrop = hook }
}

// WithTimeSource overrides the timestamp source.
func WithTimeSource(now func() time.Time) LoggerOption {
	return func(c *core) { c.now = now }
}

// New starts a Logger delivering to sink. A nil sink captures Default().
func New(sink Sink, opts ...LoggerOption) *Logger {
	if sink == nil {
		sink = Default()
	}
	c := &core{
		sink:     sink,
		capacity: DefaultCapacity,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = queuepkg.New(c.capacity)
	go c.run()
	return &Logger{core: c}
}

// With returns a Logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{core: l.core, fields: fieldsFromArgs(l.fields, args)}
}

// Sink returns the sink captured at construction.
func (l *Logger) Sink() Sink { return l.core.sink }

func (l *Logger) Trace(msg string, args ...any) { l.Log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.Log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.Log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.Log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.Log(LevelError, msg, args...) }

// Log enqueues a record. After Close, records are written synchronously.
func (l *Logger) Log(level Level, msg string, args ...any) {
	record := Record{
		Level:   level,
		Message: msg,
		Time:    l.core.now(),
		Fields:  fieldsFromArgs(l.fields, args),
	}
	l.core.enqueue(record)
}

// Close flushes buffered records and stops the delivery goroutine.
func (l *Logger) Close() {
	l.core.close()
}

func (c *core) enqueue(record Record) {
	if c.closed.Load() {
		c.sink.Write(record)
		return
	}

	c.mu.Lock()
	if c.queue.Len() >= c.capacity {
		if items, err := c.queue.TakeUntil(takeOne()); err == nil && len(items) > 0 {
			c.dropped.Add(1)
		}
	}
	err := c.queue.Put(record)
	c.mu.Unlock()

	if err != nil {
		// Disposed between the closed check and Put.
		c.sink.Write(record)
	}
}

func (c *core) run() {
	defer close(c.done)
	for {
		items, err := c.queue.Get(deliveryBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			c.sink.Write(item.(Record))
		}
		if c.caughtUp() {
			c.flushDropped()
		}
	}
}

// caughtUp reports whether every buffered record has been delivered.
// After close the remaining records are delivered by close itself.
func (c *core) caughtUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed.Load() && c.queue.Len() == 0
}

// takeOne returns a TakeUntil checker that accepts only the head item.
func takeOne() func(any) bool {
	taken := false
	return func(any) bool {
		if taken {
			return false
		}
		taken = true
		return true
	}
}

func (c *core) flushDropped() {
	n := c.dropped.Swap(0)
	if n == 0 {
		return
	}
	if c.onDrop != nil {
		c.onDrop(int(n))
	}
	c.sink.Write(Record{
		Level:   LevelWarn,
		Message: "dropped log records",
		Time:    c.now(),
		Fields:  map[string]any{"count": n},
	})
}

func (c *core) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		remaining := c.queue.Dispose()
		c.mu.Unlock()

		<-c.done
		for _, item := range remaining {
			c.sink.Write(item.(Record))
		}
		c.flushDropped()
	})
}
