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

// Package audit records lifecycle transitions and fans them out to
// observers. Each observer receives events in transition order on its own
// goroutine, so a slow observer never delays the instance or other
// observers.
package audit

import (
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/instance-client/api"
)

// DefaultHistory is the number of transitions kept by NewRecorder(0).
const DefaultHistory = 64

const deliveryBatch = 16

// Recorder is an api.Observer that keeps a bounded history and forwards
// every event to its subscribers.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	history []api.TransitionEvent
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
}

type subscriber struct {
	queue    *queuepkg.Queue
	observer api.Observer
	done     chan struct{}
}

var _ api.Observer = (*Recorder)(nil)

// NewRecorder keeps up to limit transitions. limit <= 0 uses DefaultHistory.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Recorder{limit: limit, subs: make(map[uint64]*subscriber)}
}

// Observe records event and queues it for every subscriber. It never blocks.
func (r *Recorder) Observe(event api.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == r.limit {
		copy(r.history, r.history[1:])
		r.history = r.history[:r.limit-1]
	}
	r.history = append(r.history, event)
	for _, sub := range r.subs {
		_ = sub.queue.Put(event)
	}
}

// History returns the retained transitions, oldest first.
func (r *Recorder) History() []api.TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.TransitionEvent, len(r.history))
	copy(out, r.history)
	return out
}

// Subscribe registers observer for future events. The returned function
// removes it; events not yet delivered are discarded.
func (r *Recorder) Subscribe(observer api.Observer) (unsubscribe func()) {
	sub := &subscriber{
		queue:    queuepkg.New(deliveryBatch),
		observer: observer,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	r.mu.Unlock()

	go sub.run()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		sub.queue.Dispose()
	}
}

// Close delivers queued events to every subscriber and stops delivery.
// It must not be called from an observer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[uint64]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		remaining := sub.queue.Dispose()
		<-sub.done
		for _, item := range remaining {
			sub.observer.Observe(item.(api.TransitionEvent))
		}
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		items, err := s.queue.Get(deliveryBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			s.observer.Observe(item.(api.TransitionEvent))
		}
	}
}
