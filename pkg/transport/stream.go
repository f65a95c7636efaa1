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

// Package transport maintains the authenticated session between an
// instance and its coordinator.
//
// A StreamConn multiplexes request/ack round trips and coordinator pushes
// over one framed byte stream. A Connection dials, authenticates, runs the
// heartbeat and reconnects with exponential backoff when the session is
// lost.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/srediag/instance-client/api"
	wire "github.com/srediag/instance-client/internal/transport"
)

const eventBuffer = 16

// MaxConfigSize bounds the config carried by one registration, leaving
// room in the frame for the rest of the message.
const MaxConfigSize = wire.MaxFrameSize - 64<<10

// StreamConn is an api.Conn over a framed byte stream. Requests are
// numbered from 1; frames with ID 0 are coordinator pushes.
type StreamConn struct {
	rw io.ReadWriteCloser

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan api.Message
	err     error

	events    chan api.Message
	closed    chan struct{}
	closeOnce sync.Once
}

var _ api.Conn = (*StreamConn)(nil)

// NewStreamConn starts reading frames from rw.
func NewStreamConn(rw io.ReadWriteCloser) *StreamConn {
	c := &StreamConn{
		rw:      rw,
		pending: make(map[uint64]chan api.Message),
		events:  make(chan api.Message, eventBuffer),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Roundtrip assigns request an ID, writes it and waits for the ack with
// the same ID.
func (c *StreamConn) Roundtrip(ctx context.Context, request api.Message) (api.Message, error) {
	op := string(request.Kind)
	request.ID = c.nextID.Add(1)
	reply := make(chan api.Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return api.Message{}, err
	}
	c.pending[request.ID] = reply
	c.mu.Unlock()
	defer c.forget(request.ID)

	c.writeMu.Lock()
	err := wire.WriteFrame(c.rw, request)
	c.writeMu.Unlock()
	var protoErr *api.ProtocolError
	if errors.As(err, &protoErr) {
		// Rejected before any byte was written; the stream is intact.
		return api.Message{}, err
	}
	if err != nil {
		c.fail(&api.NetworkError{Op: op, Err: err})
		return api.Message{}, c.failure(op)
	}

	select {
	case msg := <-reply:
		return msg, nil
	case <-c.closed:
		return api.Message{}, c.failure(op)
	case <-ctx.Done():
		return api.Message{}, &api.NetworkError{Op: op, Err: ctx.Err()}
	}
}

// Events delivers coordinator pushes until the stream ends.
func (c *StreamConn) Events() <-chan api.Message { return c.events }

// Err returns the reason the stream ended, or nil while it is open.
func (c *StreamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the stream. Pending round trips fail with api.ErrClosed.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = &api.NetworkError{Op: "close", Err: api.ErrClosed}
		}
		c.mu.Unlock()
		err = c.rw.Close()
		close(c.closed)
	})
	return err
}

func (c *StreamConn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failure returns the terminal error relabelled with op when it is a
// network error, so callers see which request was lost.
func (c *StreamConn) failure(op string) error {
	err := c.Err()
	var netErr *api.NetworkError
	if errors.As(err, &netErr) {
		return &api.NetworkError{Op: op, Err: netErr.Err}
	}
	return err
}

func (c *StreamConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	_ = c.Close()
}

func (c *StreamConn) readLoop() {
	defer close(c.events)
	for {
		msg, err := wire.ReadFrame(c.rw)
		if err != nil {
			var protoErr *api.ProtocolError
			if !errors.As(err, &protoErr) {
				err = &api.NetworkError{Op: "read", Err: err}
			}
			c.fail(err)
			return
		}

		if msg.ID == 0 {
			select {
			case c.events <- msg:
			case <-c.closed:
				return
			}
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- msg:
			default:
			}
		}
	}
}
