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

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/instance-client/api"
	wire "github.com/srediag/instance-client/internal/transport"
)

// ErrDialRefused is returned by MemoryCoordinator.Dial while dial
// failures are injected.
var ErrDialRefused = errors.New("connection refused")

// MemoryCoordinator is an in-process coordinator. Each Dial returns one
// end of a net.Pipe served with the same framing as a network
// coordinator. It records every request it receives and can inject
// faults. It is used by tests and examples.
type MemoryCoordinator struct {
	verifier api.Verifier

	mu             sync.Mutex
	changed        *sync.Cond
	received       []api.Message
	sessions       map[net.Conn]struct{}
	dials          int
	failDials      int
	authCode       string
	rejects        map[api.Kind]api.Ack
	malformed      map[api.Kind]bool
	dropHeartbeats bool
	delay          map[api.Kind]chan struct{}
}

var _ api.Dialer = (*MemoryCoordinator)(nil)

// NewMemoryCoordinator returns a coordinator that accepts every request.
// A non-nil verifier checks authentication signatures.
func NewMemoryCoordinator(verifier api.Verifier) *MemoryCoordinator {
	c := &MemoryCoordinator{
		verifier:  verifier,
		sessions:  make(map[net.Conn]struct{}),
		rejects:   make(map[api.Kind]api.Ack),
		malformed: make(map[api.Kind]bool),
		delay:     make(map[api.Kind]chan struct{}),
	}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Dial opens a new session.
func (c *MemoryCoordinator) Dial(ctx context.Context) (api.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &api.NetworkError{Op: "dial", Err: err}
	}
	c.mu.Lock()
	c.dials++
	if c.failDials != 0 {
		if c.failDials > 0 {
			c.failDials--
		}
		c.changed.Broadcast()
		c.mu.Unlock()
		return nil, &api.NetworkError{Op: "dial", Err: ErrDialRefused}
	}
	client, server := net.Pipe()
	c.sessions[server] = struct{}{}
	c.changed.Broadcast()
	c.mu.Unlock()

	go c.serve(server)
	return NewStreamConn(client), nil
}

// FailDials makes the next n dials fail. A negative n fails every dial.
func (c *MemoryCoordinator) FailDials(n int) {
	c.mu.Lock()
	c.failDials = n
	c.mu.Unlock()
}

// RejectAuth makes authentication fail with code. An empty code accepts.
func (c *MemoryCoordinator) RejectAuth(code string) {
	c.mu.Lock()
	c.authCode = code
	c.mu.Unlock()
}

// Reject answers requests of kind with a non-OK ack carrying code.
func (c *MemoryCoordinator) Reject(kind api.Kind, code string) {
	c.mu.Lock()
	c.rejects[kind] = api.Ack{Code: code, Reason: "rejected by coordinator"}
	c.mu.Unlock()
}

// Malform answers requests of kind with an undecodable frame.
func (c *MemoryCoordinator) Malform(kind api.Kind) {
	c.mu.Lock()
	c.malformed[kind] = true
	c.mu.Unlock()
}

// DropHeartbeats stops or resumes answering heartbeats.
func (c *MemoryCoordinator) DropHeartbeats(drop bool) {
	c.mu.Lock()
	c.dropHeartbeats = drop
	c.mu.Unlock()
}

// Hold delays the ack of the next requests of kind until the returned
// function is called.
func (c *MemoryCoordinator) Hold(kind api.Kind) (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.delay[kind] = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.delay[kind] == gate {
				delete(c.delay, kind)
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Push sends a coordinator-initiated message to every open session.
func (c *MemoryCoordinator) Push(kind api.Kind) error {
	c.mu.Lock()
	conns := make([]net.Conn, 0, len(c.sessions))
	for conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("no open session")
	}
	var errs []error
	for _, conn := range conns {
		if err := wire.WriteFrame(conn, api.Message{Kind: kind}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes every open session from the coordinator side.
func (c *MemoryCoordinator) Disconnect() {
	c.mu.Lock()
	conns := make([]net.Conn, 0, len(c.sessions))
	for conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Received returns a copy of every request received, in order.
func (c *MemoryCoordinator) Received() []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Message, len(c.received))
	copy(out, c.received)
	return out
}

// ReceivedKind returns the received requests of kind, in order.
func (c *MemoryCoordinator) ReceivedKind(kind api.Kind) []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []api.Message
	for _, msg := range c.received {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// Count returns the number of received requests of kind.
func (c *MemoryCoordinator) Count(kind api.Kind) int {
	return len(c.ReceivedKind(kind))
}

// Dials returns the number of dial attempts, failed ones included.
func (c *MemoryCoordinator) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Sessions returns the number of open sessions.
func (c *MemoryCoordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// WaitFor blocks until n requests of kind were received or timeout
// elapses, and reports whether the count was reached.
func (c *MemoryCoordinator) WaitFor(kind api.Kind, n int, timeout time.Duration) bool {
	return c.waitUntil(timeout, func() bool {
		count := 0
		for _, msg := range c.received {
			if msg.Kind == kind {
				count++
			}
		}
		return count >= n
	})
}

// WaitForDials blocks until n dial attempts were made or timeout elapses.
func (c *MemoryCoordinator) WaitForDials(n int, timeout time.Duration) bool {
	return c.waitUntil(timeout, func() bool { return c.dials >= n })
}

func (c *MemoryCoordinator) waitUntil(timeout time.Duration, cond func() bool) bool {
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.changed.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for !cond() {
		if !time.Now().Before(deadline) {
			return false
		}
		c.changed.Wait()
	}
	return true
}

func (c *MemoryCoordinator) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		delete(c.sessions, conn)
		c.changed.Broadcast()
		c.mu.Unlock()
	}()

	var writeMu sync.Mutex
	for {
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}

		c.mu.Lock()
		c.received = append(c.received, msg)
		c.changed.Broadcast()
		drop := msg.Kind == api.KindHeartbeat && c.dropHeartbeats
		malformed := c.malformed[msg.Kind]
		gate := c.delay[msg.Kind]
		c.mu.Unlock()

		if drop {
			continue
		}
		reply := func() {
			writeMu.Lock()
			defer writeMu.Unlock()
			if malformed {
				_ = writeGarbage(conn)
				return
			}
			_ = wire.WriteFrame(conn, c.answer(msg))
		}
		if gate != nil {
			go func() {
				<-gate
				reply()
			}()
			continue
		}
		reply()
	}
}

func (c *MemoryCoordinator) answer(msg api.Message) api.Message {
	ack := api.Ack{OK: true}

	c.mu.Lock()
	authCode := c.authCode
	reject, rejected := c.rejects[msg.Kind]
	c.mu.Unlock()

	switch {
	case msg.Kind == api.KindAuthenticate && authCode != "":
		ack = api.Ack{Code: authCode, Reason: "credentials rejected"}
	case msg.Kind == api.KindAuthenticate && c.verifier != nil && c.verifier.Verify(msg.Auth) != nil:
		ack = api.Ack{Code: api.CodeUnauthorized, Reason: "signature verification failed"}
	case rejected:
		ack = reject
	case msg.Kind == api.KindAuthenticate:
		ack.SessionID = uuid.NewString()
	}
	return api.Message{ID: msg.ID, Kind: api.KindAck, Ack: &ack}
}

func writeGarbage(conn net.Conn) error {
	payload := []byte{0xff, 0x00, 0x13, 0x37}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := conn.Write(frame)
	return err
}
