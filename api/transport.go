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

package api

import "context"

// Kind identifies the intent of a control-plane message.
type Kind string

const (
	KindAuthenticate Kind = "authenticate"
	KindRegister     Kind = "register"
	KindHeartbeat    Kind = "heartbeat"
	KindPushConfig   Kind = "push_config"
	KindDeregister   Kind = "deregister"
	KindAck          Kind = "ack"

	// Coordinator-initiated pushes. They carry ID 0.
	KindReloadRequested Kind = "reload_requested"
	KindShutdown        Kind = "shutdown"
)

// Ack codes that map to AuthError.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
)

// Message is the unit exchanged with the coordinator. Requests carry a
// client-assigned ID which the coordinator echoes in its Ack.
type Message struct {
	ID           uint64        `cbor:"id"`
	Kind         Kind          `cbor:"kind"`
	Auth         *AuthRequest  `cbor:"auth,omitempty"`
	Registration *Registration `cbor:"registration,omitempty"`
	Ack          *Ack          `cbor:"ack,omitempty"`
}

// AuthRequest authenticates a session. The secret access key is never
// sent; Signature proves possession of it.
type AuthRequest struct {
	AccessKeyID string            `cbor:"access_key_id"`
	Account     string            `cbor:"account"`
	Project     string            `cbor:"project"`
	Timestamp   int64             `cbor:"timestamp"`
	Nonce       string            `cbor:"nonce"`
	Signature   []byte            `cbor:"signature"`
	Params      map[string]string `cbor:"params,omitempty"`
}

// Registration describes the instance to the coordinator. It is the
// payload of register, push_config and deregister.
type Registration struct {
	InstanceID string            `cbor:"instance_id"`
	Account    string            `cbor:"account"`
	Project    string            `cbor:"project"`
	Labels     map[string]string `cbor:"labels,omitempty"`
	Config     []byte            `cbor:"config,omitempty"`
}

// Ack is the coordinator's reply to a request.
type Ack struct {
	OK        bool   `cbor:"ok"`
	Code      string `cbor:"code,omitempty"`
	Reason    string `cbor:"reason,omitempty"`
	SessionID string `cbor:"session_id,omitempty"`
}

// Conn is an established, unauthenticated byte stream to the coordinator
// carrying Messages.
type Conn interface {
	// Roundtrip sends a request and waits for the matching Ack.
	Roundtrip(ctx context.Context, request Message) (Message, error)
	// Events delivers coordinator pushes. It is closed when the
	// connection terminates.
	Events() <-chan Message
	// Close releases the connection. Pending round trips fail with
	// ErrClosed.
	Close() error
}

// Dialer opens connections to the coordinator.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
