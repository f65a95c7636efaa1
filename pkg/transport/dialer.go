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
	"crypto/tls"
	"net"
	"time"

	"github.com/srediag/instance-client/api"
)

const defaultDialTimeout = 10 * time.Second

// NetDialer dials the coordinator over a stream network ("tcp" or "unix"),
// optionally wrapped in TLS.
type NetDialer struct {
	Network string
	Address string
	// Timeout bounds connection establishment. Zero uses 10s.
	Timeout time.Duration
	// TLS enables TLS when non-nil.
	TLS *tls.Config
}

var _ api.Dialer = (*NetDialer)(nil)

// Dial opens a connection. Failures are *api.NetworkError.
func (d *NetDialer) Dial(ctx context.Context) (api.Conn, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if d.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: d.TLS}
		conn, err = tlsDialer.DialContext(ctx, network, d.Address)
	} else {
		conn, err = dialer.DialContext(ctx, network, d.Address)
	}
	if err != nil {
		return nil, &api.NetworkError{Op: "dial", Err: err}
	}
	return NewStreamConn(conn), nil
}

// DialerFunc adapts a function to api.Dialer.
type DialerFunc func(ctx context.Context) (api.Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (api.Conn, error) { return f(ctx) }
