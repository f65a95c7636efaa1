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

// Package adapter connects instances to the systems around them: how the
// coordinator is reached, health endpoints, reload triggers, tracing and
// audit logging.
package adapter

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/pkg/transport"
)

// NewDialer returns a coordinator dialer for address. Accepted forms are
// host:port and tcp://host:port for plain TCP, tls://host:port for TLS,
// and unix:///path for a Unix socket. tlsConfig applies to tls:// only;
// nil uses the system roots with the host as server name.
func NewDialer(address string, tlsConfig *tls.Config, timeout time.Duration) (api.Dialer, error) {
	if address == "" {
		return nil, &api.ValidationError{Field: "coordinator", Reason: "empty address"}
	}
	if !strings.Contains(address, "://") {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, &api.ValidationError{Field: "coordinator", Reason: fmt.Sprintf("invalid address %q: %v", address, err)}
		}
		return &transport.NetDialer{Network: "tcp", Address: address, Timeout: timeout}, nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, &api.ValidationError{Field: "coordinator", Reason: err.Error()}
	}

	switch u.Scheme {
	case "tcp", "tls":
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return nil, &api.ValidationError{Field: "coordinator", Reason: fmt.Sprintf("invalid address %q: %v", address, err)}
		}
		d := &transport.NetDialer{Network: "tcp", Address: u.Host, Timeout: timeout}
		if u.Scheme == "tls" {
			if tlsConfig == nil {
				tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			} else {
				tlsConfig = tlsConfig.Clone()
			}
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = u.Hostname()
			}
			d.TLS = tlsConfig
		}
		return d, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" {
			return nil, &api.ValidationError{Field: "coordinator", Reason: "unix address without a path"}
		}
		return &transport.NetDialer{Network: "unix", Address: path, Timeout: timeout}, nil
	default:
		return nil, &api.ValidationError{Field: "coordinator", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
}
