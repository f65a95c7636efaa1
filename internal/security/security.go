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

// Package security contains the key derivation used to sign coordinator
// authentication requests.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	signingKeyInfo   = "instance-client auth v1"
	signingKeyLength = 32
)

// DeriveSigningKey derives a per-access-key HMAC key from the secret
// access key. The access key id is used as salt so that a leaked signing
// key is bound to one credential pair.
func DeriveSigningKey(secret []byte, accessKeyID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(accessKeyID), []byte(signingKeyInfo))
	key := make([]byte, signingKeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return key, nil
}

// MAC returns HMAC-SHA256 of message under key.
func MAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
