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

package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/instance-client/api"
	internalsecurity "github.com/srediag/instance-client/internal/security"
)

// DefaultMaxSkew is the accepted distance between the request timestamp
// and the verifier's clock.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrBadSignature = errors.New("signature mismatch")
	ErrStale        = errors.New("request timestamp outside accepted window")
	ErrUnknownKey   = errors.New("unknown access key")
)

// HMACSigner signs authentication requests with a key derived from the
// secret access key. The secret itself is never placed on the wire.
type HMACSigner struct {
	accessKeyID string
	key         []byte
	now         func() time.Time
	nonce       func() string
}

var _ api.Signer = (*HMACSigner)(nil)

// NewHMACSigner derives the signing key for creds.
func NewHMACSigner(creds Credentials, now func() time.Time) (*HMACSigner, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey.Empty() {
		return nil, &api.ValidationError{Reason: "credentials are incomplete"}
	}
	key, err := internalsecurity.DeriveSigningKey([]byte(creds.SecretAccessKey.Reveal()), creds.AccessKeyID)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &HMACSigner{
		accessKeyID: creds.AccessKeyID,
		key:         key,
		now:         now,
		nonce:       func() string { return uuid.NewString() },
	}, nil
}

// Sign sets the access key id, timestamp, nonce and signature of request.
func (s *HMACSigner) Sign(request *api.AuthRequest) error {
	if request == nil {
		return errors.New("nil auth request")
	}
	request.AccessKeyID = s.accessKeyID
	request.Timestamp = s.now().Unix()
	request.Nonce = s.nonce()
	request.Signature = internalsecurity.MAC(s.key, canonical(request))
	return nil
}

// HMACVerifier checks signatures for a fixed set of credentials. It is
// what a coordinator does on its side and backs the in-memory coordinator.
type HMACVerifier struct {
	keys    map[string][]byte
	now     func() time.Time
	maxSkew time.Duration
}

var _ api.Verifier = (*HMACVerifier)(nil)

// NewHMACVerifier builds a verifier accepting every credential in creds.
func NewHMACVerifier(now func() time.Time, creds ...Credentials) (*HMACVerifier, error) {
	if now == nil {
		now = time.Now
	}
	v := &HMACVerifier{keys: make(map[string][]byte, len(creds)), now: now, maxSkew: DefaultMaxSkew}
	for _, c := range creds {
		key, err := internalsecurity.DeriveSigningKey([]byte(c.SecretAccessKey.Reveal()), c.AccessKeyID)
		if err != nil {
			return nil, err
		}
		v.keys[c.AccessKeyID] = key
	}
	return v, nil
}

func (v *HMACVerifier) Verify(request *api.AuthRequest) error {
	if request == nil {
		return errors.New("nil auth request")
	}
	key, ok := v.keys[request.AccessKeyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, request.AccessKeyID)
	}
	skew := v.now().Sub(time.Unix(request.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return ErrStale
	}
	if !internalsecurity.Equal(request.Signature, internalsecurity.MAC(key, canonical(request))) {
		return ErrBadSignature
	}
	return nil
}

func canonical(request *api.AuthRequest) []byte {
	var b strings.Builder
	b.WriteString("v1\n")
	b.WriteString(request.AccessKeyID)
	b.WriteByte('\n')
	b.WriteString(request.Account)
	b.WriteByte('\n')
	b.WriteString(request.Project)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(request.Timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(request.Nonce)
	return []byte(b.String())
}
