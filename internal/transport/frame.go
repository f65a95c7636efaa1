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

// Package transport contains the wire framing used on coordinator
// connections: a 4-byte big-endian length followed by a CBOR-encoded
// api.Message.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/instance-client/api"
)

const (
	frameHeaderLength = 4
	// MaxFrameSize bounds a single message payload.
	MaxFrameSize = 4 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: identical messages produce identical
	// bytes, which keeps signatures and test fixtures stable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteFrame encodes msg and writes it to w as a single frame. A message
// that cannot be encoded or exceeds MaxFrameSize yields an
// *api.ProtocolError and nothing is written.
func WriteFrame(w io.Writer, msg api.Message) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B[:0], 0, 0, 0, 0)
	if err := encMode.NewEncoder(buf).Encode(msg); err != nil {
		return &api.ProtocolError{Reason: fmt.Sprintf("encoding %s message", msg.Kind), Err: err}
	}
	size := len(buf.B) - frameHeaderLength
	if size > MaxFrameSize {
		return &api.ProtocolError{Reason: fmt.Sprintf("%s frame of %d bytes exceeds limit %d", msg.Kind, size, MaxFrameSize)}
	}
	binary.BigEndian.PutUint32(buf.B[:frameHeaderLength], uint32(size))
	_, err := w.Write(buf.B)
	return err
}

// ReadFrame reads one frame from r. I/O errors are returned as is; an
// oversized or undecodable frame yields an *api.ProtocolError.
func ReadFrame(r io.Reader) (api.Message, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return api.Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return api.Message{}, &api.ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", size, MaxFrameSize)}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < int(size) {
		buf.B = make([]byte, size)
	}
	buf.B = buf.B[:size]
	if _, err := io.ReadFull(r, buf.B); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return api.Message{}, err
	}

	var msg api.Message
	if err := decMode.Unmarshal(buf.B, &msg); err != nil {
		return api.Message{}, &api.ProtocolError{Reason: "undecodable frame", Err: err}
	}
	if msg.Kind == "" {
		return api.Message{}, &api.ProtocolError{Reason: "message without kind"}
	}
	return msg, nil
}
