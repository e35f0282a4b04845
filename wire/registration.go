// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RegistrationSize is the fixed length of a stream-registration datagram:
// 4 bytes magic + 2 bytes streamId + 16 bytes deviceId.
const RegistrationSize = 4 + 2 + 16

// ErrShortRegistration is returned when fewer than RegistrationSize bytes
// are available to decode.
var ErrShortRegistration = errors.New("wire: registration datagram too short")

// EncodeRegistration builds the client->host registration datagram sent once
// per stream on the data port, after the TCP hello.
func EncodeRegistration(streamID StreamId, deviceID uuid.UUID) []byte {
	b := make([]byte, RegistrationSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint16(b[4:6], uint16(streamID))
	copy(b[6:22], deviceID[:])
	return b
}

// DecodeRegistration parses a registration datagram, primarily useful for
// tests and loopback simulation of the host side.
func DecodeRegistration(b []byte) (StreamId, uuid.UUID, error) {
	var id uuid.UUID
	if len(b) < RegistrationSize {
		return 0, id, ErrShortRegistration
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return 0, id, ErrBadMagic
	}
	streamID := StreamId(binary.LittleEndian.Uint16(b[4:6]))
	copy(id[:], b[6:22])
	return streamID, id, nil
}
