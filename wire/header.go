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

// Package wire defines the on-the-wire datagram format shared by the host
// encoder and this client: a fixed-size FrameHeader followed by a payload
// fragment, plus the small stream-registration datagram sent once per
// stream on the data port.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Magic identifies a MirageKit data-port datagram: 'M','I','R','G' in
// address order.
const Magic uint32 = 0x4D495247

// HeaderSize is the fixed length, in bytes, of a FrameHeader on the wire.
const HeaderSize = 61

// CurrentVersion is the only FrameHeader.Version this client understands.
// Datagrams carrying any other value are dropped by the router.
const CurrentVersion uint8 = 1

// Flag bits within FrameHeader.Flags.
const (
	FlagKeyframe   uint16 = 1 << 0
	FlagEndOfFrame uint16 = 1 << 1
)

// StreamId is the 16-bit stream identifier assigned by the host when a
// stream starts.
type StreamId uint16

// DimensionToken tags the virtual-display configuration a frame was encoded
// under.
type DimensionToken uint16

// Epoch distinguishes stream restarts; carried but not consumed here.
type Epoch uint16

// Rect is the sub-region of a decoded picture carrying actual content.
type Rect struct {
	X, Y, W, H float32
}

// Dimensions is a width/height pair, used when describing an expected or
// decoded picture size.
type Dimensions struct {
	Width, Height int
}

// FrameHeader is the fixed-size header preceding every payload fragment.
//
// Field order and offsets exactly match spec.md §6; do not reorder without
// updating Encode/Decode together.
type FrameHeader struct {
	Version        uint8
	Flags          uint16
	StreamId       StreamId
	SequenceNumber uint32
	Timestamp      uint64
	FrameNumber    uint32
	FragmentIndex  uint16
	FragmentCount  uint16
	PayloadLength  uint32
	FrameByteCount uint32
	Checksum       uint32
	ContentRect    Rect
	DimensionToken DimensionToken
	Epoch          Epoch
}

// IsKeyframe reports whether the KEYFRAME flag bit is set.
func (h FrameHeader) IsKeyframe() bool {
	return h.Flags&FlagKeyframe != 0
}

// IsEndOfFrame reports whether the END_OF_FRAME flag bit is set.
func (h FrameHeader) IsEndOfFrame() bool {
	return h.Flags&FlagEndOfFrame != 0
}

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
	ErrShortHeader = errors.New("wire: datagram shorter than header size")

	// ErrBadMagic is returned when the magic field doesn't match Magic.
	ErrBadMagic = errors.New("wire: magic mismatch")
)

// Decode parses a FrameHeader from the first HeaderSize bytes of b.
//
// It does not validate the version field's value beyond reading it — callers
// that care about version compatibility check h.Version themselves.
func Decode(b []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(b) < HeaderSize {
		return h, ErrShortHeader
	}

	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != Magic {
		return h, ErrBadMagic
	}

	h.Version = b[4]
	h.Flags = binary.LittleEndian.Uint16(b[5:7])
	h.StreamId = StreamId(binary.LittleEndian.Uint16(b[7:9]))
	h.SequenceNumber = binary.LittleEndian.Uint32(b[9:13])
	h.Timestamp = binary.LittleEndian.Uint64(b[13:21])
	h.FrameNumber = binary.LittleEndian.Uint32(b[21:25])
	h.FragmentIndex = binary.LittleEndian.Uint16(b[25:27])
	h.FragmentCount = binary.LittleEndian.Uint16(b[27:29])
	h.PayloadLength = binary.LittleEndian.Uint32(b[29:33])
	h.FrameByteCount = binary.LittleEndian.Uint32(b[33:37])
	h.Checksum = binary.LittleEndian.Uint32(b[37:41])
	h.ContentRect.X = decodeFloat32(b[41:45])
	h.ContentRect.Y = decodeFloat32(b[45:49])
	h.ContentRect.W = decodeFloat32(b[49:53])
	h.ContentRect.H = decodeFloat32(b[53:57])
	h.DimensionToken = DimensionToken(binary.LittleEndian.Uint16(b[57:59]))
	h.Epoch = Epoch(binary.LittleEndian.Uint16(b[59:61]))

	return h, nil
}

// Encode writes h into a newly allocated HeaderSize-byte slice.
func Encode(h FrameHeader) []byte {
	b := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint32(b[0:4], Magic)
	b[4] = h.Version
	binary.LittleEndian.PutUint16(b[5:7], h.Flags)
	binary.LittleEndian.PutUint16(b[7:9], uint16(h.StreamId))
	binary.LittleEndian.PutUint32(b[9:13], h.SequenceNumber)
	binary.LittleEndian.PutUint64(b[13:21], h.Timestamp)
	binary.LittleEndian.PutUint32(b[21:25], h.FrameNumber)
	binary.LittleEndian.PutUint16(b[25:27], h.FragmentIndex)
	binary.LittleEndian.PutUint16(b[27:29], h.FragmentCount)
	binary.LittleEndian.PutUint32(b[29:33], h.PayloadLength)
	binary.LittleEndian.PutUint32(b[33:37], h.FrameByteCount)
	binary.LittleEndian.PutUint32(b[37:41], h.Checksum)
	encodeFloat32(b[41:45], h.ContentRect.X)
	encodeFloat32(b[45:49], h.ContentRect.Y)
	encodeFloat32(b[49:53], h.ContentRect.W)
	encodeFloat32(b[53:57], h.ContentRect.H)
	binary.LittleEndian.PutUint16(b[57:59], uint16(h.DimensionToken))
	binary.LittleEndian.PutUint16(b[59:61], uint16(h.Epoch))

	return b
}

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func encodeFloat32(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}
