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

package reassembler

import (
	"time"

	"github.com/meta-boy/miragekit-client/wire"
)

// pendingFrame is the sparse fragment-index -> payload mapping for one
// frameNumber that has not yet been fully received.
//
// isKeyframe is sticky: once any fragment carries the KEYFRAME flag it stays
// set regardless of arrival order.
type pendingFrame struct {
	totalFragments  uint16
	frameByteCount  uint32
	isKeyframe      bool
	timestamp       uint64
	contentRect     wire.Rect
	firstReceivedAt time.Time
	fragments       map[uint16][]byte
}

func newPendingFrame(h wire.FrameHeader, now time.Time) *pendingFrame {
	return &pendingFrame{
		totalFragments:  h.FragmentCount,
		frameByteCount:  h.FrameByteCount,
		isKeyframe:      h.IsKeyframe(),
		timestamp:       h.Timestamp,
		contentRect:     h.ContentRect,
		firstReceivedAt: now,
		fragments:       make(map[uint16][]byte, h.FragmentCount),
	}
}

// store copies payload in (the caller's buffer may be reused for the next
// read) at fragmentIndex. A repeated index simply overwrites — both
// behaviors are acceptable per spec since payload is CRC-validated and thus
// identical on repeat.
func (p *pendingFrame) store(index uint16, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.fragments[index] = buf
}

// complete reports whether every fragment index has arrived.
func (p *pendingFrame) complete() bool {
	return uint16(len(p.fragments)) >= p.totalFragments
}

// assemble concatenates fragments in index order into a single pre-sized
// buffer, writing each fragment at its cumulative offset rather than
// repeatedly growing a bytes.Buffer.
func (p *pendingFrame) assemble() []byte {
	size := int(p.frameByteCount)
	if size == 0 {
		for _, f := range p.fragments {
			size += len(f)
		}
	}

	out := make([]byte, size)
	offset := 0
	for i := uint16(0); i < p.totalFragments; i++ {
		frag := p.fragments[i]
		offset += copy(out[offset:], frag)
	}
	return out[:offset]
}
