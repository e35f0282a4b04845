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

// Package reassembler implements the per-stream frame reassembler (C2):
// fragment admission, assembly, and the keyframe/P-frame delivery gate.
package reassembler

import (
	"hash/crc32"
	"time"

	"github.com/meta-boy/miragekit-client/common"
	"github.com/meta-boy/miragekit-client/metrics"
	"github.com/meta-boy/miragekit-client/wire"
)

// CompleteFrameFunc receives a fully reassembled, delivered frame.
type CompleteFrameFunc func(streamID wire.StreamId, frameBytes []byte, isKeyframe bool, timestamp uint64, rect wire.Rect)

// Reassembler holds the reassembly state for exactly one stream. It is not
// safe for concurrent use: the owning C4 stream actor is the only caller.
type Reassembler struct {
	streamID wire.StreamId

	pendingFrames map[uint32]*pendingFrame
	order         []uint32

	lastCompletedFrameNumber    uint32
	lastDeliveredKeyframeNumber uint32
	droppedFrameCount           uint64

	awaitingKeyframe bool

	dimensionTokenValidationEnabled bool
	expectedDimensionToken          wire.DimensionToken

	onComplete CompleteFrameFunc

	now func() time.Time
}

// New returns a Reassembler for streamID. Dimension-token validation starts
// disabled; call SetExpectedDimensionToken to enable it once the stream's
// initial dimension token is known.
func New(streamID wire.StreamId) *Reassembler {
	return &Reassembler{
		streamID:      streamID,
		pendingFrames: make(map[uint32]*pendingFrame),
		now:           time.Now,
	}
}

// OnCompleteFrame registers the single callback invoked whenever a frame is
// delivered. Replaces any previously registered callback.
func (r *Reassembler) OnCompleteFrame(fn CompleteFrameFunc) {
	r.onComplete = fn
}

// SetExpectedDimensionToken sets the token this reassembler admits
// non-keyframe fragments under, and enables dimension-token validation.
func (r *Reassembler) SetExpectedDimensionToken(token wire.DimensionToken) {
	r.expectedDimensionToken = token
	r.dimensionTokenValidationEnabled = true
}

// EnterKeyframeOnlyMode discards any non-keyframe admission until the next
// keyframe is delivered.
func (r *Reassembler) EnterKeyframeOnlyMode() {
	r.awaitingKeyframe = true
}

// Reset clears frame-sequence bookkeeping — pending frames, completion and
// delivered-keyframe counters, keyframe-only mode — as if the reassembler
// had just been constructed. The expected dimension token and its
// validation flag are left untouched: they describe the stream's current
// configuration, not its frame sequence.
func (r *Reassembler) Reset() {
	r.pendingFrames = make(map[uint32]*pendingFrame)
	r.order = nil
	r.lastCompletedFrameNumber = 0
	r.lastDeliveredKeyframeNumber = 0
	r.droppedFrameCount = 0
	r.awaitingKeyframe = false
}

// ShouldRequestKeyframe reports whether the pending-frame backlog has grown
// large enough that C4 should ask the host to resend a keyframe.
func (r *Reassembler) ShouldRequestKeyframe() bool {
	return len(r.pendingFrames) > common.PendingFrameBacklogThreshold
}

// DroppedFrameCount returns the number of PendingFrames dropped for timeout
// or supersession since the last Reset.
func (r *Reassembler) DroppedFrameCount() uint64 {
	return r.droppedFrameCount
}

// Process admits one fragment. It runs the timeout sweep first, then the
// four ordered admission checks (dimension token, keyframe-only mode, CRC,
// staleness), then stores the fragment and attempts delivery if the frame
// is now complete.
func (r *Reassembler) Process(header wire.FrameHeader, payload []byte) {
	now := r.now()
	r.sweepTimeouts(now)

	if r.dimensionTokenValidationEnabled && header.DimensionToken != r.expectedDimensionToken {
		if header.IsKeyframe() {
			r.expectedDimensionToken = header.DimensionToken
		} else {
			metrics.ReassemblerDroppedFragments.WithLabelValues("dimension_token_mismatch").Inc()
			return
		}
	}

	if r.awaitingKeyframe && !header.IsKeyframe() {
		metrics.ReassemblerDroppedFragments.WithLabelValues("keyframe_only_mode").Inc()
		return
	}

	if crc32.ChecksumIEEE(payload) != header.Checksum {
		metrics.ReassemblerDroppedFragments.WithLabelValues("checksum_mismatch").Inc()
		return
	}

	if r.lastCompletedFrameNumber != 0 {
		delta := r.lastCompletedFrameNumber - header.FrameNumber
		if delta < common.StaleFrameWindow && !header.IsKeyframe() {
			metrics.ReassemblerDroppedFragments.WithLabelValues("stale_frame").Inc()
			return
		}
	}

	pf, ok := r.pendingFrames[header.FrameNumber]
	if !ok {
		pf = newPendingFrame(header, now)
		r.pendingFrames[header.FrameNumber] = pf
		r.order = append(r.order, header.FrameNumber)
	}
	if header.IsKeyframe() {
		pf.isKeyframe = true
	}
	pf.store(header.FragmentIndex, payload)

	if pf.complete() {
		r.deliver(header.FrameNumber, pf)
	}

	metrics.ReassemblerPendingFrames.Set(float64(len(r.pendingFrames)))
}

// deliver applies the keyframe/P-frame delivery decision to a completed
// pendingFrame, removes it from the pending set regardless of outcome, and
// — if delivered — discards superseded pending P-frames and invokes the
// completion callback.
func (r *Reassembler) deliver(frameNumber uint32, pf *pendingFrame) {
	var delivered bool

	if pf.isKeyframe {
		if r.lastDeliveredKeyframeNumber == 0 || frameNumber > r.lastDeliveredKeyframeNumber {
			delivered = true
			r.lastDeliveredKeyframeNumber = frameNumber
			r.awaitingKeyframe = false
		}
	} else {
		if frameNumber > r.lastCompletedFrameNumber && frameNumber > r.lastDeliveredKeyframeNumber {
			delivered = true
			r.lastCompletedFrameNumber = frameNumber
		}
	}

	r.removePending(frameNumber)

	if !delivered {
		return
	}

	r.discardSuperseded(frameNumber)

	frameBytes := pf.assemble()
	kind := "pframe"
	if pf.isKeyframe {
		kind = "keyframe"
	}
	metrics.ReassemblerDeliveredFrames.WithLabelValues(kind).Inc()

	if r.onComplete != nil {
		r.onComplete(r.streamID, frameBytes, pf.isKeyframe, pf.timestamp, pf.contentRect)
	}
}

// discardSuperseded drops pending non-keyframe frames whose frameNumber is
// behind deliveredFrameNumber by less than the stale-frame window. Pending
// keyframes are never discarded here — they may still complete and are
// needed for recovery.
func (r *Reassembler) discardSuperseded(deliveredFrameNumber uint32) {
	for _, fn := range r.order {
		pf, ok := r.pendingFrames[fn]
		if !ok || pf.isKeyframe {
			continue
		}
		distance := deliveredFrameNumber - fn
		if distance > 0 && distance < common.StaleFrameWindow {
			delete(r.pendingFrames, fn)
			r.droppedFrameCount++
			metrics.ReassemblerDroppedFrames.Inc()
		}
	}
	r.compactOrder()
}

// sweepTimeouts drops any pendingFrame that has aged past its timeout:
// 500ms for P-frames, 3s for keyframes.
func (r *Reassembler) sweepTimeouts(now time.Time) {
	changed := false
	for _, fn := range r.order {
		pf, ok := r.pendingFrames[fn]
		if !ok {
			continue
		}
		timeout := common.PFrameReassemblyTimeout
		if pf.isKeyframe {
			timeout = common.KeyframeReassemblyTimeout
		}
		if now.Sub(pf.firstReceivedAt) >= timeout {
			delete(r.pendingFrames, fn)
			r.droppedFrameCount++
			changed = true
			metrics.ReassemblerDroppedFrames.Inc()
		}
	}
	if changed {
		r.compactOrder()
	}
}

func (r *Reassembler) removePending(frameNumber uint32) {
	if _, ok := r.pendingFrames[frameNumber]; !ok {
		return
	}
	delete(r.pendingFrames, frameNumber)
	r.compactOrder()
}

// compactOrder drops frameNumbers from the insertion-order slice that no
// longer have a pendingFrames entry.
func (r *Reassembler) compactOrder() {
	live := r.order[:0]
	for _, fn := range r.order {
		if _, ok := r.pendingFrames[fn]; ok {
			live = append(live, fn)
		}
	}
	r.order = live
}
