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

package decoder

import (
	"context"
	"encoding/binary"
	"errors"
	"math/bits"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-boy/miragekit-client/common"
	"github.com/meta-boy/miragekit-client/internal/hevc"
	"github.com/meta-boy/miragekit-client/wire"
)

// --- synthetic HEVC keyframe construction (mirrors internal/hevc's own test
// fixtures, duplicated here since those helpers are unexported) ---

type testBitWriter struct {
	bits []byte
}

func (w *testBitWriter) WriteBit(b uint32) { w.bits = append(w.bits, byte(b&1)) }

func (w *testBitWriter) WriteBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.WriteBit((v >> uint(i)) & 1)
	}
}

func (w *testBitWriter) WriteUE(v uint32) {
	v1 := v + 1
	length := bits.Len32(v1)
	for i := 0; i < length-1; i++ {
		w.WriteBit(0)
	}
	w.WriteBits(v1, length)
}

func (w *testBitWriter) Bytes() []byte {
	padded := append([]byte{}, w.bits...)
	for len(padded)%8 != 0 {
		padded = append(padded, 0)
	}
	out := make([]byte, len(padded)/8)
	for i, b := range padded {
		if b != 0 {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

func annexBNAL(nalType byte, payload []byte) []byte {
	nal := append([]byte{nalType << 1, 0x01}, payload...)
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nal...)
}

func avccNAL(nalType byte, payload []byte) []byte {
	nal := append([]byte{nalType << 1, 0x01}, payload...)
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(nal)))
	return append(lenPrefix, nal...)
}

func buildSPSPayload(width, height, bitDepth int) []byte {
	w := &testBitWriter{}
	w.WriteBits(0, 4)
	w.WriteBits(0, 3)
	w.WriteBits(1, 1)
	for i := 0; i < 96; i++ {
		w.WriteBit(0)
	}
	w.WriteUE(0)
	w.WriteUE(1)
	w.WriteUE(uint32(width))
	w.WriteUE(uint32(height))
	w.WriteBits(0, 1)
	w.WriteUE(uint32(bitDepth - 8))
	return w.Bytes()
}

func buildKeyframe(width, height, bitDepth int, slicePayload []byte) []byte {
	var buf []byte
	buf = append(buf, annexBNAL(hevc.NALTypeVPS, []byte{0x01, 0x02})...)
	buf = append(buf, annexBNAL(hevc.NALTypeSPS, buildSPSPayload(width, height, bitDepth))...)
	buf = append(buf, annexBNAL(hevc.NALTypePPS, []byte{0x03})...)
	buf = append(buf, avccNAL(19, slicePayload)...)
	return buf
}

// --- fake hardware session ---

type fakeSession struct {
	failNext    bool
	decodeCount int
	lastSample  Sample
	invalidated bool
}

func (s *fakeSession) Decode(_ context.Context, sample Sample, onResult func(PixelBuffer, error)) {
	s.decodeCount++
	s.lastSample = sample
	if s.failNext {
		onResult(nil, errors.New("fake decode failure"))
		return
	}
	onResult(&loopbackPixelBuffer{data: sample.Data}, nil)
}

func (s *fakeSession) Invalidate() { s.invalidated = true }

func newController(t *testing.T) (*Controller, *[]*fakeSession) {
	var sessions []*fakeSession
	createSession := func(FormatDescription) (Session, error) {
		s := &fakeSession{}
		sessions = append(sessions, s)
		return s, nil
	}
	c := New(wire.StreamId(1), createSession)
	c.Start(func(PixelBuffer, uint64, wire.Rect) {})
	return c, &sessions
}

func TestDecodeWhenNotRunningIsNoop(t *testing.T) {
	c, sessions := newController(t)
	c.running = false

	err := c.Decode(buildKeyframe(1920, 1080, 10, []byte{0xAA}), 1, true, wire.Rect{})
	require.NoError(t, err)
	assert.Empty(t, *sessions)
	assert.Equal(t, StateIdle, c.State())
}

func TestDecodeCreatesSessionAndDecodesKeyframe(t *testing.T) {
	c, sessions := newController(t)
	var delivered uint64
	c.SetDimensionChangeHandler(func(wire.Dimensions) {})
	c.onDecodedPicture = func(_ PixelBuffer, ts uint64, _ wire.Rect) { delivered = ts }

	err := c.Decode(buildKeyframe(1920, 1080, 10, []byte{0xAA, 0xBB}), 42, true, wire.Rect{W: 1920, H: 1080})
	require.NoError(t, err)
	require.Len(t, *sessions, 1)
	assert.Equal(t, 1, (*sessions)[0].decodeCount)
	assert.Equal(t, uint64(42), delivered)
	assert.Equal(t, StateDecoding, c.State())
	assert.False(t, c.InputBlocked())
}

func TestDecodeFallsBackToCachedFormatOnExtractionFailure(t *testing.T) {
	c, sessions := newController(t)

	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0xAA}), 1, true, wire.Rect{}))
	require.Len(t, *sessions, 1)

	garbage := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	require.NoError(t, c.Decode(garbage, 2, true, wire.Rect{}))

	// No new session was created, and the fallback path fed the fake
	// session the raw garbage bytes unchanged.
	require.Len(t, *sessions, 1)
	assert.Equal(t, garbage, (*sessions)[0].lastSample.Data)
}

func TestDecodeDropsKeyframeWhenExtractionFailsAndNoCache(t *testing.T) {
	c, sessions := newController(t)

	garbage := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	err := c.Decode(garbage, 1, true, wire.Rect{})
	require.NoError(t, err)
	assert.Empty(t, *sessions)
	assert.Equal(t, StateNoSession, c.State())
}

func TestDimensionChangeInvalidatesAndResolvesWithinOneCall(t *testing.T) {
	c, sessions := newController(t)
	var changedTo wire.Dimensions
	var changeCalls int
	c.SetDimensionChangeHandler(func(d wire.Dimensions) {
		changedTo = d
		changeCalls++
	})

	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x01}), 1, true, wire.Rect{}))
	require.Len(t, *sessions, 1)
	first := (*sessions)[0]

	require.NoError(t, c.Decode(buildKeyframe(1280, 720, 10, []byte{0x02}), 2, true, wire.Rect{}))

	assert.Equal(t, 1, changeCalls)
	assert.Equal(t, wire.Dimensions{Width: 1280, Height: 720}, changedTo)
	assert.True(t, first.invalidated)
	require.Len(t, *sessions, 2)
	assert.Equal(t, 1, (*sessions)[1].decodeCount)

	assert.Equal(t, StateDecoding, c.State())
	assert.False(t, c.InputBlocked())
}

func TestErrorThresholdEntersAwaitingKeyframeAndRecovers(t *testing.T) {
	c, sessions := newController(t)
	var thresholdFires int
	c.SetErrorThresholdHandler(func() { thresholdFires++ })

	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x01}), 1, true, wire.Rect{}))
	require.Len(t, *sessions, 1)
	session := (*sessions)[0]
	session.failNext = true

	for i := 0; i < common.ConsecutiveErrorThreshold; i++ {
		require.NoError(t, c.Decode([]byte{0x0A, 0x0B}, uint64(i), false, wire.Rect{}))
	}

	assert.Equal(t, 1, thresholdFires)
	assert.Equal(t, StateAwaitingKeyframe, c.State())
	assert.True(t, c.InputBlocked())

	session.failNext = false
	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x02}), 100, true, wire.Rect{}))

	assert.Equal(t, StateDecoding, c.State())
	assert.False(t, c.InputBlocked())
}

func TestSessionCreationFailureIsFatal(t *testing.T) {
	createErr := errors.New("boom")
	c := New(wire.StreamId(1), func(FormatDescription) (Session, error) { return nil, createErr })
	c.Start(func(PixelBuffer, uint64, wire.Rect) {})

	var fatal error
	c.SetFatalErrorHandler(func(err error) { fatal = err })

	err := c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x01}), 1, true, wire.Rect{})
	require.Error(t, err)
	require.Error(t, fatal)
	// The first keyframe is not a dimension change, so no keyframe request
	// fired; session creation never completed, so no session exists.
	assert.Equal(t, StateNoSession, c.State())
	assert.False(t, c.InputBlocked())
}

func TestAwaitingDimensionChangeDropsPFramesUntilKeyframe(t *testing.T) {
	c, sessions := newController(t)
	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x01}), 1, true, wire.Rect{}))
	require.Len(t, *sessions, 1)

	c.PrepareForDimensionChange()
	assert.True(t, c.InputBlocked())

	require.NoError(t, c.Decode([]byte{0xFF, 0xFE}, 2, false, wire.Rect{}))
	assert.Equal(t, 1, (*sessions)[0].decodeCount, "p-frame must be dropped while awaiting dimension change")

	require.NoError(t, c.Decode(buildKeyframe(1280, 720, 10, []byte{0x02}), 3, true, wire.Rect{}))
	assert.False(t, c.InputBlocked())
	assert.Equal(t, StateDecoding, c.State())
}

func TestAwaitingDimensionChangeRefiresAfterDeadline(t *testing.T) {
	c, _ := newController(t)
	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x01}), 1, true, wire.Rect{}))

	var fires int
	c.SetErrorThresholdHandler(func() { fires++ })

	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }
	c.PrepareForDimensionChange()

	c.now = func() time.Time { return base.Add(common.AwaitingDimensionChangeDeadline - time.Millisecond) }
	require.NoError(t, c.Decode([]byte{0x01}, 2, false, wire.Rect{}))
	assert.Equal(t, 0, fires, "must not refire before the deadline")

	c.now = func() time.Time { return base.Add(common.AwaitingDimensionChangeDeadline) }
	require.NoError(t, c.Decode([]byte{0x01}, 3, false, wire.Rect{}))
	assert.Equal(t, 1, fires, "must refire once the deadline elapses")
}

func TestResetForNewSessionClearsEverything(t *testing.T) {
	c, sessions := newController(t)
	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x01}), 1, true, wire.Rect{}))
	require.Len(t, *sessions, 1)

	c.ResetForNewSession()
	assert.True(t, (*sessions)[0].invalidated)
	assert.Equal(t, StateNoSession, c.State())
	assert.False(t, c.InputBlocked())

	require.NoError(t, c.Decode(buildKeyframe(1920, 1080, 10, []byte{0x02}), 2, true, wire.Rect{}))
	require.Len(t, *sessions, 2)
}
