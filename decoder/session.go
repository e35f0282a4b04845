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

// Package decoder implements the Decoder Controller (C3): HEVC parameter-set
// handling, the decode-error threshold tracker, and the input-blocking state
// machine that sits in front of a platform-specific hardware decode session.
package decoder

import (
	"context"
	"time"

	"github.com/meta-boy/miragekit-client/wire"
)

// Sample is a single codec-framed access unit submitted for decode.
type Sample struct {
	Data                  []byte
	PresentationTimestamp uint64
	NalUnitHeaderLength   int
}

// FormatDescription carries everything a platform Session needs to configure
// itself for a stream: picture dimensions, the AVCC NAL length-prefix width,
// the cached parameter sets, and pixel format hints.
type FormatDescription struct {
	Dimensions          wire.Dimensions
	NalUnitHeaderLength int
	ParameterSets       [][]byte
	BitsPerComponent    int
}

// PixelBuffer is an opaque, reference-counted decoded picture. The decoder
// never releases a PixelBuffer itself: the reference passes to
// onDecodedPicture. The interface has no retain operation.
type PixelBuffer interface {
	Release()
}

// Session is the seam a platform-specific hardware decoder plugs into.
// Decode is asynchronous: onResult is invoked exactly once per submitted
// Sample, possibly from a different goroutine than the caller of Decode.
type Session interface {
	Decode(ctx context.Context, sample Sample, onResult func(PixelBuffer, error))
	Invalidate()
}

// CreateSessionFunc constructs a Session for the given format. Real hardware
// decoders (VideoToolbox, MediaCodec, etc.) live outside this repo; tests use
// NewLoopbackSession and the cmd run harness uses NewLoopbackSessionFactory.
type CreateSessionFunc func(format FormatDescription) (Session, error)

// loopbackPixelBuffer wraps the submitted sample bytes unchanged; Release is
// a no-op since there is no real GPU-backed resource to free.
type loopbackPixelBuffer struct {
	data []byte
}

func (b *loopbackPixelBuffer) Release() {}

// Bytes returns the sample data the loopback session was asked to decode.
func (b *loopbackPixelBuffer) Bytes() []byte {
	return b.data
}

type loopbackSession struct {
	format FormatDescription
}

// NewLoopbackSession returns a Session that always "succeeds", handing back
// the submitted sample bytes wrapped in a PixelBuffer, synchronously. Used by
// tests in place of a real hardware decoder.
func NewLoopbackSession(format FormatDescription) (Session, error) {
	return &loopbackSession{format: format}, nil
}

func (s *loopbackSession) Decode(_ context.Context, sample Sample, onResult func(PixelBuffer, error)) {
	onResult(&loopbackPixelBuffer{data: sample.Data}, nil)
}

func (s *loopbackSession) Invalidate() {}

// NewLoopbackSessionFactory returns a CreateSessionFunc whose sessions
// deliver their decode result after latency, simulating the turnaround of
// a real hardware decoder. Used by cmd run's simulation harness; latency
// 0 is equivalent to NewLoopbackSession.
func NewLoopbackSessionFactory(latency time.Duration) CreateSessionFunc {
	return func(format FormatDescription) (Session, error) {
		return &delayedLoopbackSession{format: format, latency: latency}, nil
	}
}

type delayedLoopbackSession struct {
	format  FormatDescription
	latency time.Duration
}

func (s *delayedLoopbackSession) Decode(ctx context.Context, sample Sample, onResult func(PixelBuffer, error)) {
	if s.latency <= 0 {
		onResult(&loopbackPixelBuffer{data: sample.Data}, nil)
		return
	}

	go func() {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
			onResult(&loopbackPixelBuffer{data: sample.Data}, nil)
		case <-ctx.Done():
			onResult(nil, ctx.Err())
		}
	}()
}

func (s *delayedLoopbackSession) Invalidate() {}
