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

package session

import (
	"hash/crc32"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-boy/miragekit-client/control"
	"github.com/meta-boy/miragekit-client/decoder"
	"github.com/meta-boy/miragekit-client/wire"
)

func testDatagram(streamID wire.StreamId, frameNumber uint32, frameBytes []byte) []byte {
	h := wire.FrameHeader{
		Version:       wire.CurrentVersion,
		Flags:         wire.FlagKeyframe,
		StreamId:      streamID,
		FrameNumber:   frameNumber,
		FragmentCount: 1,
		Checksum:      crc32.ChecksumIEEE(frameBytes),
		PayloadLength: uint32(len(frameBytes)),
	}
	return append(wire.Encode(h), frameBytes...)
}

func newTestController(t *testing.T) (*Controller, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	c := NewController(ch, decoder.NewLoopbackSession)
	t.Cleanup(func() { _ = c.Stop() })
	return c, ch
}

func TestHandleStreamStartedRegistersAndStartsStream(t *testing.T) {
	c, _ := newTestController(t)

	c.HandleStreamStarted(control.StreamStarted{StreamID: 7, MinWidth: 320, MinHeight: 240})

	s := c.Stream(7)
	require.NotNil(t, s)
	assert.Equal(t, decoder.StateNoSession, s.State())
}

func TestHandleStreamStoppedStopsAndUnregisters(t *testing.T) {
	c, _ := newTestController(t)

	c.HandleStreamStarted(control.StreamStarted{StreamID: 3})
	require.NotNil(t, c.Stream(3))

	c.HandleStreamStopped(control.StreamStopped{StreamID: 3})

	assert.Nil(t, c.Stream(3))
}

func TestControllerRoutesDatagramsToTheRightStream(t *testing.T) {
	c, _ := newTestController(t)
	c.HandleStreamStarted(control.StreamStarted{StreamID: 9})

	s := c.Stream(9)
	require.NotNil(t, s)

	rendered := make(chan struct{}, 1)
	s.SetRenderHandler(func(pb decoder.PixelBuffer, _ uint64, _ wire.Rect) {
		pb.Release()
		rendered <- struct{}{}
	})

	frame := buildKeyframe(640, 480, 8, []byte{0x11})
	datagram := testDatagram(9, 1, frame)
	c.router.HandleDatagram(datagram)

	select {
	case <-rendered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded picture")
	}
}

func TestHandleDisplayResolutionChangeDoesNotPanicForUnknownStream(t *testing.T) {
	c, _ := newTestController(t)
	assert.NotPanics(t, func() {
		c.HandleDisplayResolutionChange(control.DisplayResolutionChange{StreamID: 42, Width: 800, Height: 600})
	})
}

func TestControllerStartAndStopClosesTransport(t *testing.T) {
	c, _ := newTestController(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	c.Start(conn)
	c.HandleStreamStarted(control.StreamStarted{StreamID: 1})

	require.NoError(t, c.Stop())
	assert.Nil(t, c.Stream(1))
}

func TestHandleDesktopStreamStartedBehavesLikeStreamStarted(t *testing.T) {
	c, _ := newTestController(t)

	c.HandleDesktopStreamStarted(control.DesktopStreamStarted{StreamID: 5, MinWidth: 1920, MinHeight: 1080})

	assert.NotNil(t, c.Stream(5))
}
