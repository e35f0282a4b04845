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

// Package control defines the client-side surface of the TCP control
// channel: the messages session.Controller consumes or emits. Framing and
// serialization belong to a transport this repo does not implement — the
// spec calls that detail "not core" — so this package is just the seam a
// real implementation plugs into, and what the loopback CLI simulation
// satisfies in-memory.
package control

import "github.com/meta-boy/miragekit-client/wire"

// Channel is the outbound half of the control channel: the only thing
// session.Controller needs to drive host-directed recovery.
type Channel interface {
	// SendKeyframeRequest asks the host to emit a keyframe for streamID on
	// the data port.
	SendKeyframeRequest(streamID wire.StreamId) error
}

// StreamStarted is the host->client message announcing a new stream.
type StreamStarted struct {
	StreamID       wire.StreamId
	MinWidth       int
	MinHeight      int
	DimensionToken wire.DimensionToken
}

// DisplayResolutionChange is the host->client message announcing the
// virtual display was resized; the client should expect a reconfiguring
// keyframe at the new dimensions.
type DisplayResolutionChange struct {
	StreamID wire.StreamId
	Width    int
	Height   int
}

// DesktopStreamStarted is the host->client message announcing a
// desktop-mirroring stream (as opposed to a per-app stream) has started.
type DesktopStreamStarted struct {
	StreamID       wire.StreamId
	MinWidth       int
	MinHeight      int
	DimensionToken wire.DimensionToken
}

// StreamStopped is the host->client message announcing a stream ended.
type StreamStopped struct {
	StreamID wire.StreamId
}

// KeyframeRequest is the client->host message requesting a keyframe. It
// carries only the streamId, per spec.md §6.
type KeyframeRequest struct {
	StreamID wire.StreamId
}
