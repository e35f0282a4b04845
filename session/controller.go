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
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/meta-boy/miragekit-client/cache"
	"github.com/meta-boy/miragekit-client/control"
	"github.com/meta-boy/miragekit-client/decoder"
	"github.com/meta-boy/miragekit-client/internal/eventbus"
	"github.com/meta-boy/miragekit-client/logger"
	"github.com/meta-boy/miragekit-client/router"
	"github.com/meta-boy/miragekit-client/wire"
)

// Controller is the session-level owner: the packet router, every active
// Stream, the control-channel handle, and the process-wide frame cache.
// It is the thing `cmd run` (and ultimately a real app) constructs once.
type Controller struct {
	router        *router.Router
	channel       control.Channel
	frameCache    *cache.FrameCache
	bus           *eventbus.Bus
	createSession decoder.CreateSessionFunc

	mu      sync.Mutex
	streams map[wire.StreamId]*Stream

	conn net.PacketConn

	stopOnce sync.Once
	stop     chan struct{}
}

// NewController returns a Controller. createSession supplies every Stream's
// decoder session factory (decoder.NewLoopbackSession for local simulation).
func NewController(channel control.Channel, createSession decoder.CreateSessionFunc) *Controller {
	c := &Controller{
		channel:       channel,
		frameCache:    cache.New(),
		bus:           eventbus.New(),
		createSession: createSession,
		streams:       make(map[wire.StreamId]*Stream),
		router:        router.New(),
		stop:          make(chan struct{}),
	}
	c.router.OnTransportFailure(c.handleTransportFailure)
	return c
}

// FrameCache returns the process-wide frame cache a renderer reads from.
func (c *Controller) FrameCache() *cache.FrameCache { return c.frameCache }

// Bus returns the lifecycle/debug event bus, for a harness that wants to
// observe recovery attempts and fatal errors without polling.
func (c *Controller) Bus() *eventbus.Bus { return c.bus }

// Start begins receiving datagrams on conn and routing them to whichever
// stream is registered for their StreamId.
func (c *Controller) Start(conn net.PacketConn) {
	c.conn = conn
	c.router.Serve(conn, c.stop)
}

// Stop cancels the receive loop, closes the data-port socket, and stops every
// active stream (joining its goroutine; work still queued in its mailbox is
// dropped, not run).
// Safe to call more than once; idempotent beyond the first call.
func (c *Controller) Stop() error {
	var result *multierror.Error

	c.stopOnce.Do(func() { close(c.stop) })

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[wire.StreamId]*Stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.Stop()
	}

	return result.ErrorOrNil()
}

// HandleStreamStarted creates, registers, and starts a Stream for a newly
// announced stream.
func (c *Controller) HandleStreamStarted(msg control.StreamStarted) {
	s := New(msg.StreamID, c.createSession, c.channel, c.frameCache, c.bus)
	s.SetExpectedDimensionToken(msg.DimensionToken)

	c.mu.Lock()
	c.streams[msg.StreamID] = s
	c.mu.Unlock()

	c.router.Register(msg.StreamID, s)
	s.Start()
}

// HandleDesktopStreamStarted is HandleStreamStarted's counterpart for a
// desktop-mirroring stream; the wiring is identical, streamId namespacing
// is the host's concern.
func (c *Controller) HandleDesktopStreamStarted(msg control.DesktopStreamStarted) {
	c.HandleStreamStarted(control.StreamStarted{
		StreamID:       msg.StreamID,
		MinWidth:       msg.MinWidth,
		MinHeight:      msg.MinHeight,
		DimensionToken: msg.DimensionToken,
	})
}

// HandleStreamStopped unregisters and stops the stream the host announced
// as ended.
func (c *Controller) HandleStreamStopped(msg control.StreamStopped) {
	c.router.Unregister(msg.StreamID)

	c.mu.Lock()
	s, ok := c.streams[msg.StreamID]
	delete(c.streams, msg.StreamID)
	c.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// HandleDisplayResolutionChange tells the named stream's decoder a
// reconfiguring keyframe is coming.
func (c *Controller) HandleDisplayResolutionChange(msg control.DisplayResolutionChange) {
	if s := c.stream(msg.StreamID); s != nil {
		s.PrepareForDimensionChange()
	}
}

// Stream returns the named stream's InputBlocked/CurrentDimensions/State
// accessors, or nil if no such stream is active.
func (c *Controller) Stream(streamID wire.StreamId) *Stream {
	return c.stream(streamID)
}

func (c *Controller) stream(streamID wire.StreamId) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[streamID]
}

func (c *Controller) handleTransportFailure(err error) {
	logger.Errorf("session: transport failure, stopping all streams: %v", err)
	go func() { _ = c.Stop() }()
}
