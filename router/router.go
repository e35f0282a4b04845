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

// Package router implements the packet router (C1): the receiver(s) on the
// data-port socket that demultiplex inbound datagrams to the per-stream
// reassembler registered for their streamId.
package router

import (
	"net"
	"sync"

	"github.com/meta-boy/miragekit-client/common"
	"github.com/meta-boy/miragekit-client/internal/rescue"
	"github.com/meta-boy/miragekit-client/logger"
	"github.com/meta-boy/miragekit-client/metrics"
	"github.com/meta-boy/miragekit-client/reassembler"
	"github.com/meta-boy/miragekit-client/wire"
)

// Destination is the subset of *reassembler.Reassembler the router needs.
// Narrowing to an interface keeps the router testable without a real
// Reassembler.
type Destination interface {
	Process(header wire.FrameHeader, payload []byte)
}

// Router owns the streamId -> Destination registry and the receive loops
// draining the data-port socket. Registration is rare (stream start/stop);
// packet routing is the hot path and takes the read lock.
type Router struct {
	mu       sync.RWMutex
	streams  map[wire.StreamId]Destination
	onFailed func(error)
	failOnce sync.Once
}

// New returns an empty Router.
func New() *Router {
	return &Router{streams: make(map[wire.StreamId]Destination)}
}

// OnTransportFailure registers the callback invoked at most once, from
// whichever receive-loop goroutine first observes the socket read failing.
// Session-level failure per spec.md's TransportFailure kind: all streams
// are expected to stop.
func (r *Router) OnTransportFailure(fn func(error)) {
	r.onFailed = fn
}

// Register binds streamId to dest, replacing any previous registration.
func (r *Router) Register(streamID wire.StreamId, dest Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams[streamID] = dest
	metrics.RouterRegisteredStreams.Set(float64(len(r.streams)))
}

// Unregister removes streamId's registration, if present. Must complete
// before the Destination it pointed to is torn down — no packet may be
// routed to a destroyed reassembler — which is why
// session.Controller.HandleStreamStopped calls Unregister before stopping the
// Stream. Stream.Stop itself does not unregister from the router.
func (r *Router) Unregister(streamID wire.StreamId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, streamID)
	metrics.RouterRegisteredStreams.Set(float64(len(r.streams)))
}

// Serve reads datagrams from conn until it errors or stop is closed, handing
// each one to HandleDatagram. ReadFrom on a net.PacketConn is safe to call
// concurrently (the kernel hands each call a distinct datagram), so Serve
// spawns common.Concurrency() reader goroutines against the same socket
// rather than a single one — the per-stream Destination.Process is already
// the serialization boundary (spec.md's Stream mailbox), so nothing downstream
// needs the router itself to be single-threaded. Each reader is guarded by
// rescue.HandleCrash so a panic while decoding a hostile datagram doesn't take
// the whole process down.
func (r *Router) Serve(conn net.PacketConn, stop <-chan struct{}) {
	for i := 0; i < common.Concurrency(); i++ {
		go r.serve(conn, stop)
	}
}

func (r *Router) serve(conn net.PacketConn, stop <-chan struct{}) {
	defer rescue.HandleCrash()

	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			logger.Errorf("router: transport read failed: %v", err)
			r.failOnce.Do(func() {
				if r.onFailed != nil {
					r.onFailed(err)
				}
			})
			return
		}

		r.HandleDatagram(buf[:n])
	}
}

// HandleDatagram decodes and routes a single datagram. Exported so tests
// (and a future non-UDP transport) can drive it directly without a real
// net.PacketConn.
func (r *Router) HandleDatagram(b []byte) {
	header, err := wire.Decode(b)
	if err != nil {
		reason := "too_short"
		if err == wire.ErrBadMagic {
			reason = "magic_mismatch"
		}
		metrics.RouterDroppedPackets.WithLabelValues(reason).Inc()
		return
	}

	if header.Version != wire.CurrentVersion {
		metrics.RouterDroppedPackets.WithLabelValues("version_mismatch").Inc()
		return
	}

	payload := b[wire.HeaderSize:]
	if int(header.PayloadLength) != len(payload) {
		metrics.RouterDroppedPackets.WithLabelValues("length_mismatch").Inc()
		return
	}

	r.mu.RLock()
	dest, ok := r.streams[header.StreamId]
	r.mu.RUnlock()
	if !ok {
		metrics.RouterDroppedPackets.WithLabelValues("unknown_stream").Inc()
		return
	}

	metrics.RouterReceivedPackets.Inc()
	dest.Process(header, payload)
}

// RegisteredStreams returns the number of streams currently registered.
func (r *Router) RegisteredStreams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.streams)
}

var _ Destination = (*reassembler.Reassembler)(nil)
