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

// Package session implements the Stream Lifecycle Coordinator (C4) and the
// top-level session.Controller that owns the router and every stream.
package session

import (
	"sync"
	"time"

	"github.com/valyala/fastrand"

	"github.com/meta-boy/miragekit-client/cache"
	"github.com/meta-boy/miragekit-client/common"
	"github.com/meta-boy/miragekit-client/control"
	"github.com/meta-boy/miragekit-client/decoder"
	"github.com/meta-boy/miragekit-client/internal/eventbus"
	"github.com/meta-boy/miragekit-client/internal/rescue"
	"github.com/meta-boy/miragekit-client/metrics"
	"github.com/meta-boy/miragekit-client/reassembler"
	"github.com/meta-boy/miragekit-client/wire"
)

// Stream owns exactly one Reassembler (C2) and one decoder.Controller (C3)
// for a single StreamId, and is the only place their methods are called
// from — its mailbox goroutine is the "serialized actor" boundary the
// transport's concurrency model requires. Process, which the Router calls
// from its own goroutine, only enqueues; everything else runs on Stream's
// goroutine.
type Stream struct {
	streamID    wire.StreamId
	reassembler *reassembler.Reassembler
	controller  *decoder.Controller
	channel     control.Channel
	frameCache  *cache.FrameCache
	bus         *eventbus.Bus

	mailbox chan func()
	stop    chan struct{}
	done    chan struct{}

	stopOnce     sync.Once
	teardownOnce sync.Once

	onRenderPicture func(pb decoder.PixelBuffer, timestamp uint64, rect wire.Rect)
	onFirstFrame    func()
	onInputBlocking func(bool)
	onFatal         func(error)
	reregister      func() error

	firstFrameSeen    bool
	startedAt         time.Time
	currentDimensions wire.Dimensions

	nextKeyframeRequestAt time.Time

	now func() time.Time
}

// New returns a Stream for streamID. createSession supplies the decoder's
// hardware session (or decoder.NewLoopbackSession for local simulation).
func New(streamID wire.StreamId, createSession decoder.CreateSessionFunc, channel control.Channel, frameCache *cache.FrameCache, bus *eventbus.Bus) *Stream {
	s := &Stream{
		streamID:    streamID,
		reassembler: reassembler.New(streamID),
		controller:  decoder.New(streamID, createSession),
		channel:     channel,
		frameCache:  frameCache,
		bus:         bus,
		mailbox:     make(chan func(), 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
	}

	s.reassembler.OnCompleteFrame(s.onCompleteFrame)
	s.controller.SetErrorThresholdHandler(s.handleErrorThreshold)
	s.controller.SetDimensionChangeHandler(s.handleDimensionChange)
	s.controller.SetInputBlockingHandler(s.handleInputBlocking)
	s.controller.SetFatalErrorHandler(s.handleFatalError)
	s.controller.SetDispatcher(s.enqueue)

	return s
}

// SetRenderHandler registers the callback invoked with every decoded
// picture. The callback owns the returned reference and must Release() it.
func (s *Stream) SetRenderHandler(fn func(pb decoder.PixelBuffer, timestamp uint64, rect wire.Rect)) {
	s.onRenderPicture = fn
}

// SetFirstFrameHandler registers the callback fired once, the first time
// this stream delivers a decoded picture — the "first frame received"
// latch a UI uses to stop showing a loading state.
func (s *Stream) SetFirstFrameHandler(fn func()) { s.onFirstFrame = fn }

// SetInputBlockingHandler registers the callback that propagates input
// suppression to whatever layer forwards input events for this stream.
func (s *Stream) SetInputBlockingHandler(fn func(bool)) { s.onInputBlocking = fn }

// SetFatalHandler registers the callback invoked when this stream becomes
// unrecoverable (DecoderFatal). Stream stops itself after calling it.
func (s *Stream) SetFatalHandler(fn func(error)) { s.onFatal = fn }

// SetReregisterHandler registers the function request_recovery calls to
// re-send the stream-registration datagram on the data port.
func (s *Stream) SetReregisterHandler(fn func() error) { s.reregister = fn }

// Start begins accepting Process calls and runs the mailbox goroutine.
func (s *Stream) Start() {
	s.startedAt = s.now()
	s.controller.Start(s.onDecodedPicture)
	metrics.SessionActiveStreams.Inc()
	go s.run()
}

// Stop cancels outstanding work, unregisters the stream's frame cache
// entry, and joins the mailbox goroutine. No further callbacks fire after
// Stop returns. Safe to call more than once (a fatal-decode-error path may
// race an external shutdown) and from any goroutine except Stream's own.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.teardownOnce.Do(func() {
		s.controller.Stop()
		s.frameCache.Delete(s.streamID)
		metrics.SessionActiveStreams.Dec()
	})
}

// ResetForNewSession discards decode state as if this were a fresh stream
// instance, for a StreamId that restarts without tearing down the Stream
// itself (e.g. the app foregrounds again).
func (s *Stream) ResetForNewSession() {
	s.enqueueAndWait(func() {
		s.reassembler.Reset()
		s.controller.ResetForNewSession()
		s.firstFrameSeen = false
		s.startedAt = s.now()
	})
}

// RequestRecovery forces an error-threshold fire (entering keyframe-only
// mode and requesting a keyframe) and re-registers the stream with the
// host, per spec.md §4.4's request_recovery() contract.
func (s *Stream) RequestRecovery() {
	s.enqueue(func() {
		s.handleErrorThreshold()
		if s.reregister != nil {
			if err := s.reregister(); err != nil {
				s.bus.Publish(eventbus.Event{Kind: eventbus.KindFatalError, StreamID: s.streamID, Err: err})
				return
			}
		}
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindStreamRecovery, StreamID: s.streamID})
	})
}

// SetExpectedDimensionToken enables dimension-token validation at token,
// per the initial dimensionToken a control.StreamStarted carries.
func (s *Stream) SetExpectedDimensionToken(token wire.DimensionToken) {
	s.enqueue(func() { s.reassembler.SetExpectedDimensionToken(token) })
}

// PrepareForDimensionChange notifies the decoder controller that a
// client-initiated resize is in flight, in response to a
// control.DisplayResolutionChange.
func (s *Stream) PrepareForDimensionChange() {
	s.enqueue(func() { s.controller.PrepareForDimensionChange() })
}

// Process admits one fragment. It satisfies router.Destination; called
// from the Router's receive goroutine, it only enqueues onto Stream's own
// mailbox — admission itself runs on Stream's goroutine.
func (s *Stream) Process(header wire.FrameHeader, payload []byte) {
	s.enqueue(func() {
		s.reassembler.Process(header, payload)
		if s.reassembler.ShouldRequestKeyframe() {
			s.requestKeyframe()
		}
	})
}

func (s *Stream) run() {
	defer close(s.done)
	defer rescue.HandleCrash()

	for {
		select {
		case <-s.stop:
			return
		case fn := <-s.mailbox:
			fn()
		}
	}
}

// enqueue posts fn onto the mailbox, dropping it if the stream has already
// stopped or the mailbox is saturated — a saturated mailbox means this
// stream is falling behind and further backlog only makes recovery worse.
func (s *Stream) enqueue(fn func()) {
	select {
	case <-s.stop:
		return
	default:
	}

	select {
	case s.mailbox <- fn:
	case <-s.stop:
	}
}

// enqueueAndWait posts fn and blocks until it has run, for callers outside
// the mailbox goroutine that need a synchronous effect (e.g. tests). Gives
// up without running fn if the stream stops first.
func (s *Stream) enqueueAndWait(fn func()) {
	done := make(chan struct{})
	s.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.stop:
	}
}

func (s *Stream) onCompleteFrame(streamID wire.StreamId, frameBytes []byte, isKeyframe bool, timestamp uint64, rect wire.Rect) {
	if err := s.controller.Decode(frameBytes, timestamp, isKeyframe, rect); err != nil {
		go s.Stop()
	}
}

func (s *Stream) onDecodedPicture(pb decoder.PixelBuffer, timestamp uint64, rect wire.Rect) {
	s.frameCache.Put(s.streamID, cache.Entry{PixelBuffer: pb, PresentationTimestamp: timestamp, ContentRect: rect})

	if !s.firstFrameSeen {
		s.firstFrameSeen = true
		metrics.SessionFirstFrameLatencyMs.Observe(float64(s.now().Sub(s.startedAt).Milliseconds()))
		if s.onFirstFrame != nil {
			s.onFirstFrame()
		}
	}

	if s.onRenderPicture != nil {
		s.onRenderPicture(pb, timestamp, rect)
	}
}

func (s *Stream) handleErrorThreshold() {
	s.reassembler.EnterKeyframeOnlyMode()
	s.requestKeyframe()
}

func (s *Stream) handleDimensionChange(dims wire.Dimensions) {
	s.currentDimensions = dims
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindDimensionChange, StreamID: s.streamID})
}

func (s *Stream) handleInputBlocking(blocked bool) {
	if s.onInputBlocking != nil {
		s.onInputBlocking(blocked)
	}
}

func (s *Stream) handleFatalError(err error) {
	if s.onFatal != nil {
		s.onFatal(err)
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindFatalError, StreamID: s.streamID, Err: err})
}

// requestKeyframe sends a keyframe request, honoring the per-stream
// cooldown plus jitter so multiple recovering streams don't phase-lock.
func (s *Stream) requestKeyframe() {
	now := s.now()
	if now.Before(s.nextKeyframeRequestAt) {
		return
	}

	if s.channel != nil {
		_ = s.channel.SendKeyframeRequest(s.streamID)
	}
	metrics.SessionKeyframeRequests.Inc()

	jitterRange := uint32(2 * common.KeyframeRequestJitter / time.Millisecond)
	jitterMs := int64(fastrand.Uint32n(jitterRange)) - int64(common.KeyframeRequestJitter/time.Millisecond)
	s.nextKeyframeRequestAt = now.Add(common.KeyframeRequestCooldown + time.Duration(jitterMs)*time.Millisecond)
}

// CurrentDimensions returns the most recent dimensions reported by the
// decoder's dimension-change handler. The stream's first keyframe is not a
// dimension change, so this stays zero-valued until a later keyframe arrives
// at different dimensions.
func (s *Stream) CurrentDimensions() wire.Dimensions { return s.currentDimensions }

// InputBlocked reports whether this stream currently wants input suppressed.
func (s *Stream) InputBlocked() bool { return s.controller.InputBlocked() }

// State returns the decoder controller's current state.
func (s *Stream) State() decoder.State { return s.controller.State() }
