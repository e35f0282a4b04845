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
	"time"

	"github.com/pkg/errors"

	"github.com/meta-boy/miragekit-client/common"
	"github.com/meta-boy/miragekit-client/internal/hevc"
	"github.com/meta-boy/miragekit-client/metrics"
	"github.com/meta-boy/miragekit-client/wire"
)

// State is a point-in-time read of the controller's state machine. It is
// always computed from the fields that actually drive behavior, never
// stored, so it can never drift out of sync with them.
type State int

const (
	StateIdle State = iota
	StateNoSession
	StateDecoding
	StateAwaitingKeyframe
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNoSession:
		return "no_session"
	case StateDecoding:
		return "decoding"
	case StateAwaitingKeyframe:
		return "awaiting_keyframe"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrSessionCreateFailed wraps a CreateSessionFunc failure; a DecoderFatal
// error per the transport's error taxonomy.
var ErrSessionCreateFailed = errors.New("decoder: session creation failed")

// Controller is the Decoder Controller (C3): owns a single stream's
// hardware decode session, parameter-set cache, and error/dimension-change
// state machines. Not safe for concurrent use — per the transport's
// single-actor-per-stream model, all methods are called from one goroutine.
type Controller struct {
	streamID      wire.StreamId
	createSession CreateSessionFunc

	session Session

	formatDescription       FormatDescription
	cachedFormatDescription *FormatDescription

	errTracker errorTracker

	awaitingDimensionChange bool
	dimensionChangeDeadline time.Time

	onDecodedPicture func(pb PixelBuffer, timestamp uint64, rect wire.Rect)
	onErrorThreshold func()
	onDimensionChange func(wire.Dimensions)
	onInputBlocking  func(bool)
	onFatalError     func(error)

	inputBlocked bool
	running      bool
	stopped      bool

	dispatch func(func())
	now      func() time.Time
}

// New creates a Controller for streamID. createSession is called whenever
// the controller needs a hardware session, including after invalidation on
// dimension change or persistent errors.
func New(streamID wire.StreamId, createSession CreateSessionFunc) *Controller {
	c := &Controller{
		streamID:      streamID,
		createSession: createSession,
		dispatch:      func(fn func()) { fn() },
		now:           time.Now,
	}
	c.errTracker.onThreshold = c.handleThresholdFired
	return c
}

// Start begins accepting Decode calls, delivering decoded pictures to
// onDecodedPicture.
func (c *Controller) Start(onDecodedPicture func(pb PixelBuffer, timestamp uint64, rect wire.Rect)) {
	c.onDecodedPicture = onDecodedPicture
	c.running = true
	c.stopped = false
}

// Stop invalidates any active session and stops accepting Decode calls. No
// further callbacks fire after Stop returns.
func (c *Controller) Stop() {
	if c.session != nil {
		c.session.Invalidate()
		c.session = nil
	}
	c.running = false
	c.stopped = true
}

// ResetForNewSession discards the active session and all cached
// parameter-set/format state, as if this were a freshly started stream
// instance. Used when the same StreamId restarts (e.g. app foregrounded).
func (c *Controller) ResetForNewSession() {
	if c.session != nil {
		c.session.Invalidate()
		c.session = nil
	}
	c.formatDescription = FormatDescription{}
	c.cachedFormatDescription = nil
	c.errTracker = errorTracker{onThreshold: c.handleThresholdFired}
	c.awaitingDimensionChange = false
	c.updateInputBlocking()
}

// ClearPendingState is the recovery hook for app-background-type events: it
// clears error-tracker and dimension-change bookkeeping without tearing down
// the active session.
func (c *Controller) ClearPendingState() {
	c.errTracker = errorTracker{onThreshold: c.handleThresholdFired}
	c.awaitingDimensionChange = false
	c.updateInputBlocking()
}

// PrepareForDimensionChange tells the controller a client-initiated resize
// is in flight: all P-frames are discarded until a keyframe reconfigures the
// session.
func (c *Controller) PrepareForDimensionChange() {
	c.awaitingDimensionChange = true
	c.dimensionChangeDeadline = c.now().Add(common.AwaitingDimensionChangeDeadline)
	c.updateInputBlocking()
}

// SetErrorThresholdHandler registers the callback invoked when consecutive
// decode errors cross the threshold.
func (c *Controller) SetErrorThresholdHandler(fn func()) { c.onErrorThreshold = fn }

// SetDimensionChangeHandler registers the callback invoked when a new
// keyframe's dimensions differ from the current ones.
func (c *Controller) SetDimensionChangeHandler(fn func(wire.Dimensions)) { c.onDimensionChange = fn }

// SetInputBlockingHandler registers the callback invoked whenever
// InputBlocked's value changes.
func (c *Controller) SetInputBlockingHandler(fn func(bool)) { c.onInputBlocking = fn }

// SetFatalErrorHandler registers the callback invoked when session creation
// fails outright (DecoderFatal); the caller (session.Stream) is expected to
// treat the stream as unrecoverable.
func (c *Controller) SetFatalErrorHandler(fn func(error)) { c.onFatalError = fn }

// SetDispatcher overrides how decode-result callbacks are marshaled back
// onto the controller's owning goroutine. Defaults to calling synchronously;
// session.Stream overrides this to post onto its own mailbox, since a real
// hardware decoder's callback may arrive on a foreign goroutine.
func (c *Controller) SetDispatcher(dispatch func(func())) { c.dispatch = dispatch }

// InputBlocked reports whether the controller currently wants input
// suppressed for this stream.
func (c *Controller) InputBlocked() bool { return c.inputBlocked }

// State computes the controller's current point-in-time state.
func (c *Controller) State() State {
	switch {
	case c.stopped:
		return StateStopped
	case !c.running:
		return StateIdle
	case c.errTracker.fired:
		return StateAwaitingKeyframe
	case c.session == nil:
		return StateNoSession
	default:
		return StateDecoding
	}
}

// Decode runs the full decode algorithm: dimension-change gating, keyframe
// parameter-set extraction, session (re)creation, and asynchronous
// submission. Any error returned is a DecoderFatal (session-create failure);
// everything else is handled internally via the error tracker and the
// registered handlers.
func (c *Controller) Decode(frameBytes []byte, presentationTimestamp uint64, isKeyframe bool, contentRect wire.Rect) error {
	if !c.running || c.stopped {
		return nil
	}

	now := c.now()

	if c.awaitingDimensionChange && !isKeyframe {
		if !now.Before(c.dimensionChangeDeadline) {
			c.errTracker.requestKeyframeForDimensionChange(now)
			c.dimensionChangeDeadline = now.Add(common.AwaitingDimensionChangeDeadline)
			c.updateInputBlocking()
		}
		return nil
	}

	payload := frameBytes

	if isKeyframe {
		result, err := hevc.Extract(frameBytes)
		if err != nil {
			if c.cachedFormatDescription == nil {
				return nil
			}
			c.formatDescription = *c.cachedFormatDescription
		} else {
			metrics.DecoderKeyframeFraming.WithLabelValues(result.Form.String()).Inc()

			dims := c.formatDescription.Dimensions
			bitsPerComponent := c.formatDescription.BitsPerComponent
			if format, perr := hevc.ParseFormat(result.Params.SPS); perr == nil {
				dims = format.Dimensions
				bitsPerComponent = format.BitDepthLuma
			} else if c.cachedFormatDescription != nil {
				dims = c.cachedFormatDescription.Dimensions
				bitsPerComponent = c.cachedFormatDescription.BitsPerComponent
			}
			if bitsPerComponent == 0 {
				bitsPerComponent = 8
			}

			newFormat := FormatDescription{
				Dimensions:          dims,
				NalUnitHeaderLength: 4,
				ParameterSets:       [][]byte{result.Params.VPS, result.Params.SPS, result.Params.PPS},
				BitsPerComponent:    bitsPerComponent,
			}

			dimensionsChanged := c.cachedFormatDescription != nil && newFormat.Dimensions != c.cachedFormatDescription.Dimensions
			recreateForErrors := c.errTracker.shouldRecreateSession(now)

			c.cachedFormatDescription = &newFormat
			c.formatDescription = newFormat
			payload = result.Remaining

			if dimensionsChanged || recreateForErrors {
				if c.session != nil {
					c.session.Invalidate()
					c.session = nil
				}
				c.errTracker.recordSuccess()
				if recreateForErrors {
					c.errTracker.markSessionRecreated(now)
				}
				if c.onDimensionChange != nil {
					c.onDimensionChange(newFormat.Dimensions)
				}
				c.errTracker.requestKeyframeForDimensionChange(now)
			}

			// This keyframe is itself the first successfully parsed keyframe
			// at the format we just cached, so the dimension-change wait (if
			// any) ends here regardless of which branch set it.
			c.awaitingDimensionChange = false
			c.updateInputBlocking()
		}
	}

	if c.session == nil {
		session, err := c.createSession(c.formatDescription)
		if err != nil {
			wrapped := errors.Wrap(err, ErrSessionCreateFailed.Error())
			if c.onFatalError != nil {
				c.onFatalError(wrapped)
			}
			return wrapped
		}
		c.session = session
		metrics.DecoderSessionsCreated.Inc()
	}

	sample := Sample{
		Data:                  payload,
		PresentationTimestamp: presentationTimestamp,
		NalUnitHeaderLength:   c.formatDescription.NalUnitHeaderLength,
	}

	c.session.Decode(context.Background(), sample, func(pb PixelBuffer, err error) {
		c.dispatch(func() {
			c.handleDecodeResult(pb, err, presentationTimestamp, contentRect)
		})
	})

	return nil
}

func (c *Controller) handleDecodeResult(pb PixelBuffer, err error, timestamp uint64, rect wire.Rect) {
	if !c.running || c.stopped {
		return
	}

	now := c.now()

	if err != nil {
		metrics.DecoderErrors.Inc()
		c.errTracker.recordError(now)
		c.updateInputBlocking()
		return
	}

	c.errTracker.recordSuccess()
	c.updateInputBlocking()

	if c.onDecodedPicture != nil {
		c.onDecodedPicture(pb, timestamp, rect)
	}
}

func (c *Controller) handleThresholdFired() {
	metrics.DecoderThresholdFires.Inc()
	if c.onErrorThreshold != nil {
		c.onErrorThreshold()
	}
	c.updateInputBlocking()
}

func (c *Controller) updateInputBlocking() {
	blocked := c.awaitingDimensionChange || c.errTracker.fired
	if blocked == c.inputBlocked {
		return
	}
	c.inputBlocked = blocked
	if blocked {
		metrics.DecoderInputBlocked.Inc()
	} else {
		metrics.DecoderInputBlocked.Dec()
	}
	if c.onInputBlocking != nil {
		c.onInputBlocking(blocked)
	}
}
