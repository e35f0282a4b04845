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

package common

import "time"

const (
	// App is the application name used for metric namespacing and logging.
	App = "miragekit-client"

	// Version is the fallback build version when no linker-injected value is set.
	Version = "v0.0.1"
)

// Timing constants from the transport spec. These are not operator tunables;
// they are invariants of the wire protocol and decoder recovery behavior.
const (
	// PFrameReassemblyTimeout bounds how long a non-keyframe may sit incomplete.
	PFrameReassemblyTimeout = 500 * time.Millisecond

	// KeyframeReassemblyTimeout bounds how long a keyframe may sit incomplete;
	// keyframes can run to hundreds of fragments so they get a longer leash.
	KeyframeReassemblyTimeout = 3 * time.Second

	// StaleFrameWindow is the wrap-aware distance under which an apparently
	// "older" frame number is treated as genuinely stale rather than a wrap
	// of the 32-bit frame-number space.
	StaleFrameWindow = 1000

	// PendingFrameBacklogThreshold is the pending-frame count above which the
	// reassembler recommends requesting a keyframe.
	PendingFrameBacklogThreshold = 5

	// AwaitingDimensionChangeDeadline bounds how long the decoder controller
	// waits for a reconfiguring keyframe before re-requesting one.
	AwaitingDimensionChangeDeadline = 2 * time.Second

	// ConsecutiveErrorThreshold is the consecutive decode-error count that
	// trips the error tracker's threshold callback.
	ConsecutiveErrorThreshold = 5

	// RefireConsecutiveErrorThreshold additionally refires the threshold
	// callback once errors keep accumulating past the initial trip.
	RefireConsecutiveErrorThreshold = 10

	// RefireCooldown bounds how often the error tracker may refire while
	// already in the fired state.
	RefireCooldown = time.Second

	// SessionRecreateCooldown bounds how often the decoder may recreate its
	// hardware session in response to persistent errors.
	SessionRecreateCooldown = 2 * time.Second

	// KeyframeRequestCooldown is the minimum spacing between outgoing
	// keyframe requests for a single stream, regardless of source.
	KeyframeRequestCooldown = 750 * time.Millisecond

	// KeyframeRequestJitter bounds the +/- jitter applied to the cooldown so
	// multiple recovering streams don't phase-lock their requests.
	KeyframeRequestJitter = 50 * time.Millisecond
)
