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
	"time"

	"github.com/meta-boy/miragekit-client/common"
)

// errorTracker is the decode-error threshold sub-state-machine described by
// Controller.State's AwaitingKeyframe transition: it decides when decode
// failures are severe enough to ask the host for a fresh keyframe, and when
// to stop asking.
type errorTracker struct {
	consecutive int
	lifetime    int

	fired            bool
	sessionRecreated bool
	lastFireAt       time.Time
	lastRecreateAt   time.Time

	onThreshold func()
}

// recordError increments the error counters and, on first crossing the
// threshold, fires the threshold callback. While already fired, sustained
// errors periodically refire it to recover from a lost keyframe request.
func (t *errorTracker) recordError(now time.Time) {
	t.consecutive++
	t.lifetime++

	if !t.fired && t.consecutive >= common.ConsecutiveErrorThreshold {
		t.fired = true
		t.lastFireAt = now
		t.fireThreshold()
		return
	}

	if t.fired && t.consecutive >= common.RefireConsecutiveErrorThreshold &&
		now.Sub(t.lastFireAt) >= common.RefireCooldown {
		t.consecutive = 0
		t.lastFireAt = now
		t.fireThreshold()
	}
}

// recordSuccess clears the tracker's bad-health state: fired flag,
// session-recreation flag, and the consecutive-error counter. Controller
// recomputes input-blocking from this state afterward rather than trusting
// a return value here, so a success only unblocks input when fired was
// actually set (or awaitingDimensionChange independently keeps it blocked).
func (t *errorTracker) recordSuccess() {
	t.fired = false
	t.sessionRecreated = false
	t.consecutive = 0
}

// requestKeyframeForDimensionChange fires the threshold callback directly,
// the same call a dimension change upstream needs: reset the consecutive
// counter, mark fired (so a decode failure on the next frame doesn't
// immediately refire), and ask the host for a keyframe.
func (t *errorTracker) requestKeyframeForDimensionChange(now time.Time) {
	t.consecutive = 0
	t.fired = true
	t.lastFireAt = now
	t.fireThreshold()
}

// shouldRecreateSession reports whether the pending errors warrant tearing
// down and recreating the hardware session, respecting the recreation
// cooldown.
func (t *errorTracker) shouldRecreateSession(now time.Time) bool {
	if t.consecutive == 0 {
		return false
	}
	if !t.sessionRecreated {
		return true
	}
	return now.Sub(t.lastRecreateAt) >= common.SessionRecreateCooldown
}

// markSessionRecreated records that a session recreation was just attempted,
// starting the recreation cooldown.
func (t *errorTracker) markSessionRecreated(now time.Time) {
	t.sessionRecreated = true
	t.lastRecreateAt = now
}

func (t *errorTracker) fireThreshold() {
	if t.onThreshold != nil {
		t.onThreshold()
	}
}
