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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meta-boy/miragekit-client/common"
)

func TestErrorTrackerFiresAtThreshold(t *testing.T) {
	var fired int
	tr := errorTracker{onThreshold: func() { fired++ }}
	now := time.Unix(0, 0)

	for i := 0; i < common.ConsecutiveErrorThreshold-1; i++ {
		tr.recordError(now)
	}
	assert.False(t, tr.fired)
	assert.Equal(t, 0, fired)

	tr.recordError(now)
	assert.True(t, tr.fired)
	assert.Equal(t, 1, fired)
}

func TestErrorTrackerRefiresOnSustainedErrors(t *testing.T) {
	var fired int
	tr := errorTracker{onThreshold: func() { fired++ }}
	now := time.Unix(0, 0)

	for i := 0; i < common.ConsecutiveErrorThreshold; i++ {
		tr.recordError(now)
	}
	assert.Equal(t, 1, fired)

	// Below refire threshold and cooldown: no refire yet.
	for i := 0; i < common.RefireConsecutiveErrorThreshold-common.ConsecutiveErrorThreshold-1; i++ {
		tr.recordError(now)
	}
	assert.Equal(t, 1, fired)

	// Crossing the refire threshold before the cooldown elapses: still no refire.
	tr.recordError(now)
	assert.Equal(t, common.RefireConsecutiveErrorThreshold, tr.consecutive)
	assert.Equal(t, 1, fired)

	// Once the cooldown has elapsed, the next qualifying error refires and
	// resets the consecutive counter.
	later := now.Add(common.RefireCooldown)
	tr.recordError(later)
	assert.Equal(t, 2, fired)
	assert.Equal(t, 0, tr.consecutive)
}

func TestErrorTrackerRecordSuccessClearsState(t *testing.T) {
	tr := errorTracker{onThreshold: func() {}}
	now := time.Unix(0, 0)
	for i := 0; i < common.ConsecutiveErrorThreshold; i++ {
		tr.recordError(now)
	}
	require := assert.New(t)
	require.True(tr.fired)

	tr.recordSuccess()
	require.False(tr.fired)
	require.False(tr.sessionRecreated)
	require.Equal(0, tr.consecutive)
}

func TestErrorTrackerRequestKeyframeForDimensionChange(t *testing.T) {
	var fired int
	tr := errorTracker{onThreshold: func() { fired++ }, consecutive: 3}
	now := time.Unix(0, 0)

	tr.requestKeyframeForDimensionChange(now)
	assert.Equal(t, 0, tr.consecutive)
	assert.True(t, tr.fired)
	assert.Equal(t, 1, fired)
}

func TestShouldRecreateSessionHonorsCooldown(t *testing.T) {
	tr := errorTracker{onThreshold: func() {}}
	now := time.Unix(0, 0)

	assert.False(t, tr.shouldRecreateSession(now))

	tr.consecutive = 1
	assert.True(t, tr.shouldRecreateSession(now))

	tr.markSessionRecreated(now)
	assert.False(t, tr.shouldRecreateSession(now.Add(common.SessionRecreateCooldown-time.Millisecond)))
	assert.True(t, tr.shouldRecreateSession(now.Add(common.SessionRecreateCooldown)))
}
