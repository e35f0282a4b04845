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

package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := New()

	const workers = 10
	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := bus.Subscribe(10)
			defer bus.Unsubscribe(s)

			for n := 0; n < 20; n++ {
				bus.Publish(Event{Kind: KindStreamRecovery})
			}

			var count int
			for {
				_, ok := s.PopTimeout(50 * time.Millisecond)
				if !ok {
					break
				}
				count++
			}
			total.Add(int64(count))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, total.Load(), int64(workers*10))
	assert.Equal(t, 0, bus.Num())
}

func TestSubscriptionReceivesEventFields(t *testing.T) {
	bus := New()
	s := bus.Subscribe(1)
	defer bus.Unsubscribe(s)

	bus.Publish(Event{Kind: KindDimensionChange, StreamID: 42})

	ev, ok := s.PopTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, KindDimensionChange, ev.Kind)
	assert.Equal(t, uint16(42), uint16(ev.StreamID))
}

func TestPopTimeoutExpiresWithoutEvent(t *testing.T) {
	bus := New()
	s := bus.Subscribe(1)
	defer bus.Unsubscribe(s)

	_, ok := s.PopTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestClosedSubscriptionDropsEvents(t *testing.T) {
	bus := New()
	s := bus.Subscribe(1)
	s.Close()

	s.Push(Event{Kind: KindFatalError})
	_, ok := s.PopTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}
