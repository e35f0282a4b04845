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

// Package eventbus fans out lifecycle/debug events — stream recovery
// attempts, dimension changes, fatal errors — to any number of subscribers.
// It exists so a debug harness can observe what the transport pipeline is
// doing without polling its internal state.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meta-boy/miragekit-client/wire"
)

// Kind identifies the sort of lifecycle event published on the bus.
type Kind string

const (
	// KindStreamRecovery marks a Stream.RequestRecovery() call.
	KindStreamRecovery Kind = "stream-recovery"

	// KindDimensionChange marks a decoder-reported dimension change.
	KindDimensionChange Kind = "dimension-change"

	// KindFatalError marks a stream becoming unrecoverable.
	KindFatalError Kind = "fatal-error"
)

// Event is one message published on the bus.
type Event struct {
	Kind     Kind
	StreamID wire.StreamId
	Err      error
}

// Subscription is a queue of Events delivered to one subscriber.
type Subscription interface {
	// ID uniquely identifies this subscription.
	ID() string

	// PopTimeout blocks until an Event is available or timeout elapses.
	PopTimeout(timeout time.Duration) (Event, bool)

	// Push delivers ev to this subscription, dropping it if the
	// subscription's buffer is full — subscribers are debug consumers, not
	// part of the transport pipeline's correctness.
	Push(ev Event)

	// Close releases the subscription's resources.
	Close()
}

type subscription struct {
	id     string
	ch     chan Event
	closed atomic.Bool
}

func newSubscription(size int) Subscription {
	if size <= 0 {
		size = 1
	}
	return &subscription{
		id: uuid.New().String(),
		ch: make(chan Event, size),
	}
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) PopTimeout(timeout time.Duration) (Event, bool) {
	if s.closed.Load() {
		return Event{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case ev, ok := <-s.ch:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

func (s *subscription) Push(ev Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Bus fans Events out to every current Subscription.
type Bus struct {
	mut  sync.RWMutex
	subs map[string]Subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Subscription)}
}

// Num reports the current subscriber count.
func (b *Bus) Num() int {
	b.mut.RLock()
	defer b.mut.RUnlock()

	return len(b.subs)
}

// Subscribe registers a new Subscription with the given buffer size.
func (b *Bus) Subscribe(size int) Subscription {
	b.mut.Lock()
	defer b.mut.Unlock()

	s := newSubscription(size)
	b.subs[s.ID()] = s
	return s
}

// Publish delivers ev to every current subscriber, best-effort.
func (b *Bus) Publish(ev Event) {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for _, s := range b.subs {
		s.Push(ev)
	}
}

// Unsubscribe removes and does not close s; callers that want the
// subscription's channel closed should call s.Close() themselves.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mut.Lock()
	defer b.mut.Unlock()

	delete(b.subs, s.ID())
}
