// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package breaker implements a circuit breaker guarding calls to a single
// dependency, typically one logical fast-store client. It keeps a degraded
// Redis from cascading latency and errors into every request handler: after
// enough consecutive failures the breaker opens and callers fail fast until
// a cool-down elapses and a single probe is allowed through.
//
// The cool-down is a fixed probe interval, not an adaptive backoff. That is
// a deliberate simplification; it keeps recovery behavior predictable and
// testable at the cost of probing a still-dead dependency once per interval.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's protective state.
type State int32

const (
	// Closed lets every call through; failures are counted.
	Closed State = iota
	// Open rejects every call immediately until the cool-down elapses.
	Open
	// HalfOpen lets exactly one probing call through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when the circuit is open and the wrapped operation was
// not attempted. Callers treat it like any transient dependency failure; it
// is distinguished only in logs and metrics.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker guards a single dependency. All methods are safe for concurrent
// use; internal counters are protected by a mutex, never read unlocked.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool

	threshold int
	cooldown  time.Duration

	// changes feeds the single notifier goroutine started by OnStateChange,
	// so observers see transitions in the order they happened. Advisory
	// only (metrics, logs); the hook must not call back into the breaker.
	changes chan stateChange

	// now is injectable for tests.
	now func() time.Time
}

// New creates a closed breaker. threshold is the number of consecutive
// failures that opens the circuit; cooldown is how long the circuit stays
// open before a probe is allowed.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

type stateChange struct{ from, to State }

// OnStateChange registers a hook invoked after every state transition, in
// transition order. Call before the breaker is shared across goroutines.
// The notifier goroutine lives as long as the process; a slow hook delays
// later notifications, and blocks the breaker only once the 16-slot buffer
// fills.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.changes = make(chan stateChange, 16)
	go func() {
		for c := range b.changes {
			fn(c.from, c.to)
		}
	}()
}

// State reports the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs op through the breaker. When the circuit is open and the cool-down
// has not elapsed, op is not invoked and ErrOpen is returned. In half-open
// only the single probing call runs; concurrent callers get ErrOpen.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.settle(err)
	return err
}

// Do runs op through b and returns its value. It exists because reads want
// their result back without callers smuggling it through a closure.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := op(ctx)
	b.settle(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// admit decides whether a call may proceed, advancing Open to HalfOpen when
// the cool-down has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil
	case Open:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		// Cool-down elapsed: this call becomes the probe.
		b.transition(HalfOpen)
		b.probing = true
		b.mu.Unlock()
		return nil
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.probing = false
	}
	if err == nil {
		b.failures = 0
		if b.state != Closed {
			b.transition(Closed)
		}
		b.mu.Unlock()
		return
	}
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case HalfOpen:
		// Probe failed: back to open, cool-down clock restarted above.
		b.transition(Open)
	case Closed:
		if b.failures >= b.threshold {
			b.transition(Open)
		}
	}
	b.mu.Unlock()
}

// transition must be called with b.mu held. Sends are serialized by the
// mutex, so the notifier drains them in transition order.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.changes != nil && from != to {
		b.changes <- stateChange{from: from, to: to}
	}
}
