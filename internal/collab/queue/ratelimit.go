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

package queue

import (
	"sync"
	"time"
)

// tokenBucket admits at most max acquisitions per fixed window. It is an
// admission-control mechanism bounding load on the durable store, not a
// correctness mechanism: a worker that waits here holds no job.
type tokenBucket struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	tokens      int
	windowStart time.Time

	// now is injectable for tests.
	now func() time.Time
}

func newTokenBucket(max int, window time.Duration) *tokenBucket {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &tokenBucket{max: max, window: window, now: time.Now}
}

// tryAcquire takes a token if one is available in the current window and
// otherwise reports how long until the window rolls over.
func (b *tokenBucket) tryAcquire() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.tokens = b.max
	}
	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, b.window - now.Sub(b.windowStart)
}

// acquire blocks until a token is available or stop closes; it reports
// whether a token was taken.
func (b *tokenBucket) acquire(stop <-chan struct{}) bool {
	for {
		ok, wait := b.tryAcquire()
		if ok {
			return true
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return false
		}
	}
}
