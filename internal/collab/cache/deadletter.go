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

package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"collab/internal/collab/telemetry"
)

// Deleter is the slice of the cache surface the dead letter needs.
type Deleter interface {
	Delete(ctx context.Context, keys ...string) error
}

// DeadLetter accumulates cache-invalidation keys that failed to clear. When
// the buffer reaches capacity it attempts one best-effort bulk delete and
// clears the buffer regardless of outcome, bounding memory growth.
//
// This is a cache-coherence repair mechanism, not a guaranteed-delivery
// queue: if the bulk delete itself fails the affected keys stay stale until
// they are overwritten or expire. That loss is accepted for cache
// invalidation only, never for durable data.
type DeadLetter struct {
	mu       sync.Mutex
	keys     []string
	capacity int
	store    Deleter
	log      *zap.SugaredLogger
}

// NewDeadLetter builds a recorder that drains into store every capacity keys.
func NewDeadLetter(store Deleter, capacity int, log *zap.SugaredLogger) *DeadLetter {
	if capacity <= 0 {
		capacity = 20
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DeadLetter{
		keys:     make([]string, 0, capacity),
		capacity: capacity,
		store:    store,
		log:      log,
	}
}

// Add records a key whose invalidation failed. Reaching capacity triggers a
// synchronous best-effort drain.
func (d *DeadLetter) Add(ctx context.Context, key string) {
	d.mu.Lock()
	d.keys = append(d.keys, key)
	telemetry.DeadLetterRecorded()
	var batch []string
	if len(d.keys) >= d.capacity {
		batch = d.keys
		d.keys = make([]string, 0, d.capacity)
	}
	d.mu.Unlock()

	if batch != nil {
		d.drain(ctx, batch)
	}
}

// Len reports the number of keys currently buffered.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// Flush drains whatever is buffered, regardless of capacity. Called at
// shutdown.
func (d *DeadLetter) Flush(ctx context.Context) {
	d.mu.Lock()
	batch := d.keys
	d.keys = make([]string, 0, d.capacity)
	d.mu.Unlock()
	if len(batch) > 0 {
		d.drain(ctx, batch)
	}
}

// drain attempts one bulk delete. The batch is gone either way; a failure
// here means the keys stay stale until overwritten or evicted.
func (d *DeadLetter) drain(ctx context.Context, batch []string) {
	telemetry.DeadLetterDrained(len(batch))
	if err := d.store.Delete(ctx, batch...); err != nil {
		d.log.Warnw("dead-letter drain failed; keys remain stale",
			"keys", len(batch), "error", err)
		return
	}
	d.log.Infow("dead-letter drain cleared stale keys", "keys", len(batch))
}
