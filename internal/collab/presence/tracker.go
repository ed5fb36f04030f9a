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

// Package presence tracks which rooms have connected participants in this
// process. The realtime transport (external) calls Join/Leave from its
// connection lifecycle; the flush scanner reads the result to decide which
// rooms are worth scanning.
package presence

import "sync"

// Tracker counts participants per room. Safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]int)}
}

// Join records one participant entering room.
func (t *Tracker) Join(roomID string) {
	t.mu.Lock()
	t.rooms[roomID]++
	t.mu.Unlock()
}

// Leave records one participant leaving room; the room is forgotten when its
// last participant leaves.
func (t *Tracker) Leave(roomID string) {
	t.mu.Lock()
	if n, ok := t.rooms[roomID]; ok {
		if n <= 1 {
			delete(t.rooms, roomID)
		} else {
			t.rooms[roomID] = n - 1
		}
	}
	t.mu.Unlock()
}

// Size returns the number of participants in room.
func (t *Tracker) Size(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rooms[roomID]
}

// Rooms returns the ids of all rooms with at least one participant.
func (t *Tracker) Rooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	return out
}
