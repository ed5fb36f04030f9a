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

package editor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collab/internal/collab/queue"
	"collab/internal/collab/repo"
)

// fakeSource serves changed files and pending edits from maps.
type fakeSource struct {
	mu      sync.Mutex
	changed map[string][]ChangedFile
	pending map[string]Edit // "room/file" -> edit
	entered chan struct{}   // when non-nil, signaled on entering ChangedSince
	block   chan struct{}   // when non-nil, ChangedSince waits on it
	trimmed map[string]int64
}

func (f *fakeSource) ChangedSince(ctx context.Context, roomID string, since int64) ([]ChangedFile, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChangedFile
	for _, cf := range f.changed[roomID] {
		if cf.Modified >= since {
			out = append(out, cf)
		}
	}
	return out, nil
}

func (f *fakeSource) PendingEdit(ctx context.Context, roomID, file string) (Edit, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.pending[roomID+"/"+file]
	return e, ok, nil
}

func (f *fakeSource) Trim(ctx context.Context, roomID string, before int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []ChangedFile
	for _, cf := range f.changed[roomID] {
		if cf.Modified >= before {
			kept = append(kept, cf)
		}
	}
	f.changed[roomID] = kept
	f.trimmed = map[string]int64{roomID: before}
	return nil
}

// fakeMarks is an in-memory watermark store.
type fakeMarks struct {
	mu     sync.Mutex
	shards map[string]*repo.Shard
}

func (f *fakeMarks) FindByID(ctx context.Context, id string) (*repo.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeMarks) UpdateLastSync(ctx context.Context, id string, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.LastSyncedAt = ts
	return nil
}

type fakePresence struct{ rooms map[string]int }

func (f *fakePresence) Rooms() []string {
	out := make([]string, 0, len(f.rooms))
	for r := range f.rooms {
		out = append(out, r)
	}
	return out
}

func (f *fakePresence) Size(roomID string) int { return f.rooms[roomID] }

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.FlushEditPayload
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, kind queue.Kind, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	p, ok := payload.(queue.FlushEditPayload)
	if !ok {
		return "", errors.New("unexpected payload type")
	}
	f.jobs = append(f.jobs, p)
	return "job-1", nil
}

func TestFlusher_EnqueuesOneJobPerChangedFile(t *testing.T) {
	source := &fakeSource{
		changed: map[string][]ChangedFile{
			"r1": {{Name: "a.txt", Modified: 100}, {Name: "b.txt", Modified: 200}},
		},
		pending: map[string]Edit{
			"r1/a.txt": {Code: "x", Modified: 100},
			"r1/b.txt": {Code: "y", Modified: 200},
		},
	}
	marks := &fakeMarks{shards: map[string]*repo.Shard{
		"r1": {ID: "r1", Mode: repo.ModeCollaboration, LastSyncedAt: 0},
	}}
	jobs := &fakeEnqueuer{}
	f := NewFlusher(source, marks, &fakePresence{rooms: map[string]int{"r1": 2}}, jobs, time.Hour, zap.NewNop().Sugar())
	scanTime := time.UnixMilli(5_000)
	f.now = func() time.Time { return scanTime }

	require.NoError(t, f.Scan(context.Background()))

	require.Len(t, jobs.jobs, 2)
	byFile := map[string]queue.FlushEditPayload{}
	for _, j := range jobs.jobs {
		byFile[j.File] = j
	}
	require.Equal(t, queue.FlushEditPayload{RoomID: "r1", File: "a.txt", Code: "x"}, byFile["a.txt"])
	require.Equal(t, queue.FlushEditPayload{RoomID: "r1", File: "b.txt", Code: "y"}, byFile["b.txt"])

	// Watermark advanced past both edits, and the changed index trimmed up
	// to it.
	s, err := marks.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, s.LastSyncedAt, int64(200))
	require.Equal(t, scanTime.UnixMilli(), s.LastSyncedAt)
	require.Equal(t, scanTime.UnixMilli(), source.trimmed["r1"])
	require.Empty(t, source.changed["r1"])
}

func TestFlusher_SkipsRoomsBelowWatermark(t *testing.T) {
	source := &fakeSource{
		changed: map[string][]ChangedFile{
			"r1": {{Name: "a.txt", Modified: 100}},
		},
		pending: map[string]Edit{"r1/a.txt": {Code: "x", Modified: 100}},
	}
	marks := &fakeMarks{shards: map[string]*repo.Shard{
		"r1": {ID: "r1", Mode: repo.ModeCollaboration, LastSyncedAt: 500},
	}}
	jobs := &fakeEnqueuer{}
	f := NewFlusher(source, marks, &fakePresence{rooms: map[string]int{"r1": 1}}, jobs, time.Hour, zap.NewNop().Sugar())

	require.NoError(t, f.Scan(context.Background()))
	require.Empty(t, jobs.jobs, "edits older than the watermark must not re-enqueue")
}

func TestFlusher_SkipsNonCollaborativeAndEmptyRooms(t *testing.T) {
	source := &fakeSource{
		changed: map[string][]ChangedFile{
			"solo":  {{Name: "a.txt", Modified: 100}},
			"ghost": {{Name: "b.txt", Modified: 100}},
		},
		pending: map[string]Edit{
			"solo/a.txt":  {Code: "x", Modified: 100},
			"ghost/b.txt": {Code: "y", Modified: 100},
		},
	}
	marks := &fakeMarks{shards: map[string]*repo.Shard{
		"solo":  {ID: "solo", Mode: repo.ModeNormal},
		"ghost": {ID: "ghost", Mode: repo.ModeCollaboration},
	}}
	jobs := &fakeEnqueuer{}
	// "ghost" has zero participants, "solo" is not collaborative.
	f := NewFlusher(source, marks, &fakePresence{rooms: map[string]int{"solo": 1, "ghost": 0}}, jobs, time.Hour, zap.NewNop().Sugar())

	require.NoError(t, f.Scan(context.Background()))
	require.Empty(t, jobs.jobs)
}

func TestFlusher_ScansNeverOverlap(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	source := &fakeSource{
		changed: map[string][]ChangedFile{"r1": {{Name: "a.txt", Modified: 100}}},
		pending: map[string]Edit{"r1/a.txt": {Code: "x", Modified: 100}},
		entered: entered,
		block:   block,
	}
	marks := &fakeMarks{shards: map[string]*repo.Shard{
		"r1": {ID: "r1", Mode: repo.ModeCollaboration},
	}}
	jobs := &fakeEnqueuer{}
	f := NewFlusher(source, marks, &fakePresence{rooms: map[string]int{"r1": 1}}, jobs, time.Hour, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- f.Scan(context.Background()) }()

	// Wait until the first scan is inside ChangedSince, then try another.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first scan never started")
	}
	require.ErrorIs(t, f.Scan(context.Background()), ErrScanBusy)

	close(block)
	require.NoError(t, <-done)
	require.Len(t, jobs.jobs, 1, "serialized scans must not duplicate jobs")
}

func TestFlushHandler_WritesToDurableStore(t *testing.T) {
	var gotID string
	var gotFile repo.FileInput
	writer := writerFunc(func(ctx context.Context, id string, file repo.FileInput) error {
		gotID, gotFile = id, file
		return nil
	})
	h := NewFlushHandler(writer, zap.NewNop().Sugar())

	payload, err := json.Marshal(queue.FlushEditPayload{RoomID: "r1", File: "a.txt", Code: "x"})
	require.NoError(t, err)
	err = h(context.Background(), &queue.Job{ID: "1", Kind: queue.KindFlushEdit, Payload: payload})
	require.NoError(t, err)
	require.Equal(t, "r1", gotID)
	require.Equal(t, repo.FileInput{Name: "a.txt", Code: "x"}, gotFile)
}

func TestFlushHandler_PropagatesWriteError(t *testing.T) {
	writeErr := errors.New("durable store down")
	writer := writerFunc(func(ctx context.Context, id string, file repo.FileInput) error {
		return writeErr
	})
	h := NewFlushHandler(writer, zap.NewNop().Sugar())

	payload, _ := json.Marshal(queue.FlushEditPayload{RoomID: "r1", File: "a.txt"})
	err := h(context.Background(), &queue.Job{ID: "1", Kind: queue.KindFlushEdit, Payload: payload})
	require.ErrorIs(t, err, writeErr)
}

type writerFunc func(ctx context.Context, id string, file repo.FileInput) error

func (f writerFunc) UpdateFiles(ctx context.Context, id string, file repo.FileInput) error {
	return f(ctx, id, file)
}
