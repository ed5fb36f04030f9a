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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"collab/internal/collab/queue"
	"collab/internal/collab/repo"
	"collab/internal/collab/telemetry"
)

// ErrScanBusy reports that a scan was requested while the previous one was
// still running. Scans never overlap; the caller's tick is simply skipped
// and the next one picks up the same edits.
var ErrScanBusy = errors.New("editor: flush scan already running")

// ChangeSource is the slice of the buffer the scanner reads and maintains.
type ChangeSource interface {
	ChangedSince(ctx context.Context, roomID string, since int64) ([]ChangedFile, error)
	PendingEdit(ctx context.Context, roomID, file string) (Edit, bool, error)
	Trim(ctx context.Context, roomID string, before int64) error
}

// Watermarks is the slice of the durable repository the scanner needs: the
// room's shard record carrying the last-sync watermark.
type Watermarks interface {
	FindByID(ctx context.Context, id string) (*repo.Shard, error)
	UpdateLastSync(ctx context.Context, id string, ts int64) error
}

// Presence answers which rooms currently have connected participants.
type Presence interface {
	Rooms() []string
	Size(roomID string) int
}

// Enqueuer is the slice of the job queue the scanner uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any) (string, error)
}

// Flusher periodically scans live rooms for edits newer than their durable
// watermark and turns each into one flush job. The scan is guarded by a
// single-slot semaphore so an interval firing during a slow scan can never
// produce duplicate jobs for the same edit.
type Flusher struct {
	source   ChangeSource
	marks    Watermarks
	presence Presence
	jobs     Enqueuer
	interval time.Duration
	log      *zap.SugaredLogger

	slot     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	// now is injectable for tests.
	now func() time.Time
}

// NewFlusher wires a scanner. interval defaults to 5s when zero.
func NewFlusher(source ChangeSource, marks Watermarks, presence Presence, jobs Enqueuer, interval time.Duration, log *zap.SugaredLogger) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Flusher{
		source:   source,
		marks:    marks,
		presence: presence,
		jobs:     jobs,
		interval: interval,
		log:      log,
		slot:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic scan loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.loop()
	}()
}

// Stop halts the loop after finishing any scan in progress, then runs one
// final scan so edits made just before shutdown still reach the queue.
func (f *Flusher) Stop() {
	if !atomic.CompareAndSwapUint32(&f.stopped, 0, 1) {
		return
	}
	close(f.stopChan)
	f.wg.Wait()
	if err := f.Scan(context.Background()); err != nil && !errors.Is(err, ErrScanBusy) {
		f.log.Warnw("final flush scan failed", "error", err)
	}
}

func (f *Flusher) loop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.Scan(context.Background()); err != nil && !errors.Is(err, ErrScanBusy) {
				f.log.Warnw("flush scan failed", "error", err)
			}
		case <-f.stopChan:
			return
		}
	}
}

// Scan walks every live room once. Concurrent calls beyond the first return
// ErrScanBusy.
func (f *Flusher) Scan(ctx context.Context) error {
	select {
	case f.slot <- struct{}{}:
	default:
		return ErrScanBusy
	}
	defer func() { <-f.slot }()

	var firstErr error
	for _, roomID := range f.presence.Rooms() {
		if f.presence.Size(roomID) == 0 {
			continue
		}
		if err := f.scanRoom(ctx, roomID); err != nil {
			f.log.Warnw("room flush scan failed", "room", roomID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	telemetry.FlushScan()
	return firstErr
}

// scanRoom enqueues one flush job per file changed since the room's
// watermark, then advances the watermark to the scan start so the same
// edits are not enqueued again without a new edit event.
func (f *Flusher) scanRoom(ctx context.Context, roomID string) error {
	shard, err := f.marks.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load room %s: %w", roomID, err)
	}
	if shard.Mode != repo.ModeCollaboration {
		return nil
	}

	scanStart := f.now().UnixMilli()
	changed, err := f.source.ChangedSince(ctx, roomID, shard.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("changed files: %w", err)
	}
	if len(changed) == 0 {
		return nil
	}

	enqueued := 0
	for _, cf := range changed {
		edit, ok, err := f.source.PendingEdit(ctx, roomID, cf.Name)
		if err != nil {
			return fmt.Errorf("pending edit %s: %w", cf.Name, err)
		}
		if !ok {
			continue
		}
		_, err = f.jobs.Enqueue(ctx, queue.KindFlushEdit, queue.FlushEditPayload{
			RoomID: roomID,
			File:   cf.Name,
			Code:   edit.Code,
		})
		if err != nil {
			return fmt.Errorf("enqueue flush for %s: %w", cf.Name, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		telemetry.FlushJobsEnqueued(enqueued)
		f.log.Debugw("flush jobs enqueued", "room", roomID, "files", enqueued)
	}
	if err := f.marks.UpdateLastSync(ctx, roomID, scanStart); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	// Entries below the advanced watermark are out of every future scan
	// window; dropping them keeps the index small on long-lived rooms.
	if err := f.source.Trim(ctx, roomID, scanStart); err != nil {
		f.log.Warnw("changed index trim failed", "room", roomID, "error", err)
	}
	return nil
}
