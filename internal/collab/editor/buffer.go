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

// Package editor implements the live-edit buffer: keystroke-frequency edits
// land in the fast store, and a periodic scan drains everything newer than
// each room's durable watermark into flush jobs. The buffer is the working
// copy during a collaboration session; the relational store stays the source
// of truth and catches up asynchronously.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Edit is one pending edit record for a (room, file) pair. Modified is
// milliseconds since epoch.
type Edit struct {
	Code     string
	Modified int64
}

// ChangedFile is one entry of a room's changed-files index.
type ChangedFile struct {
	Name     string
	Modified int64
}

func pendingKey(roomID, file string) string {
	return fmt.Sprintf("room:%s:pending:%s", roomID, file)
}

func changedKey(roomID string) string {
	return fmt.Sprintf("room:%s:changed", roomID)
}

// Buffer writes and reads pending edits against the fast store. Every edit
// updates the pending record and the changed index in a single MULTI/EXEC
// batch on one connection, so the two are never observed half-applied.
//
// The buffer deliberately bypasses the cache-tier breaker: losing an edit
// write must surface to the socket handler (which can tell the client),
// not silently degrade.
type Buffer struct {
	client *redis.Client
	log    *zap.SugaredLogger

	// now is injectable for tests.
	now func() time.Time
}

// NewBuffer wraps the pool's key-value role client.
func NewBuffer(client *redis.Client, log *zap.SugaredLogger) *Buffer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Buffer{client: client, log: log, now: time.Now}
}

// Record stores the pending edit and bumps the changed index atomically.
// The previous pending record for the same (room, file) is superseded.
func (b *Buffer) Record(ctx context.Context, roomID, file, code string) error {
	ts := b.now().UnixMilli()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, pendingKey(roomID, file),
			"code", code,
			"modified", ts)
		pipe.ZAdd(ctx, changedKey(roomID), redis.Z{
			Score:  float64(ts),
			Member: file,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record edit %s/%s: %w", roomID, file, err)
	}
	return nil
}

// ChangedSince returns the files whose last modification is at or after
// since (ms), oldest first.
func (b *Buffer) ChangedSince(ctx context.Context, roomID string, since int64) ([]ChangedFile, error) {
	entries, err := b.client.ZRangeByScoreWithScores(ctx, changedKey(roomID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("changed files for room %s: %w", roomID, err)
	}
	out := make([]ChangedFile, 0, len(entries))
	for _, e := range entries {
		name, ok := e.Member.(string)
		if !ok {
			continue
		}
		out = append(out, ChangedFile{Name: name, Modified: int64(e.Score)})
	}
	return out, nil
}

// PendingEdit reads the pending record for (room, file); ok is false when no
// record exists.
func (b *Buffer) PendingEdit(ctx context.Context, roomID, file string) (Edit, bool, error) {
	fields, err := b.client.HGetAll(ctx, pendingKey(roomID, file)).Result()
	if err != nil {
		return Edit{}, false, fmt.Errorf("pending edit %s/%s: %w", roomID, file, err)
	}
	if len(fields) == 0 {
		return Edit{}, false, nil
	}
	modified, err := strconv.ParseInt(fields["modified"], 10, 64)
	if err != nil {
		return Edit{}, false, fmt.Errorf("pending edit %s/%s: bad modified %q", roomID, file, fields["modified"])
	}
	return Edit{Code: fields["code"], Modified: modified}, true, nil
}

// Trim drops changed-index entries older than before (ms). Flushed entries
// age out of the scan window anyway; trimming just keeps the index small on
// long-lived rooms.
func (b *Buffer) Trim(ctx context.Context, roomID string, before int64) error {
	err := b.client.ZRemRangeByScore(ctx, changedKey(roomID),
		"-inf", "("+strconv.FormatInt(before, 10)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("trim changed index for room %s: %w", roomID, err)
	}
	return nil
}
