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

package service

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collab/internal/collab/cache"
	"collab/internal/collab/repo"
	"collab/pkg/breaker"
)

// fakeClient is an in-memory cache.Client whose writes can be forced to
// fail, to exercise the compensation and dead-letter paths.
type fakeClient struct {
	mu       sync.Mutex
	data     map[string]string
	failSet  bool
	failDel  bool
	getCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}}
}

func (f *fakeClient) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errors.New("connection refused")
	}
	f.data[key] = value
	return nil
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDel {
		return errors.New("connection refused")
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeClient) Batch(ctx context.Context, cmds []cache.Command) error {
	for _, c := range cmds {
		switch c.Op {
		case cache.OpSet:
			if err := f.Set(ctx, c.Key, c.Value, c.TTL); err != nil {
				return err
			}
		case cache.OpDel:
			if err := f.Del(ctx, c.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// fakeRepo keeps shards and comments in maps and counts durable reads.
type fakeRepo struct {
	mu        sync.Mutex
	shards    map[string]*repo.Shard
	comments  map[string]*repo.Comment
	findCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{shards: map[string]*repo.Shard{}, comments: map[string]*repo.Comment{}}
}

func (f *fakeRepo) FindByID(ctx context.Context, id string) (*repo.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	s, ok := f.shards[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) Create(ctx context.Context, s *repo.Shard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.shards[s.ID] = &cp
	return nil
}

func (f *fakeRepo) UpdateFiles(ctx context.Context, id string, file repo.FileInput) error {
	return nil
}

func (f *fakeRepo) UpdateLastSync(ctx context.Context, id string, ts int64) error {
	return nil
}

func (f *fakeRepo) AllCollaborative(ctx context.Context, userID string) ([]repo.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.Shard
	for _, s := range f.shards {
		if s.UserID == userID && s.Mode == repo.ModeCollaboration {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) AddComment(ctx context.Context, c *repo.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = "c1"
	}
	cp := *c
	f.comments[c.ID] = &cp
	return nil
}

func (f *fakeRepo) DeleteComment(ctx context.Context, commentID string) (*repo.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	delete(f.comments, commentID)
	return c, nil
}

func (f *fakeRepo) Patch(ctx context.Context, id string, p repo.ShardPatch) (*repo.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	prior := *s
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	return &prior, nil
}

func (f *fakeRepo) DeleteByID(ctx context.Context, id string) (*repo.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	delete(f.shards, id)
	return s, nil
}

func newService(t *testing.T) (*ShardService, *fakeRepo, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	store := cache.NewStore(client, breaker.New(5, time.Second), zap.NewNop().Sugar())
	dead := cache.NewDeadLetter(store, 20, zap.NewNop().Sugar())
	r := newFakeRepo()
	return NewShardService(r, store, dead, zap.NewNop().Sugar()), r, client
}

func TestGetShard_MissRepairsThenHits(t *testing.T) {
	svc, r, client := newService(t)
	r.shards["s1"] = &repo.Shard{ID: "s1", UserID: "u1", Title: "demo"}

	got, err := svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Title)
	require.Equal(t, 1, r.findCalls)
	require.Contains(t, client.data, "shard:s1")

	// Second read is served from the mirror.
	got, err = svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Title)
	require.Equal(t, 1, r.findCalls)
}

func TestGetShard_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.GetShard(context.Background(), "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGetShard_CorruptMirrorFallsThrough(t *testing.T) {
	svc, r, client := newService(t)
	r.shards["s1"] = &repo.Shard{ID: "s1", Title: "demo"}
	client.data["shard:s1"] = "{not json"

	got, err := svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "demo", got.Title)
	require.Equal(t, 1, r.findCalls)
}

func TestAddComment_MirrorsBothStores(t *testing.T) {
	svc, r, client := newService(t)
	c := &repo.Comment{ShardID: "s1", UserID: "u1", Message: "hi"}

	require.NoError(t, svc.AddComment(context.Background(), c))
	require.Contains(t, r.comments, c.ID)
	require.Contains(t, client.data, "shard:s1:comment:"+c.ID)
}

func TestAddComment_MirrorFailureCompensatesRow(t *testing.T) {
	svc, r, client := newService(t)
	client.failSet = true
	c := &repo.Comment{ShardID: "s1", UserID: "u1", Message: "hi"}

	err := svc.AddComment(context.Background(), c)
	require.Error(t, err)
	require.Empty(t, r.comments, "durable row must be rolled back")
	require.Empty(t, client.data, "no mirror entry may survive")
}

func TestDeleteComment_InvalidationFailureCompensatesRow(t *testing.T) {
	svc, r, client := newService(t)
	c := &repo.Comment{ShardID: "s1", Message: "hi"}
	require.NoError(t, svc.AddComment(context.Background(), c))
	client.failDel = true

	// The mirror could not be cleared, so the durable delete is undone and
	// the caller sees the failure instead of a silently stale mirror.
	err := svc.DeleteComment(context.Background(), "s1", c.ID)
	require.Error(t, err)
	require.Contains(t, r.comments, c.ID, "durable row must be re-inserted")
	require.Contains(t, client.data, "shard:s1:comment:"+c.ID)
	require.Equal(t, 1, svc.dead.Len(), "failed invalidation still feeds the dead letter")
}

func TestPatchShard_InvalidatesMirror(t *testing.T) {
	svc, r, client := newService(t)
	r.shards["s1"] = &repo.Shard{ID: "s1", Title: "old"}
	_, err := svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	require.Contains(t, client.data, "shard:s1")

	title := "new"
	require.NoError(t, svc.PatchShard(context.Background(), "s1", repo.ShardPatch{Title: &title}))
	require.Equal(t, "new", r.shards["s1"].Title)
	require.NotContains(t, client.data, "shard:s1")
}

func TestPatchShard_InvalidationFailureRestoresPriorValues(t *testing.T) {
	svc, r, client := newService(t)
	r.shards["s1"] = &repo.Shard{ID: "s1", Title: "old", Mode: repo.ModeNormal}
	_, err := svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	client.failDel = true

	title := "new"
	err = svc.PatchShard(context.Background(), "s1", repo.ShardPatch{Title: &title})
	require.Error(t, err)
	require.Equal(t, "old", r.shards["s1"].Title, "durable row must be re-patched to prior values")
	require.Equal(t, 1, svc.dead.Len())
}

func TestPatchShard_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	title := "new"
	err := svc.PatchShard(context.Background(), "missing", repo.ShardPatch{Title: &title})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteShard_ClearsShardAndCommentMirrors(t *testing.T) {
	svc, r, client := newService(t)
	r.shards["s1"] = &repo.Shard{ID: "s1", Title: "demo"}
	_, err := svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	c := &repo.Comment{ID: "c9", ShardID: "s1", Message: "hi"}
	require.NoError(t, svc.AddComment(context.Background(), c))

	require.NoError(t, svc.DeleteShard(context.Background(), "s1"))
	require.Empty(t, r.shards)
	require.NotContains(t, client.data, "shard:s1")
	require.NotContains(t, client.data, "shard:s1:comment:c9")
}

func TestDeleteShard_InvalidationFailureRecreatesRow(t *testing.T) {
	svc, r, client := newService(t)
	r.shards["s1"] = &repo.Shard{ID: "s1", Title: "demo"}
	_, err := svc.GetShard(context.Background(), "s1")
	require.NoError(t, err)
	client.failDel = true

	err = svc.DeleteShard(context.Background(), "s1")
	require.Error(t, err)
	require.Contains(t, r.shards, "s1", "durable row must be re-created")
	require.Equal(t, "demo", r.shards["s1"].Title)
	require.Equal(t, 1, svc.dead.Len())
}
