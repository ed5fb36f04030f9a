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

// Package service is the concrete consumer of the consistency core: shard
// reads go cache-aside through the breaker, and every dual-store mutation
// runs as a two-step saga so the fast store and the durable store never
// disagree for longer than one compensation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collab/internal/collab/cache"
	"collab/internal/collab/repo"
	"collab/internal/collab/telemetry"
	"collab/pkg/saga"
)

// DefaultShardTTL bounds how stale a cached shard can get if an
// invalidation is lost and the dead-letter drain also fails.
const DefaultShardTTL = 15 * time.Minute

func shardKey(id string) string            { return "shard:" + id }
func commentKey(shardID, id string) string { return "shard:" + shardID + ":comment:" + id }
func commentPattern(shardID string) string { return "shard:" + shardID + ":comment:*" }

// ShardService mediates every shard read and write between the Redis
// mirror and the Postgres source of truth.
type ShardService struct {
	repo  repo.ShardRepository
	cache *cache.Store
	dead  *cache.DeadLetter
	ttl   time.Duration
	log   *zap.SugaredLogger
}

// NewShardService wires a service over the durable repository, the
// cache-aside store, and the dead-letter recorder.
func NewShardService(r repo.ShardRepository, c *cache.Store, dead *cache.DeadLetter, log *zap.SugaredLogger) *ShardService {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ShardService{repo: r, cache: c, dead: dead, ttl: DefaultShardTTL, log: log}
}

// GetShard reads cache-aside: a mirror hit short-circuits the durable
// store, a miss falls through to Postgres and repairs the mirror best
// effort. A corrupt cached value is treated as a miss.
func (s *ShardService) GetShard(ctx context.Context, id string) (*repo.Shard, error) {
	if raw, ok := s.cache.Get(ctx, shardKey(id)); ok {
		var sh repo.Shard
		if err := json.Unmarshal([]byte(raw), &sh); err == nil {
			return &sh, nil
		}
		s.log.Warnw("corrupt cached shard, falling through", "shard", id)
	}

	sh, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(sh); err == nil {
		if err := s.cache.Set(ctx, shardKey(id), string(raw), s.ttl); err != nil {
			s.log.Debugw("shard read-repair skipped", "shard", id, "error", err)
		}
	}
	return sh, nil
}

// CollaborativeShards lists the user's shards currently in collaboration
// mode, straight from the durable store.
func (s *ShardService) CollaborativeShards(ctx context.Context, userID string) ([]repo.Shard, error) {
	return s.repo.AllCollaborative(ctx, userID)
}

// AddComment inserts a comment in Postgres and mirrors it into Redis. If
// the mirror write fails the Postgres row is compensated away, so the
// caller can retry without leaving a comment only one store knows about.
func (s *ShardService) AddComment(ctx context.Context, c *repo.Comment) error {
	sg := s.newSaga("add-comment")
	sg.Add("insert-row",
		func(ctx context.Context) error { return s.repo.AddComment(ctx, c) },
		func(ctx context.Context) error {
			_, err := s.repo.DeleteComment(ctx, c.ID)
			return err
		},
	)
	sg.Add("mirror-comment",
		func(ctx context.Context) error {
			raw, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode comment: %w", err)
			}
			return s.cache.Set(ctx, commentKey(c.ShardID, c.ID), string(raw), s.ttl)
		},
		func(ctx context.Context) error {
			return s.cache.Delete(ctx, commentKey(c.ShardID, c.ID))
		},
	)
	return s.run(ctx, sg)
}

// DeleteComment removes a comment from both stores. A failed mirror
// invalidation re-inserts the durable row, so the caller never sees a
// delete succeed while the mirror still serves the comment; the stale key
// is also dead-lettered for a later sweep.
func (s *ShardService) DeleteComment(ctx context.Context, shardID, commentID string) error {
	var prior *repo.Comment
	sg := s.newSaga("delete-comment")
	sg.Add("delete-row",
		func(ctx context.Context) error {
			var err error
			prior, err = s.repo.DeleteComment(ctx, commentID)
			return err
		},
		func(ctx context.Context) error { return s.repo.AddComment(ctx, prior) },
	)
	sg.Add("drop-mirror",
		func(ctx context.Context) error {
			return s.invalidate(ctx, commentKey(shardID, commentID))
		},
		nil,
	)
	return s.run(ctx, sg)
}

// PatchShard applies title and mode changes to the durable row, then
// invalidates the cached shard so the next read repairs it. If the
// invalidation fails the row is re-patched to its prior values and the
// operation reports failure, never a committed patch behind a stale mirror.
func (s *ShardService) PatchShard(ctx context.Context, id string, p repo.ShardPatch) error {
	var prior *repo.Shard
	sg := s.newSaga("patch-shard")
	sg.Add("patch-row",
		func(ctx context.Context) error {
			var err error
			prior, err = s.repo.Patch(ctx, id, p)
			return err
		},
		func(ctx context.Context) error {
			_, err := s.repo.Patch(ctx, id, repo.ShardPatch{Title: &prior.Title, Mode: &prior.Mode})
			return err
		},
	)
	sg.Add("drop-mirror",
		func(ctx context.Context) error {
			return s.invalidate(ctx, shardKey(id))
		},
		nil,
	)
	return s.run(ctx, sg)
}

// DeleteShard removes a shard with its files and comments from both
// stores. The durable delete captures the prior row so a failed mirror
// invalidation re-creates it and the whole operation fails.
func (s *ShardService) DeleteShard(ctx context.Context, id string) error {
	var prior *repo.Shard
	sg := s.newSaga("delete-shard")
	sg.Add("delete-row",
		func(ctx context.Context) error {
			var err error
			prior, err = s.repo.DeleteByID(ctx, id)
			return err
		},
		func(ctx context.Context) error { return s.repo.Create(ctx, prior) },
	)
	sg.Add("drop-mirrors",
		func(ctx context.Context) error {
			if err := s.invalidate(ctx, shardKey(id)); err != nil {
				return err
			}
			keys, err := s.cache.Keys(ctx, commentPattern(id))
			if err != nil {
				return fmt.Errorf("scan comment mirrors: %w", err)
			}
			for _, k := range keys {
				if err := s.invalidate(ctx, k); err != nil {
					return err
				}
			}
			return nil
		},
		nil,
	)
	return s.run(ctx, sg)
}

// invalidate deletes one mirror key. A failure is returned so the calling
// saga step fails and the durable write is compensated; the key is also
// recorded in the dead letter so a later drain clears whatever the failed
// delete left behind.
func (s *ShardService) invalidate(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.dead.Add(ctx, key)
		return err
	}
	return nil
}

func (s *ShardService) newSaga(name string) *saga.Saga {
	sg := saga.New(name, s.log)
	sg.OnCompensate(func(sagaName, stepName string, err error) {
		s.log.Warnw("saga step compensated", "saga", sagaName, "step", stepName, "cause", err)
	})
	return sg
}

func (s *ShardService) run(ctx context.Context, sg *saga.Saga) error {
	outcome, err := sg.Exec(ctx)
	if outcome != saga.Committed {
		telemetry.SagaCompensation(outcome.String())
	}
	return err
}
