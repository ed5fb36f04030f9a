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

// Package cache provides the cache-aside store used by every repository in
// front of the durable store, plus the dead-letter recorder for failed
// invalidations. Every operation passes through a circuit breaker so a
// degraded Redis degrades reads to "not found" instead of failing requests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collab/internal/collab/telemetry"
	"collab/pkg/breaker"
)

// ErrUnavailable reports that a cache write or delete did not happen, either
// because the breaker rejected it or because the underlying call failed.
// It is deliberately distinct from a miss: callers of Set/Delete must decide
// whether to retry or dead-letter, while readers just fall back to the
// durable store.
var ErrUnavailable = errors.New("cache: unavailable")

// Op identifies a batched command.
type Op int

const (
	OpSet Op = iota
	OpDel
)

// Command is one entry of a batched pipeline execution.
type Command struct {
	Op    Op
	Key   string
	Value string
	TTL   time.Duration
}

// Client abstracts the minimal Redis surface the store needs.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent;
// tests use an in-memory fake.
type Client interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key; ttl <= 0 means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes the given keys; missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// ScanKeys returns all keys matching pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// Batch applies the commands in a single pipelined round trip.
	Batch(ctx context.Context, cmds []Command) error
}

// GoRedisClient adapts a go-redis client to Client.
type GoRedisClient struct{ c *redis.Client }

// NewGoRedisClient wraps an existing client, typically the pool's cache role.
func NewGoRedisClient(c *redis.Client) *GoRedisClient {
	return &GoRedisClient{c: c}
}

func (g *GoRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := g.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *GoRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return g.c.Del(ctx, keys...).Err()
}

func (g *GoRedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := g.c.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (g *GoRedisClient) Batch(ctx context.Context, cmds []Command) error {
	_, err := g.c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cmd := range cmds {
			switch cmd.Op {
			case OpSet:
				pipe.Set(ctx, cmd.Key, cmd.Value, cmd.TTL)
			case OpDel:
				pipe.Del(ctx, cmd.Key)
			}
		}
		return nil
	})
	return err
}

// Store is the typed cache-aside surface. All calls route through the
// breaker; Get absorbs every failure mode into a miss so callers fall back
// to the durable store transparently.
type Store struct {
	client Client
	br     *breaker.Breaker
	log    *zap.SugaredLogger
}

// NewStore builds a store around client guarded by br.
func NewStore(client Client, br *breaker.Breaker, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{client: client, br: br, log: log}
}

// Get returns the cached value for key. It never returns an error: breaker
// rejection and underlying failures both surface as a miss, logged only.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	type hit struct {
		value string
		found bool
	}
	h, err := breaker.Do(ctx, s.br, func(ctx context.Context) (hit, error) {
		v, found, err := s.client.Get(ctx, key)
		return hit{value: v, found: found}, err
	})
	if err != nil {
		s.logSuppressed("get", key, err)
		telemetry.CacheMiss()
		return "", false
	}
	if !h.found {
		telemetry.CacheMiss()
		return "", false
	}
	telemetry.CacheHit()
	return h.value, true
}

// Set stores value under key with an optional TTL (ttl <= 0 disables
// expiration). On any failure it returns ErrUnavailable.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.br.Do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl)
	})
	if err != nil {
		s.logSuppressed("set", key, err)
		return fmt.Errorf("%w: set %q", ErrUnavailable, key)
	}
	return nil
}

// Delete removes the given keys. On any failure it returns ErrUnavailable so
// callers can decide between retrying and dead-lettering.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.br.Do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, keys...)
	})
	if err != nil {
		s.logSuppressed("del", fmt.Sprintf("%v", keys), err)
		return fmt.Errorf("%w: del %d keys", ErrUnavailable, len(keys))
	}
	return nil
}

// Keys returns all keys matching pattern (SCAN, not KEYS, so it is safe on
// large keyspaces). Failures return ErrUnavailable.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := breaker.Do(ctx, s.br, func(ctx context.Context) ([]string, error) {
		return s.client.ScanKeys(ctx, pattern)
	})
	if err != nil {
		s.logSuppressed("scan", pattern, err)
		return nil, fmt.Errorf("%w: scan %q", ErrUnavailable, pattern)
	}
	return keys, nil
}

// Batch applies the commands as one pipelined round trip through the breaker.
func (s *Store) Batch(ctx context.Context, cmds ...Command) error {
	if len(cmds) == 0 {
		return nil
	}
	err := s.br.Do(ctx, func(ctx context.Context) error {
		return s.client.Batch(ctx, cmds)
	})
	if err != nil {
		s.logSuppressed("batch", fmt.Sprintf("%d cmds", len(cmds)), err)
		return fmt.Errorf("%w: batch of %d", ErrUnavailable, len(cmds))
	}
	return nil
}

// logSuppressed records a failure that was absorbed on behalf of the caller.
// Breaker rejections are logged at debug; they are expected while open.
func (s *Store) logSuppressed(op, key string, err error) {
	if errors.Is(err, breaker.ErrOpen) {
		s.log.Debugw("cache call rejected by open breaker", "op", op, "key", key)
		return
	}
	s.log.Warnw("cache call failed", "op", op, "key", key, "error", err)
}
