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
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// storage abstracts the fast-store operations the queue needs.
// Implementations wrap github.com/redis/go-redis/v9; tests use an in-memory
// fake.
type storage interface {
	// PushWaiting appends an encoded job to the waiting list.
	PushWaiting(ctx context.Context, queueName string, raw []byte) error
	// PopWaiting blocks up to timeout for the next job; (nil, nil) on
	// timeout.
	PopWaiting(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error)
	// Delay parks an encoded job until readyAt (ms since epoch).
	Delay(ctx context.Context, queueName string, raw []byte, readyAt int64) error
	// PromoteDue atomically moves every delayed job with readyAt <= now
	// back to the waiting list, returning the number moved.
	PromoteDue(ctx context.Context, queueName string, now int64) (int, error)
	// SetJobRecord merges fields into the per-job record.
	SetJobRecord(ctx context.Context, queueName, jobID string, fields map[string]any) error
	// GetJobRecord returns the per-job record; empty map when absent.
	GetJobRecord(ctx context.Context, queueName, jobID string) (map[string]string, error)
}

func waitingKey(name string) string { return fmt.Sprintf("queue:%s:waiting", name) }
func delayedKey(name string) string { return fmt.Sprintf("queue:%s:delayed", name) }
func jobKey(name, id string) string { return fmt.Sprintf("queue:%s:job:%s", name, id) }

// jobRecordTTL keeps finished job records queryable for a while without
// growing the keyspace forever.
const jobRecordTTL = 24 * time.Hour

// promoteLua atomically moves due members from the delayed set to the
// waiting list. Returns the number of jobs moved.
const promoteLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i = 1, #due do
  redis.call('LPUSH', KEYS[2], due[i])
end
if #due > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #due
`

// RedisStorage is the production storage on a go-redis client, typically
// the pool's job-queue role.
type RedisStorage struct{ c *redis.Client }

// NewRedisStorage wraps an existing client.
func NewRedisStorage(c *redis.Client) *RedisStorage {
	return &RedisStorage{c: c}
}

func (s *RedisStorage) PushWaiting(ctx context.Context, queueName string, raw []byte) error {
	return s.c.LPush(ctx, waitingKey(queueName), raw).Err()
}

func (s *RedisStorage) PopWaiting(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error) {
	res, err := s.c.BRPop(ctx, timeout, waitingKey(queueName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (s *RedisStorage) Delay(ctx context.Context, queueName string, raw []byte, readyAt int64) error {
	return s.c.ZAdd(ctx, delayedKey(queueName), redis.Z{
		Score:  float64(readyAt),
		Member: string(raw),
	}).Err()
}

func (s *RedisStorage) PromoteDue(ctx context.Context, queueName string, now int64) (int, error) {
	res, err := s.c.Eval(ctx, promoteLua,
		[]string{delayedKey(queueName), waitingKey(queueName)}, now).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected promote reply %T", res)
	}
	return int(n), nil
}

func (s *RedisStorage) SetJobRecord(ctx context.Context, queueName, jobID string, fields map[string]any) error {
	key := jobKey(queueName, jobID)
	_, err := s.c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, jobRecordTTL)
		return nil
	})
	return err
}

func (s *RedisStorage) GetJobRecord(ctx context.Context, queueName, jobID string) (map[string]string, error) {
	return s.c.HGetAll(ctx, jobKey(queueName, jobID)).Result()
}
