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
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"collab/pkg/breaker"
)

// fakeClient is an in-memory Client; failing can be toggled to make every
// call return an error, exercising the breaker path.
type fakeClient struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool
	calls   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string]string)}
}

var errDown = errors.New("connection refused")

func (f *fakeClient) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return "", false, errDown
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errDown
	}
	f.data[key] = value
	return nil
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errDown
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, errDown
	}
	var keys []string
	for k := range f.data {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeClient) Batch(ctx context.Context, cmds []Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errDown
	}
	for _, cmd := range cmds {
		switch cmd.Op {
		case OpSet:
			f.data[cmd.Key] = cmd.Value
		case OpDel:
			delete(f.data, cmd.Key)
		}
	}
	return nil
}

func (f *fakeClient) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func newTestStore() (*Store, *fakeClient, *breaker.Breaker) {
	fc := newFakeClient()
	br := breaker.New(3, time.Minute)
	return NewStore(fc, br, zap.NewNop().Sugar()), fc, br
}

func TestStore_SetGetDelete(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	if err := s.Set(ctx, "shard:1", `{"title":"t"}`, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := s.Get(ctx, "shard:1")
	if !ok || v != `{"title":"t"}` {
		t.Fatalf("get = (%q, %v), want stored value", v, ok)
	}
	if err := s.Delete(ctx, "shard:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get(ctx, "shard:1"); ok {
		t.Fatal("key still present after delete")
	}
}

func TestStore_GetAbsorbsFailuresAsMiss(t *testing.T) {
	s, fc, _ := newTestStore()
	ctx := context.Background()
	fc.setFailing(true)

	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss on failing client")
	}
}

func TestStore_WriteFailureReturnsUnavailable(t *testing.T) {
	s, fc, _ := newTestStore()
	ctx := context.Background()
	fc.setFailing(true)

	if err := s.Set(ctx, "k", "v", 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("set error = %v, want ErrUnavailable", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("delete error = %v, want ErrUnavailable", err)
	}
	if _, err := s.Keys(ctx, "shard:*"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("keys error = %v, want ErrUnavailable", err)
	}
}

func TestStore_BreakerOpensAndShedsCalls(t *testing.T) {
	s, fc, br := newTestStore()
	ctx := context.Background()
	fc.setFailing(true)

	// Trip the breaker (threshold 3).
	for i := 0; i < 3; i++ {
		_ = s.Set(ctx, "k", "v", 0)
	}
	if br.State() != breaker.Open {
		t.Fatalf("breaker state = %v, want OPEN", br.State())
	}

	before := fc.calls
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss while breaker open")
	}
	if fc.calls != before {
		t.Fatal("client invoked while breaker open")
	}
}

func TestStore_KeysMatchesPattern(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	_ = s.Set(ctx, "comments:1", "a", 0)
	_ = s.Set(ctx, "comments:2", "b", 0)
	_ = s.Set(ctx, "shard:1", "c", 0)

	keys, err := s.Keys(ctx, "comments:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}

func TestStore_BatchAppliesAllCommands(t *testing.T) {
	s, fc, _ := newTestStore()
	ctx := context.Background()
	_ = s.Set(ctx, "old", "x", 0)

	err := s.Batch(ctx,
		Command{Op: OpSet, Key: "a", Value: "1"},
		Command{Op: OpSet, Key: "b", Value: "2"},
		Command{Op: OpDel, Key: "old"},
	)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if fc.data["a"] != "1" || fc.data["b"] != "2" {
		t.Fatalf("batch sets not applied: %v", fc.data)
	}
	if _, ok := fc.data["old"]; ok {
		t.Fatal("batch delete not applied")
	}
}
