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

// Package conn owns the process-wide pool of Redis clients, keyed by logical
// role. Pub/sub needs dedicated connections (a subscribed connection cannot
// issue regular commands), and keeping the cache, key-value, and queue roles
// on separate clients isolates their connection pools from each other.
//
// Clients are created lazily on first request for a role, so the first
// operation on a new role pays connection-setup latency. The pool is an
// explicitly constructed component with a defined lifecycle: build it at
// startup, CloseAll at shutdown.
package conn

import (
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Role names one logical client slot in the pool.
type Role string

const (
	RoleDefault    Role = "default"
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleKV         Role = "kv"
	RoleCache      Role = "cache"
	RoleQueue      Role = "queue"
)

// Pool lazily creates and hands out one *redis.Client per role. Get is safe
// for concurrent use. CloseAll is intended for graceful shutdown only and is
// not safe to call concurrently with in-flight operations.
type Pool struct {
	mu      sync.Mutex
	opts    redis.Options
	clients map[Role]*redis.Client
	log     *zap.SugaredLogger
}

// NewPool creates an empty pool. opts carries the shared target and
// credentials; every role connects with a copy of it.
func NewPool(opts redis.Options, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		opts:    opts,
		clients: make(map[Role]*redis.Client),
		log:     log,
	}
}

// Get returns the client for role, establishing it on first request.
// At most one client per role exists at any time.
func (p *Pool) Get(role Role) *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[role]; ok {
		return c
	}
	opts := p.opts
	c := redis.NewClient(&opts)
	p.clients[role] = c
	p.log.Debugw("redis client created", "role", role, "addr", opts.Addr)
	return c
}

// CloseAll terminates every pooled client and clears the pool. Errors are
// collected; the first one is returned after all clients were attempted.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for role, c := range p.clients {
		if err := c.Close(); err != nil {
			p.log.Warnw("closing redis client", "role", role, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	p.clients = make(map[Role]*redis.Client)
	return first
}
