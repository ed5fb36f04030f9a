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

// Package main runs collabd, the consistency and resilience core behind a
// collaborative code-editing backend.
//
// The process wires two stores together: Redis carries the hot working set
// (cached shards, pending live edits, job queue, pub/sub fan-out) and
// Postgres is the source of truth. This file is responsible for:
//  1. Building the Redis connection pool, the breaker-guarded cache, and
//     the Postgres repository.
//  2. Starting the flush scanner that turns buffered edits into durable
//     writes through the job queue and worker pool.
//  3. Exposing Prometheus metrics.
//  4. Shutting down in dependency order so no buffered edit is stranded.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collab/internal/collab/cache"
	"collab/internal/collab/conn"
	"collab/internal/collab/editor"
	"collab/internal/collab/presence"
	"collab/internal/collab/pubsub"
	"collab/internal/collab/queue"
	"collab/internal/collab/repo"
	"collab/internal/collab/service"
	"collab/internal/collab/telemetry"
	"collab/pkg/breaker"
)

func main() {
	// Configuration knobs. The defaults are tuned for a single instance in
	// front of a local Redis and Postgres; production deployments override
	// them per environment.
	redisAddr := flag.String("redis_addr", "localhost:6379", "Redis address (host:port)")
	redisPassword := flag.String("redis_password", "", "Redis password, empty for none")
	postgresURL := flag.String("postgres_url", "postgres://localhost:5432/collab", "Postgres connection URL")
	breakerThreshold := flag.Int("breaker_threshold", 5, "Consecutive Redis failures before the breaker opens")
	breakerCooldown := flag.Duration("breaker_cooldown", 10*time.Second, "How long the breaker stays open before probing")
	flushInterval := flag.Duration("flush_interval", 5*time.Second, "How often the scanner sweeps live rooms for pending edits")
	workerConcurrency := flag.Int("worker_concurrency", 3, "Parallel job slots in the worker pool")
	workerRate := flag.Int("worker_rate", 10, "Max jobs started per second across the pool")
	deadLetterCap := flag.Int("dead_letter_cap", 20, "Failed invalidation keys buffered before a bulk drain")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store.
	pgPool, err := pgxpool.New(ctx, *postgresURL)
	if err != nil {
		log.Fatalw("postgres pool", "error", err)
	}
	defer pgPool.Close()
	shards := repo.NewPostgresRepository(pgPool)

	// Fast store. One client per concern so a blocked subscriber or a long
	// BRPOP never starves cache traffic.
	pool := conn.NewPool(redis.Options{Addr: *redisAddr, Password: *redisPassword}, log)

	br := breaker.New(*breakerThreshold, *breakerCooldown)
	br.OnStateChange(func(from, to breaker.State) {
		telemetry.BreakerTransition(from.String(), to.String())
		log.Warnw("cache breaker transition", "from", from, "to", to)
	})
	store := cache.NewStore(cache.NewGoRedisClient(pool.Get(conn.RoleCache)), br, log)
	dead := cache.NewDeadLetter(store, *deadLetterCap, log)

	// Live-edit pipeline: socket layer writes into the buffer, the scanner
	// turns pending edits into flush jobs, the worker pool lands them in
	// Postgres.
	buffer := editor.NewBuffer(pool.Get(conn.RoleKV), log)
	jobs := queue.New(queue.NewRedisStorage(pool.Get(conn.RoleQueue)), "flush", log)
	worker := queue.NewWorker(jobs,
		map[queue.Kind]queue.Handler{
			queue.KindFlushEdit: editor.NewFlushHandler(shards, log),
		},
		queue.WorkerConfig{Concurrency: *workerConcurrency, RateMax: *workerRate},
		queue.Events{
			OnCompleted: func(job *queue.Job) {
				log.Debugw("job completed", "job", job.ID, "kind", job.Kind)
			},
			OnFailed: func(job *queue.Job, err error) {
				log.Errorw("job failed permanently", "job", job.ID, "kind", job.Kind, "error", err)
			},
			OnError: func(err error) {
				log.Warnw("worker error", "error", err)
			},
		},
		log)

	rooms := presence.NewTracker()
	flusher := editor.NewFlusher(buffer, shards, rooms, jobs, *flushInterval, log)

	// Room event fan-out across backend instances.
	broker := pubsub.NewBroker(pool.Get(conn.RolePublisher), pool.Get(conn.RoleSubscriber), log)

	svc := service.NewShardService(shards, store, dead, log)
	_ = svc // consumed by the transport layer built on top of this core

	if *metricsAddr != "" {
		telemetry.Serve(*metricsAddr, log)
	}

	worker.Start()
	flusher.Start()
	log.Infow("collabd running",
		"redis", *redisAddr, "flush_interval", *flushInterval,
		"worker_concurrency", *workerConcurrency, "worker_rate", *workerRate)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Infow("shutting down")

	// Order matters: stop producing flush jobs, drain the workers, clear
	// the dead letter while Redis connections still exist, then close.
	flusher.Stop()
	worker.Stop()
	if err := broker.Close(); err != nil {
		log.Warnw("broker close", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	dead.Flush(shutdownCtx)
	if err := pool.CloseAll(); err != nil {
		log.Warnw("redis pool close", "error", err)
	}

	log.Infow("stopped")
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
