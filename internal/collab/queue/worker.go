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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"collab/internal/collab/telemetry"
)

// Handler processes one job. A nil return completes the job; an error
// triggers the retry policy until MaxAttempts is exhausted.
type Handler func(ctx context.Context, job *Job) error

// Events are advisory side channels for metrics and logging. They are not
// part of the correctness contract and may be left nil.
type Events struct {
	OnCompleted func(job *Job)
	OnFailed    func(job *Job, err error)
	OnError     func(err error)
}

// WorkerConfig tunes the pool. Zero values fall back to the defaults named
// here.
type WorkerConfig struct {
	Concurrency int           // parallel job slots (default 3)
	RateMax     int           // max jobs per window (default 10)
	RateWindow  time.Duration // rate-limit window (default 1s)
	BackoffSlot time.Duration // exponential backoff unit (default 250ms)
	BackoffMax  time.Duration // backoff cap (default 30s)
	PopTimeout  time.Duration // BRPOP block time per poll (default 1s)
	PromoteTick time.Duration // delayed-set promotion interval (default 500ms)
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.RateMax <= 0 {
		c.RateMax = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.BackoffSlot <= 0 {
		c.BackoffSlot = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	if c.PromoteTick <= 0 {
		c.PromoteTick = 500 * time.Millisecond
	}
	return c
}

// Worker drains a queue with bounded concurrency and a token-bucket rate
// limit. Dispatch is by kind against an exhaustive handler registry fixed at
// construction.
type Worker struct {
	queue    *Queue
	handlers map[Kind]Handler
	cfg      WorkerConfig
	limiter  *tokenBucket
	events   Events
	log      *zap.SugaredLogger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewWorker creates a worker pool for q. handlers must cover every kind the
// process enqueues; a job with an unregistered kind fails immediately.
func NewWorker(q *Queue, handlers map[Kind]Handler, cfg WorkerConfig, events Events, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		queue:    q,
		handlers: handlers,
		cfg:      cfg,
		limiter:  newTokenBucket(cfg.RateMax, cfg.RateWindow),
		events:   events,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start launches the processing goroutines and the delayed-job promoter.
func (w *Worker) Start() {
	w.log.Infow("worker pool starting",
		"queue", w.queue.name, "concurrency", w.cfg.Concurrency,
		"rate_max", w.cfg.RateMax, "rate_window", w.cfg.RateWindow)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop()
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promoteLoop()
	}()
}

// Stop gracefully stops the pool, waiting for in-flight jobs to settle.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.log.Infow("worker pool stopping", "queue", w.queue.name)
	close(w.stopChan)
	w.wg.Wait()
}

// runLoop is one worker slot: acquire a rate token, pop, process, repeat.
func (w *Worker) runLoop() {
	ctx := context.Background()
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}
		if !w.limiter.acquire(w.stopChan) {
			return
		}
		job, err := w.queue.pop(ctx, w.cfg.PopTimeout)
		if err != nil {
			w.reportError(fmt.Errorf("pop: %w", err))
			// Avoid a hot error loop while the fast store is down.
			select {
			case <-time.After(w.cfg.PopTimeout):
			case <-w.stopChan:
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

// promoteLoop periodically moves due delayed jobs back into the waiting
// list.
func (w *Worker) promoteLoop() {
	ticker := time.NewTicker(w.cfg.PromoteTick)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			if _, err := w.queue.promoteDue(ctx); err != nil {
				w.reportError(fmt.Errorf("promote delayed jobs: %w", err))
			}
		case <-w.stopChan:
			return
		}
	}
}

// process runs one job through its handler and settles the outcome.
func (w *Worker) process(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		// Configuration error, not a transient failure: fail immediately.
		w.fail(ctx, job, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
		return
	}
	if err := w.queue.setStatus(ctx, job.ID, StatusActive, ""); err != nil {
		w.log.Warnw("job status write failed", "job", job.ID, "error", err)
	}

	err := handler(ctx, job)
	if err == nil {
		if err := w.queue.setStatus(ctx, job.ID, StatusCompleted, ""); err != nil {
			w.log.Warnw("job status write failed", "job", job.ID, "error", err)
		}
		telemetry.JobCompleted()
		if w.events.OnCompleted != nil {
			w.events.OnCompleted(job)
		}
		return
	}

	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		w.fail(ctx, job, err)
		return
	}

	delay := backoffDelay(job.Attempts, w.cfg.BackoffSlot, w.cfg.BackoffMax)
	readyAt := w.queue.now().Add(delay).UnixMilli()
	if derr := w.queue.delay(ctx, job, readyAt); derr != nil {
		// Could not park the retry; the job record still says queued, but
		// the payload is gone. Treat as a permanent failure so it stays
		// observable instead of vanishing.
		w.fail(ctx, job, fmt.Errorf("requeue after %v: %w", err, derr))
		return
	}
	if serr := w.queue.setStatus(ctx, job.ID, StatusQueued, err.Error()); serr != nil {
		w.log.Warnw("job status write failed", "job", job.ID, "error", serr)
	}
	telemetry.JobRetried()
	w.log.Warnw("job attempt failed, retrying",
		"job", job.ID, "kind", job.Kind, "attempt", job.Attempts,
		"max_attempts", job.MaxAttempts, "backoff", delay, "error", err)
}

// fail marks a job permanently failed.
func (w *Worker) fail(ctx context.Context, job *Job, err error) {
	if serr := w.queue.setStatus(ctx, job.ID, StatusFailed, err.Error()); serr != nil {
		w.log.Warnw("job status write failed", "job", job.ID, "error", serr)
	}
	telemetry.JobFailed()
	w.log.Errorw("job permanently failed",
		"job", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", err)
	if w.events.OnFailed != nil {
		w.events.OnFailed(job, err)
	}
}

func (w *Worker) reportError(err error) {
	w.log.Warnw("worker error", "error", err)
	if w.events.OnError != nil {
		w.events.OnError(err)
	}
}
