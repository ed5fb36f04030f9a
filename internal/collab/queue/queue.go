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

// Package queue implements the durable, rate-limited, retrying background
// task runner that drains the live-edit buffer into the relational store.
// Jobs live in the fast store: a waiting list feeds the workers, a delayed
// set holds retries until their backoff elapses, and a per-job record keeps
// the status queryable after the fact. A job that exhausts its attempts is
// marked failed and stays observable; it never silently disappears.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind names a job type. The set of kinds is closed: workers are built with
// an exhaustive handler registry and an unknown kind at dispatch is a
// configuration error, failed immediately and never retried.
type Kind string

// KindFlushEdit persists one buffered live edit into the relational store.
const KindFlushEdit Kind = "flush-edit"

// FlushEditPayload is the payload of a KindFlushEdit job.
type FlushEditPayload struct {
	RoomID string `json:"roomId"`
	File   string `json:"file"`
	Code   string `json:"code"`
}

// Status is the lifecycle state of a job, queryable by id.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNoSuchJob reports a status query for an unknown job id.
var ErrNoSuchJob = errors.New("queue: no such job")

// ErrUnknownKind reports a job whose kind has no registered handler.
// Non-retryable: retrying a configuration error cannot succeed.
var ErrUnknownKind = errors.New("queue: unknown job kind")

// Job is the wire shape stored in the fast store.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  int64           `json:"enqueuedAt"`
}

// DefaultMaxAttempts bounds retries when the caller does not choose.
const DefaultMaxAttempts = 5

var jobSeq atomic.Int64

func newJobID(now time.Time) string {
	return fmt.Sprintf("%d-%d", now.UnixMilli(), jobSeq.Add(1))
}

// Queue accepts jobs and answers status queries. Processing belongs to
// Worker. Safe for concurrent use.
type Queue struct {
	store storage
	name  string
	log   *zap.SugaredLogger
	now   func() time.Time
}

// New builds a queue named name on top of the given storage (see
// NewRedisStorage).
func New(store storage, name string, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{store: store, name: name, log: log, now: time.Now}
}

// Enqueue adds a job with the default retry policy and returns its id.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	return q.EnqueueWithRetry(ctx, kind, payload, DefaultMaxAttempts)
}

// EnqueueWithRetry adds a job with a per-job bounded attempt count.
func (q *Queue) EnqueueWithRetry(ctx context.Context, kind Kind, payload any, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := q.now()
	job := &Job{
		ID:          newJobID(now),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now.UnixMilli(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.store.PushWaiting(ctx, q.name, encoded); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if err := q.setStatus(ctx, job.ID, StatusQueued, ""); err != nil {
		q.log.Warnw("job status write failed", "job", job.ID, "error", err)
	}
	return job.ID, nil
}

// Status returns the job's lifecycle state, or ErrNoSuchJob.
func (q *Queue) Status(ctx context.Context, jobID string) (Status, error) {
	fields, err := q.store.GetJobRecord(ctx, q.name, jobID)
	if err != nil {
		return "", fmt.Errorf("status of %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return "", ErrNoSuchJob
	}
	return Status(fields["status"]), nil
}

// FailureReason returns the recorded error of a failed job, empty otherwise.
func (q *Queue) FailureReason(ctx context.Context, jobID string) (string, error) {
	fields, err := q.store.GetJobRecord(ctx, q.name, jobID)
	if err != nil {
		return "", fmt.Errorf("failure reason of %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return "", ErrNoSuchJob
	}
	return fields["error"], nil
}

func (q *Queue) setStatus(ctx context.Context, jobID string, status Status, errMsg string) error {
	// errMsg is written unconditionally so an active or completed transition
	// clears the error left by an earlier failed attempt.
	fields := map[string]any{"status": string(status), "error": errMsg}
	return q.store.SetJobRecord(ctx, q.name, jobID, fields)
}

// pop blocks up to timeout for the next waiting job; nil without error means
// the timeout elapsed.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	raw, err := q.store.PopWaiting(ctx, q.name, timeout)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// delay schedules job to re-enter the waiting list at readyAt (ms).
func (q *Queue) delay(ctx context.Context, job *Job, readyAt int64) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.store.Delay(ctx, q.name, encoded, readyAt)
}

// promoteDue moves every delayed job whose backoff elapsed back into the
// waiting list and reports how many moved.
func (q *Queue) promoteDue(ctx context.Context) (int, error) {
	return q.store.PromoteDue(ctx, q.name, q.now().UnixMilli())
}
