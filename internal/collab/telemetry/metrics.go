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

// Package telemetry holds the process-wide Prometheus instruments for the
// consistency core. Everything here is advisory: counters are bumped from
// hot paths and failure paths alike, and nothing in the correctness contract
// depends on them. When no /metrics endpoint is exposed the registrations
// are harmless.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_cache_hits_total",
		Help: "Cache-aside reads served from the fast store",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_cache_misses_total",
		Help: "Cache-aside reads that fell back to the durable store (miss, error, or open breaker)",
	})
	breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"from", "to"})
	jobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_jobs_completed_total",
		Help: "Background jobs that completed successfully",
	})
	jobsRetriedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_jobs_retried_total",
		Help: "Background job attempts that failed and were requeued with backoff",
	})
	jobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_jobs_failed_total",
		Help: "Background jobs that exhausted all attempts and were marked failed",
	})
	sagaCompensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_saga_compensations_total",
		Help: "Saga compensation attempts by result",
	}, []string{"result"})
	deadLetterKeysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_dead_letter_keys_total",
		Help: "Invalidation keys recorded in the dead letter",
	})
	deadLetterDrainsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_dead_letter_drains_total",
		Help: "Dead-letter bulk delete attempts",
	})
	flushScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_flush_scans_total",
		Help: "Completed live-edit flush scans",
	})
	flushJobsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_flush_jobs_enqueued_total",
		Help: "Flush jobs enqueued by the scanner",
	})
)

func init() {
	prometheus.MustRegister(
		cacheHitsTotal, cacheMissesTotal, breakerTransitionsTotal,
		jobsCompletedTotal, jobsRetriedTotal, jobsFailedTotal,
		sagaCompensationsTotal, deadLetterKeysTotal, deadLetterDrainsTotal,
		flushScansTotal, flushJobsEnqueuedTotal,
	)
}

func CacheHit() { cacheHitsTotal.Inc() }
func CacheMiss() { cacheMissesTotal.Inc() }

func BreakerTransition(from, to string) {
	breakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

func JobCompleted() { jobsCompletedTotal.Inc() }
func JobRetried() { jobsRetriedTotal.Inc() }
func JobFailed() { jobsFailedTotal.Inc() }

// SagaCompensation records one compensation attempt; result is "ok" or "failed".
func SagaCompensation(result string) {
	sagaCompensationsTotal.WithLabelValues(result).Inc()
}

func DeadLetterRecorded() { deadLetterKeysTotal.Inc() }
func DeadLetterDrained(n int) { deadLetterDrainsTotal.Inc() }

func FlushScan() { flushScansTotal.Inc() }
func FlushJobsEnqueued(n int) { flushJobsEnqueuedTotal.Add(float64(n)) }

// Serve exposes /metrics on addr in a background goroutine. Empty addr
// disables the endpoint; callers that already serve Prometheus elsewhere
// should leave it empty and register promhttp themselves.
func Serve(addr string, log *zap.SugaredLogger) {
	if addr == "" {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infow("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics endpoint stopped", "error", err)
		}
	}()
}
