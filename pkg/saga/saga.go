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

// Package saga coordinates multi-step operations that span two stores and
// cannot share a transaction, in place of distributed two-phase commit.
// Each step pairs an execute function with a compensating function; on the
// first execute failure, compensations run in strict reverse order over the
// steps that actually completed. A step whose execute failed never committed
// and is never compensated.
//
// Rollback is best effort: a compensation failure is logged and reported
// through the Outcome, never re-thrown. The coordinator cannot guarantee the
// source system returns to its exact prior state when a compensating step
// itself fails; callers decide whether to escalate.
package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Outcome classifies how Exec finished, so callers and tests can assert on
// the rollback path instead of scraping logs.
type Outcome int

const (
	// Committed means every step executed successfully.
	Committed Outcome = iota
	// Compensated means a step failed and every completed step was rolled
	// back successfully.
	Compensated
	// CompensationFailed means a step failed and at least one compensation
	// also failed; the stores may be inconsistent.
	CompensationFailed
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Compensated:
		return "compensated"
	case CompensationFailed:
		return "compensation_failed"
	default:
		return "unknown"
	}
}

// Func is a single execute or compensate action.
type Func func(ctx context.Context) error

type step struct {
	name       string
	execute    Func
	compensate Func
	completed  bool
}

// Saga is an ordered list of steps built up with Add and run once with Exec.
// It is created per logical operation and not reused after Exec returns.
// A Saga is not safe for concurrent use; it belongs to one request.
type Saga struct {
	name  string
	steps []*step
	log   *zap.SugaredLogger

	// onCompensate, when set, is called once per compensation attempt.
	// Advisory (metrics).
	onCompensate func(sagaName, stepName string, err error)
}

// New creates an empty saga. name identifies the logical operation in logs,
// e.g. "comment.add".
func New(name string, log *zap.SugaredLogger) *Saga {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Saga{name: name, log: log}
}

// OnCompensate registers an advisory hook invoked after every compensation
// attempt, with the error it returned (nil on success).
func (s *Saga) OnCompensate(fn func(sagaName, stepName string, err error)) {
	s.onCompensate = fn
}

// Add appends a step. compensate may be nil for steps with no durable effect
// to undo. Steps do not run until Exec.
func (s *Saga) Add(name string, execute, compensate Func) *Saga {
	s.steps = append(s.steps, &step{name: name, execute: execute, compensate: compensate})
	return s
}

// Exec runs the steps strictly in append order. On the first execute failure
// no further steps run; compensations run over the completed steps in
// reverse order. The returned error is nil only when the outcome is
// Committed, and otherwise wraps the failing step's error.
func (s *Saga) Exec(ctx context.Context) (Outcome, error) {
	for i, st := range s.steps {
		if err := st.execute(ctx); err != nil {
			stepErr := fmt.Errorf("saga %s: step %s: %w", s.name, st.name, err)
			if s.rollback(ctx, i) {
				return Compensated, stepErr
			}
			return CompensationFailed, stepErr
		}
		st.completed = true
	}
	return Committed, nil
}

// rollback compensates steps[0:failed] in reverse order and reports whether
// every compensation succeeded. Only completed steps are compensated.
func (s *Saga) rollback(ctx context.Context, failed int) bool {
	clean := true
	for i := failed - 1; i >= 0; i-- {
		st := s.steps[i]
		if !st.completed || st.compensate == nil {
			continue
		}
		err := st.compensate(ctx)
		if s.onCompensate != nil {
			s.onCompensate(s.name, st.name, err)
		}
		if err != nil {
			clean = false
			s.log.Errorw("saga compensation failed",
				"saga", s.name, "step", st.name, "error", err)
			continue
		}
		s.log.Infow("saga step compensated", "saga", s.name, "step", st.name)
	}
	return clean
}
