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
	"math/rand"
	"time"
)

// backoffDelay returns a jittered exponential backoff for the given attempt
// count (1-based): a random duration in [0, slot*2^attempt), capped at max.
// Jitter keeps a burst of failed jobs from retrying in lockstep.
func backoffDelay(attempt int, slot, max time.Duration) time.Duration {
	if slot <= 0 || attempt <= 0 {
		return 0
	}
	if attempt > 30 {
		return max
	}
	slots := int64(1) << uint(attempt)
	d := time.Duration(rand.Int63n(slots)) * slot
	if d > max {
		return max
	}
	return d
}
