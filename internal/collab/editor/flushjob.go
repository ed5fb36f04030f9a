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

package editor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"collab/internal/collab/queue"
	"collab/internal/collab/repo"
)

// FileWriter is the slice of the durable repository the flush handler needs.
type FileWriter interface {
	UpdateFiles(ctx context.Context, id string, file repo.FileInput) error
}

// NewFlushHandler returns the KindFlushEdit handler: it writes the buffered
// code to the durable store keyed by (room, file). A returned error engages
// the queue's retry policy.
func NewFlushHandler(writer FileWriter, log *zap.SugaredLogger) queue.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.FlushEditPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode flush payload: %w", err)
		}
		if err := writer.UpdateFiles(ctx, p.RoomID, repo.FileInput{Name: p.File, Code: p.Code}); err != nil {
			return fmt.Errorf("persist %s/%s: %w", p.RoomID, p.File, err)
		}
		log.Debugw("buffered edit persisted", "room", p.RoomID, "file", p.File)
		return nil
	}
}
