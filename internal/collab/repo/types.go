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

// Package repo defines the durable repository: authoritative shard, file,
// and comment data in the relational store. Expected absence is reported as
// ErrNotFound, never a panic or a nil-pointer surprise. Mutating calls used
// as saga steps return the prior state so compensations can restore it.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound reports that the requested row does not exist.
var ErrNotFound = errors.New("repo: not found")

// Mode is the editing mode of a shard.
type Mode string

const (
	ModeNormal        Mode = "normal"
	ModeCollaboration Mode = "collaboration"
)

// File is one editable file inside a shard.
type File struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Shard is the durable project entity: the unit of ownership and sharing,
// and the scope of a collaboration room. Timestamps are milliseconds since
// epoch.
type Shard struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Title        string `json:"title"`
	Mode         Mode   `json:"mode"`
	Files        []File `json:"files"`
	LastSyncedAt int64  `json:"lastSyncedAt"`
	CreatedAt    int64  `json:"createdAt"`
}

// Comment is a user comment attached to a shard.
type Comment struct {
	ID        string `json:"id"`
	ShardID   string `json:"shardId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

// FileInput is the payload of a file write coming out of the flush pipeline.
type FileInput struct {
	Name string
	Code string
}

// ShardPatch carries the mutable shard fields; nil means leave unchanged.
type ShardPatch struct {
	Title *string
	Mode  *Mode
}

// ShardRepository is the relational-store access consumed by the core.
type ShardRepository interface {
	// FindByID returns the shard with its files, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Shard, error)
	// Create inserts a shard and its files. Used both by the outer CRUD
	// surface and by delete-shard compensation.
	Create(ctx context.Context, s *Shard) error
	// UpdateFiles upserts one file's code; the flush job handler's write.
	UpdateFiles(ctx context.Context, id string, file FileInput) error
	// UpdateLastSync advances the room's durable watermark (ms since epoch).
	UpdateLastSync(ctx context.Context, id string, ts int64) error
	// AllCollaborative lists the user's shards in collaboration mode.
	AllCollaborative(ctx context.Context, userID string) ([]Shard, error)
	// AddComment inserts a comment, filling ID and CreatedAt on c.
	AddComment(ctx context.Context, c *Comment) error
	// DeleteComment removes a comment and returns it, or ErrNotFound.
	DeleteComment(ctx context.Context, commentID string) (*Comment, error)
	// Patch applies p and returns the shard's prior state, or ErrNotFound.
	Patch(ctx context.Context, id string, p ShardPatch) (*Shard, error)
	// DeleteByID removes a shard with its files and comments and returns
	// the prior state, or ErrNotFound.
	DeleteByID(ctx context.Context, id string) (*Shard, error)
}
