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

package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS shards (
//   id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//   user_id        TEXT NOT NULL,
//   title          TEXT NOT NULL DEFAULT '',
//   mode           TEXT NOT NULL DEFAULT 'normal',
//   last_synced_at BIGINT NOT NULL DEFAULT 0,
//   created_at     BIGINT NOT NULL
// );
// CREATE INDEX IF NOT EXISTS idx_shards_user_mode ON shards(user_id, mode);
//
// CREATE TABLE IF NOT EXISTS shard_files (
//   shard_id UUID NOT NULL REFERENCES shards(id) ON DELETE CASCADE,
//   name     TEXT NOT NULL,
//   code     TEXT NOT NULL DEFAULT '',
//   PRIMARY KEY (shard_id, name)
// );
//
// CREATE TABLE IF NOT EXISTS comments (
//   id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//   shard_id   UUID NOT NULL REFERENCES shards(id) ON DELETE CASCADE,
//   user_id    TEXT NOT NULL,
//   message    TEXT NOT NULL,
//   created_at BIGINT NOT NULL
// );
// CREATE INDEX IF NOT EXISTS idx_comments_shard ON comments(shard_id);

// PostgresRepository implements ShardRepository on a pgx connection pool.
// Multi-row mutations run in a transaction; reads use the pool directly.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an existing pool. The caller owns the pool's
// lifecycle.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so shard loading
// can run inside or outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Shard, error) {
	return loadShard(ctx, r.pool, id)
}

func loadShard(ctx context.Context, q querier, id string) (*Shard, error) {
	s := &Shard{ID: id}
	err := q.QueryRow(ctx,
		`SELECT user_id, title, mode, last_synced_at, created_at FROM shards WHERE id = $1`,
		id).Scan(&s.UserID, &s.Title, &s.Mode, &s.LastSyncedAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select shard %s: %w", id, err)
	}

	rows, err := q.Query(ctx,
		`SELECT name, code FROM shard_files WHERE shard_id = $1 ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("select files for shard %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Name, &f.Code); err != nil {
			return nil, fmt.Errorf("scan file for shard %s: %w", id, err)
		}
		s.Files = append(s.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files for shard %s: %w", id, err)
	}
	return s, nil
}

func (r *PostgresRepository) Create(ctx context.Context, s *Shard) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.CreatedAt == 0 {
		s.CreatedAt = nowMillis()
	}
	if s.Mode == "" {
		s.Mode = ModeNormal
	}
	if s.ID == "" {
		err = tx.QueryRow(ctx,
			`INSERT INTO shards (user_id, title, mode, last_synced_at, created_at)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			s.UserID, s.Title, s.Mode, s.LastSyncedAt, s.CreatedAt).Scan(&s.ID)
	} else {
		// Re-create with the prior id; the delete-shard compensation path.
		_, err = tx.Exec(ctx,
			`INSERT INTO shards (id, user_id, title, mode, last_synced_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, s.UserID, s.Title, s.Mode, s.LastSyncedAt, s.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("insert shard: %w", err)
	}
	for _, f := range s.Files {
		if _, err := tx.Exec(ctx,
			`INSERT INTO shard_files (shard_id, name, code) VALUES ($1, $2, $3)`,
			s.ID, f.Name, f.Code); err != nil {
			return fmt.Errorf("insert file %s: %w", f.Name, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) UpdateFiles(ctx context.Context, id string, file FileInput) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO shard_files (shard_id, name, code) VALUES ($1, $2, $3)
		 ON CONFLICT (shard_id, name) DO UPDATE SET code = EXCLUDED.code`,
		id, file.Name, file.Code)
	if err != nil {
		return fmt.Errorf("upsert file %s for shard %s: %w", file.Name, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateLastSync(ctx context.Context, id string, ts int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE shards SET last_synced_at = $2 WHERE id = $1`, id, ts)
	if err != nil {
		return fmt.Errorf("update last_synced_at for shard %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) AllCollaborative(ctx context.Context, userID string) ([]Shard, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, title, mode, last_synced_at, created_at
		   FROM shards WHERE user_id = $1 AND mode = $2 ORDER BY created_at`,
		userID, ModeCollaboration)
	if err != nil {
		return nil, fmt.Errorf("select collaborative shards: %w", err)
	}
	defer rows.Close()
	var out []Shard
	for rows.Next() {
		var s Shard
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.Mode, &s.LastSyncedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AddComment(ctx context.Context, c *Comment) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = nowMillis()
	}
	var err error
	if c.ID == "" {
		err = r.pool.QueryRow(ctx,
			`INSERT INTO comments (shard_id, user_id, message, created_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			c.ShardID, c.UserID, c.Message, c.CreatedAt).Scan(&c.ID)
	} else {
		// Re-insert with the prior id; the delete-comment compensation path.
		_, err = r.pool.Exec(ctx,
			`INSERT INTO comments (id, shard_id, user_id, message, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.ShardID, c.UserID, c.Message, c.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteComment(ctx context.Context, commentID string) (*Comment, error) {
	c := &Comment{ID: commentID}
	err := r.pool.QueryRow(ctx,
		`DELETE FROM comments WHERE id = $1
		 RETURNING shard_id, user_id, message, created_at`,
		commentID).Scan(&c.ShardID, &c.UserID, &c.Message, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete comment %s: %w", commentID, err)
	}
	return c, nil
}

func (r *PostgresRepository) Patch(ctx context.Context, id string, p ShardPatch) (*Shard, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prior, err := loadShard(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE shards SET title = COALESCE($2, title), mode = COALESCE($3, mode) WHERE id = $1`,
		id, p.Title, (*string)(p.Mode)); err != nil {
		return nil, fmt.Errorf("patch shard %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prior, nil
}

func (r *PostgresRepository) DeleteByID(ctx context.Context, id string) (*Shard, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prior, err := loadShard(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	// Files and comments go with the shard via ON DELETE CASCADE.
	if _, err := tx.Exec(ctx, `DELETE FROM shards WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete shard %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return prior, nil
}
