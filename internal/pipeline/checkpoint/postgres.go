// Copyright 2026 fanjia1024
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

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"podflow/internal/pipeline/state"
	perrors "podflow/pkg/errors"
)

// Schema checkpoint 与写者租约表
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
	run_id       TEXT PRIMARY KEY,
	resume_token TEXT NOT NULL,
	status       TEXT NOT NULL,
	state        JSONB NOT NULL,
	version      BIGINT NOT NULL,
	archived     BOOLEAN NOT NULL DEFAULT false,
	cancel_requested BOOLEAN NOT NULL DEFAULT false,
	started_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
ALTER TABLE pipeline_checkpoints ADD COLUMN IF NOT EXISTS cancel_requested BOOLEAN NOT NULL DEFAULT false;
CREATE INDEX IF NOT EXISTS idx_pipeline_checkpoints_status ON pipeline_checkpoints (status, started_at DESC);
CREATE TABLE IF NOT EXISTS pipeline_run_leases (
	run_id     TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PgStore PostgreSQL 实现，多进程共享；租约表保证单写者
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 连接并确保表存在
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, perrors.Wrap(err, "初始化 checkpoint 表失败")
	}
	return &PgStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) Create(ctx context.Context, st *state.RunState) error {
	if st == nil || st.RunID == "" {
		return perrors.Wrap(perrors.ErrInvalidArg, "run id 为空")
	}
	if st.Version != 0 {
		return perrors.Wrapf(ErrVersionMismatch, "新 run 版本必须为 0，得到 %d", st.Version)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_checkpoints (run_id, resume_token, status, state, version, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, now())`,
		st.RunID, st.ResumeToken, string(st.Status), payload, st.StartedAt)
	if isUniqueViolation(err) {
		return perrors.Wrapf(ErrConflict, "run %s 已存在", st.RunID)
	}
	return err
}

func (s *PgStore) Acquire(ctx context.Context, runID string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	owner := newOwner()
	var expires time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_run_leases (run_id, owner, expires_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (run_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE pipeline_run_leases.expires_at < now()
		 RETURNING expires_at`,
		runID, owner, ttl.Seconds()).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, perrors.Wrapf(ErrRunLocked, "run %s 已被其他写者持有", runID)
	}
	if err != nil {
		return nil, err
	}
	return &Lease{RunID: runID, Owner: owner, ExpiresAt: expires}, nil
}

func (s *PgStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return perrors.Wrap(ErrRunLocked, "未持有租约")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	var expires time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE pipeline_run_leases SET expires_at = now() + make_interval(secs => $3)
		 WHERE run_id = $1 AND owner = $2 AND expires_at >= now()
		 RETURNING expires_at`,
		lease.RunID, lease.Owner, ttl.Seconds()).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return perrors.Wrapf(ErrRunLocked, "run %s 租约已失效", lease.RunID)
	}
	if err != nil {
		return err
	}
	lease.ExpiresAt = expires
	return nil
}

func (s *PgStore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_run_leases WHERE run_id = $1 AND owner = $2`, lease.RunID, lease.Owner)
	return err
}

// lockLease 在事务内锁定并校验租约
func lockLease(ctx context.Context, tx pgx.Tx, lease *Lease) error {
	var ok bool
	err := tx.QueryRow(ctx,
		`SELECT owner = $2 AND expires_at >= now() FROM pipeline_run_leases WHERE run_id = $1 FOR UPDATE`,
		lease.RunID, lease.Owner).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !ok) {
		return perrors.Wrapf(ErrRunLocked, "run %s 租约已失效", lease.RunID)
	}
	return err
}

func (s *PgStore) Save(ctx context.Context, lease *Lease, st *state.RunState) error {
	if err := validLease(lease, st.RunID); err != nil {
		return err
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockLease(ctx, tx, lease); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE pipeline_checkpoints SET state = $2, version = $3, status = $4, updated_at = now()
			 WHERE run_id = $1 AND version = $3 - 1`,
			st.RunID, payload, st.Version, string(st.Status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pipeline_checkpoints WHERE run_id = $1)`, st.RunID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return perrors.Wrapf(ErrNotFound, "run %s", st.RunID)
			}
			return perrors.Wrapf(ErrVersionMismatch, "run %s 写入版本 %d", st.RunID, st.Version)
		}
		return nil
	})
}

const selectRecord = `SELECT run_id, resume_token, status, state, version, archived, updated_at FROM pipeline_checkpoints`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var status string
	var payload []byte
	if err := row.Scan(&rec.RunID, &rec.ResumeToken, &status, &payload, &rec.Version, &rec.Archived, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = state.Status(status)
	var st state.RunState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, perrors.Wrapf(err, "解析 run %s 状态失败", rec.RunID)
	}
	rec.State = &st
	return &rec, nil
}

func (s *PgStore) Load(ctx context.Context, runID string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, perrors.Wrapf(ErrNotFound, "run %s", runID)
	}
	return rec, err
}

func (s *PgStore) Archive(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return perrors.Wrap(ErrRunLocked, "未持有租约")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockLease(ctx, tx, lease); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE pipeline_checkpoints SET archived = true WHERE run_id = $1`, lease.RunID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return perrors.Wrapf(ErrNotFound, "run %s", lease.RunID)
		}
		return nil
	})
}

func (s *PgStore) List(ctx context.Context, f ListFilter) ([]*Record, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM pipeline_checkpoints WHERE ($1 = '' OR status = $1)`,
		string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := int64(f.Limit)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx,
		selectRecord+` WHERE ($1 = '' OR status = $1)
		 ORDER BY started_at DESC, run_id
		 LIMIT NULLIF($2, -1) OFFSET $3`,
		string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *PgStore) RequestCancel(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pipeline_checkpoints SET cancel_requested = true WHERE run_id = $1`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return perrors.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PgStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM pipeline_checkpoints WHERE run_id = $1`, runID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return requested, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// Backend 指标标签
func (s *PgStore) Backend() string { return "postgres" }
