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

package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"podflow/internal/pipeline/state"
	"podflow/pkg/errors"
)

const watchPollInterval = 500 * time.Millisecond

// Schema 进度事件表
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_progress (
	run_id     TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	step       TEXT NOT NULL,
	status     TEXT NOT NULL,
	counters   JSONB NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// pgStore PostgreSQL 实现；Watch 以轮询实现
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的进度存储
func NewPostgresStore(ctx context.Context, dsn string) (Store, func(), error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "初始化 progress 表失败")
	}
	return &pgStore{pool: pool}, pool.Close, nil
}

func (s *pgStore) Append(ctx context.Context, e Event) (Event, error) {
	if e.RunID == "" {
		return Event{}, errors.Wrap(errors.ErrInvalidArg, "run id 为空")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	counters, err := json.Marshal(e.Counters)
	if err != nil {
		return Event{}, err
	}
	// 同一 run 只有一个写者（checkpoint 租约），MAX+1 不会冲突
	err = s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_progress (run_id, seq, step, status, counters, message, created_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6 FROM pipeline_progress WHERE run_id = $1
		 RETURNING seq`,
		e.RunID, e.Step, string(e.Status), counters, e.Message, e.Timestamp).Scan(&e.Seq)
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

func (s *pgStore) List(ctx context.Context, runID string, after int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, step, status, counters, message, created_at
		 FROM pipeline_progress WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		runID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var status string
		var counters []byte
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Step, &status, &counters, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = state.Status(status)
		if err := json.Unmarshal(counters, &e.Counters); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) Watch(ctx context.Context, runID string) (<-chan Event, error) {
	existing, err := s.List(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Seq
	}
	ch := make(chan Event, watchChanBuffer)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				events, err := s.List(ctx, runID, last)
				if err != nil {
					return
				}
				for _, e := range events {
					select {
					case ch <- e:
						last = e.Seq
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}
