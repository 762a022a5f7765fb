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

// Package checkpoint 持久化每个 run 的最新 RunState，支持暂停/恢复与进程重启后续跑。
// 每个 run 同一时刻至多一个写者：写入前需 Acquire 租约，租约 owner 不符或版本不连续一律拒绝。
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"podflow/internal/pipeline/state"
	"podflow/pkg/errors"
)

// 哨兵错误，与 pkg/errors 共用
var (
	ErrNotFound        = errors.ErrNotFound
	ErrConflict        = errors.ErrConflict
	ErrRunLocked       = errors.ErrRunLocked
	ErrVersionMismatch = errors.ErrVersionMismatch
)

// DefaultLeaseTTL 写者租约默认时长
const DefaultLeaseTTL = 30 * time.Second

// Record 持久化的 checkpoint，一个 run 一条，原地覆盖
type Record struct {
	RunID       string          `json:"run_id"`
	ResumeToken string          `json:"resume_token"`
	Status      state.Status    `json:"status"`
	State       *state.RunState `json:"state"`
	Version     int64           `json:"version"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Archived    bool            `json:"archived"`
}

// Lease run 的独占写租约
type Lease struct {
	RunID     string
	Owner     string
	ExpiresAt time.Time
}

// ListFilter 列表过滤与分页；Limit<=0 表示不限
type ListFilter struct {
	Status state.Status
	Limit  int
	Offset int
}

// Store checkpoint 存储
type Store interface {
	// Create 写入新 run 的初始状态（Version 必须为 0），已存在返回 ErrConflict
	Create(ctx context.Context, st *state.RunState) error
	// Acquire 获取写租约；其他 owner 持有且未过期时返回 ErrRunLocked
	Acquire(ctx context.Context, runID string, ttl time.Duration) (*Lease, error)
	// Renew 续约，租约已失效或被抢占返回 ErrRunLocked
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release 释放租约，owner 不符时忽略
	Release(ctx context.Context, lease *Lease) error
	// Save 覆盖写入；要求持有有效租约且 st.Version == 已存版本 + 1
	Save(ctx context.Context, lease *Lease, st *state.RunState) error
	// Load 读取最新 checkpoint，不存在返回 ErrNotFound
	Load(ctx context.Context, runID string) (*Record, error)
	// Archive 终态后归档（保留记录，仅打标）
	Archive(ctx context.Context, lease *Lease) error
	// List 按开始时间倒序列出，返回过滤后的总数
	List(ctx context.Context, f ListFilter) ([]*Record, int, error)
	// RequestCancel 记录取消请求，无需租约；由持有租约的写者读取后中止推进并落盘 cancelled。
	// run 不存在返回 ErrNotFound
	RequestCancel(ctx context.Context, runID string) error
	// CancelRequested 是否存在取消请求
	CancelRequested(ctx context.Context, runID string) (bool, error)
}

func newOwner() string { return "lease-" + uuid.NewString() }

func newRecord(st *state.RunState, now time.Time) *Record {
	return &Record{
		RunID:       st.RunID,
		ResumeToken: st.ResumeToken,
		Status:      st.Status,
		State:       st.Clone(),
		Version:     st.Version,
		UpdatedAt:   now,
	}
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.State = r.State.Clone()
	return &out
}

func validLease(lease *Lease, runID string) error {
	if lease == nil || lease.Owner == "" || lease.RunID != runID {
		return errors.Wrapf(ErrRunLocked, "run %s 未持有租约", runID)
	}
	return nil
}

func paginate(recs []*Record, f ListFilter) ([]*Record, int) {
	total := len(recs)
	if f.Offset >= total {
		return []*Record{}, total
	}
	recs = recs[f.Offset:]
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return recs, total
}
