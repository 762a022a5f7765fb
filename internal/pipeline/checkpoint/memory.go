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
	"sort"
	"sync"
	"time"

	"podflow/internal/pipeline/state"
	"podflow/pkg/errors"
)

// MemoryStore 进程内实现，返回副本避免外部修改
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	leases  map[string]Lease
	cancels map[string]bool
	now     func() time.Time
}

// NewMemoryStore 创建内存 Store；now 为 nil 时使用 time.Now
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: map[string]*Record{}, leases: map[string]Lease{}, cancels: map[string]bool{}, now: now}
}

func (m *MemoryStore) Create(ctx context.Context, st *state.RunState) error {
	if st == nil || st.RunID == "" {
		return errors.Wrap(errors.ErrInvalidArg, "run id 为空")
	}
	if st.Version != 0 {
		return errors.Wrapf(ErrVersionMismatch, "新 run 版本必须为 0，得到 %d", st.Version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[st.RunID]; ok {
		return errors.Wrapf(ErrConflict, "run %s 已存在", st.RunID)
	}
	m.records[st.RunID] = newRecord(st, m.now())
	return nil
}

func (m *MemoryStore) Acquire(ctx context.Context, runID string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[runID]; ok && now.Before(cur.ExpiresAt) {
		return nil, errors.Wrapf(ErrRunLocked, "run %s 由 %s 持有", runID, cur.Owner)
	}
	l := Lease{RunID: runID, Owner: newOwner(), ExpiresAt: now.Add(ttl)}
	m.leases[runID] = l
	return &l, nil
}

func (m *MemoryStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLeaseLocked(lease); err != nil {
		return err
	}
	lease.ExpiresAt = m.now().Add(ttl)
	m.leases[lease.RunID] = *lease
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[lease.RunID]; ok && cur.Owner == lease.Owner {
		delete(m.leases, lease.RunID)
	}
	return nil
}

// checkLeaseLocked 调用方需持有 m.mu
func (m *MemoryStore) checkLeaseLocked(lease *Lease) error {
	if lease == nil {
		return errors.Wrap(ErrRunLocked, "未持有租约")
	}
	cur, ok := m.leases[lease.RunID]
	if !ok || cur.Owner != lease.Owner || !m.now().Before(cur.ExpiresAt) {
		return errors.Wrapf(ErrRunLocked, "run %s 租约已失效", lease.RunID)
	}
	return nil
}

func (m *MemoryStore) Save(ctx context.Context, lease *Lease, st *state.RunState) error {
	if err := validLease(lease, st.RunID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLeaseLocked(lease); err != nil {
		return err
	}
	cur, ok := m.records[st.RunID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", st.RunID)
	}
	if st.Version != cur.Version+1 {
		return errors.Wrapf(ErrVersionMismatch, "run %s 已存 %d，写入 %d", st.RunID, cur.Version, st.Version)
	}
	rec := newRecord(st, m.now())
	rec.Archived = cur.Archived
	m.records[st.RunID] = rec
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, runID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[runID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Archive(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLeaseLocked(lease); err != nil {
		return err
	}
	rec, ok := m.records[lease.RunID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "run %s", lease.RunID)
	}
	rec.Archived = true
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Record, int, error) {
	m.mu.Lock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	m.mu.Unlock()
	sortNewestFirst(out)
	page, total := paginate(out, f)
	return page, total, nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[runID]; !ok {
		return errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	m.cancels[runID] = true
	return nil
}

func (m *MemoryStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[runID], nil
}

func sortNewestFirst(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].State.StartedAt, recs[j].State.StartedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return recs[i].RunID < recs[j].RunID
	})
}

// Backend 指标标签
func (m *MemoryStore) Backend() string { return "memory" }
