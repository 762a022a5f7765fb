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
	"time"

	"github.com/redis/go-redis/v9"

	"podflow/internal/pipeline/state"
	"podflow/pkg/errors"
)

// RedisStore 基于 Redis 的实现：记录为 hash，写者锁为带 PX 的字符串键，owner 校验在 Lua 内原子完成
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis Store，prefix 为空时使用 "podflow"
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "podflow"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) recordKey(runID string) string { return s.prefix + ":cp:" + runID }
func (s *RedisStore) lockKey(runID string) string   { return s.prefix + ":lock:" + runID }
func (s *RedisStore) indexKey() string              { return s.prefix + ":cp:index" }

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'version', 0, 'data', ARGV[1], 'archived', 0)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var saveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return -1 end
local v = redis.call('HGET', KEYS[2], 'version')
if not v then return -2 end
if tonumber(v) + 1 ~= tonumber(ARGV[2]) then return -3 end
redis.call('HSET', KEYS[2], 'version', ARGV[2], 'data', ARGV[3])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end
return 0
`)

var archiveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return -1 end
if redis.call('EXISTS', KEYS[2]) == 0 then return -2 end
redis.call('HSET', KEYS[2], 'archived', 1)
return 1
`)

var requestCancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'cancel', 1)
return 1
`)

func (s *RedisStore) Create(ctx context.Context, st *state.RunState) error {
	if st == nil || st.RunID == "" {
		return errors.Wrap(errors.ErrInvalidArg, "run id 为空")
	}
	if st.Version != 0 {
		return errors.Wrapf(ErrVersionMismatch, "新 run 版本必须为 0，得到 %d", st.Version)
	}
	data, err := json.Marshal(newRecord(st, s.now()))
	if err != nil {
		return err
	}
	n, err := createScript.Run(ctx, s.rdb,
		[]string{s.recordKey(st.RunID), s.indexKey()},
		string(data), st.StartedAt.UnixNano(), st.RunID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrConflict, "run %s 已存在", st.RunID)
	}
	return nil
}

func (s *RedisStore) Acquire(ctx context.Context, runID string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	owner := newOwner()
	ok, err := s.rdb.SetNX(ctx, s.lockKey(runID), owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrRunLocked, "run %s 已被其他写者持有", runID)
	}
	return &Lease{RunID: runID, Owner: owner, ExpiresAt: s.now().Add(ttl)}, nil
}

func (s *RedisStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return errors.Wrap(ErrRunLocked, "未持有租约")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	n, err := renewScript.Run(ctx, s.rdb, []string{s.lockKey(lease.RunID)}, lease.Owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrRunLocked, "run %s 租约已失效", lease.RunID)
	}
	lease.ExpiresAt = s.now().Add(ttl)
	return nil
}

func (s *RedisStore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return releaseScript.Run(ctx, s.rdb, []string{s.lockKey(lease.RunID)}, lease.Owner).Err()
}

func (s *RedisStore) Save(ctx context.Context, lease *Lease, st *state.RunState) error {
	if err := validLease(lease, st.RunID); err != nil {
		return err
	}
	rec := newRecord(st, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	n, err := saveScript.Run(ctx, s.rdb,
		[]string{s.lockKey(st.RunID), s.recordKey(st.RunID)},
		lease.Owner, st.Version, string(data)).Int()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return errors.Wrapf(ErrRunLocked, "run %s 租约已失效", st.RunID)
	case -2:
		return errors.Wrapf(ErrNotFound, "run %s", st.RunID)
	case -3:
		return errors.Wrapf(ErrVersionMismatch, "run %s 写入版本 %d", st.RunID, st.Version)
	}
	return nil
}

func (s *RedisStore) decode(runID string, fields map[string]string) (*Record, error) {
	data, ok := fields["data"]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, errors.Wrapf(err, "解析 run %s 状态失败", runID)
	}
	rec.Archived = fields["archived"] == "1"
	return &rec, nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recordKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(runID, fields)
}

func (s *RedisStore) Archive(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.Wrap(ErrRunLocked, "未持有租约")
	}
	n, err := archiveScript.Run(ctx, s.rdb,
		[]string{s.lockKey(lease.RunID), s.recordKey(lease.RunID)}, lease.Owner).Int()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return errors.Wrapf(ErrRunLocked, "run %s 租约已失效", lease.RunID)
	case -2:
		return errors.Wrapf(ErrNotFound, "run %s", lease.RunID)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, f ListFilter) ([]*Record, int, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, 0, err
		}
	}
	out := make([]*Record, 0, len(ids))
	for i, cmd := range cmds {
		rec, err := s.decode(ids[i], cmd.Val())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	page, total := paginate(out, f)
	return page, total, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, runID string) error {
	n, err := requestCancelScript.Run(ctx, s.rdb, []string{s.recordKey(runID)}).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *RedisStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	v, err := s.rdb.HGet(ctx, s.recordKey(runID), "cancel").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Backend 指标标签
func (s *RedisStore) Backend() string { return "redis" }
