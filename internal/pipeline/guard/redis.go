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

package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 多进程共享配额：按日期分键，INCRBY 与上限检查在 Lua 内原子完成，键在次日零点过期
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	loc    *time.Location
	now    func() time.Time
}

// NewRedis 创建 Redis 配额
func NewRedis(rdb redis.UniversalClient, prefix string, limit int, loc *time.Location) *Redis {
	if prefix == "" {
		prefix = "podflow"
	}
	if loc == nil {
		loc = time.Local
	}
	return &Redis{rdb: rdb, prefix: prefix, limit: limit, loc: loc, now: time.Now}
}

var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and used + n > limit then return -1 end
used = redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIREAT', KEYS[1], ARGV[3])
return used
`)

var releaseScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if used - n <= 0 then redis.call('DEL', KEYS[1]) return 0 end
return redis.call('DECRBY', KEYS[1], n)
`)

func (g *Redis) key(now time.Time) (string, string, int64) {
	local := now.In(g.loc)
	date := local.Format("2006-01-02")
	y, m, d := local.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, g.loc)
	return g.prefix + ":guard:" + date, date, midnight.Unix()
}

func (g *Redis) CheckAndReserve(ctx context.Context, n int) (bool, error) {
	key, _, expireAt := g.key(g.now())
	res, err := reserveScript.Run(ctx, g.rdb, []string{key}, n, g.limit, expireAt).Int()
	if err != nil {
		return false, err
	}
	return res >= 0, nil
}

func (g *Redis) Release(ctx context.Context, n int) error {
	key, _, _ := g.key(g.now())
	return releaseScript.Run(ctx, g.rdb, []string{key}, n).Err()
}

func (g *Redis) Status(ctx context.Context) (Status, error) {
	key, date, _ := g.key(g.now())
	used, err := g.rdb.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return Status{}, err
	}
	return makeStatus(date, used, g.limit), nil
}
