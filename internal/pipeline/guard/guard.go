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

// Package guard 每日产出配额：限制每个自然日可启动的 run 数，日界自动重置
package guard

import (
	"context"
	"sync"
	"time"
)

// DefaultDailyLimit 默认每日上限
const DefaultDailyLimit = 5

// Status 当日配额使用情况
type Status struct {
	Date      string `json:"date"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
}

// Guard 每日配额；limit<=0 表示不限
type Guard interface {
	// CheckAndReserve 当日剩余额度足够时预留 n 个并返回 true
	CheckAndReserve(ctx context.Context, n int) (bool, error)
	// Release 归还当日预留（run 创建失败时）
	Release(ctx context.Context, n int) error
	Status(ctx context.Context) (Status, error)
}

func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// Memory 进程内计数器
type Memory struct {
	mu    sync.Mutex
	limit int
	loc   *time.Location
	now   func() time.Time
	date  string
	used  int
}

// NewMemory 创建内存配额；now 为 nil 时使用 time.Now，loc 为 nil 时使用 Local
func NewMemory(limit int, loc *time.Location, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Memory{limit: limit, loc: loc, now: now}
}

// rollLocked 日期变化时清零，调用方需持有 mu
func (g *Memory) rollLocked() {
	today := dayOf(g.now(), g.loc)
	if today != g.date {
		g.date = today
		g.used = 0
	}
}

func (g *Memory) CheckAndReserve(ctx context.Context, n int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	if g.limit > 0 && g.used+n > g.limit {
		return false, nil
	}
	g.used += n
	return true, nil
}

func (g *Memory) Release(ctx context.Context, n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	g.used -= n
	if g.used < 0 {
		g.used = 0
	}
	return nil
}

func (g *Memory) Status(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return makeStatus(g.date, g.used, g.limit), nil
}

func makeStatus(date string, used, limit int) Status {
	remaining := -1
	if limit > 0 {
		remaining = limit - used
		if remaining < 0 {
			remaining = 0
		}
	}
	return Status{Date: date, Used: used, Remaining: remaining, Limit: limit}
}
