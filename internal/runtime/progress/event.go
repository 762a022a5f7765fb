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

// Package progress run 进度事件流：每个 Engine 步骤追加一条，支持轮询与订阅
package progress

import (
	"context"
	"time"

	"podflow/internal/pipeline/state"
)

const watchChanBuffer = 16

// Event 单步进度；终止事件的 Status 为 completed/failed/cancelled
type Event struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Step      string         `json:"step"`
	Status    state.Status   `json:"status"`
	Counters  state.Counters `json:"counters"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal 是否为终止事件
func (e Event) Terminal() bool { return e.Status.Terminal() }

// Store 追加式事件存储
type Store interface {
	// Append 追加事件并分配 Seq（从 1 递增）
	Append(ctx context.Context, e Event) (Event, error)
	// List 返回 Seq > after 的事件
	List(ctx context.Context, runID string, after int64) ([]Event, error)
	// Watch 订阅新事件，ctx 结束时关闭 channel
	Watch(ctx context.Context, runID string) (<-chan Event, error)
}
