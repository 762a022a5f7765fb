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

// Package stage 定义 Engine 调用的 stage 插件契约与错误分类。
package stage

import (
	"context"
	"time"

	"podflow/internal/pipeline/state"
)

// Stage 流水线中的一个命名工作单元。
// Execute 拿到的是只读快照，只通过返回的 Update 表达修改；
// 同一次尝试（RetryCount 相同）下重复调用必须可安全重放。
type Stage interface {
	Name() string
	// Owns 声明可写的字段，账本（成本、错误）不在此列
	Owns() state.Field
	// Validate 前置条件检查，失败返回 *PreconditionError，run 立即失败且不可重试
	Validate(s *state.RunState) error
	Execute(ctx context.Context, s *state.RunState) (*state.Update, error)
}

// Interrupt 可暂停等待外部决策的 stage（如人工审核）。
// 合并并持久化后若 waiting 为 true，Engine 置 paused 并挂起。
type Interrupt interface {
	AwaitingDecision(s *state.RunState) (reason string, waiting bool)
}

// Clock 时间来源，测试中注入固定时钟
type Clock func() time.Time

// Now 缺省为 time.Now
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Func 以函数构造 Stage，便于测试与简单节点
type Func struct {
	StageName string
	Fields    state.Field
	Check     func(s *state.RunState) error
	Run       func(ctx context.Context, s *state.RunState) (*state.Update, error)
}

func (f *Func) Name() string      { return f.StageName }
func (f *Func) Owns() state.Field { return f.Fields }

func (f *Func) Validate(s *state.RunState) error {
	if f.Check == nil {
		return nil
	}
	return f.Check(s)
}

func (f *Func) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	if f.Run == nil {
		return &state.Update{}, nil
	}
	return f.Run(ctx, s)
}
