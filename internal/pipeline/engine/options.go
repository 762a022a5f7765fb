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

package engine

import (
	"time"

	"podflow/internal/pipeline/guard"
	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
	"podflow/pkg/log"
)

// Option Engine 可选配置
type Option func(*Engine)

// WithClock 注入时钟，测试中保证时间戳确定
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator 注入 run id / resume token 生成器
func WithIDGenerator(ids state.IDGenerator) Option {
	return func(e *Engine) {
		if ids != nil {
			e.ids = ids
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithGuard 设置每日配额，nil 表示不限
func WithGuard(g guard.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithProgress 设置进度事件流，nil 表示不记录
func WithProgress(p progress.Store) Option {
	return func(e *Engine) { e.events = p }
}

// WithMaxRetries 质量门最大自动重试次数
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithLeaseTTL 写者租约时长，心跳间隔为其 1/3
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithCancelPoll 持有租约期间检查外部取消请求的间隔，<=0 时随续约检查
func WithCancelPoll(d time.Duration) Option {
	return func(e *Engine) { e.cancelPoll = d }
}

// WithStageTimeout 单个 stage 执行超时，0 表示不限
func WithStageTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stageTimeout = d }
}

// WithDefaults 参数缺省值
func WithDefaults(d state.Defaults) Option {
	return func(e *Engine) { e.defaults = d }
}
