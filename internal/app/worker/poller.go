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

package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"podflow/internal/pipeline/engine"
	"podflow/pkg/log"
)

// RunPoller 周期性认领共享 checkpoint 中待推进的 run（pending/running/已决策的 paused）。
// 并发上限由 Controller 的 MaxInFlight 控制；其他 worker 持有租约的 run 会被跳过。
type RunPoller struct {
	workerID     string
	controller   *engine.Controller
	pollInterval time.Duration
	logger       *log.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewRunPoller 创建轮询器；pollInterval<=0 时默认 2s
func NewRunPoller(workerID string, controller *engine.Controller, pollInterval time.Duration, logger *log.Logger) *RunPoller {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &RunPoller{
		workerID:     workerID,
		controller:   controller,
		pollInterval: pollInterval,
		logger:       logger.With("worker_id", workerID),
		stopCh:       make(chan struct{}),
	}
}

// Start 启动轮询循环，立即执行一次
func (p *RunPoller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			p.poll(ctx)
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (p *RunPoller) poll(ctx context.Context) {
	n, err := p.controller.RecoverRuns(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("认领 run 失败", "error", err)
		}
		return
	}
	if n > 0 {
		p.logger.Debug("认领 run", "count", n, "in_flight", p.controller.InFlight())
	}
}

// Stop 停止轮询并等待循环退出；已认领的 run 由 Controller.Shutdown 中止
func (p *RunPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// DefaultWorkerID 返回默认 Worker 标识（hostname 或 env）
func DefaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host != "" {
		return host
	}
	return "worker-unknown"
}
