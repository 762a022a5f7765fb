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
	"context"
	"sync"

	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/state"
	"podflow/pkg/errors"
)

// RecoverRuns 每页列出的 run 数
var recoverPageSize = 100

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller 在后台 goroutine 中推进 run，供 API 等异步调用方使用：
// Start/Decide 立即返回，Cancel 先中止进行中的推进再落盘 cancelled
type Controller struct {
	eng         *Engine
	base        context.Context
	stop        context.CancelFunc
	dispatch    bool
	maxInFlight int

	mu      sync.Mutex
	running map[string]*handle
	wg      sync.WaitGroup
}

// ControllerOption Controller 选项
type ControllerOption func(*Controller)

// WithDispatch 为 false 时 Start/Decide/Resume 只落盘不在本进程推进，由 worker 通过 RecoverRuns 认领
func WithDispatch(enable bool) ControllerOption {
	return func(c *Controller) { c.dispatch = enable }
}

// WithMaxInFlight 限制 RecoverRuns 认领后同时推进的 run 数，<=0 不限
func WithMaxInFlight(n int) ControllerOption {
	return func(c *Controller) { c.maxInFlight = n }
}

// NewController 创建 Controller；ctx 结束时所有后台推进被取消
func NewController(ctx context.Context, eng *Engine, opts ...ControllerOption) *Controller {
	base, stop := context.WithCancel(ctx)
	c := &Controller{eng: eng, base: base, stop: stop, dispatch: true, running: make(map[string]*handle)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Engine 返回底层 Engine
func (c *Controller) Engine() *Engine { return c.eng }

// Start 创建 run 并在后台推进
func (c *Controller) Start(ctx context.Context, p state.Params) (*state.RunState, error) {
	st, err := c.eng.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	if c.dispatch {
		c.launch(st.RunID)
	}
	return st, nil
}

// Decide 记录审核决策并在后台恢复推进
func (c *Controller) Decide(ctx context.Context, runID string, approved bool, notes string) (*state.RunState, error) {
	st, err := c.eng.Decide(ctx, runID, approved, notes)
	if err != nil {
		return nil, err
	}
	if c.dispatch {
		c.launch(runID)
	}
	return st, nil
}

// Resume 在后台继续推进已存在的 run
func (c *Controller) Resume(ctx context.Context, runID string) (*state.RunState, error) {
	st, err := c.eng.GetState(ctx, runID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	if st.Status == state.StatusPaused && !st.Review.Decided() {
		return nil, errors.Wrapf(errors.ErrConflict, "run %s 等待审核决策", runID)
	}
	if c.dispatch {
		c.launch(runID)
	}
	return st, nil
}

// Cancel 中止进行中的推进并写入 cancelled
func (c *Controller) Cancel(ctx context.Context, runID string) (*state.RunState, error) {
	c.mu.Lock()
	h := c.running[runID]
	c.mu.Unlock()
	if h != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.eng.Cancel(ctx, runID)
}

// Wait 等待 run 的后台推进结束；未在推进中时立即返回
func (c *Controller) Wait(ctx context.Context, runID string) error {
	c.mu.Lock()
	h := c.running[runID]
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running 是否正在后台推进
func (c *Controller) Running(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[runID]
	return ok
}

// InFlight 当前在本进程推进中的 run 数
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// RecoverRuns 认领 pending/running 以及已决策但未恢复的 paused run，返回本次启动推进的数量。
// 进程启动时调用一次；worker 周期调用。其他进程持有租约的 run 会在 Run 中以 ErrRunLocked 退出。
func (c *Controller) RecoverRuns(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []state.Status{state.StatusRunning, state.StatusPending, state.StatusPaused} {
		// 认领后的 run 会离开当前状态，偏移随之失效；本页有认领时从头重列，已见过的跳过
		seen := map[string]bool{}
		offset := 0
		for {
			runs, total, err := c.eng.List(ctx, checkpoint.ListFilter{Status: status, Limit: recoverPageSize, Offset: offset})
			if err != nil {
				return n, err
			}
			launched := false
			for _, st := range runs {
				if seen[st.RunID] {
					continue
				}
				seen[st.RunID] = true
				if st.Status == state.StatusPaused && !st.Review.Decided() {
					continue
				}
				if c.maxInFlight > 0 && c.InFlight() >= c.maxInFlight {
					return n, nil
				}
				if c.launch(st.RunID) {
					n++
					launched = true
				}
			}
			if len(runs) == 0 {
				break
			}
			if launched {
				offset = 0
				continue
			}
			offset += len(runs)
			if offset >= total {
				break
			}
		}
	}
	if n > 0 {
		c.eng.logger.Info("recovered runs", "count", n)
	}
	return n, nil
}

// Shutdown 取消全部后台推进并等待退出；checkpoint 停留在最近一次完整合并
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) launch(runID string) bool {
	c.mu.Lock()
	if _, ok := c.running[runID]; ok {
		c.mu.Unlock()
		return false
	}
	if c.base.Err() != nil {
		c.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(c.base)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	c.running[runID] = h
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(h.done)
		defer cancel()
		defer func() {
			c.mu.Lock()
			if c.running[runID] == h {
				delete(c.running, runID)
			}
			c.mu.Unlock()
		}()
		st, err := c.eng.Run(ctx, runID)
		if errors.Is(err, errors.ErrRunLocked) {
			c.eng.logger.Debug("run owned by another writer", "run_id", runID)
			return
		}
		if err != nil && ctx.Err() == nil {
			c.eng.logger.Error("run failed", "run_id", runID, "error", err)
			return
		}
		if st != nil {
			c.eng.logger.Debug("run returned", "run_id", runID, "status", st.Status)
		}
	}()
	return true
}
