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

// Package engine 按 stage 图推进 run：校验前置条件、执行 stage、合并 delta、
// 每步写 checkpoint、在中断点暂停，并依据路由决定继续、回环、终止。
// 推进所需的全部控制信息都在持久化的 RunState 中（NextStage 游标），可跨进程恢复。
package engine

import (
	"context"
	"fmt"
	"time"

	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/guard"
	"podflow/internal/pipeline/router"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
	"podflow/pkg/errors"
	"podflow/pkg/log"
	"podflow/pkg/metrics"
	"podflow/pkg/tracing"
)

const (
	releaseTimeout = 5 * time.Second
	// defaultCancelPoll 持有租约时检查外部取消请求的间隔
	defaultCancelPoll = time.Second
)

// Engine run 执行引擎，可被多个 goroutine 并发用于不同 run
type Engine struct {
	graph        *router.Graph
	store        checkpoint.Store
	events       progress.Store
	guard        guard.Guard
	now          func() time.Time
	ids          state.IDGenerator
	logger       *log.Logger
	maxRetries   int
	leaseTTL     time.Duration
	stageTimeout time.Duration
	cancelPoll   time.Duration
	defaults     state.Defaults
	backend      string
}

// New 创建 Engine
func New(g *router.Graph, store checkpoint.Store, opts ...Option) *Engine {
	e := &Engine{
		graph:      g,
		store:      store,
		now:        time.Now,
		ids:        state.RandomIDs{},
		logger:     log.Nop(),
		maxRetries: 3,
		leaseTTL:   checkpoint.DefaultLeaseTTL,
		cancelPoll: defaultCancelPoll,
		defaults: state.Defaults{
			NumDesigns:   5,
			Platforms:    []string{"etsy"},
			ProductTypes: []string{"t-shirt", "mug"},
		},
		backend: "unknown",
	}
	if b, ok := store.(interface{ Backend() string }); ok {
		e.backend = b.Backend()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph 返回 stage 图
func (e *Engine) Graph() *router.Graph { return e.graph }

// Create 校验参数、占用每日配额并写入初始 checkpoint。
// 配额拒绝返回 ErrDailyLimitExceeded，属于启动期失败，不产生 run。
func (e *Engine) Create(ctx context.Context, p state.Params) (*state.RunState, error) {
	p = p.WithDefaults(e.defaults)
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidArg, err.Error())
	}
	if e.guard != nil {
		ok, err := e.guard.CheckAndReserve(ctx, 1)
		if err != nil {
			return nil, errors.Wrap(err, "检查每日配额失败")
		}
		if !ok {
			metrics.GuardRejections.Inc()
			return nil, errors.ErrDailyLimitExceeded
		}
	}
	st := state.New(e.ids.RunID(), e.ids.ResumeToken(), p, e.maxRetries, e.now())
	st.NextStage = e.graph.Entry()
	if err := e.store.Create(ctx, st); err != nil {
		if e.guard != nil {
			_ = e.guard.Release(context.WithoutCancel(ctx), 1)
		}
		return nil, errors.Wrap(err, "写入初始 checkpoint 失败")
	}
	e.logger.Info("run created", "run_id", st.RunID, "niche", p.Niche, "num_designs", p.NumDesigns)
	return st, nil
}

// Start 创建并同步推进到暂停或终止
func (e *Engine) Start(ctx context.Context, p state.Params) (*state.RunState, error) {
	st, err := e.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, st.RunID)
}

// GetState 读取最新持久化状态
func (e *Engine) GetState(ctx context.Context, runID string) (*state.RunState, error) {
	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

// List 列出 run
func (e *Engine) List(ctx context.Context, f checkpoint.ListFilter) ([]*state.RunState, int, error) {
	recs, total, err := e.store.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*state.RunState, len(recs))
	for i, r := range recs {
		out[i] = r.State
	}
	return out, total, nil
}

// GuardStatus 当日配额状态；未配置配额时返回不限
func (e *Engine) GuardStatus(ctx context.Context) (guard.Status, error) {
	if e.guard == nil {
		return guard.Status{Date: e.now().Format("2006-01-02"), Remaining: -1}, nil
	}
	return e.guard.Status(ctx)
}

// Events 读取进度事件
func (e *Engine) Events(ctx context.Context, runID string, after int64) ([]progress.Event, error) {
	if e.events == nil {
		return []progress.Event{}, nil
	}
	return e.events.List(ctx, runID, after)
}

// Watch 订阅进度事件
func (e *Engine) Watch(ctx context.Context, runID string) (<-chan progress.Event, error) {
	if e.events == nil {
		return nil, errors.Wrap(errors.ErrNotFound, "未配置进度事件流")
	}
	return e.events.Watch(ctx, runID)
}

// Decide 记录外部审核决策；仅在 paused 且尚未决策时有效。决策后需调用 Run 继续。
func (e *Engine) Decide(ctx context.Context, runID string, approved bool, notes string) (*state.RunState, error) {
	var out *state.RunState
	err := e.withLease(ctx, runID, func(lease *checkpoint.Lease, st *state.RunState) error {
		if st.Status != state.StatusPaused || st.Review.Decided() {
			return errors.Wrapf(errors.ErrNotPaused, "run %s 当前状态 %s", runID, st.Status)
		}
		next := st.Clone()
		now := e.now()
		next.Review.Approved = &approved
		next.Review.Notes = notes
		next.Review.DecidedAt = &now
		next.Review.PendingReason = ""
		next.UpdatedAt = now
		next.Version = st.Version + 1
		if err := e.save(ctx, lease, next); err != nil {
			return err
		}
		e.logger.Info("review decided", "run_id", runID, "approved", approved)
		out = next
		return nil
	})
	return out, err
}

// Cancel 将 run 标记为 cancelled。
// run 正被其他写者（如另一进程的 worker）推进时不等待租约：记录取消请求并返回当前状态，
// 持有租约的写者在下一次心跳中中止推进并自行落盘 cancelled。
func (e *Engine) Cancel(ctx context.Context, runID string) (*state.RunState, error) {
	var out *state.RunState
	err := e.withLease(ctx, runID, func(lease *checkpoint.Lease, st *state.RunState) error {
		next, err := e.markCancelled(ctx, lease, st)
		out = next
		return err
	})
	if errors.Is(err, errors.ErrRunLocked) {
		return e.requestCancel(ctx, runID)
	}
	return out, err
}

func (e *Engine) requestCancel(ctx context.Context, runID string) (*state.RunState, error) {
	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.State.Status.Terminal() {
		return nil, errors.Wrapf(errors.ErrTerminal, "run %s 已是 %s", runID, rec.State.Status)
	}
	if err := e.store.RequestCancel(ctx, runID); err != nil {
		return nil, err
	}
	e.logger.Info("cancel requested", "run_id", runID, "status", rec.State.Status)
	return rec.State, nil
}

// markCancelled 在持有租约时写入 cancelled 终态
func (e *Engine) markCancelled(ctx context.Context, lease *checkpoint.Lease, st *state.RunState) (*state.RunState, error) {
	if st.Status.Terminal() {
		return nil, errors.Wrapf(errors.ErrTerminal, "run %s 已是 %s", st.RunID, st.Status)
	}
	next := st.Clone()
	now := e.now()
	next.Status = state.StatusCancelled
	next.UpdatedAt = now
	next.CompletedAt = &now
	next.Version = st.Version + 1
	if err := e.save(ctx, lease, next); err != nil {
		return nil, err
	}
	e.emit(ctx, next, st.CurrentStep, "cancelled")
	e.finish(ctx, lease, next)
	e.logger.Info("run cancelled", "run_id", st.RunID, "step", st.CurrentStep)
	return next, nil
}

// cancelPending 读取外部取消请求，读取失败按未请求处理
func (e *Engine) cancelPending(ctx context.Context, runID string) bool {
	requested, err := e.store.CancelRequested(ctx, runID)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("read cancel request failed", "run_id", runID, "error", err)
		}
		return false
	}
	return requested
}

// withLease 获取租约、加载状态后执行 fn，结束时释放租约
func (e *Engine) withLease(ctx context.Context, runID string, fn func(*checkpoint.Lease, *state.RunState) error) error {
	lease, err := e.store.Acquire(ctx, runID, e.leaseTTL)
	if err != nil {
		return err
	}
	defer e.release(ctx, lease)
	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	return fn(lease, rec.State)
}

func (e *Engine) release(ctx context.Context, lease *checkpoint.Lease) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.store.Release(rctx, lease); err != nil {
		e.logger.Warn("release lease failed", "run_id", lease.RunID, "error", err)
	}
}

func (e *Engine) save(ctx context.Context, lease *checkpoint.Lease, st *state.RunState) error {
	err := e.store.Save(ctx, lease, st)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.CheckpointWrites.WithLabelValues(e.backend, result).Inc()
	return err
}

func (e *Engine) emit(ctx context.Context, st *state.RunState, step, msg string) {
	if e.events == nil {
		return
	}
	_, err := e.events.Append(context.WithoutCancel(ctx), progress.Event{
		RunID:     st.RunID,
		Step:      step,
		Status:    st.Status,
		Counters:  st.Counters(),
		Message:   msg,
		Timestamp: st.UpdatedAt,
	})
	if err != nil {
		e.logger.Warn("append progress event failed", "run_id", st.RunID, "error", err)
	}
}

// finish 终态后的归档与指标
func (e *Engine) finish(ctx context.Context, lease *checkpoint.Lease, st *state.RunState) {
	if !st.Status.Terminal() {
		return
	}
	metrics.RunTotal.WithLabelValues(string(st.Status)).Inc()
	if err := e.store.Archive(context.WithoutCancel(ctx), lease); err != nil {
		e.logger.Warn("archive checkpoint failed", "run_id", st.RunID, "error", err)
	}
}

// Run 推进 run 直到暂停或终止，返回最新持久化的状态。
// 已终止或仍在等待决策的 run 直接返回当前状态。
// ctx 取消时丢弃进行中 stage 的全部输出，checkpoint 停留在上一次完整合并的状态。
func (e *Engine) Run(ctx context.Context, runID string) (*state.RunState, error) {
	lease, err := e.store.Acquire(ctx, runID, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, lease)

	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	st := rec.State
	if st.Status.Terminal() {
		return st, nil
	}
	// 取消请求先于认领到达
	if e.cancelPending(ctx, runID) {
		return e.markCancelled(ctx, lease, st)
	}
	if st.Status == state.StatusPaused && !st.Review.Decided() {
		return st, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	cancelReq := make(chan struct{})
	go e.heartbeat(runCtx, cancel, lease, lost, cancelReq)

	runCtx, span := tracing.StartRunSpan(runCtx, runID, st.NextStage)
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	st, err = e.loop(runCtx, lease, st)
	select {
	case <-cancelReq:
		if ctx.Err() == nil {
			st, err = e.cancelAfterAbort(ctx, lease, runID, st)
		}
	default:
	}
	if err != nil && ctx.Err() == nil {
		select {
		case <-lost:
			err = errors.Wrapf(errors.ErrRunLocked, "run %s 租约丢失", runID)
		default:
		}
	}
	tracing.EndSpan(span, err)
	return st, err
}

// cancelAfterAbort 推进因取消请求中止后，以最新 checkpoint 为准写入 cancelled
func (e *Engine) cancelAfterAbort(ctx context.Context, lease *checkpoint.Lease, runID string, st *state.RunState) (*state.RunState, error) {
	rec, err := e.store.Load(ctx, runID)
	if err != nil {
		return st, err
	}
	if rec.State.Status.Terminal() {
		return rec.State, nil
	}
	return e.markCancelled(ctx, lease, rec.State)
}

// heartbeat 周期续约并检查外部取消请求；续约失败说明已被抢占，取消推进
func (e *Engine) heartbeat(ctx context.Context, cancel context.CancelFunc, lease *checkpoint.Lease, lost, cancelReq chan<- struct{}) {
	renewEvery := e.leaseTTL / 3
	if renewEvery < time.Millisecond {
		renewEvery = time.Millisecond
	}
	tick := renewEvery
	if e.cancelPoll > 0 && e.cancelPoll < tick {
		tick = e.cancelPoll
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastRenew := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastRenew) >= renewEvery {
				if err := e.store.Renew(ctx, lease, e.leaseTTL); err != nil {
					if ctx.Err() != nil {
						return
					}
					e.logger.Error("renew lease failed", "run_id", lease.RunID, "error", err)
					close(lost)
					cancel()
					return
				}
				lastRenew = now
			}
			if e.cancelPending(ctx, lease.RunID) {
				e.logger.Info("cancel request received, aborting", "run_id", lease.RunID)
				close(cancelReq)
				cancel()
				return
			}
		}
	}
}

func (e *Engine) loop(ctx context.Context, lease *checkpoint.Lease, st *state.RunState) (*state.RunState, error) {
	logger := e.logger.With("run_id", st.RunID)
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		next, err := e.step(ctx, logger, st)
		if err != nil {
			return st, err
		}
		if err := e.save(ctx, lease, next); err != nil {
			logger.Error("save checkpoint failed", "stage", next.CurrentStep, "error", err)
			return st, errors.Wrap(err, "写入 checkpoint 失败")
		}
		st = next
		msg := ""
		if st.Status == state.StatusPaused {
			msg = st.Review.PendingReason
		}
		e.emit(ctx, st, st.CurrentStep, msg)
		if st.Status == state.StatusPaused || st.Status.Terminal() {
			e.finish(ctx, lease, st)
			logger.Info("run stopped", "status", st.Status, "retry_count", st.RetryCount, "total_cost", st.TotalCost)
			return st, nil
		}
	}
}

// step 执行 NextStage 指向的 stage 并返回待持久化的新状态；
// 只有外部取消会返回错误，stage 失败被转化为错误账本与路由结果
func (e *Engine) step(ctx context.Context, logger *log.Logger, st *state.RunState) (*state.RunState, error) {
	name := st.NextStage
	next := st.Clone()
	next.CurrentStep = name
	next.Version = st.Version + 1
	if next.Status != state.StatusRunning {
		next.Status = state.StatusRunning
	}

	stg, ok := e.graph.Stage(name)
	if !ok {
		e.fail(next, name, stage.KindInternal, fmt.Sprintf("未知 stage %q", name))
		return next, nil
	}

	if err := stg.Validate(st.Clone()); err != nil {
		logger.Error("precondition failed", "stage", name, "error", err)
		e.fail(next, name, stage.KindPrecondition, err.Error())
		return next, nil
	}

	upd, err := e.execute(ctx, stg, st)
	if ctx.Err() != nil {
		// 外部取消：丢弃本步全部输出
		logger.Warn("stage aborted", "stage", name, "error", ctx.Err())
		return nil, ctx.Err()
	}
	if err == nil {
		if oerr := upd.CheckOwnership(name, stg.Owns()); oerr != nil {
			err = &stage.Error{Stage: name, Kind: stage.KindOwnership, Err: oerr}
		} else if verr := upd.Validate(); verr != nil {
			err = &stage.Error{Stage: name, Kind: stage.KindInternal, Err: verr}
		}
	}

	now := e.now()
	next.UpdatedAt = now

	var br router.Branch
	var rerr error
	if err != nil {
		logger.Error("stage failed", "stage", name, "error", err)
		next.Apply(ledgerOnly(upd))
		next.Apply(state.MergeError(name, stage.KindOf(err), err.Error(), now))
		br, rerr = e.graph.RouteError(name, next)
	} else {
		next.Apply(upd)
		if it, ok := stg.(stage.Interrupt); ok {
			if reason, waiting := it.AwaitingDecision(next); waiting {
				next.Status = state.StatusPaused
				next.Review.PendingReason = reason
				next.NextStage = name
				logger.Info("run paused", "stage", name, "reason", reason)
				return next, nil
			}
		}
		br, rerr = e.graph.Route(name, next)
	}
	if rerr != nil {
		e.fail(next, name, stage.KindInternal, rerr.Error())
		return next, nil
	}

	if br.CountsRetry {
		next.RetryCount++
		metrics.RetryTotal.Inc()
		logger.Info("quality retry", "stage", name, "retry_count", next.RetryCount, "max_retries", next.MaxRetries)
	}
	switch br.Target {
	case router.End:
		next.Status = state.StatusCompleted
		next.CompletedAt = &now
		next.NextStage = ""
	case router.Failed:
		next.Status = state.StatusFailed
		next.CompletedAt = &now
		next.NextStage = ""
	default:
		next.NextStage = br.Target
	}
	return next, nil
}

// execute 在快照上执行 stage，记录耗时与 span
func (e *Engine) execute(ctx context.Context, stg stage.Stage, st *state.RunState) (upd *state.Update, err error) {
	name := stg.Name()
	sctx, span := tracing.StartStageSpan(ctx, st.RunID, name, st.RetryCount)
	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, e.stageTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &stage.Error{Stage: name, Kind: stage.KindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
		metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		tracing.EndSpan(span, err)
	}()
	upd, err = stg.Execute(sctx, st.Clone())
	if err != nil {
		return upd, stage.Wrap(name, err)
	}
	if upd == nil {
		upd = &state.Update{}
	}
	return upd, nil
}

// fail 标记 run 失败并记账
func (e *Engine) fail(next *state.RunState, step, kind, msg string) {
	now := e.now()
	next.Apply(state.MergeError(step, kind, msg, now))
	next.Status = state.StatusFailed
	next.UpdatedAt = now
	next.CompletedAt = &now
	next.NextStage = ""
}

// ledgerOnly stage 失败时仅保留已发生的成本与错误记录
func ledgerOnly(u *state.Update) *state.Update {
	if u == nil {
		return nil
	}
	return &state.Update{Costs: u.Costs, Errors: u.Errors}
}
