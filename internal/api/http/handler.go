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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/engine"
	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
	"podflow/pkg/errors"
	"podflow/pkg/log"
	"podflow/pkg/metrics"
)

// DefaultStreamTimeout SSE 连接最长保持时间
const DefaultStreamTimeout = 30 * time.Minute

const maxListLimit = 200

// Handler HTTP 处理器，仅依赖 Controller
type Handler struct {
	ctrl          *engine.Controller
	logger        *log.Logger
	streamTimeout time.Duration
}

// NewHandler 创建新的 HTTP 处理器
func NewHandler(ctrl *engine.Controller, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{ctrl: ctrl, logger: logger, streamTimeout: DefaultStreamTimeout}
}

// SetStreamTimeout 设置 SSE 最长保持时间
func (h *Handler) SetStreamTimeout(d time.Duration) {
	if d > 0 {
		h.streamTimeout = d
	}
}

// RunSummary 列表项
type RunSummary struct {
	RunID       string         `json:"run_id"`
	Status      state.Status   `json:"status"`
	Niche       string         `json:"niche"`
	CurrentStep string         `json:"current_step"`
	NextStage   string         `json:"next_stage"`
	Counters    state.Counters `json:"counters"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func summarize(st *state.RunState) RunSummary {
	return RunSummary{
		RunID:       st.RunID,
		Status:      st.Status,
		Niche:       st.Params.Niche,
		CurrentStep: st.CurrentStep,
		NextStage:   st.NextStage,
		Counters:    st.Counters(),
		StartedAt:   st.StartedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}

// DecisionRequest 审核决策请求体
type DecisionRequest struct {
	Approved *bool  `json:"approved"`
	Notes    string `json:"notes"`
}

// writeError 将哨兵错误映射为 HTTP 状态码
func (h *Handler) writeError(ctx context.Context, c *app.RequestContext, err error) {
	status, code := consts.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, errors.ErrNotFound):
		status, code = consts.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrInvalidArg):
		status, code = consts.StatusBadRequest, "invalid_argument"
	case errors.Is(err, errors.ErrDailyLimitExceeded):
		status, code = consts.StatusTooManyRequests, "daily_limit_exceeded"
	case errors.Is(err, errors.ErrRunLocked):
		status, code = consts.StatusConflict, "run_locked"
	case errors.Is(err, errors.ErrNotPaused):
		status, code = consts.StatusConflict, "not_paused"
	case errors.Is(err, errors.ErrTerminal):
		status, code = consts.StatusConflict, "terminal"
	case errors.Is(err, errors.ErrConflict):
		status, code = consts.StatusConflict, "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = consts.StatusServiceUnavailable, "unavailable"
	}
	if status >= consts.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "path", string(c.Path()), "error", err)
	}
	c.JSON(status, utils.H{"error": err.Error(), "code": code})
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, utils.H{"error": msg, "code": "invalid_argument"})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics Prometheus 文本格式导出
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// StartRun 创建并在后台推进一个 run
// POST /api/runs
func (h *Handler) StartRun(ctx context.Context, c *app.RequestContext) {
	var p state.Params
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&p); err != nil {
			badRequest(c, "请求参数错误: "+err.Error())
			return
		}
	}
	st, err := h.ctrl.Start(ctx, p)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, utils.H{
		"run_id":       st.RunID,
		"resume_token": st.ResumeToken,
		"status":       st.Status,
	})
}

// ListRuns 分页列出 run
// GET /api/runs?status=&limit=&offset=
func (h *Handler) ListRuns(ctx context.Context, c *app.RequestContext) {
	f := checkpoint.ListFilter{Limit: 50}
	if s := c.Query("status"); s != "" {
		switch status := state.Status(s); status {
		case state.StatusPending, state.StatusRunning, state.StatusPaused,
			state.StatusCompleted, state.StatusFailed, state.StatusCancelled:
			f.Status = status
		default:
			badRequest(c, "未知状态: "+s)
			return
		}
	}
	var err error
	if f.Limit, err = queryInt(c, "limit", f.Limit); err != nil || f.Limit <= 0 {
		badRequest(c, "limit 必须为正整数")
		return
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil || f.Offset < 0 {
		badRequest(c, "offset 必须为非负整数")
		return
	}
	runs, total, err := h.ctrl.Engine().List(ctx, f)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, st := range runs {
		out = append(out, summarize(st))
	}
	c.JSON(consts.StatusOK, utils.H{"runs": out, "total": total, "limit": f.Limit, "offset": f.Offset})
}

// GetRun 返回完整 RunState
// GET /api/runs/:id
func (h *Handler) GetRun(ctx context.Context, c *app.RequestContext) {
	st, err := h.ctrl.Engine().GetState(ctx, c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, st)
}

// DecideRun 提交人工审核决策，决策后在后台恢复
// POST /api/runs/:id/decision
func (h *Handler) DecideRun(ctx context.Context, c *app.RequestContext) {
	var req DecisionRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "请求参数错误: "+err.Error())
		return
	}
	if req.Approved == nil {
		badRequest(c, "approved 为必填项")
		return
	}
	st, err := h.ctrl.Decide(ctx, c.Param("id"), *req.Approved, req.Notes)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusAccepted, summarize(st))
}

// ResumeRun 继续推进中断的 run（如进程重启后）
// POST /api/runs/:id/resume
func (h *Handler) ResumeRun(ctx context.Context, c *app.RequestContext) {
	st, err := h.ctrl.Resume(ctx, c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusAccepted, summarize(st))
}

// CancelRun 取消 run
// POST /api/runs/:id/cancel
func (h *Handler) CancelRun(ctx context.Context, c *app.RequestContext) {
	st, err := h.ctrl.Cancel(ctx, c.Param("id"))
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	// run 由其他进程推进时只登记了取消请求
	if !st.Status.Terminal() {
		c.JSON(consts.StatusAccepted, summarize(st))
		return
	}
	c.JSON(consts.StatusOK, summarize(st))
}

// ListEvents 轮询进度事件
// GET /api/runs/:id/events?after=
func (h *Handler) ListEvents(ctx context.Context, c *app.RequestContext) {
	runID := c.Param("id")
	after, err := queryInt64(c, "after")
	if err != nil || after < 0 {
		badRequest(c, "after 必须为非负整数")
		return
	}
	if _, err := h.ctrl.Engine().GetState(ctx, runID); err != nil {
		h.writeError(ctx, c, err)
		return
	}
	events, err := h.ctrl.Engine().Events(ctx, runID, after)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	if events == nil {
		events = []progress.Event{}
	}
	c.JSON(consts.StatusOK, utils.H{"run_id": runID, "events": events})
}

// StreamEvents 以 SSE 推送进度事件，终止事件后关闭
// GET /api/runs/:id/stream
func (h *Handler) StreamEvents(ctx context.Context, c *app.RequestContext) {
	runID := c.Param("id")
	after, err := queryInt64(c, "after")
	if err != nil || after < 0 {
		badRequest(c, "after 必须为非负整数")
		return
	}
	if last := string(c.GetHeader("Last-Event-ID")); last != "" {
		if n, perr := strconv.ParseInt(last, 10, 64); perr == nil && n > after {
			after = n
		}
	}
	eng := h.ctrl.Engine()
	st, err := eng.GetState(ctx, runID)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}

	// 响应体在 handler 返回后才被写出，订阅不能绑定请求 ctx
	streamCtx, cancel := context.WithTimeout(context.Background(), h.streamTimeout)
	var live <-chan progress.Event
	if !st.Status.Terminal() {
		if live, err = eng.Watch(streamCtx, runID); err != nil {
			cancel()
			h.writeError(ctx, c, err)
			return
		}
	}
	backlog, err := eng.Events(ctx, runID, after)
	if err != nil {
		cancel()
		h.writeError(ctx, c, err)
		return
	}

	pr, pw := io.Pipe()
	c.SetStatusCode(consts.StatusOK)
	c.SetContentType("text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SetBodyStream(pr, -1)
	go func() {
		defer cancel()
		_ = pw.CloseWithError(writeStream(streamCtx, pw, after, backlog, live))
	}()
}

// writeStream 先写积压事件，再转发订阅；遇到终止事件或订阅关闭即返回
func writeStream(ctx context.Context, w io.Writer, after int64, backlog []progress.Event, live <-chan progress.Event) error {
	last := after
	for _, e := range backlog {
		if err := writeSSE(w, e); err != nil {
			return err
		}
		last = e.Seq
		if e.Terminal() {
			return nil
		}
	}
	if live == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if e.Seq <= last {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return err
			}
			last = e.Seq
			if e.Terminal() {
				return nil
			}
		}
	}
}

func writeSSE(w io.Writer, e progress.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", e.Seq, data)
	return err
}

// GetLimits 当日配额
// GET /api/limits
func (h *Handler) GetLimits(ctx context.Context, c *app.RequestContext) {
	st, err := h.ctrl.Engine().GuardStatus(ctx)
	if err != nil {
		h.writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, st)
}

func queryInt(c *app.RequestContext, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func queryInt64(c *app.RequestContext, key string) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
