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
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"podflow/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	metrics    bool
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw, metrics: true}
}

// SetMetricsEnabled 控制是否暴露 /metrics
func (r *Router) SetMetricsEnabled(enable bool) {
	r.metrics = enable
}

// Build 创建 Hertz 实例并注册路由，opts 可追加 tracer 等服务端选项
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(h)
	return h
}

// Register 在已有 Hertz 实例上注册全部路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(r.middleware.AccessLog())

	if r.metrics {
		h.GET("/metrics", r.handler.Metrics)
	}

	api := h.Group("/api", r.middleware.CORS())

	// 健康检查
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/limits", r.handler.GetLimits)
	// 预检请求由 CORS 中间件直接应答
	api.OPTIONS("/*path", func(context.Context, *app.RequestContext) {})

	// run 管理
	runs := api.Group("/runs")
	{
		runs.POST("", r.handler.StartRun)
		runs.GET("", r.handler.ListRuns)
		runs.GET("/:id", r.handler.GetRun)
		runs.POST("/:id/decision", r.handler.DecideRun)
		runs.POST("/:id/resume", r.handler.ResumeRun)
		runs.POST("/:id/cancel", r.handler.CancelRun)
		runs.GET("/:id/events", r.handler.ListEvents)
		runs.GET("/:id/stream", r.handler.StreamEvents)
	}
}
