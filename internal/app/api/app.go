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

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"podflow/internal/api/http"
	"podflow/internal/api/http/middleware"
	"podflow/internal/app"
	"podflow/internal/pipeline/engine"
	"podflow/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware；仅依赖 Controller）
type App struct {
	config       *app.Bootstrap
	controller   *engine.Controller
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	stop         context.CancelFunc
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil || bootstrap.Engine == nil {
		return nil, fmt.Errorf("bootstrap 未初始化")
	}
	cfg := bootstrap.Config

	ctx, stop := context.WithCancel(context.Background())
	controller := engine.NewController(ctx, bootstrap.Engine, engine.WithDispatch(cfg.API.Dispatch))

	handler := http.NewHandler(controller, bootstrap.Logger)
	var origins []string
	if cfg.API.CORS.Enable {
		origins = cfg.API.CORS.AllowOrigins
	}
	mw := middleware.NewMiddleware(bootstrap.Logger, origins...)
	router := http.NewRouter(handler, mw)
	router.SetMetricsEnabled(cfg.Monitoring.Prometheus.Enable)

	// 单一执行权：dispatch=false 时 API 只是控制面，run 由 worker 认领
	if cfg.API.Dispatch {
		n, err := controller.RecoverRuns(ctx)
		if err != nil {
			stop()
			return nil, fmt.Errorf("恢复未完成的 run 失败: %w", err)
		}
		if n > 0 {
			bootstrap.Logger.Info("已恢复未完成的 run", "count", n)
		}
	}

	return &App{
		config:     bootstrap,
		controller: controller,
		router:     router,
		stop:       stop,
	}, nil
}

// Controller 返回后台推进控制器
func (a *App) Controller() *engine.Controller { return a.controller }

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.config.Logger.Info("API 服务启动", "addr", addr)
	cfg := a.config.Config

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	tracing := cfg.Monitoring.Tracing
	exportEndpoint := tracing.ExportEndpoint
	if exportEndpoint == "" {
		exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if tracing.Enable && exportEndpoint != "" {
		serviceName := tracing.ServiceName
		if serviceName == "" {
			serviceName = "podflow-api"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(exportEndpoint),
		}
		if tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tracerCfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
		a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）：
// 先停止接收请求，再中止后台推进，checkpoint 停留在最近一次完整合并
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := a.controller.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	a.config.Close()
	return firstErr
}
