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
	"fmt"

	"podflow/internal/app"
	"podflow/internal/pipeline/engine"
	"podflow/pkg/tracing"
)

// App Worker 应用：从共享 checkpoint 认领 run 并推进（数据面）
type App struct {
	config     *app.Bootstrap
	controller *engine.Controller
	poller     *RunPoller
	cancel     context.CancelFunc
	// 关闭时刷出 run/stage span
	traceShutdown func(context.Context) error
}

// NewApp 创建 Worker 应用；workerID 为空时取 DefaultWorkerID
func NewApp(bootstrap *app.Bootstrap, workerID string) (*App, error) {
	if bootstrap == nil || bootstrap.Engine == nil {
		return nil, fmt.Errorf("bootstrap 未初始化")
	}
	cfg := bootstrap.Config
	if cfg.Checkpoint.Type == "memory" {
		bootstrap.Logger.Warn("checkpoint.type=memory 时 worker 只能推进本进程创建的 run")
	}
	ctx, cancel := context.WithCancel(context.Background())
	controller := engine.NewController(ctx, bootstrap.Engine, engine.WithMaxInFlight(cfg.Worker.MaxInFlight))
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return &App{
		config:     bootstrap,
		controller: controller,
		poller:     NewRunPoller(workerID, controller, cfg.PollInterval(), bootstrap.Logger),
		cancel:     cancel,
	}, nil
}

// Controller 返回后台推进控制器
func (a *App) Controller() *engine.Controller { return a.controller }

// Start 启动认领循环
func (a *App) Start(ctx context.Context) error {
	a.config.Logger.Info("启动 worker 应用",
		"poll_interval", a.config.Config.PollInterval().String(),
		"max_in_flight", a.config.Config.Worker.MaxInFlight,
	)
	if tc := a.config.Config.Monitoring.Tracing; tc.Enable {
		shutdown, err := tracing.Setup(ctx, tracing.Config{
			ServiceName: tc.ServiceName + "-worker",
			Endpoint:    tc.ExportEndpoint,
			Insecure:    tc.Insecure,
		})
		if err != nil {
			return err
		}
		a.traceShutdown = shutdown
	}
	a.poller.Start(ctx)
	return nil
}

// Shutdown 停止认领并中止推进中的 run；checkpoint 停留在最近一次完整合并，可被其他 worker 接手
func (a *App) Shutdown(ctx context.Context) error {
	a.config.Logger.Info("关闭 worker 应用")
	a.poller.Stop()
	err := a.controller.Shutdown(ctx)
	a.cancel()
	if a.traceShutdown != nil {
		_ = a.traceShutdown(ctx)
	}
	a.config.Close()
	if err != nil {
		return err
	}
	a.config.Logger.Info("worker 应用关闭成功")
	return nil
}
