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

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"podflow/internal/app"
	"podflow/internal/app/worker"
	"podflow/pkg/config"
)

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径（默认 $PODFLOW_CONFIG 或 configs/podflow.yaml）")
		workerID    = flag.String("id", "", "worker 标识，默认 $WORKER_ID 或 hostname")
		maxInFlight = flag.Int("max-in-flight", 0, "同时推进的 run 上限，覆盖 worker.max_in_flight")
		poll        = flag.Duration("poll", 0, "认领轮询间隔，覆盖 worker.poll_interval")
	)
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *maxInFlight > 0 {
		cfg.Worker.MaxInFlight = *maxInFlight
	}
	if *poll > 0 {
		cfg.Worker.PollInterval = poll.String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	w, err := worker.NewApp(b, *workerID)
	if err != nil {
		b.Close()
		log.Fatalf("创建 worker 失败: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		log.Fatalf("启动 worker 失败: %v", err)
	}

	<-ctx.Done()
	stop()

	// 未完成的 run 留在 checkpoint 中，由下一次认领接手
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		log.Printf("worker 关闭超时: %v", err)
	}
}
