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

package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/engine"
	"podflow/internal/pipeline/guard"
	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/router"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
	"podflow/internal/runtime/progress"
	"podflow/internal/stages"
	"podflow/internal/storage/cache"
	"podflow/pkg/config"
	"podflow/pkg/log"
)

// Bootstrap 统一初始化：供 api、worker 与 runner 复用，避免在 cmd 内装配存储与流水线
type Bootstrap struct {
	Config    *config.Config
	Logger    *log.Logger
	Store     checkpoint.Store
	Events    progress.Store
	Guard     guard.Guard
	Providers providers.Set
	Cache     cache.Store // 趋势缓存，trend_ttl 为 0 时为 nil
	Graph     *router.Graph
	Engine    *engine.Engine

	closers []func()
}

// NewBootstrap 根据配置创建 Bootstrap（存储/配额/外部服务/流程图/Engine）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	b := &Bootstrap{Config: cfg, Logger: logger}

	var rdb redis.UniversalClient
	trendTTL, err := cfg.TrendTTL()
	if err != nil {
		return nil, err
	}
	needCache := trendTTL > 0 && cfg.Cache.Type == "redis"
	if cfg.Checkpoint.Type == "redis" || cfg.Guard.Type == "redis" || needCache {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("连接 Redis %s 失败: %w", cfg.Redis.Addr, err)
		}
		rdb = client
		b.closers = append(b.closers, func() { _ = client.Close() })
	}

	if err := b.initStore(ctx, rdb); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.initEvents(ctx); err != nil {
		b.Close()
		return nil, err
	}
	b.initGuard(rdb)
	if trendTTL > 0 {
		if b.Cache, err = cache.New(cfg.Cache, rdb, "podflow"); err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = b.Cache.Close() })
	}

	b.Providers, err = NewProviders(cfg)
	if err != nil {
		b.Close()
		return nil, err
	}

	deps := stages.Deps{
		Providers:   b.Providers,
		Thresholds:  quality.Thresholds{Pass: cfg.Pipeline.PassThreshold, Retry: cfg.Pipeline.RetryThreshold},
		Concurrency: cfg.Pipeline.Concurrency,
		Logger:      logger,
		TrendCache:  b.Cache,
		TrendTTL:    trendTTL,
	}
	if cfg.Pipeline.GraphFile != "" {
		b.Graph, err = stages.LoadGraph(cfg.Pipeline.GraphFile, deps)
	} else {
		b.Graph, err = stages.DefaultGraph(deps)
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("构建流程图失败: %w", err)
	}

	stageTimeout, err := cfg.StageTimeout()
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Engine = engine.New(b.Graph, b.Store,
		engine.WithLogger(logger),
		engine.WithGuard(b.Guard),
		engine.WithProgress(b.Events),
		engine.WithMaxRetries(cfg.Pipeline.MaxRetries),
		engine.WithLeaseTTL(cfg.LockTTL()),
		engine.WithStageTimeout(stageTimeout),
		engine.WithDefaults(state.Defaults{
			NumDesigns:   cfg.Pipeline.DefaultNumDesigns,
			Platforms:    cfg.Pipeline.DefaultPlatforms,
			ProductTypes: cfg.Pipeline.DefaultProductTypes,
		}),
	)
	logger.Info("bootstrap ready",
		"checkpoint", cfg.Checkpoint.Type,
		"progress", cfg.Progress.Type,
		"guard", cfg.Guard.Type,
		"trend_cache_ttl", trendTTL,
		"mock_providers", cfg.Providers.Mock,
	)
	return b, nil
}

func (b *Bootstrap) initStore(ctx context.Context, rdb redis.UniversalClient) error {
	switch b.Config.Checkpoint.Type {
	case "postgres":
		pg, err := checkpoint.NewPgStore(ctx, b.Config.Checkpoint.DSN)
		if err != nil {
			return fmt.Errorf("初始化 checkpoint(postgres) 失败: %w", err)
		}
		b.Store = pg
		b.closers = append(b.closers, pg.Close)
	case "redis":
		b.Store = checkpoint.NewRedisStore(rdb, "podflow")
	default:
		b.Store = checkpoint.NewMemoryStore(nil)
	}
	return nil
}

func (b *Bootstrap) initEvents(ctx context.Context) error {
	if b.Config.Progress.Type != "postgres" {
		b.Events = progress.NewMemoryStore()
		return nil
	}
	store, closeFn, err := progress.NewPostgresStore(ctx, b.Config.Progress.DSN)
	if err != nil {
		return fmt.Errorf("初始化进度事件流(postgres) 失败: %w", err)
	}
	b.Events = store
	b.closers = append(b.closers, closeFn)
	return nil
}

func (b *Bootstrap) initGuard(rdb redis.UniversalClient) {
	cfg := b.Config.Guard
	if cfg.Type == "redis" {
		b.Guard = guard.NewRedis(rdb, "podflow", cfg.DailyLimit, b.Config.Location())
		return
	}
	b.Guard = guard.NewMemory(cfg.DailyLimit, b.Config.Location(), nil)
}

// Close 按创建的逆序释放连接
func (b *Bootstrap) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
