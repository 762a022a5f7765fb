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

package providers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"podflow/internal/pipeline/state"
	"podflow/pkg/metrics"
)

// LimitConfig 单个外部服务的限流配置
type LimitConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// Limiter 外部服务维度的限流：令牌桶控制速率，信号量控制并发
type Limiter struct {
	name      string
	rate      *rate.Limiter
	semaphore chan struct{}
}

// NewLimiter 创建限流器；RatePerSecond<=0 不限速，MaxConcurrent<=0 不限并发
func NewLimiter(name string, cfg LimitConfig) *Limiter {
	l := &Limiter{name: name}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.MaxConcurrent > 0 {
		l.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return l
}

// Wait 阻塞直到可以调用；成功后必须调用 Release
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit wait failed: %w", l.name, err)
		}
	}
	if l.semaphore != nil {
		select {
		case l.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		metrics.ProviderWaitSeconds.WithLabelValues(l.name).Observe(waited.Seconds())
	}
	return nil
}

// Release 释放并发 slot
func (l *Limiter) Release() {
	if l.semaphore == nil {
		return
	}
	select {
	case <-l.semaphore:
	default:
	}
}

func (l *Limiter) call(ctx context.Context, fn func() error) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}
	defer l.Release()
	err := fn()
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ProviderCalls.WithLabelValues(l.name, result).Inc()
	return err
}

type limitedText struct {
	inner TextGenerator
	l     *Limiter
}

func (t limitedText) Complete(ctx context.Context, system, prompt string) (out Completion, err error) {
	err = t.l.call(ctx, func() error {
		out, err = t.inner.Complete(ctx, system, prompt)
		return err
	})
	return out, err
}

type limitedImages struct {
	inner ImageGenerator
	l     *Limiter
}

func (g limitedImages) Generate(ctx context.Context, prompt string) (out Image, err error) {
	err = g.l.call(ctx, func() error {
		out, err = g.inner.Generate(ctx, prompt)
		return err
	})
	return out, err
}

type limitedCommerce struct {
	inner Commerce
	l     *Limiter
}

func (c limitedCommerce) CreateMockup(ctx context.Context, req MockupRequest) (out string, err error) {
	err = c.l.call(ctx, func() error {
		out, err = c.inner.CreateMockup(ctx, req)
		return err
	})
	return out, err
}

func (c limitedCommerce) Publish(ctx context.Context, req PublishRequest) (out Published, err error) {
	err = c.l.call(ctx, func() error {
		out, err = c.inner.Publish(ctx, req)
		return err
	})
	return out, err
}

func (c limitedCommerce) Stats(ctx context.Context, listing state.Listing) (out state.SalesMetrics, err error) {
	err = c.l.call(ctx, func() error {
		out, err = c.inner.Stats(ctx, listing)
		return err
	})
	return out, err
}

// Limited 为集合中每个服务套上独立的限流器；nil 成员保持 nil
func Limited(s Set, cfg LimitConfig) Set {
	out := Set{}
	if s.Text != nil {
		out.Text = limitedText{inner: s.Text, l: NewLimiter("text", cfg)}
	}
	if s.Images != nil {
		out.Images = limitedImages{inner: s.Images, l: NewLimiter("images", cfg)}
	}
	if s.Commerce != nil {
		out.Commerce = limitedCommerce{inner: s.Commerce, l: NewLimiter("commerce", cfg)}
	}
	return out
}
