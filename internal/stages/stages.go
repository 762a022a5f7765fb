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

// Package stages 按需生成设计商品流水线的各个 stage 及默认 stage 图
package stages

import (
	"encoding/json"
	"strings"
	"time"

	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/stage"
	"podflow/internal/providers"
	"podflow/internal/storage/cache"
	"podflow/pkg/log"
)

// stage 名称
const (
	TrendAnalysis    = "trend_analysis"
	DesignGeneration = "design_generation"
	QualityCheck     = "quality_check"
	MockupCreation   = "mockup_creation"
	SEOOptimization  = "seo_optimization"
	HumanReview      = "human_review"
	PlatformUpload   = "platform_upload"
	Optimization     = "optimization"
)

// 成本账本中的服务名
const (
	CostText     = "text"
	CostImage    = "image"
	CostPlatform = "platform_fees"
)

// Deps stage 共享的依赖
type Deps struct {
	Providers   providers.Set
	Scorer      Scorer
	Thresholds  quality.Thresholds
	Concurrency int
	Retry       stage.RetryPolicy
	Clock       stage.Clock
	Logger      *log.Logger
	// TrendCache 非空且 TrendTTL>0 时复用同 niche/style 的趋势分析结果
	TrendCache cache.Store
	TrendTTL   time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Providers.Text == nil || d.Providers.Images == nil || d.Providers.Commerce == nil {
		mock := providers.NewMockSet()
		if d.Providers.Text == nil {
			d.Providers.Text = mock.Text
		}
		if d.Providers.Images == nil {
			d.Providers.Images = mock.Images
		}
		if d.Providers.Commerce == nil {
			d.Providers.Commerce = mock.Commerce
		}
	}
	if d.Scorer == nil {
		d.Scorer = RuleScorer{}
	}
	if d.Thresholds == (quality.Thresholds{}) {
		d.Thresholds = quality.DefaultThresholds
	}
	if d.Concurrency < 1 {
		d.Concurrency = 3
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = stage.DefaultRetry
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	return d
}

func (d Deps) now() time.Time { return d.Clock.Now() }

func (d Deps) retryNotify(stageName string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		d.Logger.Warn("provider call failed, retrying", "stage", stageName, "wait", wait, "error", err)
	}
}

// decodeJSON 解析模型输出，容忍 ```json 代码块包裹
func decodeJSON(text string, out any) error {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return json.Unmarshal([]byte(strings.TrimSpace(s)), out)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
