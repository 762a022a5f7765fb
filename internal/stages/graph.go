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

package stages

import (
	_ "embed"
	"fmt"
	"os"

	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/router"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
)

//go:embed graph.yaml
var defaultGraphYAML []byte

// 可选优化节点的分支标签
const (
	LabelOptimize = "optimize"
	LabelSkip     = "skip"
)

// OptimizationCondition 按 run 参数决定是否执行优化
func OptimizationCondition(s *state.RunState) string {
	if s.Params.IncludeOptimization {
		return LabelOptimize
	}
	return LabelSkip
}

// ScoresCondition 质量门自身失败时，按已持有的分数推导结论
func ScoresCondition(th quality.Thresholds) router.Condition {
	return func(s *state.RunState) string {
		switch quality.VerdictFromState(s, th) {
		case state.VerdictPass:
			return router.LabelPass
		case state.VerdictRetry:
			return router.LabelRetry
		}
		return router.LabelFail
	}
}

// All 全部 stage 实例
func All(d Deps) []stage.Stage {
	d = d.withDefaults()
	return []stage.Stage{
		NewTrend(d),
		NewDesign(d),
		NewQuality(d),
		NewMockup(d),
		NewSEO(d),
		NewReview(d),
		NewUpload(d),
		NewOptimize(d),
	}
}

// Conditions 可被图定义引用的条件
func Conditions(d Deps) map[string]router.Condition {
	d = d.withDefaults()
	return map[string]router.Condition{
		"quality":        router.QualityCondition,
		"quality_scores": ScoresCondition(d.Thresholds),
		"approval":       router.ApprovalCondition,
		"optimization":   OptimizationCondition,
	}
}

// Registry YAML 图定义可引用的 stage 与条件
func Registry(d Deps) router.Registry {
	reg := router.Registry{Stages: map[string]stage.Stage{}, Conditions: Conditions(d)}
	for _, st := range All(d) {
		reg.Stages[st.Name()] = st
	}
	return reg
}

// DefaultGraph 默认流水线：
// trend_analysis → design_generation → quality_check ─pass→ mockup_creation → seo_optimization
// → human_review ─approved→ platform_upload ─optimize→ optimization → end；
// quality_check 重试回到 design_generation，失败终止。
func DefaultGraph(d Deps) (*router.Graph, error) {
	d = d.withDefaults()
	b := router.NewBuilder()
	for _, st := range All(d) {
		b.AddStage(st)
	}
	return b.
		AddEdge(TrendAnalysis, DesignGeneration).
		AddEdge(DesignGeneration, QualityCheck).
		AddConditional(QualityCheck, router.QualityCondition, router.QualityBranches(MockupCreation, DesignGeneration)).
		OnError(QualityCheck, ScoresCondition(d.Thresholds)).
		AddEdge(MockupCreation, SEOOptimization).
		AddEdge(SEOOptimization, HumanReview).
		AddConditional(HumanReview, router.ApprovalCondition, router.ApprovalBranches(PlatformUpload)).
		AddConditional(PlatformUpload, OptimizationCondition, map[string]router.Branch{
			LabelOptimize: {Target: Optimization},
			LabelSkip:     {Target: router.End},
		}).
		AddEdge(Optimization, router.End).
		Build()
}

// LoadGraph 从 YAML 构建；path 为空时使用内置定义
func LoadGraph(path string, d Deps) (*router.Graph, error) {
	data := defaultGraphYAML
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取图定义 %s 失败: %w", path, err)
		}
		data = raw
	}
	return router.LoadGraphYAML(data, Registry(d))
}
