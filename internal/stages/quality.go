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
	"context"
	"fmt"
	"strings"

	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/pkg/metrics"
)

// Scorer 单个设计的质量评分，分数范围 [0,1]。
// 未通过的当前设计在每次质量门执行时都会重新评分
type Scorer interface {
	Score(ctx context.Context, d state.Design, s *state.RunState) (float64, []string, error)
}

// 评分权重
const (
	weightTechnical  = 0.4
	weightDesign     = 0.3
	weightCommercial = 0.3

	copyrightPenalty = 0.3
	minPromptLength  = 50
	minKeywords      = 3
)

var copyrightTerms = []string{"disney", "marvel", "nike", "coca-cola", "trademark"}

// RuleScorer 基于规则的评分：技术指标、设计完整度、商业可用性加权
type RuleScorer struct{}

func (RuleScorer) Score(ctx context.Context, d state.Design, s *state.RunState) (float64, []string, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	var issues []string

	tech := 0.95
	switch {
	case d.ImageURL == "":
		tech = 0
		issues = append(issues, "missing image url")
	case strings.Contains(d.ImageURL, "mock"):
		tech = 0.85
	}

	design := 0.85
	if len(d.Prompt) < minPromptLength {
		design -= 0.1
		issues = append(issues, "design prompt may be too short")
	}
	if s.Params.Style == "" {
		design -= 0.05
		issues = append(issues, "missing style")
	}

	commercial := 0.9
	if s.TrendData == nil || len(s.TrendData.Keywords) < minKeywords {
		commercial -= 0.1
		issues = append(issues, "insufficient keywords for seo")
	}
	lower := strings.ToLower(d.Prompt)
	for _, w := range copyrightTerms {
		if strings.Contains(lower, w) {
			commercial -= copyrightPenalty
			issues = append(issues, fmt.Sprintf("potential copyright issue: contains %q", w))
			break
		}
	}

	total := tech*weightTechnical + clamp01(design)*weightDesign + clamp01(commercial)*weightCommercial
	return clamp01(total), issues, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Quality 质量门：跳过已通过的设计，为其余当前设计（每个槽位的最新尝试）评分，
// 整体替换设计集合并给出三态结论。被新尝试取代的失败设计保留原分数。
// 重试计数由 Engine 在选择重试分支时递增。
type Quality struct{ deps Deps }

// NewQuality 创建质量门 stage
func NewQuality(d Deps) *Quality { return &Quality{deps: d.withDefaults()} }

func (q *Quality) Name() string      { return QualityCheck }
func (q *Quality) Owns() state.Field { return state.FieldDesigns | state.FieldQuality }

func (q *Quality) Validate(s *state.RunState) error {
	if len(s.Designs) == 0 {
		return stage.Precondition(QualityCheck, "没有可检查的设计，需先执行 %s", DesignGeneration)
	}
	return nil
}

type scored struct {
	score  float64
	issues []string
}

func (q *Quality) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	designs := make([]state.Design, len(s.Designs))
	copy(designs, s.Designs)

	current := map[string]bool{}
	for _, d := range quality.Current(designs) {
		current[d.ID] = true
	}
	var idx []int
	for i, d := range designs {
		if !d.Scored() || (!d.Passed && current[d.ID]) {
			idx = append(idx, i)
		}
	}
	rs := fanout.RunBounded(ctx, idx, q.deps.Concurrency, func(ctx context.Context, i int) (scored, error) {
		score, issues, err := q.deps.Scorer.Score(ctx, designs[i], s)
		return scored{score: score, issues: issues}, err
	})
	u := stage.LedgerFailures(QualityCheck, rs, func(k int) string {
		return "design " + designs[idx[k]].ID
	}, q.deps.now())
	for _, o := range rs {
		if !o.OK() {
			continue
		}
		i := idx[o.Index]
		sc := o.Value.score
		designs[i].Score = &sc
		designs[i].Issues = o.Value.issues
		designs[i].Passed = sc >= q.deps.Thresholds.Pass
	}
	if err := rs.Err(); err != nil {
		return u, err
	}

	latest := quality.Current(designs)
	avg := quality.Average(latest)
	verdict := quality.Decide(avg, s.RetryCount, s.MaxRetries, q.deps.Thresholds)
	failed := []string{}
	for _, d := range latest {
		if !d.Passed {
			failed = append(failed, d.ID)
		}
	}
	u.Designs = designs
	u.ReplaceDesigns = true
	u.AverageScore = &avg
	u.QualityVerdict = &verdict
	u.FailedDesignIDs = failed

	metrics.QualityVerdicts.WithLabelValues(string(verdict)).Inc()
	q.deps.Logger.Info("quality checked", "run_id", s.RunID, "scored", len(idx), "average", avg,
		"verdict", verdict, "retry_count", s.RetryCount, "max_retries", s.MaxRetries)
	return u, nil
}
