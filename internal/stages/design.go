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
	"strconv"

	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
)

// Design 设计生成：为尚无通过设计的槽位并发生成图片。
// 首轮覆盖全部槽位，质量重试时只补齐未通过的槽位。
type Design struct{ deps Deps }

// NewDesign 创建设计生成 stage
func NewDesign(d Deps) *Design { return &Design{deps: d.withDefaults()} }

func (g *Design) Name() string      { return DesignGeneration }
func (g *Design) Owns() state.Field { return state.FieldDesigns }

func (g *Design) Validate(s *state.RunState) error {
	if len(s.DesignPrompts) == 0 {
		return stage.Precondition(DesignGeneration, "缺少 design_prompts，需先执行 %s", TrendAnalysis)
	}
	return nil
}

func (g *Design) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	pending := map[int]bool{}
	for _, slot := range quality.PendingSlots(s) {
		pending[slot] = true
	}
	var prompts []state.Prompt
	for _, p := range s.DesignPrompts {
		if pending[p.Slot] {
			prompts = append(prompts, p)
		}
	}
	if len(prompts) == 0 {
		return &state.Update{}, nil
	}

	attempt := s.RetryCount
	type generated struct {
		design state.Design
		cost   float64
	}
	rs := fanout.RunBounded(ctx, prompts, g.deps.Concurrency, func(ctx context.Context, p state.Prompt) (generated, error) {
		img, err := stage.Retry(ctx, g.deps.Retry, func(ctx context.Context) (providers.Image, error) {
			return g.deps.Providers.Images.Generate(ctx, p.Text)
		}, g.deps.retryNotify(DesignGeneration))
		if err != nil {
			return generated{}, err
		}
		return generated{
			design: state.Design{
				ID:        state.ArtifactID("design", s.RunID, attempt, strconv.Itoa(p.Slot)),
				Slot:      p.Slot,
				Prompt:    p.Text,
				ImageURL:  img.URL,
				Attempt:   attempt,
				CreatedAt: g.deps.now(),
			},
			cost: img.Cost,
		}, nil
	})

	u := stage.LedgerFailures(DesignGeneration, rs, func(i int) string {
		return fmt.Sprintf("slot %d", prompts[i].Slot)
	}, g.deps.now())
	for _, out := range rs.Successes() {
		u.Designs = append(u.Designs, out.design)
		u.Merge(state.MergeCost(CostImage, out.cost))
	}
	g.deps.Logger.Info("designs generated", "run_id", s.RunID, "attempt", attempt,
		"requested", len(prompts), "generated", len(u.Designs))
	if err := rs.Err(); err != nil {
		return u, err
	}
	return u, nil
}
