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

	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
)

// Review 人工审核中断点。需要审核且尚未决策时 Engine 在此暂停；
// 决策由外部写入，恢复后重新执行本 stage 并由审核条件路由。
type Review struct{ deps Deps }

// NewReview 创建审核 stage
func NewReview(d Deps) *Review { return &Review{deps: d.withDefaults()} }

func (r *Review) Name() string      { return HumanReview }
func (r *Review) Owns() state.Field { return state.FieldReview }

func (r *Review) Validate(s *state.RunState) error {
	if len(s.Products) == 0 {
		return stage.Precondition(HumanReview, "没有待审核的商品")
	}
	return nil
}

func (r *Review) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	if s.Review.Decided() {
		r.deps.Logger.Info("review decision applied", "run_id", s.RunID, "approved", *s.Review.Approved)
	}
	return &state.Update{}, nil
}

// AwaitingDecision 实现 stage.Interrupt
func (r *Review) AwaitingDecision(s *state.RunState) (string, bool) {
	if !s.Review.Required || s.Review.Decided() {
		return "", false
	}
	return fmt.Sprintf("awaiting approval of %d products", len(s.Products)), true
}
