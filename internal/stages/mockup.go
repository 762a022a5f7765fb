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

	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
)

// Mockup 为每个通过的设计 × 商品类型生成商品 mockup
type Mockup struct{ deps Deps }

// NewMockup 创建 mockup stage
func NewMockup(d Deps) *Mockup { return &Mockup{deps: d.withDefaults()} }

func (m *Mockup) Name() string      { return MockupCreation }
func (m *Mockup) Owns() state.Field { return state.FieldProducts }

func (m *Mockup) Validate(s *state.RunState) error {
	if len(s.PassingDesigns()) == 0 {
		return stage.Precondition(MockupCreation, "没有通过质量检查的设计")
	}
	if len(s.Params.ProductTypes) == 0 {
		return stage.Precondition(MockupCreation, "缺少 product_types")
	}
	return nil
}

func (m *Mockup) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	var reqs []providers.MockupRequest
	for _, d := range s.PassingDesigns() {
		for _, pt := range s.Params.ProductTypes {
			reqs = append(reqs, providers.MockupRequest{DesignID: d.ID, ImageURL: d.ImageURL, ProductType: pt})
		}
	}
	rs := fanout.RunBounded(ctx, reqs, m.deps.Concurrency, func(ctx context.Context, req providers.MockupRequest) (state.Product, error) {
		url, err := stage.Retry(ctx, m.deps.Retry, func(ctx context.Context) (string, error) {
			u, err := m.deps.Providers.Commerce.CreateMockup(ctx, req)
			if err != nil {
				if _, known := providers.ProductTemplates[req.ProductType]; !known {
					return "", stage.Permanent(err)
				}
			}
			return u, err
		}, m.deps.retryNotify(MockupCreation))
		if err != nil {
			return state.Product{}, err
		}
		return state.Product{
			ID:          state.ArtifactID("prod", s.RunID, 0, req.DesignID+"/"+req.ProductType),
			DesignID:    req.DesignID,
			ProductType: req.ProductType,
			MockupURL:   url,
		}, nil
	})
	u := stage.LedgerFailures(MockupCreation, rs, func(i int) string {
		return reqs[i].DesignID + "/" + reqs[i].ProductType
	}, m.deps.now())
	u.Products = rs.Successes()
	m.deps.Logger.Info("mockups created", "run_id", s.RunID, "requested", len(reqs), "created", len(u.Products))
	return u, rs.Err()
}
