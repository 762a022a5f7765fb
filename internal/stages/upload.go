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

// Upload 将商品发布到每个目标平台
type Upload struct{ deps Deps }

// NewUpload 创建上架 stage
func NewUpload(d Deps) *Upload { return &Upload{deps: d.withDefaults()} }

func (p *Upload) Name() string      { return PlatformUpload }
func (p *Upload) Owns() state.Field { return state.FieldListings }

func (p *Upload) Validate(s *state.RunState) error {
	if len(s.Products) == 0 {
		return stage.Precondition(PlatformUpload, "没有可上架的商品")
	}
	if len(s.SEOContent) == 0 {
		return stage.Precondition(PlatformUpload, "缺少 SEO 内容，需先执行 %s", SEOOptimization)
	}
	if s.Review.Required && (s.Review.Approved == nil || !*s.Review.Approved) {
		return stage.Precondition(PlatformUpload, "上架前需要人工审核通过")
	}
	return nil
}

type published struct {
	listing state.Listing
	fee     float64
}

func (p *Upload) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	seo := make(map[string]state.SEOData, len(s.SEOContent))
	for _, d := range s.SEOContent {
		seo[d.ProductID] = d
	}
	var reqs []providers.PublishRequest
	for _, prod := range s.Products {
		d, ok := seo[prod.ID]
		if !ok {
			p.deps.Logger.Warn("no seo content for product, skipped", "run_id", s.RunID, "product_id", prod.ID)
			continue
		}
		for _, platform := range s.Params.TargetPlatforms {
			reqs = append(reqs, providers.PublishRequest{
				ProductID:   prod.ID,
				Platform:    platform,
				Title:       d.Title,
				Description: d.Description,
				Tags:        d.Tags,
				MockupURL:   prod.MockupURL,
			})
		}
	}
	if len(reqs) == 0 {
		return nil, stage.Precondition(PlatformUpload, "没有同时具备 SEO 内容的商品")
	}

	rs := fanout.RunBounded(ctx, reqs, p.deps.Concurrency, func(ctx context.Context, req providers.PublishRequest) (published, error) {
		out, err := stage.Retry(ctx, p.deps.Retry, func(ctx context.Context) (providers.Published, error) {
			return p.deps.Providers.Commerce.Publish(ctx, req)
		}, p.deps.retryNotify(PlatformUpload))
		if err != nil {
			return published{}, err
		}
		return published{
			listing: state.Listing{
				ID:        state.ArtifactID("list", s.RunID, 0, req.ProductID+"/"+req.Platform),
				ProductID: req.ProductID,
				Platform:  req.Platform,
				URL:       out.URL,
				Status:    "active",
			},
			fee: out.Fee,
		}, nil
	})
	u := stage.LedgerFailures(PlatformUpload, rs, func(i int) string {
		return reqs[i].ProductID + "@" + reqs[i].Platform
	}, p.deps.now())
	for _, r := range rs.Successes() {
		u.Listings = append(u.Listings, r.listing)
		u.Merge(state.MergeCost(CostPlatform, r.fee))
	}
	p.deps.Logger.Info("products published", "run_id", s.RunID, "requested", len(reqs), "listings", len(u.Listings))
	return u, rs.Err()
}
