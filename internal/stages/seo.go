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
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
)

// PlatformRules 平台的 listing 文案限制
type PlatformRules struct {
	TitleMax       int
	DescriptionMax int
	Tags           int
	TagMax         int
}

var platformRules = map[string]PlatformRules{
	"etsy":    {TitleMax: 140, DescriptionMax: 10000, Tags: 13, TagMax: 20},
	"amazon":  {TitleMax: 200, DescriptionMax: 2000, Tags: 5, TagMax: 50},
	"shopify": {TitleMax: 255, DescriptionMax: 5000, Tags: 15, TagMax: 30},
}

// RulesFor 平台规则，未知平台按 etsy 处理
func RulesFor(platform string) PlatformRules {
	if r, ok := platformRules[platform]; ok {
		return r
	}
	return platformRules["etsy"]
}

// SEO 为每个商品生成标题、标签与描述，按首个目标平台的规则截断
type SEO struct{ deps Deps }

// NewSEO 创建 SEO stage
func NewSEO(d Deps) *SEO { return &SEO{deps: d.withDefaults()} }

func (o *SEO) Name() string      { return SEOOptimization }
func (o *SEO) Owns() state.Field { return state.FieldSEO }

func (o *SEO) Validate(s *state.RunState) error {
	if len(s.Products) == 0 {
		return stage.Precondition(SEOOptimization, "没有商品，需先执行 %s", MockupCreation)
	}
	return nil
}

type seoReply struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type seoResult struct {
	data state.SEOData
	cost float64
}

func (o *SEO) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	platform := "etsy"
	if len(s.Params.TargetPlatforms) > 0 {
		platform = s.Params.TargetPlatforms[0]
	}
	rules := RulesFor(platform)
	var keywords []string
	if s.TrendData != nil {
		keywords = s.TrendData.Keywords
	}

	rs := fanout.RunBounded(ctx, s.Products, o.deps.Concurrency, func(ctx context.Context, p state.Product) (seoResult, error) {
		prompt := seoPrompt(s.Params, p, keywords, rules)
		out, err := stage.Retry(ctx, o.deps.Retry, func(ctx context.Context) (providers.Completion, error) {
			return o.deps.Providers.Text.Complete(ctx, providers.SystemSEO, prompt)
		}, o.deps.retryNotify(SEOOptimization))
		if err != nil {
			return seoResult{}, err
		}
		var reply seoReply
		if err := decodeJSON(out.Text, &reply); err != nil || reply.Title == "" {
			return seoResult{data: applyRules(defaultSEO(s.Params, p, keywords), rules), cost: out.Cost}, nil
		}
		data := state.SEOData{ProductID: p.ID, Title: reply.Title, Description: reply.Description, Tags: reply.Tags}
		return seoResult{data: applyRules(data, rules), cost: out.Cost}, nil
	})
	u := stage.LedgerFailures(SEOOptimization, rs, func(i int) string {
		return "product " + s.Products[i].ID
	}, o.deps.now())
	for _, r := range rs.Successes() {
		u.SEOContent = append(u.SEOContent, r.data)
		u.Merge(state.MergeCost(CostText, r.cost))
	}
	o.deps.Logger.Info("seo generated", "run_id", s.RunID, "platform", platform, "records", len(u.SEOContent))
	return u, rs.Err()
}

func seoPrompt(p state.Params, prod state.Product, keywords []string, r PlatformRules) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Niche: %s\nStyle: %s\nProduct type: %s\n", p.Niche, p.Style, prod.ProductType)
	fmt.Fprintf(&b, "Trending keywords: %s\n\n", strings.Join(keywords, ", "))
	fmt.Fprintf(&b, "Write a listing title (max %d chars), a description (max %d chars) and %d tags (max %d chars each). ",
		r.TitleMax, r.DescriptionMax, r.Tags, r.TagMax)
	b.WriteString(`Return JSON: {"title":"","description":"","tags":[]}`)
	return b.String()
}

func defaultSEO(p state.Params, prod state.Product, keywords []string) state.SEOData {
	tags := append([]string{p.Niche, prod.ProductType, p.Style}, keywords...)
	return state.SEOData{
		ProductID:   prod.ID,
		Title:       fmt.Sprintf("%s %s %s", p.Style, p.Niche, prod.ProductType),
		Description: fmt.Sprintf("A %s %s design on a %s.", p.Style, p.Niche, prod.ProductType),
		Tags:        tags,
	}
}

// applyRules 按平台限制截断并去重标签
func applyRules(d state.SEOData, r PlatformRules) state.SEOData {
	d.Title = truncate(strings.TrimSpace(d.Title), r.TitleMax)
	d.Description = truncate(strings.TrimSpace(d.Description), r.DescriptionMax)
	seen := map[string]bool{}
	tags := make([]string, 0, r.Tags)
	for _, t := range d.Tags {
		t = truncate(strings.ToLower(strings.TrimSpace(t)), r.TagMax)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
		if len(tags) == r.Tags {
			break
		}
	}
	d.Tags = tags
	return d
}
