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
	"sort"
	"strings"

	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
)

// Optimize 上架后拉取销售快照并生成优化建议
type Optimize struct{ deps Deps }

// NewOptimize 创建优化 stage
func NewOptimize(d Deps) *Optimize { return &Optimize{deps: d.withDefaults()} }

func (o *Optimize) Name() string      { return Optimization }
func (o *Optimize) Owns() state.Field { return state.FieldSales | state.FieldRecommendations }

func (o *Optimize) Validate(s *state.RunState) error {
	if len(s.Listings) == 0 {
		return stage.Precondition(Optimization, "没有已上架的商品")
	}
	return nil
}

func (o *Optimize) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	rs := fanout.RunBounded(ctx, s.Listings, o.deps.Concurrency, func(ctx context.Context, l state.Listing) (state.SalesMetrics, error) {
		return stage.Retry(ctx, o.deps.Retry, func(ctx context.Context) (state.SalesMetrics, error) {
			return o.deps.Providers.Commerce.Stats(ctx, l)
		}, o.deps.retryNotify(Optimization))
	})
	u := stage.LedgerFailures(Optimization, rs, func(i int) string {
		return "listing " + s.Listings[i].ID
	}, o.deps.now())
	if err := rs.Err(); err != nil {
		return u, err
	}
	sales := rs.Successes()
	u.SalesData = sales

	out, err := stage.Retry(ctx, o.deps.Retry, func(ctx context.Context) (providers.Completion, error) {
		return o.deps.Providers.Text.Complete(ctx, providers.SystemAdvice, advicePrompt(s.Params, sales))
	}, o.deps.retryNotify(Optimization))
	if err != nil {
		// 建议生成失败不影响已获取的销售数据
		u.Merge(state.MergeError(Optimization, stage.KindOf(err), err.Error(), o.deps.now()))
		u.Recommendations = heuristicAdvice(sales)
		return u, nil
	}
	u.Merge(state.MergeCost(CostText, out.Cost))
	var reply struct {
		Recommendations []string `json:"recommendations"`
	}
	if err := decodeJSON(out.Text, &reply); err != nil || len(reply.Recommendations) == 0 {
		u.Recommendations = heuristicAdvice(sales)
	} else {
		u.Recommendations = reply.Recommendations
	}
	o.deps.Logger.Info("optimization done", "run_id", s.RunID, "listings", len(sales), "recommendations", len(u.Recommendations))
	return u, nil
}

// Summary 销售汇总
type Summary struct {
	Views      int
	Orders     int
	Revenue    float64
	Conversion float64 // 百分比
}

// Summarize 汇总销售快照
func Summarize(sales []state.SalesMetrics) Summary {
	var sum Summary
	for _, m := range sales {
		sum.Views += m.Views
		sum.Orders += m.Orders
		sum.Revenue += m.Revenue
	}
	if sum.Views > 0 {
		sum.Conversion = float64(sum.Orders) / float64(sum.Views) * 100
	}
	return sum
}

func advicePrompt(p state.Params, sales []state.SalesMetrics) string {
	sum := Summarize(sales)
	var b strings.Builder
	fmt.Fprintf(&b, "Niche: %s\nStyle: %s\n", p.Niche, p.Style)
	fmt.Fprintf(&b, "Listings: %d, views: %d, orders: %d, revenue: %.2f, conversion: %.2f%%\n\n",
		len(sales), sum.Views, sum.Orders, sum.Revenue, sum.Conversion)
	b.WriteString(`Suggest concrete next steps to improve sales. Return JSON: {"recommendations":[]}`)
	return b.String()
}

// heuristicAdvice 模型不可用时按转化率给出建议
func heuristicAdvice(sales []state.SalesMetrics) []string {
	if len(sales) == 0 {
		return []string{"No sales data yet; revisit after listings gather traffic"}
	}
	sorted := append([]state.SalesMetrics(nil), sales...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Revenue > sorted[j].Revenue })
	out := []string{fmt.Sprintf("Promote listing %s, the top earner", sorted[0].ListingID)}
	sum := Summarize(sales)
	if sum.Conversion < 2 {
		out = append(out, "Conversion is below 2%; test new mockups and sharper titles")
	}
	if sum.Views < 50*len(sales) {
		out = append(out, "Traffic is low; add trending tags and consider promoted listings")
	}
	return out
}
