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
	"errors"
	"fmt"
	"strings"

	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
	"podflow/internal/storage/cache"
)

// Trend 趋势分析：产出趋势数据与 NumDesigns 条设计提示词
type Trend struct{ deps Deps }

// NewTrend 创建趋势分析 stage
func NewTrend(d Deps) *Trend { return &Trend{deps: d.withDefaults()} }

func (t *Trend) Name() string      { return TrendAnalysis }
func (t *Trend) Owns() state.Field { return state.FieldTrend | state.FieldPrompts }

func (t *Trend) Validate(s *state.RunState) error {
	if s.Params.Niche == "" {
		return stage.Precondition(TrendAnalysis, "缺少 niche")
	}
	return nil
}

type trendReply struct {
	Keywords      []string `json:"keywords"`
	Audience      string   `json:"audience"`
	Styles        []string `json:"styles"`
	Summary       string   `json:"summary"`
	Seasonal      string   `json:"seasonal"`
	Demand        string   `json:"demand"`
	DesignPrompts []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Mood        string `json:"mood"`
	} `json:"design_prompts"`
}

// trendEntry 缓存的趋势分析结果
type trendEntry struct {
	Trend   state.TrendData `json:"trend"`
	Prompts []string        `json:"prompts"`
}

func trendKey(p state.Params) string {
	return "trend:" + strings.ToLower(strings.TrimSpace(p.Niche)) + ":" + strings.ToLower(strings.TrimSpace(p.Style))
}

func (t *Trend) cacheEnabled() bool { return t.deps.TrendCache != nil && t.deps.TrendTTL > 0 }

// cached 命中时直接产出 delta，不记文本成本
func (t *Trend) cached(ctx context.Context, s *state.RunState) *state.Update {
	var e trendEntry
	err := t.deps.TrendCache.Get(ctx, trendKey(s.Params), &e)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			t.deps.Logger.Warn("trend cache read failed", "run_id", s.RunID, "error", err)
		}
		return nil
	}
	p := s.Params
	td := e.Trend
	u := &state.Update{TrendData: &td}
	for i, text := range e.Prompts {
		if i >= p.NumDesigns {
			break
		}
		u.DesignPrompts = append(u.DesignPrompts, state.Prompt{Slot: i, Text: text})
	}
	if n := len(u.DesignPrompts); n < p.NumDesigns {
		u.DesignPrompts = append(u.DesignPrompts, defaultPrompts(p, n, p.NumDesigns)...)
	}
	t.deps.Logger.Info("trend analysis served from cache", "run_id", s.RunID, "prompts", len(u.DesignPrompts))
	return u
}

func (t *Trend) store(ctx context.Context, s *state.RunState, u *state.Update) {
	e := trendEntry{Trend: *u.TrendData}
	for _, dp := range u.DesignPrompts {
		e.Prompts = append(e.Prompts, dp.Text)
	}
	if err := t.deps.TrendCache.Set(ctx, trendKey(s.Params), e, t.deps.TrendTTL); err != nil {
		t.deps.Logger.Warn("trend cache write failed", "run_id", s.RunID, "error", err)
	}
}

func (t *Trend) Execute(ctx context.Context, s *state.RunState) (*state.Update, error) {
	if t.cacheEnabled() {
		if u := t.cached(ctx, s); u != nil {
			return u, nil
		}
	}
	p := s.Params
	out, err := stage.Retry(ctx, t.deps.Retry, func(ctx context.Context) (providers.Completion, error) {
		return t.deps.Providers.Text.Complete(ctx, providers.SystemTrend, trendPrompt(p))
	}, t.deps.retryNotify(TrendAnalysis))
	if err != nil {
		return nil, err
	}

	u := state.MergeCost(CostText, out.Cost)
	var reply trendReply
	if err := decodeJSON(out.Text, &reply); err != nil || len(reply.DesignPrompts) == 0 {
		t.deps.Logger.Warn("trend reply unparsable, using defaults", "run_id", s.RunID, "error", err)
		td := defaultTrend(p)
		u.TrendData = &td
		u.DesignPrompts = defaultPrompts(p, 0, p.NumDesigns)
		return u, nil
	}

	td := state.TrendData{
		Keywords: reply.Keywords,
		Audience: reply.Audience,
		Styles:   reply.Styles,
		Summary:  reply.Summary,
		Seasonal: reply.Seasonal,
		Demand:   reply.Demand,
	}
	if len(td.Styles) == 0 {
		td.Styles = []string{p.Style}
	}
	u.TrendData = &td
	for i, dp := range reply.DesignPrompts {
		if i >= p.NumDesigns {
			break
		}
		u.DesignPrompts = append(u.DesignPrompts, state.Prompt{Slot: i, Text: imagePrompt(dp.Title, dp.Description, dp.Mood, p)})
	}
	// 模型返回不足时用默认提示词补齐
	if n := len(u.DesignPrompts); n < p.NumDesigns {
		u.DesignPrompts = append(u.DesignPrompts, defaultPrompts(p, n, p.NumDesigns)...)
	}
	t.deps.Logger.Info("trend analysis done", "run_id", s.RunID, "keywords", len(td.Keywords), "prompts", len(u.DesignPrompts))
	// 兜底结果不入缓存
	if t.cacheEnabled() {
		t.store(ctx, s, u)
	}
	return u, nil
}

func trendPrompt(p state.Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Niche: %s\nStyle: %s\nDesigns: %d\n\n", p.Niche, p.Style, p.NumDesigns)
	b.WriteString("Analyse current print-on-demand demand for this niche. Identify 10-15 long-tail keywords, ")
	b.WriteString("the target audience, recommended styles, seasonal angles and overall demand (low/medium/high). ")
	fmt.Fprintf(&b, "Then propose exactly %d design concepts.\n", p.NumDesigns)
	b.WriteString(`Return JSON: {"keywords":[],"audience":"","styles":[],"summary":"","seasonal":"","demand":"",`)
	b.WriteString(`"design_prompts":[{"title":"","description":"","mood":""}]}`)
	return b.String()
}

func imagePrompt(title, description, mood string, p state.Params) string {
	return fmt.Sprintf("%s: %s. Style: %s, %s. Perfect for print-on-demand products. High quality, clean design, suitable for %s audience. No text in the design.",
		title, description, p.Style, mood, p.Niche)
}

func defaultTrend(p state.Params) state.TrendData {
	return state.TrendData{
		Keywords: []string{p.Niche, p.Style, p.Niche + " gift", p.Niche + " lover"},
		Audience: "25-45 " + p.Niche + " fans",
		Styles:   []string{p.Style},
		Summary:  "popular " + p.Niche + " themes",
		Demand:   "medium",
		Fallback: true,
	}
}

func defaultPrompts(p state.Params, from, to int) []state.Prompt {
	out := make([]state.Prompt, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, state.Prompt{
			Slot: i,
			Text: fmt.Sprintf("A %s illustration related to %s, clean design for print-on-demand, concept %d", p.Style, p.Niche, i+1),
		})
	}
	return out
}
