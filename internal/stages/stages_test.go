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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/engine"
	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/router"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/providers"
	"podflow/internal/storage/cache"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

var fastRetry = stage.RetryPolicy{MaxAttempts: 2, Initial: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond}

func testDeps() Deps {
	return Deps{Providers: providers.NewMockSet(), Retry: fastRetry, Clock: clock}
}

func newState(n int) *state.RunState {
	p := state.Params{Niche: "cats", NumDesigns: n}.WithDefaults(state.Defaults{
		Platforms:    []string{"etsy"},
		ProductTypes: []string{"t-shirt", "mug"},
	})
	return state.New("run_test", "thread_test", p, 3, t0)
}

// tableScorer 按 (slot, attempt) 返回分数
type tableScorer struct {
	calls atomic.Int32
	score func(slot, attempt int) float64
}

func (s *tableScorer) Score(ctx context.Context, d state.Design, _ *state.RunState) (float64, []string, error) {
	s.calls.Add(1)
	return s.score(d.Slot, d.Attempt), nil, nil
}

func apply(t *testing.T, st stage.Stage, s *state.RunState) *state.RunState {
	t.Helper()
	require.NoError(t, st.Validate(s))
	u, err := st.Execute(context.Background(), s.Clone())
	require.NoError(t, err)
	require.NoError(t, u.CheckOwnership(st.Name(), st.Owns()))
	next := s.Clone()
	next.Apply(u)
	return next
}

func TestRuleScorer(t *testing.T) {
	s := newState(1)
	s.TrendData = &state.TrendData{Keywords: []string{"a", "b", "c"}}
	long := strings.Repeat("cat illustration ", 5)

	score, issues, err := RuleScorer{}.Score(context.Background(), state.Design{ImageURL: "https://x/mock_1.png", Prompt: long}, s)
	require.NoError(t, err)
	assert.InDelta(t, 0.865, score, 1e-9)
	assert.Empty(t, issues)

	score, issues, _ = RuleScorer{}.Score(context.Background(), state.Design{ImageURL: "https://x/1.png", Prompt: long + " disney"}, s)
	assert.InDelta(t, 0.95*0.4+0.85*0.3+0.6*0.3, score, 1e-9)
	assert.Len(t, issues, 1)

	score, _, _ = RuleScorer{}.Score(context.Background(), state.Design{Prompt: "short"}, s)
	assert.InDelta(t, 0.75*0.3+0.9*0.3, score, 1e-9)
}

func TestTrend_FallbackOnUnparsableReply(t *testing.T) {
	d := testDeps()
	d.Providers.Text = textFunc(func(string) string { return "not json" })
	s := apply(t, NewTrend(d), newState(3))
	require.NotNil(t, s.TrendData)
	assert.True(t, s.TrendData.Fallback)
	require.Len(t, s.DesignPrompts, 3)
	for i, p := range s.DesignPrompts {
		assert.Equal(t, i, p.Slot)
		assert.Contains(t, p.Text, "cats")
	}
	assert.InDelta(t, 0.01, s.CostBreakdown[CostText], 1e-9)
}

func TestTrend_PadsShortReply(t *testing.T) {
	d := testDeps()
	d.Providers.Text = textFunc(func(string) string {
		return "```json\n{\"keywords\":[\"a\"],\"design_prompts\":[{\"title\":\"one\",\"description\":\"d\",\"mood\":\"m\"}]}\n```"
	})
	s := apply(t, NewTrend(d), newState(3))
	assert.False(t, s.TrendData.Fallback)
	require.Len(t, s.DesignPrompts, 3)
	assert.True(t, strings.HasPrefix(s.DesignPrompts[0].Text, "one: d."))
	assert.Equal(t, 2, s.DesignPrompts[2].Slot)
}

func TestTrend_CacheHitSkipsProvider(t *testing.T) {
	var calls atomic.Int32
	d := testDeps()
	d.Providers.Text = textFunc(func(string) string {
		calls.Add(1)
		return `{"keywords":["a","b"],"demand":"high","design_prompts":[{"title":"one","description":"d","mood":"m"},{"title":"two","description":"d","mood":"m"}]}`
	})
	d.TrendCache = cache.NewMemoryStore(nil)
	d.TrendTTL = time.Hour

	first := apply(t, NewTrend(d), newState(2))
	assert.InDelta(t, 0.01, first.CostBreakdown[CostText], 1e-9)

	// 同 niche/style 第二次命中缓存，不调用模型也不计成本；设计数更多时补齐
	second := apply(t, NewTrend(d), newState(3))
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, second.CostBreakdown[CostText])
	assert.Equal(t, "high", second.TrendData.Demand)
	require.Len(t, second.DesignPrompts, 3)
	assert.Equal(t, first.DesignPrompts[1].Text, second.DesignPrompts[1].Text)
	assert.Equal(t, 2, second.DesignPrompts[2].Slot)
}

func TestTrend_FallbackNotCached(t *testing.T) {
	var calls atomic.Int32
	d := testDeps()
	d.Providers.Text = textFunc(func(string) string {
		calls.Add(1)
		return "not json"
	})
	d.TrendCache = cache.NewMemoryStore(nil)
	d.TrendTTL = time.Hour
	apply(t, NewTrend(d), newState(2))
	apply(t, NewTrend(d), newState(2))
	assert.Equal(t, int32(2), calls.Load())
}

type textFunc func(prompt string) string

func (f textFunc) Complete(ctx context.Context, system, prompt string) (providers.Completion, error) {
	return providers.Completion{Text: f(prompt), Cost: 0.01}, nil
}

type flakyImages struct {
	fail func(prompt string) bool
}

func (f flakyImages) Generate(ctx context.Context, prompt string) (providers.Image, error) {
	if f.fail(prompt) {
		return providers.Image{}, errors.New("upstream 503")
	}
	return providers.MockImages{}.Generate(ctx, prompt)
}

func TestDesign_PartialFailureIsLedgered(t *testing.T) {
	d := testDeps()
	d.Providers.Images = flakyImages{fail: func(p string) bool { return strings.HasSuffix(p, "#1") }}
	s := newState(3)
	s.DesignPrompts = []state.Prompt{{Slot: 0, Text: "p#0"}, {Slot: 1, Text: "p#1"}, {Slot: 2, Text: "p#2"}}

	next := apply(t, NewDesign(d), s)
	assert.Len(t, next.Designs, 2)
	assert.InDelta(t, 0.08, next.TotalCost, 1e-9)
	require.Len(t, next.Errors, 1)
	assert.Equal(t, stage.KindSubtask, next.Errors[0].Kind)
	assert.Contains(t, next.Errors[0].Message, "slot 1")
}

func TestDesign_AllFailed(t *testing.T) {
	d := testDeps()
	d.Providers.Images = flakyImages{fail: func(string) bool { return true }}
	s := newState(2)
	s.DesignPrompts = []state.Prompt{{Slot: 0, Text: "a"}, {Slot: 1, Text: "b"}}
	u, err := NewDesign(d).Execute(context.Background(), s)
	assert.ErrorIs(t, err, fanout.ErrAllFailed)
	assert.Empty(t, u.Designs)
	assert.Len(t, u.Errors, 2)
}

func TestDesign_RegeneratesOnlyPendingSlots(t *testing.T) {
	s := newState(3)
	s.DesignPrompts = []state.Prompt{{Slot: 0, Text: "a"}, {Slot: 1, Text: "b"}, {Slot: 2, Text: "c"}}
	s.Designs = []state.Design{
		{ID: "d0", Slot: 0, Passed: true},
		{ID: "d1", Slot: 1, Passed: true},
		{ID: "d2", Slot: 2},
	}
	s.RetryCount = 1
	u, err := NewDesign(testDeps()).Execute(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, u.Designs, 1)
	assert.Equal(t, 2, u.Designs[0].Slot)
	assert.Equal(t, 1, u.Designs[0].Attempt)
	assert.Equal(t, state.ArtifactID("design", "run_test", 1, "2"), u.Designs[0].ID)
	assert.NotEqual(t, state.ArtifactID("design", "run_test", 0, "2"), u.Designs[0].ID)
}

func TestQuality_RetryVerdictAndIdempotence(t *testing.T) {
	scorer := &tableScorer{score: func(slot, attempt int) float64 {
		return []float64{0.9, 0.85, 0.3}[slot]
	}}
	d := testDeps()
	d.Scorer = scorer
	s := newState(3)
	for i := 0; i < 3; i++ {
		s.DesignPrompts = append(s.DesignPrompts, state.Prompt{Slot: i})
		s.Designs = append(s.Designs, state.Design{ID: state.ArtifactID("design", s.RunID, 0, string(rune('0'+i))), Slot: i})
	}

	q := NewQuality(d)
	once := apply(t, q, s)
	assert.Equal(t, state.VerdictRetry, once.QualityVerdict)
	assert.InDelta(t, 0.68333, once.AverageScore, 1e-4)
	assert.Equal(t, 0, once.RetryCount)
	assert.Equal(t, []string{once.Designs[2].ID}, once.FailedDesignIDs)
	assert.Len(t, once.PassingDesigns(), 2)
	assert.Equal(t, int32(3), scorer.calls.Load())

	// 已通过的设计不再评分，未通过的当前设计重新评分；确定性评分下结论不变
	twice := apply(t, q, once)
	assert.Equal(t, once.QualityVerdict, twice.QualityVerdict)
	assert.Equal(t, once.Designs, twice.Designs)
	assert.Equal(t, int32(4), scorer.calls.Load())
	assert.Equal(t, []int{2}, quality.PendingSlots(twice))
}

func TestQuality_RescoresFailedCurrentDesigns(t *testing.T) {
	var rescored atomic.Int32
	scorer := &tableScorer{score: func(slot, attempt int) float64 {
		if slot == 1 && rescored.Add(1) == 1 {
			return 0.3
		}
		return 0.9
	}}
	d := testDeps()
	d.Scorer = scorer
	s := newState(2)
	for i := 0; i < 2; i++ {
		s.DesignPrompts = append(s.DesignPrompts, state.Prompt{Slot: i})
	}
	old := 0.2
	s.Designs = []state.Design{
		// 槽位 1 的旧尝试已被取代，不再评分
		{ID: "d1_old", Slot: 1, Attempt: 0, Score: &old},
		{ID: "d0", Slot: 0, Attempt: 1},
		{ID: "d1", Slot: 1, Attempt: 1},
	}

	q := NewQuality(d)
	once := apply(t, q, s)
	assert.Equal(t, int32(2), scorer.calls.Load())
	assert.Equal(t, []string{"d1"}, once.FailedDesignIDs)

	twice := apply(t, q, once)
	assert.Equal(t, int32(3), scorer.calls.Load())
	assert.Empty(t, twice.FailedDesignIDs)
	assert.Equal(t, state.VerdictPass, twice.QualityVerdict)
	assert.InDelta(t, 0.2, *twice.Designs[0].Score, 1e-9)
	assert.False(t, twice.Designs[0].Passed)
}

func TestQuality_FailAtRetryLimitKeepsDesigns(t *testing.T) {
	d := testDeps()
	d.Scorer = &tableScorer{score: func(int, int) float64 { return 0.4 }}
	s := newState(3)
	s.RetryCount = 3
	for i := 0; i < 3; i++ {
		s.Designs = append(s.Designs, state.Design{ID: string(rune('a' + i)), Slot: i})
	}
	next := apply(t, NewQuality(d), s)
	assert.Equal(t, state.VerdictFail, next.QualityVerdict)
	assert.Len(t, next.Designs, 3)
	assert.Len(t, next.FailedDesignIDs, 3)
}

func TestReview_AwaitingDecision(t *testing.T) {
	r := NewReview(testDeps())
	s := newState(1)
	s.Products = []state.Product{{ID: "p", DesignID: "d"}}

	_, waiting := r.AwaitingDecision(s)
	assert.False(t, waiting)

	s.Review.Required = true
	reason, waiting := r.AwaitingDecision(s)
	assert.True(t, waiting)
	assert.Equal(t, "awaiting approval of 1 products", reason)

	yes := true
	s.Review.Approved = &yes
	_, waiting = r.AwaitingDecision(s)
	assert.False(t, waiting)
}

func TestUpload_RequiresApproval(t *testing.T) {
	s := newState(1)
	s.Products = []state.Product{{ID: "p", DesignID: "d"}}
	s.SEOContent = []state.SEOData{{ProductID: "p", Title: "t"}}
	s.Review.Required = true
	err := NewUpload(testDeps()).Validate(s)
	assert.True(t, stage.IsPrecondition(err))
}

func TestApplyRules(t *testing.T) {
	r := RulesFor("amazon")
	d := applyRules(state.SEOData{
		Title: strings.Repeat("x", 300),
		Tags:  []string{"A", "a", " b ", strings.Repeat("c", 80), "d", "e", "f", "g"},
	}, r)
	assert.Len(t, d.Title, 200)
	assert.Equal(t, []string{"a", "b", strings.Repeat("c", 50), "d", "e"}, d.Tags)
	assert.Equal(t, platformRules["etsy"], RulesFor("unknown"))
}

func TestLoadGraph_DefaultMatchesCode(t *testing.T) {
	fromYAML, err := LoadGraph("", testDeps())
	require.NoError(t, err)
	fromCode, err := DefaultGraph(testDeps())
	require.NoError(t, err)
	assert.Equal(t, fromCode.Stages(), fromYAML.Stages())
	assert.Equal(t, TrendAnalysis, fromYAML.Entry())

	s := newState(1)
	s.QualityVerdict = state.VerdictRetry
	for _, g := range []*router.Graph{fromYAML, fromCode} {
		br, err := g.Route(QualityCheck, s)
		require.NoError(t, err)
		assert.Equal(t, router.Branch{Target: DesignGeneration, CountsRetry: true}, br)

		br, err = g.Route(PlatformUpload, s)
		require.NoError(t, err)
		assert.Equal(t, router.End, br.Target)
	}
}

func runPipeline(t *testing.T, p state.Params) (*engine.Engine, *state.RunState) {
	t.Helper()
	g, err := DefaultGraph(testDeps())
	require.NoError(t, err)
	eng := engine.New(g, checkpoint.NewMemoryStore(clock), engine.WithClock(clock))
	st, err := eng.Start(context.Background(), p)
	require.NoError(t, err)
	return eng, st
}

func TestPipeline_MockEndToEnd(t *testing.T) {
	_, st := runPipeline(t, state.Params{Niche: "cats", NumDesigns: 2, TargetPlatforms: []string{"etsy", "shopify"}})
	assert.Equal(t, state.StatusCompleted, st.Status, "errors: %v", st.Errors)
	assert.Len(t, st.Designs, 2)
	assert.Len(t, st.Products, 4)
	assert.Len(t, st.SEOContent, 4)
	assert.Len(t, st.Listings, 8)
	assert.Empty(t, st.SalesData)
	assert.Equal(t, PlatformUpload, st.CurrentStep)
	// 1 次趋势 + 2 张图 + 4 条 SEO + 4 个 etsy 上架费
	assert.InDelta(t, 0.01+0.08+0.04+0.8, st.TotalCost, 1e-9)
	assert.InDelta(t, 0.8, st.CostBreakdown[CostPlatform], 1e-9)
}

func TestPipeline_ReviewAndOptimization(t *testing.T) {
	eng, st := runPipeline(t, state.Params{Niche: "dogs", NumDesigns: 1, HumanReview: true, IncludeOptimization: true})
	require.Equal(t, state.StatusPaused, st.Status)
	assert.Equal(t, HumanReview, st.NextStage)
	assert.Equal(t, "awaiting approval of 2 products", st.Review.PendingReason)
	assert.Empty(t, st.Listings)

	ctx := context.Background()
	_, err := eng.Decide(ctx, st.RunID, true, "ship it")
	require.NoError(t, err)
	final, err := eng.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Len(t, final.Listings, 2)
	assert.Len(t, final.SalesData, 2)
	assert.NotEmpty(t, final.Recommendations)
	assert.Equal(t, Optimization, final.CurrentStep)
}

func TestPipeline_CopyrightPromptsFail(t *testing.T) {
	_, st := runPipeline(t, state.Params{Niche: "disney fans", NumDesigns: 2})
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Equal(t, state.VerdictFail, st.QualityVerdict)
	// 0.775 落在重试区间，重试耗尽后失败，全部尝试的设计都保留
	assert.Equal(t, 3, st.RetryCount)
	assert.Len(t, st.Designs, 8)
	assert.InDelta(t, 0.775, st.AverageScore, 1e-9)
	assert.Empty(t, st.Products)
}
