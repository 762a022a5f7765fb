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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/guard"
	"podflow/internal/pipeline/quality"
	"podflow/internal/pipeline/router"
	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
	"podflow/pkg/errors"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

// seqIDs 递增的确定性 id
type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) RunID() string { return fmt.Sprintf("run_%012d", s.n.Add(1)) }
func (s *seqIDs) ResumeToken() string {
	return fmt.Sprintf("thread_%012d", s.n.Load())
}

// scoreFunc 按 (slot, attempt) 给分
type scoreFunc func(slot, attempt int) float64

type reviewStage struct{ *stage.Func }

func (r reviewStage) AwaitingDecision(s *state.RunState) (string, bool) {
	if s.Review.Required && !s.Review.Decided() {
		return "awaiting approval", true
	}
	return "", false
}

type fixture struct {
	scores       scoreFunc
	generateCall atomic.Int32
	mu           sync.Mutex
	genSlots     [][]int
	block        chan struct{} // 非 nil 时 generate 阻塞至 ctx 结束或 channel 关闭
	started      chan struct{}
}

func newFixture(scores scoreFunc) *fixture {
	return &fixture{scores: scores}
}

func (f *fixture) graph(t *testing.T) *router.Graph {
	t.Helper()
	prompts := &stage.Func{
		StageName: "prompts",
		Fields:    state.FieldPrompts,
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			u := &state.Update{}
			for i := 0; i < s.Params.NumDesigns; i++ {
				u.DesignPrompts = append(u.DesignPrompts, state.Prompt{Slot: i, Text: fmt.Sprintf("%s #%d", s.Params.Niche, i)})
			}
			return u, nil
		},
	}
	generate := &stage.Func{
		StageName: "generate",
		Fields:    state.FieldDesigns,
		Check: func(s *state.RunState) error {
			if len(s.DesignPrompts) == 0 {
				return stage.Precondition("generate", "缺少 design_prompts")
			}
			return nil
		},
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			f.generateCall.Add(1)
			if f.block != nil {
				if f.started != nil {
					close(f.started)
					f.started = nil
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-f.block:
				}
			}
			slots := quality.PendingSlots(s)
			f.mu.Lock()
			f.genSlots = append(f.genSlots, slots)
			f.mu.Unlock()
			u := &state.Update{Costs: map[string]float64{}}
			for _, slot := range slots {
				u.Designs = append(u.Designs, state.Design{
					ID:      state.ArtifactID("design", s.RunID, s.RetryCount, fmt.Sprint(slot)),
					Slot:    slot,
					Attempt: s.RetryCount,
				})
				u.Costs["image"] += 0.04
			}
			return u, nil
		},
	}
	check := &stage.Func{
		StageName: "check",
		Fields:    state.FieldDesigns | state.FieldQuality,
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			designs := make([]state.Design, len(s.Designs))
			failed := []string{}
			for i, d := range s.Designs {
				if d.Score == nil {
					sc := f.scores(d.Slot, d.Attempt)
					d.Score = &sc
					d.Passed = sc >= quality.DefaultThresholds.Pass
				}
				if !d.Passed {
					failed = append(failed, d.ID)
				}
				designs[i] = d
			}
			avg := quality.Average(quality.Current(designs))
			v := quality.Decide(avg, s.RetryCount, s.MaxRetries, quality.DefaultThresholds)
			return &state.Update{Designs: designs, ReplaceDesigns: true, AverageScore: &avg, QualityVerdict: &v, FailedDesignIDs: failed}, nil
		},
	}
	review := reviewStage{&stage.Func{StageName: "review", Fields: state.FieldReview}}
	publish := &stage.Func{
		StageName: "publish",
		Fields:    state.FieldListings,
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			u := &state.Update{}
			for _, d := range s.PassingDesigns() {
				u.Listings = append(u.Listings, state.Listing{
					ID:        state.ArtifactID("listing", s.RunID, 0, d.ID),
					ProductID: d.ID,
					Platform:  "etsy",
					Status:    "active",
				})
			}
			return u, nil
		},
	}
	g, err := router.NewBuilder().
		AddStage(prompts).
		AddStage(generate).
		AddStage(check).
		AddStage(review).
		AddStage(publish).
		AddEdge("prompts", "generate").
		AddEdge("generate", "check").
		AddConditional("check", router.QualityCondition, router.QualityBranches("review", "generate")).
		AddConditional("review", router.ApprovalCondition, router.ApprovalBranches("publish")).
		AddEdge("publish", router.End).
		Build()
	require.NoError(t, err)
	return g
}

func newEngine(t *testing.T, f *fixture, store checkpoint.Store, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithClock(fixedClock), WithIDGenerator(&seqIDs{})}
	return New(f.graph(t), store, append(base, opts...)...)
}

func constScore(v float64) scoreFunc { return func(int, int) float64 { return v } }

func params(n int) state.Params {
	return state.Params{Niche: "cats", NumDesigns: n}
}

func TestEngine_CompletesHappyPath(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(fixedClock)
	events := progress.NewMemoryStore()
	f := newFixture(constScore(0.9))
	eng := newEngine(t, f, store, WithProgress(events))

	st, err := eng.Start(ctx, params(3))
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Len(t, st.Designs, 3)
	assert.Len(t, st.Listings, 3)
	assert.Equal(t, 0, st.RetryCount)
	assert.InDelta(t, 0.12, st.TotalCost, 1e-9)
	assert.InDelta(t, 0.12, st.CostBreakdown["image"], 1e-9)
	assert.Empty(t, st.NextStage)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t, "publish", st.CurrentStep)

	rec, err := store.Load(ctx, st.RunID)
	require.NoError(t, err)
	assert.True(t, rec.Archived)
	assert.Equal(t, st.Version, rec.Version)
	assert.Equal(t, int64(5), rec.Version)

	evs, err := events.List(ctx, st.RunID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 5)
	for i, e := range evs[:4] {
		assert.False(t, e.Terminal(), "event %d", i)
	}
	assert.True(t, evs[4].Terminal())
	assert.Equal(t, 3, evs[4].Counters.Listings)

	// 终态 run 再次 Run 直接返回
	again, err := eng.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, st.Version, again.Version)
}

func TestEngine_QualityRetryRegeneratesOnlyLowSlot(t *testing.T) {
	ctx := context.Background()
	scores := func(slot, attempt int) float64 {
		switch {
		case slot == 0:
			return 0.9
		case slot == 1:
			return 0.85
		case attempt == 0:
			return 0.3
		default:
			return 0.95
		}
	}
	events := progress.NewMemoryStore()
	f := newFixture(scores)
	eng := newEngine(t, f, checkpoint.NewMemoryStore(fixedClock), WithProgress(events))

	st, err := eng.Start(ctx, params(3))
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, int32(2), f.generateCall.Load())
	assert.Equal(t, [][]int{{0, 1, 2}, {2}}, f.genSlots)

	// 被取代的失败设计保留
	assert.Len(t, st.Designs, 4)
	assert.Len(t, st.PassingDesigns(), 3)
	assert.Len(t, st.FailedDesignIDs, 1)
	assert.InDelta(t, 0.9, st.AverageScore, 1e-9)
	assert.InDelta(t, 0.16, st.TotalCost, 1e-9)

	evs, err := events.List(ctx, st.RunID, 0)
	require.NoError(t, err)
	var sawRetry bool
	for _, e := range evs {
		if e.Step == "check" && e.Counters.RetryCount == 1 && !sawRetry {
			sawRetry = true
			assert.Equal(t, state.StatusRunning, e.Status)
		}
	}
	assert.True(t, sawRetry)
}

func TestEngine_QualityFailRetainsArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(constScore(0.4))
	eng := newEngine(t, f, checkpoint.NewMemoryStore(fixedClock))

	st, err := eng.Start(ctx, params(3))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Equal(t, state.VerdictFail, st.QualityVerdict)
	assert.Len(t, st.Designs, 3)
	assert.Len(t, st.FailedDesignIDs, 3)
	assert.Empty(t, st.Listings)
	assert.InDelta(t, 0.12, st.TotalCost, 1e-9)
	require.NotNil(t, st.CompletedAt)
}

func TestEngine_RetryBound(t *testing.T) {
	ctx := context.Background()
	for _, limit := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("max_%d", limit), func(t *testing.T) {
			f := newFixture(constScore(0.6))
			eng := newEngine(t, f, checkpoint.NewMemoryStore(fixedClock), WithMaxRetries(limit))
			st, err := eng.Start(ctx, params(2))
			require.NoError(t, err)
			assert.Equal(t, state.StatusFailed, st.Status)
			assert.Equal(t, limit, st.RetryCount)
			assert.Equal(t, int32(limit+1), f.generateCall.Load())
			assert.Len(t, st.Designs, 2*(limit+1))
		})
	}
}

func TestEngine_PauseAndResumeAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(fixedClock)
	p := params(2)
	p.HumanReview = true

	st, err := newEngine(t, newFixture(constScore(0.9)), store).Start(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, st.Status)
	assert.Equal(t, "review", st.NextStage)
	assert.Equal(t, "awaiting approval", st.Review.PendingReason)
	assert.Empty(t, st.Listings)

	// 复制 checkpoint 到新存储，模拟进程重启
	rec, err := store.Load(ctx, st.RunID)
	require.NoError(t, err)
	raw, err := json.Marshal(rec.State)
	require.NoError(t, err)
	var restored state.RunState
	require.NoError(t, json.Unmarshal(raw, &restored))
	restored.Version = 0
	store2 := checkpoint.NewMemoryStore(fixedClock)
	require.NoError(t, store2.Create(ctx, &restored))

	eng2 := newEngine(t, newFixture(constScore(0.9)), store2)

	// 未决策时 Run 不推进
	same, err := eng2.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, same.Status)

	decided, err := eng2.Decide(ctx, st.RunID, true, "looks good")
	require.NoError(t, err)
	assert.True(t, decided.Review.Decided())
	assert.Empty(t, decided.Review.PendingReason)

	_, err = eng2.Decide(ctx, st.RunID, false, "")
	assert.ErrorIs(t, err, errors.ErrNotPaused)

	resumed, err := eng2.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, resumed.Status)
	assert.Equal(t, "looks good", resumed.Review.Notes)

	// 与不暂停的 run 产出一致
	direct, err := newEngine(t, newFixture(constScore(0.9)), checkpoint.NewMemoryStore(fixedClock)).Start(ctx, params(2))
	require.NoError(t, err)
	assert.Equal(t, direct.RunID, resumed.RunID)
	assert.Equal(t, direct.Designs, resumed.Designs)
	assert.Equal(t, direct.Listings, resumed.Listings)
	assert.Equal(t, direct.TotalCost, resumed.TotalCost)
}

func TestEngine_RejectedReviewFails(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, newFixture(constScore(0.9)), checkpoint.NewMemoryStore(fixedClock))
	p := params(1)
	p.HumanReview = true
	st, err := eng.Start(ctx, p)
	require.NoError(t, err)
	require.Equal(t, state.StatusPaused, st.Status)

	_, err = eng.Decide(ctx, st.RunID, false, "off brand")
	require.NoError(t, err)
	final, err := eng.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, final.Status)
	assert.Empty(t, final.Listings)
}

func TestEngine_DecideRequiresPaused(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, newFixture(constScore(0.9)), checkpoint.NewMemoryStore(fixedClock))
	st, err := eng.Create(ctx, params(1))
	require.NoError(t, err)
	_, err = eng.Decide(ctx, st.RunID, true, "")
	assert.ErrorIs(t, err, errors.ErrNotPaused)

	_, err = eng.Decide(ctx, "run_missing", true, "")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEngine_CancelDiscardsInFlightStage(t *testing.T) {
	store := checkpoint.NewMemoryStore(fixedClock)
	f := newFixture(constScore(0.9))
	f.block = make(chan struct{})
	f.started = make(chan struct{})
	started := f.started
	eng := newEngine(t, f, store)

	st, err := eng.Create(context.Background(), params(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(ctx, st.RunID)
		done <- err
	}()
	<-started
	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := store.Load(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, "generate", rec.State.NextStage)
	assert.Equal(t, state.StatusRunning, rec.State.Status)
	assert.Len(t, rec.State.DesignPrompts, 2)
	assert.Empty(t, rec.State.Designs)
	assert.Zero(t, rec.State.TotalCost)
	assert.Equal(t, int64(1), rec.Version)

	// 恢复后从 generate 重新执行
	close(f.block)
	final, err := eng.Run(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Len(t, final.Designs, 2)
	assert.Len(t, final.DesignPrompts, 2)
}

func TestEngine_RejectsConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(fixedClock)
	eng := newEngine(t, newFixture(constScore(0.9)), store)
	st, err := eng.Create(ctx, params(1))
	require.NoError(t, err)

	lease, err := store.Acquire(ctx, st.RunID, time.Minute)
	require.NoError(t, err)

	_, err = eng.Run(ctx, st.RunID)
	assert.ErrorIs(t, err, errors.ErrRunLocked)

	require.NoError(t, store.Release(ctx, lease))
	final, err := eng.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, final.Status)
}

func TestEngine_CancelUnderForeignLeaseIsRequested(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(fixedClock)
	f := newFixture(constScore(0.9))
	eng := newEngine(t, f, store)
	st, err := eng.Create(ctx, params(1))
	require.NoError(t, err)

	lease, err := store.Acquire(ctx, st.RunID, time.Minute)
	require.NoError(t, err)

	// 不等待租约，只记录请求
	got, err := eng.Cancel(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, got.Status)
	requested, err := store.CancelRequested(ctx, st.RunID)
	require.NoError(t, err)
	assert.True(t, requested)

	// 下一个认领者直接落盘 cancelled，不再执行任何 stage
	require.NoError(t, store.Release(ctx, lease))
	final, err := eng.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, final.Status)
	assert.Zero(t, f.generateCall.Load())

	_, err = eng.Cancel(ctx, st.RunID)
	assert.ErrorIs(t, err, errors.ErrTerminal)
}

func TestEngine_PreconditionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(constScore(0.9))
	g := f.graph(t)
	// 入口直接指向 generate，缺少 prompts
	gen, _ := g.Stage("generate")
	check, _ := g.Stage("check")
	g2, err := router.NewBuilder().
		AddStage(gen).
		AddStage(check).
		AddEdge("generate", "check").
		AddConditional("check", router.QualityCondition, router.QualityBranches(router.End, "generate")).
		Build()
	require.NoError(t, err)

	eng := New(g2, checkpoint.NewMemoryStore(fixedClock), WithClock(fixedClock))
	st, err := eng.Start(ctx, params(1))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, stage.KindPrecondition, st.Errors[0].Kind)
	assert.Equal(t, "generate", st.Errors[0].Step)
	assert.Zero(t, f.generateCall.Load())
}

func TestEngine_OwnershipViolation(t *testing.T) {
	ctx := context.Background()
	rogue := &stage.Func{
		StageName: "rogue",
		Fields:    state.FieldPrompts,
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			return &state.Update{
				DesignPrompts: []state.Prompt{{Slot: 0}},
				Listings:      []state.Listing{{ID: "x"}},
			}, nil
		},
	}
	g, err := router.NewBuilder().AddStage(rogue).AddEdge("rogue", router.End).Build()
	require.NoError(t, err)
	eng := New(g, checkpoint.NewMemoryStore(fixedClock), WithClock(fixedClock))

	st, err := eng.Start(ctx, params(1))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Empty(t, st.Listings)
	assert.Empty(t, st.DesignPrompts)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, stage.KindOwnership, st.Errors[0].Kind)
}

func TestEngine_StageFailureKeepsLedgers(t *testing.T) {
	ctx := context.Background()
	broken := &stage.Func{
		StageName: "broken",
		Fields:    state.FieldDesigns,
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			return &state.Update{
				Designs: []state.Design{{ID: "partial"}},
				Costs:   map[string]float64{"image": 0.08},
				Errors:  []state.ErrorRecord{{Step: "broken", Kind: stage.KindSubtask, Message: "item 0"}},
			}, fanout.ErrAllFailed
		},
	}
	g, err := router.NewBuilder().AddStage(broken).AddEdge("broken", router.End).Build()
	require.NoError(t, err)
	eng := New(g, checkpoint.NewMemoryStore(fixedClock), WithClock(fixedClock))

	st, err := eng.Start(ctx, params(1))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Empty(t, st.Designs)
	assert.InDelta(t, 0.08, st.TotalCost, 1e-9)
	require.Len(t, st.Errors, 2)
	assert.Equal(t, stage.KindSubtask, st.Errors[0].Kind)
	assert.Equal(t, stage.KindAllFailed, st.Errors[1].Kind)
}

func TestEngine_ErrorRouteUsesHeldScores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(constScore(0.9))
	base := f.graph(t)
	prompts, _ := base.Stage("prompts")
	gen, _ := base.Stage("generate")
	flaky := &stage.Func{
		StageName: "check",
		Fields:    state.FieldDesigns | state.FieldQuality,
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			return nil, fmt.Errorf("scorer unavailable")
		},
	}
	onError := func(s *state.RunState) string {
		switch quality.VerdictFromState(s, quality.DefaultThresholds) {
		case state.VerdictPass:
			return router.LabelPass
		case state.VerdictRetry:
			return router.LabelRetry
		}
		return router.LabelFail
	}
	g, err := router.NewBuilder().
		AddStage(prompts).
		AddStage(gen).
		AddStage(flaky).
		AddEdge("prompts", "generate").
		AddEdge("generate", "check").
		AddConditional("check", router.QualityCondition, router.QualityBranches(router.End, "generate")).
		OnError("check", onError).
		Build()
	require.NoError(t, err)
	eng := New(g, checkpoint.NewMemoryStore(fixedClock), WithClock(fixedClock))

	// 没有任何分数：平均 0，直接失败
	st, err := eng.Start(ctx, params(2))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, "check", st.Errors[len(st.Errors)-1].Step)
}

func TestEngine_StageTimeout(t *testing.T) {
	ctx := context.Background()
	slow := &stage.Func{
		StageName: "slow",
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	g, err := router.NewBuilder().AddStage(slow).AddEdge("slow", router.End).Build()
	require.NoError(t, err)
	eng := New(g, checkpoint.NewMemoryStore(fixedClock), WithClock(fixedClock), WithStageTimeout(20*time.Millisecond))

	st, err := eng.Start(ctx, params(1))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, stage.KindTimeout, st.Errors[0].Kind)
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	boom := &stage.Func{
		StageName: "boom",
		Run: func(ctx context.Context, s *state.RunState) (*state.Update, error) {
			panic("kaboom")
		},
	}
	g, err := router.NewBuilder().AddStage(boom).AddEdge("boom", router.End).Build()
	require.NoError(t, err)
	eng := New(g, checkpoint.NewMemoryStore(fixedClock), WithClock(fixedClock))

	st, err := eng.Start(ctx, params(1))
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	require.Len(t, st.Errors, 1)
	assert.Equal(t, stage.KindInternal, st.Errors[0].Kind)
	assert.Contains(t, st.Errors[0].Message, "kaboom")
}

func TestEngine_CreateValidation(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(fixedClock)
	eng := newEngine(t, newFixture(constScore(0.9)), store, WithGuard(guard.NewMemory(1, time.UTC, fixedClock)))

	_, err := eng.Create(ctx, state.Params{})
	assert.ErrorIs(t, err, errors.ErrInvalidArg)

	st, err := eng.Create(ctx, state.Params{Niche: "dogs"})
	require.NoError(t, err)
	assert.Equal(t, 5, st.Params.NumDesigns)
	assert.Equal(t, []string{"etsy"}, st.Params.TargetPlatforms)
	assert.Equal(t, "prompts", st.NextStage)
	assert.Equal(t, state.StatusPending, st.Status)

	_, err = eng.Create(ctx, params(1))
	assert.ErrorIs(t, err, errors.ErrDailyLimitExceeded)

	runs, total, err := eng.List(ctx, checkpoint.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, runs, 1)

	gs, err := eng.GuardStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gs.Used)
	assert.Equal(t, 0, gs.Remaining)
}

func TestEngine_CancelPersistsTerminal(t *testing.T) {
	ctx := context.Background()
	events := progress.NewMemoryStore()
	eng := newEngine(t, newFixture(constScore(0.9)), checkpoint.NewMemoryStore(fixedClock), WithProgress(events))
	st, err := eng.Create(ctx, params(1))
	require.NoError(t, err)

	cancelled, err := eng.Cancel(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, cancelled.Status)

	_, err = eng.Cancel(ctx, st.RunID)
	assert.ErrorIs(t, err, errors.ErrTerminal)

	again, err := eng.Run(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, again.Status)

	evs, err := events.List(ctx, st.RunID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Terminal())
}
