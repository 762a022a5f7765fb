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

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podflow/internal/pipeline/state"
)

func TestMockText_TrendJSON(t *testing.T) {
	out, err := MockText{}.Complete(context.Background(), SystemTrend, "Niche: cats\nStyle: retro\nDesigns: 3\n")
	require.NoError(t, err)
	assert.Equal(t, MockTextCost, out.Cost)

	var parsed struct {
		Keywords      []string         `json:"keywords"`
		DesignPrompts []map[string]any `json:"design_prompts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Text), &parsed))
	assert.Len(t, parsed.DesignPrompts, 3)
	assert.Contains(t, parsed.Keywords, "cats gift")
}

func TestMockImages_Deterministic(t *testing.T) {
	a, err := MockImages{}.Generate(context.Background(), "prompt one")
	require.NoError(t, err)
	b, _ := MockImages{}.Generate(context.Background(), "prompt one")
	c, _ := MockImages{}.Generate(context.Background(), "prompt two")
	assert.Equal(t, a.URL, b.URL)
	assert.NotEqual(t, a.URL, c.URL)
	assert.Contains(t, a.URL, "mock")
	assert.Equal(t, ImageCostPerCall, a.Cost)
}

func TestMockCommerce(t *testing.T) {
	ctx := context.Background()
	m := MockCommerce{}
	_, err := m.CreateMockup(ctx, MockupRequest{DesignID: "d1", ProductType: "sock"})
	assert.Error(t, err)

	url, err := m.CreateMockup(ctx, MockupRequest{DesignID: "d1", ProductType: "mug"})
	require.NoError(t, err)
	assert.Contains(t, url, "d1_mug")

	pub, err := m.Publish(ctx, PublishRequest{ProductID: "p1", Platform: "etsy"})
	require.NoError(t, err)
	assert.Equal(t, 0.20, pub.Fee)

	s1, err := m.Stats(ctx, state.Listing{ID: "l1"})
	require.NoError(t, err)
	s2, _ := m.Stats(ctx, state.Listing{ID: "l1"})
	assert.Equal(t, s1, s2)
	assert.GreaterOrEqual(t, s1.Views, 10)
	assert.LessOrEqual(t, s1.Orders, s1.Views)
}

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestOpenAIText(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: `{"ok":true}`}}},
		Usage:   openai.Usage{PromptTokens: 1000, CompletionTokens: 1000},
	}}
	gen := NewOpenAIText(chat, "")
	out, err := gen.Complete(context.Background(), SystemSEO, "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out.Text)
	assert.InDelta(t, inputPricePer1K+outputPricePer1K, out.Cost, 1e-12)
	assert.Equal(t, openai.GPT4oMini, chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, chat.req.Messages[0].Role)

	chat.resp = openai.ChatCompletionResponse{}
	_, err = gen.Complete(context.Background(), SystemSEO, "hello")
	assert.Error(t, err)
}

type fakeImages struct {
	req  openai.ImageRequest
	resp openai.ImageResponse
	err  error
}

func (f *fakeImages) CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestOpenAIImages(t *testing.T) {
	imgs := &fakeImages{resp: openai.ImageResponse{Data: []openai.ImageResponseDataInner{{URL: "https://img/1.png"}}}}
	gen := NewOpenAIImages(imgs, "")
	out, err := gen.Generate(context.Background(), "a cat")
	require.NoError(t, err)
	assert.Equal(t, "https://img/1.png", out.URL)
	assert.Equal(t, openai.CreateImageModelDallE3, imgs.req.Model)
	assert.Equal(t, 1, imgs.req.N)

	imgs.err = errors.New("rate limited")
	_, err = gen.Generate(context.Background(), "a cat")
	assert.ErrorContains(t, err, "rate limited")
}

func TestCommerceClient(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/mockups":
			_, _ = w.Write([]byte(`{"mockup_url":"https://cdn/m.png"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/listings":
			_, _ = w.Write([]byte(`{"external_id":"x1","url":"https://shop/x1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/listings/l1/stats":
			_, _ = w.Write([]byte(`{"views":40,"orders":2,"revenue":50}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":400,"message":"bad request"}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewCommerceClient(srv.URL, "secret", time.Second)

	url, err := c.CreateMockup(ctx, MockupRequest{DesignID: "d1", ImageURL: "https://img", ProductType: "t-shirt"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/m.png", url)
	assert.Equal(t, "Bearer secret", auth.Load())

	pub, err := c.Publish(ctx, PublishRequest{ProductID: "p1", Platform: "etsy"})
	require.NoError(t, err)
	assert.Equal(t, "x1", pub.ExternalID)
	assert.Equal(t, 0.20, pub.Fee)

	stats, err := c.Stats(ctx, state.Listing{ID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, "l1", stats.ListingID)
	assert.Equal(t, 40, stats.Views)

	_, err = c.Stats(ctx, state.Listing{ID: "unknown"})
	assert.ErrorContains(t, err, "bad request")
}

type slowImages struct {
	cur, peak atomic.Int32
}

func (s *slowImages) Generate(ctx context.Context, prompt string) (Image, error) {
	n := s.cur.Add(1)
	defer s.cur.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return Image{URL: prompt}, nil
}

func TestLimited_CapsConcurrency(t *testing.T) {
	inner := &slowImages{}
	set := Limited(Set{Images: inner}, LimitConfig{MaxConcurrent: 2})
	assert.Nil(t, set.Text)
	assert.Nil(t, set.Commerce)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := set.Images.Generate(context.Background(), "p")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := NewLimiter("test", LimitConfig{MaxConcurrent: 1})
	require.NoError(t, l.Wait(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
	l.Release()
	require.NoError(t, l.Wait(context.Background()))
}
