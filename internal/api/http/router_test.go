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

package http

import (
	"bytes"
	"context"
	"testing"

	"github.com/cloudwego/hertz/pkg/common/ut"

	"podflow/internal/api/http/middleware"
	"podflow/internal/pipeline/checkpoint"
	"podflow/internal/pipeline/engine"
	"podflow/internal/stages"
)

func newRouter(t *testing.T, metricsEnabled bool, origins ...string) *Router {
	t.Helper()
	g, err := stages.DefaultGraph(stages.Deps{})
	if err != nil {
		t.Fatalf("DefaultGraph: %v", err)
	}
	ctrl := engine.NewController(context.Background(), engine.New(g, checkpoint.NewMemoryStore(nil)))
	r := NewRouter(NewHandler(ctrl, nil), middleware.NewMiddleware(nil, origins...))
	r.SetMetricsEnabled(metricsEnabled)
	return r
}

func TestRouter_MetricsCanBeDisabled(t *testing.T) {
	s := newRouter(t, false).Build(":0")
	w := ut.PerformRequest(s.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("GET /metrics status = %d, want 404", got)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newRouter(t, true).Build(":0")
	w := ut.PerformRequest(s.Engine, "OPTIONS", "/api/runs/run_x/decision", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Origin", Value: "https://shop.example"})
	resp := w.Result()
	if got := resp.StatusCode(); got != 204 {
		t.Fatalf("OPTIONS status = %d, want 204", got)
	}
	if got := string(resp.Header.Peek("Access-Control-Allow-Origin")); got != "https://shop.example" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestRouter_CORSRejectsUnknownOrigin(t *testing.T) {
	s := newRouter(t, true, "https://admin.example").Build(":0")
	w := ut.PerformRequest(s.Engine, "GET", "/api/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Origin", Value: "https://evil.example"})
	resp := w.Result()
	if got := resp.StatusCode(); got != 200 {
		t.Fatalf("GET /api/health status = %d, want 200", got)
	}
	if got := string(resp.Header.Peek("Access-Control-Allow-Origin")); got != "" {
		t.Fatalf("Allow-Origin = %q, want empty", got)
	}
}
