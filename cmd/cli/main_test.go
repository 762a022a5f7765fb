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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
)

// fakeAPI 模拟 REST 接口，记录收到的请求体
type fakeAPI struct {
	started  state.Params
	decision map[string]any
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	events := []progress.Event{
		{RunID: "run_1", Seq: 1, Step: "trend_analysis", Status: state.StatusRunning, Timestamp: time.Unix(0, 0).UTC()},
		{RunID: "run_1", Seq: 2, Step: "platform_upload", Status: state.StatusCompleted, Timestamp: time.Unix(60, 0).UTC(),
			Counters: state.Counters{Listings: 4, TotalCost: 0.93}},
	}
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/runs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.started)
		writeJSON(w, 201, map[string]string{"run_id": "run_1"})
	})
	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"runs": []map[string]any{{
				"run_id": "run_1", "status": r.URL.Query().Get("status"), "niche": "cats",
				"counters": map[string]any{"designs": 2, "listings": 4, "total_cost": 0.93},
			}},
			"total": 1,
		})
	})
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "run_1" {
			writeJSON(w, 404, map[string]string{"error": "run not found", "code": "not_found"})
			return
		}
		writeJSON(w, 200, state.RunState{RunID: "run_1", Status: state.StatusPaused})
	})
	mux.HandleFunc("POST /api/runs/{id}/decision", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&f.decision)
		writeJSON(w, 202, map[string]string{"run_id": "run_1"})
	})
	mux.HandleFunc("POST /api/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 409, map[string]string{"error": "run already terminal", "code": "terminal"})
	})
	mux.HandleFunc("GET /api/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		out := events
		if r.URL.Query().Get("after") == "1" {
			out = events[1:]
		}
		writeJSON(w, 200, map[string]any{"run_id": "run_1", "events": out})
	})
	mux.HandleFunc("GET /api/runs/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", e.Seq, data)
		}
	})
	mux.HandleFunc("GET /api/limits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"date": "2026-10-19", "used": 2, "remaining": 3, "limit": 5})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Setenv("PODFLOW_API_URL", srv.URL)
	return srv
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLI_Start(t *testing.T) {
	f := &fakeAPI{}
	f.server(t)
	code, out, errOut := runCLI("start", "-niche", "cats", "-designs", "3", "-platforms", "etsy,shopify", "-review")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "run_1\n", out)
	assert.Equal(t, "cats", f.started.Niche)
	assert.Equal(t, 3, f.started.NumDesigns)
	assert.Equal(t, []string{"etsy", "shopify"}, f.started.TargetPlatforms)
	assert.True(t, f.started.HumanReview)

	code, _, errOut = runCLI("start")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Usage")
}

func TestCLI_ListAndGet(t *testing.T) {
	(&fakeAPI{}).server(t)
	code, out, _ := runCLI("list", "-status", "completed")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "run_1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "total: 1")

	code, out, _ = runCLI("get", "run_1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"status": "paused"`)

	code, _, errOut := runCLI("get", "run_x")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "404 not_found")
}

func TestCLI_DecisionAndCancel(t *testing.T) {
	f := &fakeAPI{}
	f.server(t)
	code, out, _ := runCLI("reject", "run_1", "off", "brand")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "reject")
	assert.Equal(t, false, f.decision["approved"])
	assert.Equal(t, "off brand", f.decision["notes"])

	code, _, errOut := runCLI("cancel", "run_1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "409 terminal")

	code, _, errOut = runCLI("approve")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Usage: podflow approve <run_id>")
}

func TestCLI_EventsAndWatch(t *testing.T) {
	(&fakeAPI{}).server(t)
	code, out, _ := runCLI("events", "run_1", "-after", "1")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "#1 ")
	assert.Contains(t, out, "#2 ")
	assert.Contains(t, out, "listings=4")

	code, out, errOut := runCLI("watch", "run_1")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "trend_analysis")
	assert.Contains(t, lines[1], "completed")
}

func TestCLI_LimitsAndHealth(t *testing.T) {
	(&fakeAPI{}).server(t)
	code, out, _ := runCLI("limits")
	require.Equal(t, 0, code)
	assert.Equal(t, "2026-10-19: used=2 remaining=3 limit=5\n", out)

	code, out, _ = runCLI("health")
	require.Equal(t, 0, code)
	assert.Equal(t, "ok\n", out)
}

func TestCLI_Usage(t *testing.T) {
	code, out, _ := runCLI()
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Usage: podflow")

	code, _, _ = runCLI("bogus")
	assert.Equal(t, 1, code)
}

func TestReadSSE_SkipsNonDataLines(t *testing.T) {
	body := "id: 1\nevent: progress\ndata: {\"seq\":1,\"step\":\"a\"}\n\n: keepalive\n\nid: 2\ndata: {\"seq\":2}\n\n"
	var got []int64
	require.NoError(t, readSSE(strings.NewReader(body), func(e progress.Event) { got = append(got, e.Seq) }))
	assert.Equal(t, []int64{1, 2}, got)

	assert.Error(t, readSSE(strings.NewReader("data: {bad\n"), func(progress.Event) {}))
}
