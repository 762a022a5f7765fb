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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	httpapi "podflow/internal/api/http"
	"podflow/internal/pipeline/guard"
	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
)

func apiBaseURL() string {
	if u := os.Getenv("PODFLOW_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// client REST 接口的薄封装
type client struct {
	baseURL string
	rc      *resty.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, rc: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")}
}

// apiError 服务端错误体
type apiError struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Msg)
}

func check(resp *resty.Response, want ...int) error {
	for _, code := range want {
		if resp.StatusCode() == code {
			return nil
		}
	}
	e := &apiError{Status: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), e); err != nil || e.Msg == "" {
		e.Msg = strings.TrimSpace(resp.String())
	}
	return e
}

func (c *client) health() error {
	resp, err := c.rc.R().Get("/api/health")
	if err != nil {
		return err
	}
	return check(resp, http.StatusOK)
}

func (c *client) startRun(p state.Params) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	resp, err := c.rc.R().SetBody(p).SetResult(&out).Post("/api/runs")
	if err != nil {
		return "", err
	}
	if err := check(resp, http.StatusCreated); err != nil {
		return "", err
	}
	return out.RunID, nil
}

func (c *client) listRuns(status string, limit, offset int) ([]httpapi.RunSummary, int, error) {
	var out struct {
		Runs  []httpapi.RunSummary `json:"runs"`
		Total int                  `json:"total"`
	}
	req := c.rc.R().SetResult(&out)
	if status != "" {
		req.SetQueryParam("status", status)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		req.SetQueryParam("offset", strconv.Itoa(offset))
	}
	resp, err := req.Get("/api/runs")
	if err != nil {
		return nil, 0, err
	}
	if err := check(resp, http.StatusOK); err != nil {
		return nil, 0, err
	}
	return out.Runs, out.Total, nil
}

func (c *client) getRun(runID string) (*state.RunState, error) {
	var out state.RunState
	resp, err := c.rc.R().SetResult(&out).Get("/api/runs/" + runID)
	if err != nil {
		return nil, err
	}
	if err := check(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) decide(runID string, approved bool, notes string) error {
	body := map[string]any{"approved": approved, "notes": notes}
	resp, err := c.rc.R().SetBody(body).Post("/api/runs/" + runID + "/decision")
	if err != nil {
		return err
	}
	return check(resp, http.StatusAccepted)
}

func (c *client) resume(runID string) error {
	resp, err := c.rc.R().Post("/api/runs/" + runID + "/resume")
	if err != nil {
		return err
	}
	return check(resp, http.StatusAccepted)
}

func (c *client) cancel(runID string) (*httpapi.RunSummary, error) {
	var out httpapi.RunSummary
	resp, err := c.rc.R().SetResult(&out).Post("/api/runs/" + runID + "/cancel")
	if err != nil {
		return nil, err
	}
	if err := check(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) events(runID string, after int64) ([]progress.Event, error) {
	var out struct {
		Events []progress.Event `json:"events"`
	}
	resp, err := c.rc.R().
		SetResult(&out).
		SetQueryParam("after", strconv.FormatInt(after, 10)).
		Get("/api/runs/" + runID + "/events")
	if err != nil {
		return nil, err
	}
	if err := check(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// watch 订阅 SSE 流，逐条回调直到服务端在终止事件后关闭连接
func (c *client) watch(runID string, fn func(progress.Event)) error {
	// 流式连接不设整体超时，由服务端在终止事件后关闭
	resp, err := resty.New().SetBaseURL(c.baseURL).R().
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get("/api/runs/" + runID + "/stream")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		raw, _ := io.ReadAll(body)
		e := &apiError{Status: resp.StatusCode()}
		if json.Unmarshal(raw, e) != nil || e.Msg == "" {
			e.Msg = strings.TrimSpace(string(raw))
		}
		return e
	}
	return readSSE(body, fn)
}

func readSSE(r io.Reader, fn func(progress.Event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e progress.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("解析事件失败: %w", err)
		}
		fn(e)
	}
	return sc.Err()
}

func (c *client) limits() (*guard.Status, error) {
	var out guard.Status
	resp, err := c.rc.R().SetResult(&out).Get("/api/limits")
	if err != nil {
		return nil, err
	}
	if err := check(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}
