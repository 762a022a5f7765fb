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
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"podflow/internal/pipeline/state"
)

// CommerceClient 对接印刷/电商聚合平台的 HTTP 客户端
type CommerceClient struct {
	client *resty.Client
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewCommerceClient 创建客户端；重试交给 stage 层统一处理
func NewCommerceClient(baseURL, apiKey string, timeout time.Duration) *CommerceClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &CommerceClient{client: c}
}

func (c *CommerceClient) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr apiError
	req := c.client.R().SetContext(ctx).SetResult(out).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("commerce %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return fmt.Errorf("commerce %s %s: %d %s", method, path, resp.StatusCode(), apiErr.Message)
		}
		return fmt.Errorf("commerce %s %s: status %d", method, path, resp.StatusCode())
	}
	return nil
}

func (c *CommerceClient) CreateMockup(ctx context.Context, req MockupRequest) (string, error) {
	tpl, ok := ProductTemplates[req.ProductType]
	if !ok {
		return "", fmt.Errorf("不支持的商品类型 %q", req.ProductType)
	}
	body := map[string]any{
		"variant_ids": []int{tpl.ID},
		"format":      "png",
		"files": []map[string]any{{
			"placement": tpl.Placement,
			"image_url": req.ImageURL,
		}},
		"external_id": req.DesignID,
	}
	var out struct {
		MockupURL string `json:"mockup_url"`
	}
	if err := c.do(ctx, resty.MethodPost, "/mockups", body, &out); err != nil {
		return "", err
	}
	if out.MockupURL == "" {
		return "", fmt.Errorf("commerce mockup %s: empty url", req.DesignID)
	}
	return out.MockupURL, nil
}

func (c *CommerceClient) Publish(ctx context.Context, req PublishRequest) (Published, error) {
	var out Published
	if err := c.do(ctx, resty.MethodPost, "/listings", req, &out); err != nil {
		return Published{}, err
	}
	if out.Fee == 0 {
		out.Fee = PlatformFees[req.Platform]
	}
	return out, nil
}

func (c *CommerceClient) Stats(ctx context.Context, listing state.Listing) (state.SalesMetrics, error) {
	var out state.SalesMetrics
	if err := c.do(ctx, resty.MethodGet, "/listings/"+listing.ID+"/stats", nil, &out); err != nil {
		return state.SalesMetrics{}, err
	}
	out.ListingID = listing.ID
	return out, nil
}
