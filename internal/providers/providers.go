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

// Package providers 定义流水线依赖的外部服务（文本模型、图像模型、电商平台），
// 并提供 OpenAI / HTTP 实现、确定性 Mock 与限流包装。
package providers

import (
	"context"

	"podflow/internal/pipeline/state"
)

// Completion 文本模型一次调用的结果
type Completion struct {
	Text string
	Cost float64
}

// TextGenerator 文本模型
type TextGenerator interface {
	Complete(ctx context.Context, system, prompt string) (Completion, error)
}

// Image 生成的图片
type Image struct {
	URL           string
	RevisedPrompt string
	Cost          float64
}

// ImageGenerator 图像模型
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (Image, error)
}

// MockupRequest 基于设计生成商品 mockup
type MockupRequest struct {
	DesignID    string `json:"design_id"`
	ImageURL    string `json:"image_url"`
	ProductType string `json:"product_type"`
}

// PublishRequest 上架请求
type PublishRequest struct {
	ProductID   string   `json:"product_id"`
	Platform    string   `json:"platform"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	MockupURL   string   `json:"mockup_url"`
}

// Published 上架结果
type Published struct {
	ExternalID string  `json:"external_id"`
	URL        string  `json:"url"`
	Fee        float64 `json:"fee"`
}

// Commerce 电商/印刷平台
type Commerce interface {
	CreateMockup(ctx context.Context, req MockupRequest) (string, error)
	Publish(ctx context.Context, req PublishRequest) (Published, error)
	Stats(ctx context.Context, listing state.Listing) (state.SalesMetrics, error)
}

// Set 一组外部服务
type Set struct {
	Text     TextGenerator
	Images   ImageGenerator
	Commerce Commerce
}

// 单价
const (
	ImageCostPerCall = 0.04
	MockTextCost     = 0.01
)

// 平台上架费
var PlatformFees = map[string]float64{
	"etsy":    0.20,
	"amazon":  0,
	"shopify": 0,
}

// ProductTemplates 支持的商品类型及其 mockup 模板
var ProductTemplates = map[string]Template{
	"t-shirt": {ID: 71, Name: "Unisex Staple T-Shirt", Placement: "front"},
	"mug":     {ID: 19, Name: "White Glossy Mug", Placement: "default"},
	"poster":  {ID: 1, Name: "Enhanced Matte Paper Poster", Placement: "default"},
	"hoodie":  {ID: 146, Name: "Unisex Heavy Blend Hoodie", Placement: "front"},
}

// Template 商品模板
type Template struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Placement string `json:"placement"`
}
