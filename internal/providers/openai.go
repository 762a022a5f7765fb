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
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient go-openai 中文本生成用到的子集
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ImageClient go-openai 中图像生成用到的子集
type ImageClient interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// 每 1K token 单价（美元），按 gpt-4o-mini 估算
const (
	inputPricePer1K  = 0.00015
	outputPricePer1K = 0.0006
)

// NewOpenAIClient 创建 go-openai 客户端；baseURL 为空时使用官方地址
func NewOpenAIClient(apiKey, baseURL string) (*openai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

// OpenAIText 基于 Chat Completions 的 TextGenerator
type OpenAIText struct {
	chat        ChatClient
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIText 创建文本生成器
func NewOpenAIText(chat ChatClient, model string) *OpenAIText {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIText{chat: chat, model: model, temperature: 0.7, maxTokens: 2000}
}

func (c *OpenAIText) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("openai chat completion: empty choices")
	}
	cost := float64(resp.Usage.PromptTokens)/1000*inputPricePer1K +
		float64(resp.Usage.CompletionTokens)/1000*outputPricePer1K
	return Completion{Text: resp.Choices[0].Message.Content, Cost: cost}, nil
}

// OpenAIImages 基于 Images API 的 ImageGenerator
type OpenAIImages struct {
	images  ImageClient
	model   string
	size    string
	quality string
}

// NewOpenAIImages 创建图像生成器，默认 dall-e-3 1024x1024
func NewOpenAIImages(images ImageClient, model string) *OpenAIImages {
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &OpenAIImages{
		images:  images,
		model:   model,
		size:    openai.CreateImageSize1024x1024,
		quality: openai.CreateImageQualityStandard,
	}
}

func (c *OpenAIImages) Generate(ctx context.Context, prompt string) (Image, error) {
	resp, err := c.images.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.model,
		N:              1,
		Size:           c.size,
		Quality:        c.quality,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return Image{}, fmt.Errorf("openai create image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return Image{}, errors.New("openai create image: empty data")
	}
	return Image{URL: resp.Data[0].URL, RevisedPrompt: resp.Data[0].RevisedPrompt, Cost: ImageCostPerCall}, nil
}
