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

package app

import (
	"fmt"

	"podflow/internal/providers"
	"podflow/pkg/config"
)

// NewProviders 根据 config.Providers 创建外部服务集合；mock=true 时不发外部请求。
// 真实服务统一套上限流。
func NewProviders(cfg *config.Config) (providers.Set, error) {
	pc := cfg.Providers
	if pc.Mock {
		return providers.NewMockSet(), nil
	}
	client, err := providers.NewOpenAIClient(pc.OpenAIAPIKey, pc.OpenAIBaseURL)
	if err != nil {
		return providers.Set{}, fmt.Errorf("初始化 OpenAI 客户端失败: %w", err)
	}
	if pc.CommerceBaseURL == "" {
		return providers.Set{}, fmt.Errorf("providers.commerce_base_url 未配置")
	}
	set := providers.Set{
		Text:     providers.NewOpenAIText(client, pc.TextModel),
		Images:   providers.NewOpenAIImages(client, pc.ImageModel),
		Commerce: providers.NewCommerceClient(pc.CommerceBaseURL, pc.CommerceAPIKey, 0),
	}
	return providers.Limited(set, providers.LimitConfig{
		RatePerSecond: pc.RatePerSecond,
		Burst:         pc.Burst,
		MaxConcurrent: pc.MaxConcurrent,
	}), nil
}
