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
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"podflow/internal/pipeline/state"
)

// 系统提示词，同时作为 Mock 识别任务的标记
const (
	SystemTrend  = "You are a print-on-demand market analyst. Reply with JSON only."
	SystemSEO    = "You are an e-commerce SEO copywriter for print-on-demand listings. Reply with JSON only."
	SystemAdvice = "You are a print-on-demand growth advisor. Reply with JSON only."
)

const mockHost = "https://mock.podflow.local"

var (
	lineNiche   = regexp.MustCompile(`(?m)^Niche:\s*(.+)$`)
	lineStyle   = regexp.MustCompile(`(?m)^Style:\s*(.+)$`)
	lineDesigns = regexp.MustCompile(`(?m)^Designs:\s*(\d+)$`)
	lineProduct = regexp.MustCompile(`(?m)^Product type:\s*(.+)$`)
)

func digest(parts ...string) []byte {
	h := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return h[:]
}

func shortDigest(parts ...string) string { return hex.EncodeToString(digest(parts...))[:12] }

func capture(re *regexp.Regexp, s, def string) string {
	if m := re.FindStringSubmatch(s); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return def
}

func title(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// MockText 确定性文本模型：按系统提示词返回固定结构的 JSON
type MockText struct{}

func (MockText) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	niche := capture(lineNiche, prompt, "gifts")
	style := capture(lineStyle, prompt, "minimalist")
	var out any
	switch system {
	case SystemTrend:
		n, _ := strconv.Atoi(capture(lineDesigns, prompt, "5"))
		prompts := make([]map[string]string, 0, n)
		moods := []string{"playful", "cozy", "bold", "nostalgic", "calm"}
		for i := 0; i < n; i++ {
			prompts = append(prompts, map[string]string{
				"title":       fmt.Sprintf("%s concept %d", niche, i+1),
				"description": fmt.Sprintf("a %s %s illustration with a centered emblem, limited palette, variation %d", style, niche, i+1),
				"mood":        moods[i%len(moods)],
			})
		}
		out = map[string]any{
			"keywords":       []string{niche, niche + " gift", niche + " lover", style + " " + niche, "funny " + niche},
			"audience":       "25-45 " + niche + " enthusiasts",
			"styles":         []string{style, "retro"},
			"summary":        fmt.Sprintf("steady demand for %s designs", niche),
			"seasonal":       "holiday gifting",
			"demand":         "medium",
			"design_prompts": prompts,
		}
	case SystemSEO:
		product := capture(lineProduct, prompt, "t-shirt")
		tags := []string{niche, niche + " " + product, style, "gift idea", niche + " lover", "unique " + product}
		out = map[string]any{
			"title":       fmt.Sprintf("%s %s %s | Gift for %s Lovers", title(style), title(niche), title(product), title(niche)),
			"description": fmt.Sprintf("A %s %s design printed on a premium %s. Makes a thoughtful gift for every %s fan.", style, niche, product, niche),
			"tags":        tags,
		}
	case SystemAdvice:
		out = map[string]any{
			"recommendations": []string{
				"Double down on the best converting design with new product types",
				"Refresh titles of low-view listings with trending keywords",
			},
		}
	default:
		return Completion{Text: "ok", Cost: MockTextCost}, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Text: string(raw), Cost: MockTextCost}, nil
}

// MockImages 确定性图像模型，相同提示词得到相同 URL
type MockImages struct{}

func (MockImages) Generate(ctx context.Context, prompt string) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	return Image{
		URL:  fmt.Sprintf("%s/designs/mock_%s.png", mockHost, shortDigest(prompt)),
		Cost: ImageCostPerCall,
	}, nil
}

// MockCommerce 确定性电商平台
type MockCommerce struct{}

func (MockCommerce) CreateMockup(ctx context.Context, req MockupRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, ok := ProductTemplates[req.ProductType]; !ok {
		return "", fmt.Errorf("不支持的商品类型 %q", req.ProductType)
	}
	return fmt.Sprintf("%s/mockups/%s_%s.png", mockHost, req.DesignID, req.ProductType), nil
}

func (MockCommerce) Publish(ctx context.Context, req PublishRequest) (Published, error) {
	if err := ctx.Err(); err != nil {
		return Published{}, err
	}
	fee, ok := PlatformFees[req.Platform]
	if !ok {
		return Published{}, fmt.Errorf("不支持的平台 %q", req.Platform)
	}
	id := shortDigest(req.ProductID, req.Platform)
	return Published{
		ExternalID: id,
		URL:        fmt.Sprintf("%s/%s/listing/%s", mockHost, req.Platform, id),
		Fee:        fee,
	}, nil
}

func (MockCommerce) Stats(ctx context.Context, listing state.Listing) (state.SalesMetrics, error) {
	if err := ctx.Err(); err != nil {
		return state.SalesMetrics{}, err
	}
	d := digest(listing.ID)
	views := 10 + int(binary.BigEndian.Uint16(d[0:2]))%491
	favorites := int(binary.BigEndian.Uint16(d[2:4])) % (views*3/10 + 1)
	orders := int(binary.BigEndian.Uint16(d[4:6])) % (views/20 + 1)
	price := 15 + float64(d[6]%21)
	return state.SalesMetrics{
		ListingID: listing.ID,
		Views:     views,
		Favorites: favorites,
		Orders:    orders,
		Revenue:   float64(orders) * price,
	}, nil
}

// NewMockSet 全部使用 Mock 的服务集合
func NewMockSet() Set {
	return Set{Text: MockText{}, Images: MockImages{}, Commerce: MockCommerce{}}
}
