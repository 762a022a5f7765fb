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

// Package state 定义一次流水线 run 的聚合状态 RunState。
// RunState 只由 Engine 通过 Apply 合并 Update 修改，stage 仅拿到只读快照。
package state

import (
	"fmt"
	"time"
)

// Status run 生命周期状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Verdict 质量门三态结论
type Verdict string

const (
	VerdictNone  Verdict = ""
	VerdictPass  Verdict = "pass"
	VerdictRetry Verdict = "retry"
	VerdictFail  Verdict = "fail"
)

// Params run 输入参数，创建后不可变
type Params struct {
	Niche               string   `json:"niche"`
	Style               string   `json:"style"`
	NumDesigns          int      `json:"num_designs"`
	TargetPlatforms     []string `json:"target_platforms"`
	ProductTypes        []string `json:"product_types"`
	HumanReview         bool     `json:"human_review"`
	IncludeOptimization bool     `json:"include_optimization"`
}

// MaxDesignsPerRun 单个 run 允许的最大设计数
const MaxDesignsPerRun = 20

// Defaults 补全缺省参数
type Defaults struct {
	NumDesigns   int
	Platforms    []string
	ProductTypes []string
}

// WithDefaults 返回补全缺省值后的副本
func (p Params) WithDefaults(d Defaults) Params {
	out := p
	if out.NumDesigns == 0 {
		out.NumDesigns = d.NumDesigns
	}
	if len(out.TargetPlatforms) == 0 {
		out.TargetPlatforms = append([]string(nil), d.Platforms...)
	}
	if len(out.ProductTypes) == 0 {
		out.ProductTypes = append([]string(nil), d.ProductTypes...)
	}
	if out.Style == "" {
		out.Style = "minimalist"
	}
	return out
}

// Validate 校验参数
func (p Params) Validate() error {
	if p.Niche == "" {
		return fmt.Errorf("niche 不能为空")
	}
	if p.NumDesigns < 1 || p.NumDesigns > MaxDesignsPerRun {
		return fmt.Errorf("num_designs 需在 1..%d: %d", MaxDesignsPerRun, p.NumDesigns)
	}
	if len(p.TargetPlatforms) == 0 {
		return fmt.Errorf("target_platforms 不能为空")
	}
	if len(p.ProductTypes) == 0 {
		return fmt.Errorf("product_types 不能为空")
	}
	return nil
}

// TrendData 趋势分析结果
type TrendData struct {
	Keywords []string `json:"keywords"`
	Audience string   `json:"audience"`
	Styles   []string `json:"styles"`
	Summary  string   `json:"summary"`
	Seasonal string   `json:"seasonal,omitempty"`
	Demand   string   `json:"demand,omitempty"`
	Fallback bool     `json:"fallback,omitempty"` // 模型输出不可解析时使用默认值
}

// Prompt 设计提示词，Slot 为槽位序号，重试按槽位补齐
type Prompt struct {
	Slot int    `json:"slot"`
	Text string `json:"text"`
}

// Design 生成的设计图
type Design struct {
	ID        string    `json:"id"`
	Slot      int       `json:"slot"`
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"image_url"`
	Attempt   int       `json:"attempt"`
	Score     *float64  `json:"score,omitempty"`
	Passed    bool      `json:"passed"`
	Issues    []string  `json:"issues,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored 是否已评分
func (d Design) Scored() bool { return d.Score != nil }

// Product 基于设计生成的商品 mockup
type Product struct {
	ID          string `json:"id"`
	DesignID    string `json:"design_id"`
	ProductType string `json:"product_type"`
	MockupURL   string `json:"mockup_url"`
}

// SEOData 单个商品的 SEO 内容
type SEOData struct {
	ProductID   string   `json:"product_id"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// Listing 平台上架记录
type Listing struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Platform  string `json:"platform"`
	URL       string `json:"url"`
	Status    string `json:"status"`
}

// SalesMetrics 上架后的销售快照
type SalesMetrics struct {
	ListingID string  `json:"listing_id"`
	Views     int     `json:"views"`
	Favorites int     `json:"favorites"`
	Orders    int     `json:"orders"`
	Revenue   float64 `json:"revenue"`
}

// ErrorRecord 错误账本条目
type ErrorRecord struct {
	Step      string    `json:"step"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Review 人工审核状态
type Review struct {
	Required      bool       `json:"required"`
	Approved      *bool      `json:"approved,omitempty"` // nil 表示尚未决策
	Notes         string     `json:"notes,omitempty"`
	PendingReason string     `json:"pending_reason,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

// Decided 是否已有外部决策
func (r Review) Decided() bool { return r.Approved != nil }

// RunState 单个 run 的全部状态，可序列化为 checkpoint
type RunState struct {
	RunID       string `json:"run_id"`
	ResumeToken string `json:"resume_token"`
	Params      Params `json:"params"`

	TrendData       *TrendData     `json:"trend_data,omitempty"`
	DesignPrompts   []Prompt       `json:"design_prompts"`
	Designs         []Design       `json:"designs"`
	Products        []Product      `json:"products"`
	SEOContent      []SEOData      `json:"seo_content"`
	Listings        []Listing      `json:"listings"`
	SalesData       []SalesMetrics `json:"sales_data"`
	Recommendations []string       `json:"recommendations"`

	CurrentStep     string   `json:"current_step"`
	NextStage       string   `json:"next_stage"` // 恢复时的入口，唯一的控制游标
	Status          Status   `json:"status"`
	RetryCount      int      `json:"retry_count"`
	MaxRetries      int      `json:"max_retries"`
	QualityVerdict  Verdict  `json:"quality_verdict,omitempty"`
	AverageScore    float64  `json:"average_score"`
	FailedDesignIDs []string `json:"failed_design_ids"`
	Review          Review   `json:"review"`

	Errors        []ErrorRecord      `json:"errors"`
	TotalCost     float64            `json:"total_cost"`
	CostBreakdown map[string]float64 `json:"cost_breakdown"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// New 创建初始状态：集合为空，计数为 0，状态 pending
func New(runID, resumeToken string, params Params, maxRetries int, now time.Time) *RunState {
	return &RunState{
		RunID:           runID,
		ResumeToken:     resumeToken,
		Params:          params,
		DesignPrompts:   []Prompt{},
		Designs:         []Design{},
		Products:        []Product{},
		SEOContent:      []SEOData{},
		Listings:        []Listing{},
		SalesData:       []SalesMetrics{},
		Recommendations: []string{},
		FailedDesignIDs: []string{},
		Status:          StatusPending,
		MaxRetries:      maxRetries,
		Review:          Review{Required: params.HumanReview},
		Errors:          []ErrorRecord{},
		CostBreakdown:   map[string]float64{},
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// PassingDesigns 已通过质量门的设计
func (s *RunState) PassingDesigns() []Design {
	var out []Design
	for _, d := range s.Designs {
		if d.Passed {
			out = append(out, d)
		}
	}
	return out
}

// Counters 进度事件携带的计数快照
type Counters struct {
	RetryCount int     `json:"retry_count"`
	Designs    int     `json:"designs"`
	Passing    int     `json:"passing"`
	Products   int     `json:"products"`
	Listings   int     `json:"listings"`
	Errors     int     `json:"errors"`
	TotalCost  float64 `json:"total_cost"`
}

// Counters 返回当前计数快照
func (s *RunState) Counters() Counters {
	return Counters{
		RetryCount: s.RetryCount,
		Designs:    len(s.Designs),
		Passing:    len(s.PassingDesigns()),
		Products:   len(s.Products),
		Listings:   len(s.Listings),
		Errors:     len(s.Errors),
		TotalCost:  s.TotalCost,
	}
}

// Clone 深拷贝，stage 拿到的快照与 Engine 持有的聚合互不影响
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.Params.TargetPlatforms = cloneStrings(s.Params.TargetPlatforms)
	c.Params.ProductTypes = cloneStrings(s.Params.ProductTypes)
	if s.TrendData != nil {
		td := *s.TrendData
		td.Keywords = cloneStrings(td.Keywords)
		td.Styles = cloneStrings(td.Styles)
		c.TrendData = &td
	}
	c.DesignPrompts = append([]Prompt{}, s.DesignPrompts...)
	c.Designs = make([]Design, len(s.Designs))
	for i, d := range s.Designs {
		c.Designs[i] = d.clone()
	}
	c.Products = append([]Product{}, s.Products...)
	c.SEOContent = make([]SEOData, len(s.SEOContent))
	for i, seo := range s.SEOContent {
		seo.Tags = cloneStrings(seo.Tags)
		c.SEOContent[i] = seo
	}
	c.Listings = append([]Listing{}, s.Listings...)
	c.SalesData = append([]SalesMetrics{}, s.SalesData...)
	c.Recommendations = append([]string{}, s.Recommendations...)
	c.FailedDesignIDs = append([]string{}, s.FailedDesignIDs...)
	c.Review = s.Review.clone()
	c.Errors = append([]ErrorRecord{}, s.Errors...)
	c.CostBreakdown = make(map[string]float64, len(s.CostBreakdown))
	for k, v := range s.CostBreakdown {
		c.CostBreakdown[k] = v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (d Design) clone() Design {
	out := d
	if d.Score != nil {
		v := *d.Score
		out.Score = &v
	}
	out.Issues = cloneStrings(d.Issues)
	return out
}

func (r Review) clone() Review {
	out := r
	if r.Approved != nil {
		v := *r.Approved
		out.Approved = &v
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		out.DecidedAt = &t
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
