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

package state

import (
	"fmt"
	"strings"
	"time"
)

// Field 字段所有权位图；每个 stage 声明自己拥有的字段，Engine 合并前校验
type Field uint32

const (
	FieldTrend Field = 1 << iota
	FieldPrompts
	FieldDesigns
	FieldProducts
	FieldSEO
	FieldListings
	FieldSales
	FieldRecommendations
	FieldQuality // verdict、平均分、未通过设计列表
	FieldReview
)

var fieldNames = []string{
	"trend_data", "design_prompts", "designs", "products", "seo_content",
	"listings", "sales_data", "recommendations", "quality", "review",
}

func (f Field) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i, name := range fieldNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Update stage 返回的类型化部分更新。
// 合并规则：集合字段追加；ReplaceDesigns 为 true 时整体替换 Designs（质量复检专用）；
// 指针字段非 nil 时覆盖；Costs 按服务累加；Errors 只追加。
// Costs 与 Errors 属于账本，任何 stage 均可写入。
type Update struct {
	TrendData       *TrendData
	DesignPrompts   []Prompt
	Designs         []Design
	ReplaceDesigns  bool
	Products        []Product
	SEOContent      []SEOData
	Listings        []Listing
	SalesData       []SalesMetrics
	Recommendations []string

	QualityVerdict  *Verdict
	AverageScore    *float64
	FailedDesignIDs []string // 非 nil 时覆盖
	Review          *Review

	Costs  map[string]float64
	Errors []ErrorRecord
}

// Fields 返回本次更新触及的非账本字段
func (u *Update) Fields() Field {
	if u == nil {
		return 0
	}
	var f Field
	if u.TrendData != nil {
		f |= FieldTrend
	}
	if len(u.DesignPrompts) > 0 {
		f |= FieldPrompts
	}
	if len(u.Designs) > 0 || u.ReplaceDesigns {
		f |= FieldDesigns
	}
	if len(u.Products) > 0 {
		f |= FieldProducts
	}
	if len(u.SEOContent) > 0 {
		f |= FieldSEO
	}
	if len(u.Listings) > 0 {
		f |= FieldListings
	}
	if len(u.SalesData) > 0 {
		f |= FieldSales
	}
	if len(u.Recommendations) > 0 {
		f |= FieldRecommendations
	}
	if u.QualityVerdict != nil || u.AverageScore != nil || u.FailedDesignIDs != nil {
		f |= FieldQuality
	}
	if u.Review != nil {
		f |= FieldReview
	}
	return f
}

// OwnershipError stage 写了未声明的字段
type OwnershipError struct {
	Stage string
	Extra Field
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("stage %s 写入了未声明的字段: %s", e.Stage, e.Extra)
}

// CheckOwnership 校验更新只触及 owned 声明的字段
func (u *Update) CheckOwnership(stage string, owned Field) error {
	if extra := u.Fields() &^ owned; extra != 0 {
		return &OwnershipError{Stage: stage, Extra: extra}
	}
	return nil
}

// Validate 合并前的结构校验
func (u *Update) Validate() error {
	if u == nil {
		return nil
	}
	for _, d := range u.Designs {
		if d.ID == "" {
			return fmt.Errorf("design 缺少 id")
		}
	}
	for _, p := range u.Products {
		if p.ID == "" || p.DesignID == "" {
			return fmt.Errorf("product 缺少 id 或 design_id")
		}
	}
	for _, l := range u.Listings {
		if l.ID == "" || l.ProductID == "" {
			return fmt.Errorf("listing 缺少 id 或 product_id")
		}
	}
	for svc, amt := range u.Costs {
		if svc == "" {
			return fmt.Errorf("cost 缺少服务名")
		}
		if amt < 0 {
			return fmt.Errorf("cost 不能为负: %s=%v", svc, amt)
		}
	}
	if u.QualityVerdict != nil {
		switch *u.QualityVerdict {
		case VerdictPass, VerdictRetry, VerdictFail:
		default:
			return fmt.Errorf("未知 verdict: %q", *u.QualityVerdict)
		}
	}
	return nil
}

// Merge 将 other 合并进 u 并返回 u，stage 内部组合多个 delta 时使用。
// Costs 的合并满足交换律与结合律，集合按调用顺序追加。
func (u *Update) Merge(other *Update) *Update {
	if u == nil {
		u = &Update{}
	}
	if other == nil {
		return u
	}
	if other.TrendData != nil {
		u.TrendData = other.TrendData
	}
	u.DesignPrompts = append(u.DesignPrompts, other.DesignPrompts...)
	if other.ReplaceDesigns {
		u.Designs = append([]Design(nil), other.Designs...)
		u.ReplaceDesigns = true
	} else {
		u.Designs = append(u.Designs, other.Designs...)
	}
	u.Products = append(u.Products, other.Products...)
	u.SEOContent = append(u.SEOContent, other.SEOContent...)
	u.Listings = append(u.Listings, other.Listings...)
	u.SalesData = append(u.SalesData, other.SalesData...)
	u.Recommendations = append(u.Recommendations, other.Recommendations...)
	if other.QualityVerdict != nil {
		u.QualityVerdict = other.QualityVerdict
	}
	if other.AverageScore != nil {
		u.AverageScore = other.AverageScore
	}
	if other.FailedDesignIDs != nil {
		u.FailedDesignIDs = other.FailedDesignIDs
	}
	if other.Review != nil {
		u.Review = other.Review
	}
	for svc, amt := range other.Costs {
		if u.Costs == nil {
			u.Costs = map[string]float64{}
		}
		u.Costs[svc] += amt
	}
	u.Errors = append(u.Errors, other.Errors...)
	return u
}

// MergeCost 返回给 service 记账 amount 的 delta，不修改状态
func MergeCost(service string, amount float64) *Update {
	return &Update{Costs: map[string]float64{service: amount}}
}

// MergeError 返回追加一条错误记录的 delta，不修改状态
func MergeError(step, kind, message string, at time.Time) *Update {
	return &Update{Errors: []ErrorRecord{{Step: step, Kind: kind, Message: message, Timestamp: at}}}
}

// Apply 将 delta 合并进聚合。仅供 Engine 调用。
func (s *RunState) Apply(u *Update) {
	if u == nil {
		return
	}
	if u.TrendData != nil {
		td := *u.TrendData
		s.TrendData = &td
	}
	s.DesignPrompts = append(s.DesignPrompts, u.DesignPrompts...)
	if u.ReplaceDesigns {
		s.Designs = make([]Design, len(u.Designs))
		for i, d := range u.Designs {
			s.Designs[i] = d.clone()
		}
	} else {
		for _, d := range u.Designs {
			s.Designs = append(s.Designs, d.clone())
		}
	}
	s.Products = append(s.Products, u.Products...)
	s.SEOContent = append(s.SEOContent, u.SEOContent...)
	s.Listings = append(s.Listings, u.Listings...)
	s.SalesData = append(s.SalesData, u.SalesData...)
	s.Recommendations = append(s.Recommendations, u.Recommendations...)
	if u.QualityVerdict != nil {
		s.QualityVerdict = *u.QualityVerdict
	}
	if u.AverageScore != nil {
		s.AverageScore = *u.AverageScore
	}
	if u.FailedDesignIDs != nil {
		s.FailedDesignIDs = append([]string{}, u.FailedDesignIDs...)
	}
	if u.Review != nil {
		s.Review = u.Review.clone()
	}
	if s.CostBreakdown == nil {
		s.CostBreakdown = map[string]float64{}
	}
	for svc, amt := range u.Costs {
		s.CostBreakdown[svc] += amt
		s.TotalCost += amt
	}
	s.Errors = append(s.Errors, u.Errors...)
}
