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

package router

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"podflow/internal/pipeline/stage"
)

// GraphSpec YAML 图定义
//
//	entry: trend_analysis
//	stages: [trend_analysis, design_generation, quality_check]
//	edges:
//	  - {from: trend_analysis, to: design_generation}
//	conditional:
//	  - from: quality_check
//	    condition: quality
//	    on_error: quality_scores
//	    branches:
//	      pass: {target: __end__}
//	      retry: {target: design_generation, counts_retry: true}
//	      fail: {target: __failed__}
type GraphSpec struct {
	Entry       string            `yaml:"entry"`
	Stages      []string          `yaml:"stages"`
	Edges       []EdgeSpec        `yaml:"edges"`
	Conditional []ConditionalSpec `yaml:"conditional"`
}

// EdgeSpec 无条件边
type EdgeSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ConditionalSpec 条件边，condition/on_error 引用已注册的条件名
type ConditionalSpec struct {
	From      string            `yaml:"from"`
	Condition string            `yaml:"condition"`
	OnError   string            `yaml:"on_error"`
	Branches  map[string]Branch `yaml:"branches"`
}

// Registry 可被 YAML 引用的 stage 与条件
type Registry struct {
	Stages     map[string]stage.Stage
	Conditions map[string]Condition
}

// LoadGraphYAML 解析 YAML 并按 Registry 构建 Graph
func LoadGraphYAML(data []byte, reg Registry) (*Graph, error) {
	var spec GraphSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("解析图定义失败: %w", err)
	}
	return spec.Build(reg)
}

// Build 按定义构建 Graph
func (spec GraphSpec) Build(reg Registry) (*Graph, error) {
	b := NewBuilder()
	for _, name := range spec.Stages {
		st, ok := reg.Stages[name]
		if !ok {
			return nil, fmt.Errorf("图定义引用了未知 stage %q", name)
		}
		b.AddStage(st)
	}
	if spec.Entry != "" {
		b.SetEntry(spec.Entry)
	}
	for _, e := range spec.Edges {
		b.AddEdge(e.From, e.To)
	}
	for _, c := range spec.Conditional {
		cond, ok := reg.Conditions[c.Condition]
		if !ok {
			return nil, fmt.Errorf("图定义引用了未知条件 %q", c.Condition)
		}
		b.AddConditional(c.From, cond, c.Branches)
		if c.OnError != "" {
			onErr, ok := reg.Conditions[c.OnError]
			if !ok {
				return nil, fmt.Errorf("图定义引用了未知条件 %q", c.OnError)
			}
			b.OnError(c.From, onErr)
		}
	}
	return b.Build()
}
