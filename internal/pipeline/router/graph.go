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

// Package router 定义 stage 图与完成后的路由决策
package router

import (
	"fmt"
	"sort"

	"podflow/internal/pipeline/stage"
	"podflow/internal/pipeline/state"
)

// 终止目标
const (
	End    = "__end__"    // run completed
	Failed = "__failed__" // run failed
)

// IsTerminal 目标是否为终止节点
func IsTerminal(target string) bool { return target == End || target == Failed }

// Branch 条件分支的去向；CountsRetry 为 true 时 Engine 在选择该分支时递增重试计数
type Branch struct {
	Target      string `yaml:"target"`
	CountsRetry bool   `yaml:"counts_retry"`
}

// Condition 对状态求值得到分支标签，必须是纯函数
type Condition func(s *state.RunState) string

type conditional struct {
	cond     Condition
	onError  Condition
	branches map[string]Branch
}

// Graph 不可变的 stage 图，由 Builder 构建
type Graph struct {
	entry  string
	stages map[string]stage.Stage
	order  []string
	edges  map[string]string
	conds  map[string]conditional
}

// Entry 入口 stage
func (g *Graph) Entry() string { return g.entry }

// Stage 按名称查找
func (g *Graph) Stage(name string) (stage.Stage, bool) {
	st, ok := g.stages[name]
	return st, ok
}

// Stages 按添加顺序返回 stage 名称
func (g *Graph) Stages() []string { return append([]string(nil), g.order...) }

// Route stage 成功完成后选择下一步
func (g *Graph) Route(from string, s *state.RunState) (Branch, error) {
	if to, ok := g.edges[from]; ok {
		return Branch{Target: to}, nil
	}
	c, ok := g.conds[from]
	if !ok {
		return Branch{}, fmt.Errorf("stage %q 没有出边", from)
	}
	return c.pick(from, c.cond(s))
}

// RouteError stage 整体失败后的去向：未注册错误条件的 stage 直接失败
func (g *Graph) RouteError(from string, s *state.RunState) (Branch, error) {
	c, ok := g.conds[from]
	if !ok || c.onError == nil {
		return Branch{Target: Failed}, nil
	}
	return c.pick(from, c.onError(s))
}

func (c conditional) pick(from, label string) (Branch, error) {
	b, ok := c.branches[label]
	if !ok {
		return Branch{}, fmt.Errorf("stage %q 条件返回未知分支 %q", from, label)
	}
	return b, nil
}

// Builder 逐步构建 Graph，Build 时统一校验
type Builder struct {
	g    *Graph
	errs []error
}

// NewBuilder 创建 Builder
func NewBuilder() *Builder {
	return &Builder{g: &Graph{
		stages: map[string]stage.Stage{},
		edges:  map[string]string{},
		conds:  map[string]conditional{},
	}}
}

// AddStage 注册 stage，首个注册的 stage 默认作为入口
func (b *Builder) AddStage(st stage.Stage) *Builder {
	name := st.Name()
	if name == "" || IsTerminal(name) {
		b.errs = append(b.errs, fmt.Errorf("非法 stage 名称 %q", name))
		return b
	}
	if _, dup := b.g.stages[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("stage %q 重复注册", name))
		return b
	}
	b.g.stages[name] = st
	b.g.order = append(b.g.order, name)
	if b.g.entry == "" {
		b.g.entry = name
	}
	return b
}

// SetEntry 指定入口
func (b *Builder) SetEntry(name string) *Builder {
	b.g.entry = name
	return b
}

// AddEdge 无条件边
func (b *Builder) AddEdge(from, to string) *Builder {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("stage %q 已有出边", from))
		return b
	}
	b.g.edges[from] = to
	return b
}

// AddConditional 条件边，branches 以标签映射去向
func (b *Builder) AddConditional(from string, cond Condition, branches map[string]Branch) *Builder {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("stage %q 已有出边", from))
		return b
	}
	if cond == nil || len(branches) == 0 {
		b.errs = append(b.errs, fmt.Errorf("stage %q 条件边缺少条件或分支", from))
		return b
	}
	cp := make(map[string]Branch, len(branches))
	for k, v := range branches {
		cp[k] = v
	}
	b.g.conds[from] = conditional{cond: cond, branches: cp}
	return b
}

// OnError 为条件边 stage 注册失败时的路由条件，复用同一组分支
func (b *Builder) OnError(from string, cond Condition) *Builder {
	c, ok := b.g.conds[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("stage %q 需先添加条件边才能设置 OnError", from))
		return b
	}
	c.onError = cond
	b.g.conds[from] = c
	return b
}

func (b *Builder) hasOutgoing(from string) bool {
	_, e := b.g.edges[from]
	_, c := b.g.conds[from]
	return e || c
}

// Build 校验并返回 Graph：入口存在、目标合法、每个 stage 都有出边且从入口可达
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	g := b.g
	if _, ok := g.stages[g.entry]; !ok {
		return nil, fmt.Errorf("入口 stage %q 未注册", g.entry)
	}
	valid := func(t string) bool {
		_, ok := g.stages[t]
		return ok || IsTerminal(t)
	}
	for from, to := range g.edges {
		if _, ok := g.stages[from]; !ok {
			return nil, fmt.Errorf("边起点 %q 未注册", from)
		}
		if !valid(to) {
			return nil, fmt.Errorf("边 %s -> %s 目标未注册", from, to)
		}
	}
	for from, c := range g.conds {
		if _, ok := g.stages[from]; !ok {
			return nil, fmt.Errorf("条件边起点 %q 未注册", from)
		}
		for label, br := range c.branches {
			if !valid(br.Target) {
				return nil, fmt.Errorf("条件边 %s[%s] -> %s 目标未注册", from, label, br.Target)
			}
		}
	}
	for _, name := range g.order {
		if !b.hasOutgoing(name) {
			return nil, fmt.Errorf("stage %q 没有出边", name)
		}
	}
	if unreachable := g.unreachable(); len(unreachable) > 0 {
		return nil, fmt.Errorf("stage 不可达: %v", unreachable)
	}
	return g, nil
}

func (g *Graph) successors(name string) []string {
	if to, ok := g.edges[name]; ok {
		return []string{to}
	}
	var out []string
	for _, br := range g.conds[name].branches {
		out = append(out, br.Target)
	}
	return out
}

func (g *Graph) unreachable() []string {
	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.successors(cur) {
			if !IsTerminal(next) && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for name := range g.stages {
		if !seen[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
