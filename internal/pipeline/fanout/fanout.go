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

// Package fanout 提供 stage 内部的有界并发执行：单项失败被隔离，不中断整批。
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultCeiling 默认并发上限
const DefaultCeiling = 3

// ErrAllFailed 整批没有任何成功项
var ErrAllFailed = errors.New("all fan-out items failed")

// Outcome 单个子任务的结果，Index 为输入位置
type Outcome[R any] struct {
	Index int
	Value R
	Err   error
}

// OK 是否成功
func (o Outcome[R]) OK() bool { return o.Err == nil }

// Results 按输入顺序排列的全部结果，与完成顺序无关
type Results[R any] []Outcome[R]

// Successes 成功值，按输入顺序
func (rs Results[R]) Successes() []R {
	out := make([]R, 0, len(rs))
	for _, o := range rs {
		if o.OK() {
			out = append(out, o.Value)
		}
	}
	return out
}

// Failures 失败项，按输入顺序
func (rs Results[R]) Failures() []Outcome[R] {
	var out []Outcome[R]
	for _, o := range rs {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Err 整批为空以外且零成功时返回 ErrAllFailed（包装第一个失败原因）
func (rs Results[R]) Err() error {
	if len(rs) == 0 {
		return nil
	}
	fails := rs.Failures()
	if len(fails) < len(rs) {
		return nil
	}
	return fmt.Errorf("%w: %d/%d, first: %v", ErrAllFailed, len(fails), len(rs), fails[0].Err)
}

// PanicError worker panic 被捕获为失败项
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("fan-out worker panic: %v", e.Value) }

// RunBounded 以最多 ceiling 个并发执行 worker，收集每一项的成功值或失败。
// 不因单项失败中断整批；ctx 取消后尚未获得槽位的项直接记为 ctx.Err()，
// 已在执行的项由 worker 自行响应 ctx。
func RunBounded[T, R any](ctx context.Context, items []T, ceiling int, worker func(context.Context, T) (R, error)) Results[R] {
	if ceiling < 1 {
		ceiling = DefaultCeiling
	}
	results := make(Results[R], len(items))
	sem := semaphore.NewWeighted(int64(ceiling))
	var g errgroup.Group

	for i, item := range items {
		results[i].Index = i
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = invoke(ctx, i, item, worker)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func invoke[T, R any](ctx context.Context, i int, item T, worker func(context.Context, T) (R, error)) (out Outcome[R]) {
	out.Index = i
	defer func() {
		if r := recover(); r != nil {
			out.Err = &PanicError{Value: r}
		}
	}()
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	out.Value, out.Err = worker(ctx, item)
	return out
}
