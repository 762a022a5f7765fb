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

// Package quality 质量门的纯判定规则
package quality

import (
	"podflow/internal/pipeline/state"
)

// Thresholds 通过与重试阈值
type Thresholds struct {
	Pass  float64
	Retry float64
}

// DefaultThresholds 0.8 / 0.5
var DefaultThresholds = Thresholds{Pass: 0.8, Retry: 0.5}

// Decide 三态判定：
// avg >= Pass 通过；retryCount < maxRetries 且 avg >= Retry 重试；否则失败
func Decide(avg float64, retryCount, maxRetries int, th Thresholds) state.Verdict {
	switch {
	case avg >= th.Pass:
		return state.VerdictPass
	case retryCount < maxRetries && avg >= th.Retry:
		return state.VerdictRetry
	default:
		return state.VerdictFail
	}
}

// Average 给定设计的平均分，未评分的按 0 计；空集合为 0。
// 质量门传入的是 Current 的结果，见 Current
func Average(designs []state.Design) float64 {
	if len(designs) == 0 {
		return 0
	}
	var sum float64
	for _, d := range designs {
		if d.Score != nil {
			sum += *d.Score
		}
	}
	return sum / float64(len(designs))
}

// PendingSlots 尚无通过设计的槽位，重试时只为这些槽位重新生成
func PendingSlots(s *state.RunState) []int {
	passed := map[int]bool{}
	for _, d := range s.Designs {
		if d.Passed {
			passed[d.Slot] = true
		}
	}
	var out []int
	for _, p := range s.DesignPrompts {
		if !passed[p.Slot] {
			out = append(out, p.Slot)
		}
	}
	return out
}

// Current 每个槽位的当前设计：已通过的优先，否则取最新一次尝试。
// 被取代的失败设计仍保留在集合中，但不参与平均分。
// 结论按槽位平均（Average(Current(designs))），而非对保留的整个集合求平均；
// 否则旧的失败尝试会持续拉低分数，重试后的通过永远无法抵消。
func Current(designs []state.Design) []state.Design {
	best := map[int]int{}
	var slots []int
	for i, d := range designs {
		j, ok := best[d.Slot]
		if !ok {
			best[d.Slot] = i
			slots = append(slots, d.Slot)
			continue
		}
		cur := designs[j]
		if cur.Passed && !d.Passed {
			continue
		}
		if d.Passed && !cur.Passed || d.Attempt >= cur.Attempt {
			best[d.Slot] = i
		}
	}
	out := make([]state.Design, 0, len(slots))
	for _, slot := range slots {
		out = append(out, designs[best[slot]])
	}
	return out
}

// VerdictFromState 基于当前已有分数推导结论，质量门自身出错时用于路由
func VerdictFromState(s *state.RunState, th Thresholds) state.Verdict {
	return Decide(Average(Current(s.Designs)), s.RetryCount, s.MaxRetries, th)
}
