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
	"podflow/internal/pipeline/state"
)

// 内置条件的分支标签
const (
	LabelPass     = "pass"
	LabelRetry    = "retry"
	LabelFail     = "fail"
	LabelApproved = "approved"
	LabelRejected = "rejected"
)

// QualityCondition 读取质量门写入的结论
func QualityCondition(s *state.RunState) string {
	switch s.QualityVerdict {
	case state.VerdictPass:
		return LabelPass
	case state.VerdictRetry:
		return LabelRetry
	}
	return LabelFail
}

// QualityBranches 质量门三路分支：通过进入 next，重试回到 regenerate 并计数，失败终止
func QualityBranches(next, regenerate string) map[string]Branch {
	return map[string]Branch{
		LabelPass:  {Target: next},
		LabelRetry: {Target: regenerate, CountsRetry: true},
		LabelFail:  {Target: Failed},
	}
}

// ApprovalCondition 人工审核结论；无需审核的 run 直接通过，未决策按拒绝处理（正常流程中 Engine 会先暂停）
func ApprovalCondition(s *state.RunState) string {
	if !s.Review.Required {
		return LabelApproved
	}
	if s.Review.Approved != nil && *s.Review.Approved {
		return LabelApproved
	}
	return LabelRejected
}

// ApprovalBranches 审核通过进入 next，拒绝终止为失败
func ApprovalBranches(next string) map[string]Branch {
	return map[string]Branch{
		LabelApproved: {Target: next},
		LabelRejected: {Target: Failed},
	}
}
