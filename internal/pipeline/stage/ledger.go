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

package stage

import (
	"fmt"
	"time"

	"podflow/internal/pipeline/fanout"
	"podflow/internal/pipeline/state"
	"podflow/pkg/metrics"
)

// LedgerFailures 将 fan-out 失败项记入错误账本并上报指标，label 用于定位子任务
func LedgerFailures[R any](stageName string, rs fanout.Results[R], label func(index int) string, at time.Time) *state.Update {
	u := &state.Update{}
	fails := rs.Failures()
	for _, f := range fails {
		u.Merge(state.MergeError(stageName, KindSubtask, fmt.Sprintf("%s: %v", label(f.Index), f.Err), at))
	}
	metrics.FanoutItems.WithLabelValues(stageName, "ok").Add(float64(len(rs) - len(fails)))
	metrics.FanoutItems.WithLabelValues(stageName, "error").Add(float64(len(fails)))
	return u
}
