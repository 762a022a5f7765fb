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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Runner 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		StageDuration, RunTotal, RunsInFlight,
		FanoutItems, QualityVerdicts, RetryTotal,
		GuardRejections, CheckpointWrites,
		ProviderWaitSeconds, ProviderCalls,
	)
}

// StageDuration 单个 stage 执行耗时（秒）
var StageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "podflow_stage_duration_seconds",
		Help:    "Stage 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage"},
)

// RunTotal 结束的 run 数（按状态）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podflow_runs_total",
		Help: "Run 总数（按状态）",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// RunsInFlight 当前正在推进的 run 数
var RunsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "podflow_runs_in_flight",
		Help: "当前正在执行的 Run 数",
	},
)

// FanoutItems fan-out 子任务结果数
var FanoutItems = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podflow_fanout_items_total",
		Help: "Fan-out 子任务数（按结果）",
	},
	[]string{"stage", "outcome"}, // ok | error
)

// QualityVerdicts 质量门判定次数
var QualityVerdicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podflow_quality_verdicts_total",
		Help: "质量门判定次数（按结论）",
	},
	[]string{"verdict"},
)

// RetryTotal 自动重试次数
var RetryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "podflow_retries_total",
		Help: "质量门触发的自动重试次数",
	},
)

// GuardRejections 每日配额拒绝次数
var GuardRejections = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "podflow_guard_rejections_total",
		Help: "每日配额拒绝启动次数",
	},
)

// CheckpointWrites checkpoint 写入次数
var CheckpointWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podflow_checkpoint_writes_total",
		Help: "Checkpoint 写入次数",
	},
	[]string{"backend", "result"}, // ok | error
)

// ProviderWaitSeconds 外部服务限流等待耗时（秒）
var ProviderWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "podflow_provider_wait_seconds",
		Help:    "外部服务调用前的限流等待耗时（秒）",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	},
	[]string{"provider"},
)

// ProviderCalls 外部服务调用次数
var ProviderCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podflow_provider_calls_total",
		Help: "外部服务调用次数（按结果）",
	},
	[]string{"provider", "result"}, // ok | error
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
