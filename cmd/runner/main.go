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

// runner 在本进程内跑完一条流水线并输出最终 RunState（JSON）。
// 使用：go run ./cmd/runner -niche "retro cats" -designs 3 -review -decision approve
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"podflow/internal/app"
	"podflow/internal/pipeline/state"
	"podflow/pkg/config"
)

type options struct {
	configPath string
	niche      string
	style      string
	designs    int
	platforms  string
	products   string
	review     bool
	optimize   bool
	decision   string // approve | reject | 空（停在审核）
	live       bool   // 使用真实外部服务
	resume     string // 续跑已存在的 run
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "配置文件路径")
	fs.StringVar(&o.niche, "niche", "", "目标细分市场（必填，-resume 时忽略）")
	fs.StringVar(&o.style, "style", "", "设计风格，默认 minimalist")
	fs.IntVar(&o.designs, "designs", 0, "设计数量，默认取配置")
	fs.StringVar(&o.platforms, "platforms", "", "逗号分隔的上架平台，如 etsy,shopify")
	fs.StringVar(&o.products, "products", "", "逗号分隔的产品类型，如 t-shirt,mug")
	fs.BoolVar(&o.review, "review", false, "在上架前暂停等待人工审核")
	fs.BoolVar(&o.optimize, "optimize", false, "上架后执行表现分析与优化建议")
	fs.StringVar(&o.decision, "decision", "", "审核暂停时自动决策：approve 或 reject")
	fs.BoolVar(&o.live, "live", false, "调用真实外部服务（需配置 api key）")
	fs.StringVar(&o.resume, "resume", "", "续跑指定 run_id（需共享 checkpoint 存储）")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	switch o.decision {
	case "", "approve", "reject":
	default:
		return o, fmt.Errorf("-decision 只能是 approve 或 reject: %q", o.decision)
	}
	if o.resume == "" && strings.TrimSpace(o.niche) == "" {
		return o, fmt.Errorf("-niche 为必填项")
	}
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (o options) params(cfg *config.Config) state.Params {
	return state.Params{
		Niche:               strings.TrimSpace(o.niche),
		Style:               o.style,
		NumDesigns:          o.designs,
		TargetPlatforms:     splitList(o.platforms),
		ProductTypes:        splitList(o.products),
		HumanReview:         o.review || cfg.Pipeline.HumanReview,
		IncludeOptimization: o.optimize || cfg.Pipeline.IncludeOptimization,
	}
}

// run 返回进程退出码：0 completed 或停在审核，1 失败/取消，2 参数或初始化错误
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 2
	}
	cfg.Providers.Mock = !o.live
	cfg.Log.Output = stderr

	b, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "初始化失败: %v\n", err)
		return 2
	}
	defer b.Close()

	var st *state.RunState
	if o.resume != "" {
		st, err = b.Engine.Run(ctx, o.resume)
	} else {
		st, err = b.Engine.Start(ctx, o.params(cfg))
	}
	if err != nil {
		fmt.Fprintf(stderr, "执行失败: %v\n", err)
		return 2
	}

	if st.Status == state.StatusPaused && !st.Review.Decided() && o.decision != "" {
		fmt.Fprintf(stderr, "%s，自动决策: %s\n", st.Review.PendingReason, o.decision)
		if _, err := b.Engine.Decide(ctx, st.RunID, o.decision == "approve", "decided by runner"); err != nil {
			fmt.Fprintf(stderr, "提交审核决策失败: %v\n", err)
			return 2
		}
		if st, err = b.Engine.Run(ctx, st.RunID); err != nil {
			fmt.Fprintf(stderr, "恢复执行失败: %v\n", err)
			return 2
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		fmt.Fprintf(stderr, "输出结果失败: %v\n", err)
		return 2
	}
	c := st.Counters()
	fmt.Fprintf(stderr, "run %s: %s（designs=%d passing=%d products=%d listings=%d retries=%d cost=$%.2f）\n",
		st.RunID, st.Status, c.Designs, c.Passing, c.Products, c.Listings, c.RetryCount, c.TotalCost)

	switch st.Status {
	case state.StatusCompleted, state.StatusPaused:
		return 0
	default:
		return 1
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
