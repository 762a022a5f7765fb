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

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"podflow/internal/pipeline/state"
	"podflow/internal/runtime/progress"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行一条子命令并返回退出码
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	c := newClient(apiBaseURL())
	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "podflow cli "+version)
	case "health":
		if err = c.health(); err == nil {
			fmt.Fprintln(stdout, "ok")
		}
	case "start":
		err = runStart(c, rest, stdout, stderr)
	case "list":
		err = runList(c, rest, stdout, stderr)
	case "get":
		err = withRunID(cmd, rest, stderr, func(id string) error {
			st, err := c.getRun(id)
			if err != nil {
				return err
			}
			return printJSON(stdout, st)
		})
	case "approve", "reject":
		err = withRunID(cmd, rest, stderr, func(id string) error {
			notes := strings.Join(rest[1:], " ")
			if err := c.decide(id, cmd == "approve", notes); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s: 已提交决策 %s\n", id, cmd)
			return nil
		})
	case "resume":
		err = withRunID(cmd, rest, stderr, func(id string) error {
			if err := c.resume(id); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s: 已恢复\n", id)
			return nil
		})
	case "cancel":
		err = withRunID(cmd, rest, stderr, func(id string) error {
			s, err := c.cancel(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s: %s\n", s.RunID, s.Status)
			return nil
		})
	case "events":
		err = runEvents(c, rest, stdout, stderr)
	case "watch":
		err = withRunID(cmd, rest, stderr, func(id string) error {
			return c.watch(id, func(e progress.Event) { printEvent(stdout, e) })
		})
	case "limits":
		gs, lerr := c.limits()
		if err = lerr; err == nil {
			if gs.Limit <= 0 {
				fmt.Fprintf(stdout, "%s: used=%d (unlimited)\n", gs.Date, gs.Used)
			} else {
				fmt.Fprintf(stdout, "%s: used=%d remaining=%d limit=%d\n", gs.Date, gs.Used, gs.Remaining, gs.Limit)
			}
		}
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		printUsage(stderr)
		return 1
	}
	if err != nil {
		if err != errUsage {
			fmt.Fprintf(stderr, "%s 失败: %v\n", cmd, err)
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func withRunID(cmd string, args []string, stderr io.Writer, fn func(string) error) error {
	if len(args) < 1 || args[0] == "" {
		fmt.Fprintf(stderr, "Usage: podflow %s <run_id>\n", cmd)
		return errUsage
	}
	return fn(args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: podflow <command> [args]   (服务地址: $PODFLOW_API_URL，默认 http://localhost:8080)")
	fmt.Fprintln(w, "  version                 - 显示版本")
	fmt.Fprintln(w, "  health                  - 健康检查")
	fmt.Fprintln(w, "  start -niche <n> [...]  - 启动 run，输出 run_id")
	fmt.Fprintln(w, "  list [-status s]        - 列出 run")
	fmt.Fprintln(w, "  get <run_id>            - 输出完整状态（JSON）")
	fmt.Fprintln(w, "  approve <run_id> [notes]- 批准等待审核的 run")
	fmt.Fprintln(w, "  reject <run_id> [notes] - 驳回等待审核的 run")
	fmt.Fprintln(w, "  resume <run_id>         - 续跑中断的 run")
	fmt.Fprintln(w, "  cancel <run_id>         - 取消 run")
	fmt.Fprintln(w, "  events <run_id> [-after n] - 输出进度事件")
	fmt.Fprintln(w, "  watch <run_id>          - 订阅进度直到结束")
	fmt.Fprintln(w, "  limits                  - 当日配额")
}

func runStart(c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var p state.Params
	var platforms, products string
	fs.StringVar(&p.Niche, "niche", "", "目标细分市场（必填）")
	fs.StringVar(&p.Style, "style", "", "设计风格")
	fs.IntVar(&p.NumDesigns, "designs", 0, "设计数量")
	fs.StringVar(&platforms, "platforms", "", "逗号分隔的上架平台")
	fs.StringVar(&products, "products", "", "逗号分隔的产品类型")
	fs.BoolVar(&p.HumanReview, "review", false, "上架前等待人工审核")
	fs.BoolVar(&p.IncludeOptimization, "optimize", false, "上架后执行优化分析")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if p.Niche == "" {
		fmt.Fprintln(stderr, "Usage: podflow start -niche <niche> [-designs n] [-platforms a,b] [-products a,b] [-review] [-optimize]")
		return errUsage
	}
	p.TargetPlatforms = splitList(platforms)
	p.ProductTypes = splitList(products)
	id, err := c.startRun(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}

func runList(c *client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	status := fs.String("status", "", "按状态过滤")
	limit := fs.Int("limit", 20, "每页数量")
	offset := fs.Int("offset", 0, "偏移")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	runs, total, err := c.listRuns(*status, *limit, *offset)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN_ID\tSTATUS\tNICHE\tSTEP\tDESIGNS\tLISTINGS\tCOST")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.2f\n",
			r.RunID, r.Status, r.Niche, r.CurrentStep, r.Counters.Designs, r.Counters.Listings, r.Counters.TotalCost)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "total: %d\n", total)
	return nil
}

func runEvents(c *client, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "Usage: podflow events <run_id> [-after n]")
		return errUsage
	}
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	after := fs.Int64("after", 0, "只输出 seq 大于该值的事件")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}
	events, err := c.events(args[0], *after)
	if err != nil {
		return err
	}
	for _, e := range events {
		printEvent(stdout, e)
	}
	return nil
}

func printEvent(w io.Writer, e progress.Event) {
	line := fmt.Sprintf("#%d %s %-18s %-9s designs=%d passing=%d listings=%d retries=%d cost=%.2f",
		e.Seq, e.Timestamp.Format("15:04:05"), e.Step, e.Status,
		e.Counters.Designs, e.Counters.Passing, e.Counters.Listings, e.Counters.RetryCount, e.Counters.TotalCost)
	if e.Message != "" {
		line += " | " + e.Message
	}
	fmt.Fprintln(w, line)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
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
