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

// Package tracing OpenTelemetry 链路追踪接入
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "podflow"

// Config 导出配置；Endpoint 为空时不导出
type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Setup 注册全局 TracerProvider，返回的 shutdown 会刷出剩余 span。
// 未配置 Endpoint 时保持 otel 默认的 noop provider。
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("创建 OTLP exporter 失败: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRunSpan 开始一次 run 推进的 span（start 或 resume）
func StartRunSpan(ctx context.Context, runID string, entry string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run.advance",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.entry_stage", entry),
		),
	)
}

// StartStageSpan 开始单个 stage 执行的 span
func StartStageSpan(ctx context.Context, runID string, stage string, retryCount int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage.name", stage),
			attribute.Int("run.retry_count", retryCount),
		),
	)
}

// EndSpan 记录错误并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
