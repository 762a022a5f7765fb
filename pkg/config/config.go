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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"podflow/pkg/log"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Log        log.Config       `mapstructure:"log"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int        `mapstructure:"port"`
	Host    string     `mapstructure:"host"`
	Timeout string     `mapstructure:"timeout"`
	CORS    CORSConfig `mapstructure:"cors"`
	// Dispatch 为 false 时 API 只落盘（控制面），run 由 worker 认领推进
	Dispatch bool `mapstructure:"dispatch"`
}

// WorkerConfig worker 轮询配置
type WorkerConfig struct {
	PollInterval string `mapstructure:"poll_interval"`
	MaxInFlight  int    `mapstructure:"max_in_flight"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// PipelineConfig 流水线阈值、重试与默认参数
type PipelineConfig struct {
	MaxRetries          int      `mapstructure:"max_retries"`
	PassThreshold       float64  `mapstructure:"pass_threshold"`
	RetryThreshold      float64  `mapstructure:"retry_threshold"`
	Concurrency         int      `mapstructure:"concurrency"` // fan-out 并发上限
	HumanReview         bool     `mapstructure:"human_review"`
	IncludeOptimization bool     `mapstructure:"include_optimization"`
	StageTimeout        string   `mapstructure:"stage_timeout"` // 如 "5m"，空表示不限
	GraphFile           string   `mapstructure:"graph_file"`    // 可选 YAML 图定义
	DefaultPlatforms    []string `mapstructure:"default_platforms"`
	DefaultProductTypes []string `mapstructure:"default_product_types"`
	DefaultNumDesigns   int      `mapstructure:"default_num_designs"`
}

// CheckpointConfig Checkpoint 存储配置
type CheckpointConfig struct {
	Type    string `mapstructure:"type"`     // memory | postgres | redis
	DSN     string `mapstructure:"dsn"`      // Postgres 连接串，type=postgres 时必填
	LockTTL string `mapstructure:"lock_ttl"` // 写者锁租期，如 "30s"
}

// ProgressConfig 进度事件流存储配置
type ProgressConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`
}

// GuardConfig 每日产出配额
type GuardConfig struct {
	Type       string `mapstructure:"type"` // memory | redis
	DailyLimit int    `mapstructure:"daily_limit"`
	Timezone   string `mapstructure:"timezone"` // 日界时区，如 "Asia/Shanghai"，空为 Local
}

// CacheConfig 趋势分析结果缓存
type CacheConfig struct {
	Type     string `mapstructure:"type"`      // memory | redis
	TrendTTL string `mapstructure:"trend_ttl"` // 如 "6h"，空或 0 表示不缓存
}

// RedisConfig Redis 连接
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProvidersConfig 外部服务（图像/文本生成、电商平台）
type ProvidersConfig struct {
	Mock            bool    `mapstructure:"mock"` // true 时使用确定性 mock，不发外部请求
	OpenAIAPIKey    string  `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string  `mapstructure:"openai_base_url"`
	ImageModel      string  `mapstructure:"image_model"`
	TextModel       string  `mapstructure:"text_model"`
	CommerceBaseURL string  `mapstructure:"commerce_base_url"`
	CommerceAPIKey  string  `mapstructure:"commerce_api_key"`
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
	Burst           int     `mapstructure:"burst"`
	MaxConcurrent   int     `mapstructure:"max_concurrent"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.dispatch", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.pass_threshold", 0.8)
	v.SetDefault("pipeline.retry_threshold", 0.5)
	v.SetDefault("pipeline.concurrency", 3)
	v.SetDefault("pipeline.default_platforms", []string{"etsy"})
	v.SetDefault("pipeline.default_product_types", []string{"t-shirt", "mug"})
	v.SetDefault("pipeline.default_num_designs", 5)
	v.SetDefault("checkpoint.type", "memory")
	v.SetDefault("checkpoint.lock_ttl", "30s")
	v.SetDefault("progress.type", "memory")
	v.SetDefault("guard.type", "memory")
	v.SetDefault("guard.daily_limit", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("providers.mock", true)
	v.SetDefault("providers.image_model", "dall-e-3")
	v.SetDefault("providers.text_model", "gpt-4o-mini")
	v.SetDefault("providers.rate_per_second", 2.0)
	v.SetDefault("providers.burst", 2)
	v.SetDefault("providers.max_concurrent", 3)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.max_in_flight", 4)
	v.SetDefault("cache.type", "memory")
	v.SetDefault("monitoring.tracing.service_name", "podflow")
}

// Default 返回全部默认值构成的配置，无需配置文件
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfigPath 默认配置文件路径，可由 PODFLOW_CONFIG 覆盖
const DefaultConfigPath = "configs/podflow.yaml"

// LoadOrDefault 加载 path（为空时取 PODFLOW_CONFIG 或 DefaultConfigPath）；
// 未显式指定且默认文件不存在时返回全默认配置
func LoadOrDefault(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := os.Getenv("PODFLOW_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultConfigPath
		}
	}
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换 ${VAR} 形式的密钥与连接串
func replaceEnvVars(config *Config) {
	for _, p := range []*string{
		&config.Providers.OpenAIAPIKey,
		&config.Providers.CommerceAPIKey,
		&config.Checkpoint.DSN,
		&config.Progress.DSN,
		&config.Redis.Password,
	} {
		*p = expandEnv(*p)
	}
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
		return val
	}
	return s
}

// Validate 校验阈值与并发配置
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.PassThreshold < 0 || p.PassThreshold > 1 {
		return fmt.Errorf("pipeline.pass_threshold 需在 [0,1]: %v", p.PassThreshold)
	}
	if p.RetryThreshold < 0 || p.RetryThreshold > p.PassThreshold {
		return fmt.Errorf("pipeline.retry_threshold 需在 [0,pass_threshold]: %v", p.RetryThreshold)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries 不能为负: %d", p.MaxRetries)
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency 至少为 1: %d", p.Concurrency)
	}
	if c.Guard.DailyLimit < 0 {
		return fmt.Errorf("guard.daily_limit 不能为负: %d", c.Guard.DailyLimit)
	}
	switch c.Checkpoint.Type {
	case "memory", "redis":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.type=postgres 时 checkpoint.dsn 必填")
		}
	default:
		return fmt.Errorf("未知 checkpoint.type: %q", c.Checkpoint.Type)
	}
	if c.Progress.Type == "postgres" && c.Progress.DSN == "" {
		return fmt.Errorf("progress.type=postgres 时 progress.dsn 必填")
	}
	if _, err := c.StageTimeout(); err != nil {
		return err
	}
	switch c.Cache.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("未知 cache.type: %q", c.Cache.Type)
	}
	if _, err := c.TrendTTL(); err != nil {
		return err
	}
	if !c.API.Dispatch && c.Checkpoint.Type == "memory" {
		return fmt.Errorf("api.dispatch=false 需要共享的 checkpoint 存储（postgres 或 redis）")
	}
	return nil
}

// StageTimeout 解析 stage 超时，空为 0（不限）
func (c *Config) StageTimeout() (time.Duration, error) {
	if c.Pipeline.StageTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Pipeline.StageTimeout)
	if err != nil {
		return 0, fmt.Errorf("pipeline.stage_timeout 无效: %w", err)
	}
	return d, nil
}

// TrendTTL 趋势缓存有效期，0 表示关闭缓存
func (c *Config) TrendTTL() (time.Duration, error) {
	if c.Cache.TrendTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Cache.TrendTTL)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("cache.trend_ttl 无效: %q", c.Cache.TrendTTL)
	}
	return d, nil
}

// LockTTL 解析写者锁租期，默认 30s
func (c *Config) LockTTL() time.Duration {
	if d, err := time.ParseDuration(c.Checkpoint.LockTTL); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// PollInterval worker 轮询间隔，默认 2s
func (c *Config) PollInterval() time.Duration {
	if d, err := time.ParseDuration(c.Worker.PollInterval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// Location 日界时区
func (c *Config) Location() *time.Location {
	if c.Guard.Timezone == "" {
		return time.Local
	}
	if loc, err := time.LoadLocation(c.Guard.Timezone); err == nil {
		return loc
	}
	return time.Local
}
