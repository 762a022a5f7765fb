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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"podflow/pkg/log"
)

// Middleware 中间件管理器
type Middleware struct {
	allowOrigins []string
	logger       *log.Logger
}

// NewMiddleware 创建中间件管理器；allowOrigins 为空时放行任意来源
func NewMiddleware(logger *log.Logger, allowOrigins ...string) *Middleware {
	if logger == nil {
		logger = log.Nop()
	}
	return &Middleware{allowOrigins: allowOrigins, logger: logger}
}

func (m *Middleware) originAllowed(origin string) bool {
	if len(m.allowOrigins) == 0 {
		return true
	}
	for _, o := range m.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// CORS CORS 中间件
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		origin := string(c.GetHeader("Origin"))
		switch {
		case origin == "":
			c.Header("Access-Control-Allow-Origin", "*")
		case m.originAllowed(origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept, Last-Event-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// AccessLog 记录每个请求的方法、路径、状态码与耗时
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		status := c.Response.StatusCode()
		args := []any{
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if status >= consts.StatusInternalServerError {
			m.logger.Error("http request", args...)
			return
		}
		m.logger.Debug("http request", args...)
	}
}
