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

package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"podflow/pkg/config"
)

// New 按 cache.type 选择后端；redis 后端与 checkpoint、guard 共用连接，键加 prefix
func New(cfg config.CacheConfig, rdb redis.UniversalClient, prefix string) (Store, error) {
	if cfg.Type == "redis" {
		if rdb == nil {
			return nil, fmt.Errorf("cache.type=redis 需要 redis 连接")
		}
		return NewRedisStore(rdb, prefix), nil
	}
	if cfg.Type != "" && cfg.Type != "memory" {
		return nil, fmt.Errorf("未知 cache.type: %q", cfg.Type)
	}
	return NewMemoryStore(nil), nil
}
