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
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy stage 内部对外部调用的瞬时错误重试策略，与流水线级质量重试相互独立
type RetryPolicy struct {
	MaxAttempts int           // 含首次
	Initial     time.Duration // 首次退避
	Multiplier  float64
	MaxInterval time.Duration
}

// DefaultRetry 3 次尝试，2s 起指数退避
var DefaultRetry = RetryPolicy{MaxAttempts: 3, Initial: 2 * time.Second, Multiplier: 2, MaxInterval: 30 * time.Second}

// Permanent 标记不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Retry 执行 op，瞬时错误按策略指数退避重试；ctx 取消与 Permanent 错误立即返回
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error), notify func(err error, wait time.Duration)) (T, error) {
	var out T
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		v, err := op(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, p.backOff(ctx), notify)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
