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

// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	ErrConflict   = errors.New("conflict")

	// ErrRunLocked 同一 run 已有写者持有锁，重叠的 resume 必须拒绝
	ErrRunLocked = errors.New("run is locked by another writer")
	// ErrVersionMismatch checkpoint 版本不匹配（乐观并发）
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
	// ErrNotPaused decide 仅在 paused 且等待决策时有效
	ErrNotPaused = errors.New("run is not awaiting a decision")
	// ErrTerminal run 已处于终态
	ErrTerminal = errors.New("run already terminal")
	// ErrDailyLimitExceeded 每日产出配额已用尽，启动时拒绝，不可重试
	ErrDailyLimitExceeded = errors.New("daily run limit exceeded")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is / As 转发标准库，便于调用方只引入本包
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// New 同 errors.New
func New(text string) error { return errors.New(text) }
