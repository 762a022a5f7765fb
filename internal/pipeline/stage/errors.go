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
	"fmt"

	"podflow/internal/pipeline/fanout"
)

// 错误类型，写入错误账本的 kind 字段
const (
	KindPrecondition = "precondition"
	KindTimeout      = "timeout"
	KindCancelled    = "cancelled"
	KindAllFailed    = "all_failed"
	KindSubtask      = "subtask"
	KindOwnership    = "ownership"
	KindInternal     = "internal"
)

// PreconditionError 缺少上游数据，致命且不可重试
type PreconditionError struct {
	Stage  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stage %s 前置条件不满足: %s", e.Stage, e.Reason)
}

// Precondition 构造 *PreconditionError
func Precondition(stage, format string, args ...any) error {
	return &PreconditionError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// IsPrecondition 判断是否前置条件错误
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// Error stage 整体失败
type Error struct {
	Stage string
	Kind  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s 失败 (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap 将任意错误包装为 *Error，已是 *Error 时原样返回
func Wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Stage: stage, Kind: KindOf(err), Err: err}
}

// KindOf 错误分类
func KindOf(err error) string {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case IsPrecondition(err):
		return KindPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, fanout.ErrAllFailed):
		return KindAllFailed
	}
	return KindInternal
}
