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

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "msg"))
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	assert.EqualError(t, wrapped, "context: base")
	assert.True(t, errors.Is(wrapped, err))
}

func TestWrapf(t *testing.T) {
	assert.Nil(t, Wrapf(nil, "format %s", "x"))
	err := errors.New("base")
	wrapped := Wrapf(err, "run=%s", "run_1")
	assert.EqualError(t, wrapped, "run=run_1: base")
	assert.True(t, Is(wrapped, err))
}

func TestSentinelsDistinct(t *testing.T) {
	all := []error{ErrNotFound, ErrInvalidArg, ErrConflict, ErrRunLocked, ErrVersionMismatch, ErrNotPaused, ErrTerminal, ErrDailyLimitExceeded}
	for i, a := range all {
		for j, b := range all {
			assert.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
	assert.True(t, Is(Wrap(ErrRunLocked, "save"), ErrRunLocked))
}
