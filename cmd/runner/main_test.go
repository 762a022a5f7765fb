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
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podflow/internal/pipeline/state"
)

func runRunner(t *testing.T, args ...string) (int, *state.RunState, string) {
	t.Helper()
	t.Setenv("PODFLOW_CONFIG", "")
	t.Chdir(t.TempDir())
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	if stdout.Len() == 0 {
		return code, nil, stderr.String()
	}
	var st state.RunState
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &st), stdout.String())
	return code, &st, stderr.String()
}

func TestRun_MockPipeline(t *testing.T) {
	code, st, stderr := runRunner(t, "-niche", "cats", "-designs", "2", "-platforms", "etsy, shopify")
	assert.Equal(t, 0, code, stderr)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, []string{"etsy", "shopify"}, st.Params.TargetPlatforms)
	assert.Len(t, st.Listings, 8)
	assert.Contains(t, stderr, "completed")
}

func TestRun_StopsAtReview(t *testing.T) {
	code, st, _ := runRunner(t, "-niche", "dogs", "-designs", "1", "-review")
	assert.Equal(t, 0, code)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusPaused, st.Status)
	assert.Empty(t, st.Listings)
}

func TestRun_AutoDecision(t *testing.T) {
	code, st, _ := runRunner(t, "-niche", "dogs", "-designs", "1", "-review", "-decision", "approve", "-optimize")
	assert.Equal(t, 0, code)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Len(t, st.Listings, 2)
	assert.NotEmpty(t, st.Recommendations)

	code, st, _ = runRunner(t, "-niche", "dogs", "-designs", "1", "-review", "-decision", "reject")
	assert.Equal(t, 1, code)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusFailed, st.Status)
}

func TestRun_InvalidArgs(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"-niche", "cats", "-decision", "maybe"},
		{"-niche", "cats", "-designs", "99"},
	} {
		code, _, _ := runRunner(t, args...)
		assert.Equal(t, 2, code, "%v", args)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
