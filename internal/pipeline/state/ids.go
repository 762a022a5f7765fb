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

package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// artifactNS 设计/商品/上架 id 的命名空间
var artifactNS = uuid.MustParse("5b7c1f0e-3d2a-4c61-9a8e-7f4b2d9c0a13")

// ArtifactID 按 (runID, attempt, key) 派生确定性 id：同一次尝试重放得到同一 id，不同尝试得到新 id
func ArtifactID(prefix, runID string, attempt int, key string) string {
	u := uuid.NewSHA1(artifactNS, []byte(fmt.Sprintf("%s/%d/%s", runID, attempt, key)))
	return prefix + "_" + strings.ReplaceAll(u.String(), "-", "")[:12]
}

// IDGenerator 生成 run id 与 resume token，测试中可替换
type IDGenerator interface {
	RunID() string
	ResumeToken() string
}

// RandomIDs 基于 uuid v4
type RandomIDs struct{}

func (RandomIDs) RunID() string       { return "run_" + shortHex() }
func (RandomIDs) ResumeToken() string { return "thread_" + shortHex() }

func shortHex() string {
	u, err := uuid.NewRandom()
	if err != nil {
		var b [6]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return strings.ReplaceAll(u.String(), "-", "")[:12]
}
