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

package progress

import (
	"context"
	"sync"
	"time"

	"podflow/pkg/errors"
)

// memoryStore 内存实现：Append 时直接推送给订阅者
type memoryStore struct {
	mu       sync.RWMutex
	byRun    map[string][]Event
	watchers map[string][]chan Event
}

// NewMemoryStore 创建内存版进度存储
func NewMemoryStore() Store {
	return &memoryStore{
		byRun:    make(map[string][]Event),
		watchers: make(map[string][]chan Event),
	}
}

func (s *memoryStore) Append(ctx context.Context, e Event) (Event, error) {
	if e.RunID == "" {
		return Event{}, errors.Wrap(errors.ErrInvalidArg, "run id 为空")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = int64(len(s.byRun[e.RunID]) + 1)
	s.byRun[e.RunID] = append(s.byRun[e.RunID], e)
	s.notifyWatchersLocked(e)
	return e, nil
}

// notifyWatchersLocked 订阅者缓冲区满时关闭其 channel，由其重新订阅并用 List 补齐
func (s *memoryStore) notifyWatchersLocked(e Event) {
	chans := s.watchers[e.RunID]
	if len(chans) == 0 {
		return
	}
	var still []chan Event
	for _, ch := range chans {
		select {
		case ch <- e:
			still = append(still, ch)
		default:
			close(ch)
		}
	}
	if len(still) == 0 {
		delete(s.watchers, e.RunID)
		return
	}
	s.watchers[e.RunID] = still
}

func (s *memoryStore) List(ctx context.Context, runID string, after int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byRun[runID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(events)) {
		return []Event{}, nil
	}
	return append([]Event(nil), events[after:]...), nil
}

func (s *memoryStore) Watch(ctx context.Context, runID string) (<-chan Event, error) {
	ch := make(chan Event, watchChanBuffer)
	s.mu.Lock()
	s.watchers[runID] = append(s.watchers[runID], ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.watchers[runID]
		for i, c := range chans {
			if c == ch {
				s.watchers[runID] = append(chans[:i], chans[i+1:]...)
				if len(s.watchers[runID]) == 0 {
					delete(s.watchers, runID)
				}
				close(ch)
				return
			}
		}
		// 已因缓冲区满被关闭
	}()
	return ch, nil
}
