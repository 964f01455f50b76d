// Copyright 2024 LatentFS Authors
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

// Package serial orders mutating operations per filesystem path.
//
// Calls for the same key run one at a time in arrival order; calls for
// different keys never wait on each other.
package serial

import (
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ticket is one queued call. done closes when the call has finished.
type ticket struct {
	done chan struct{}
}

// Serializer is a keyed FIFO mutex
type Serializer struct {
	tails   *xsync.MapOf[string, *ticket]
	waiting atomic.Int64
}

// New returns an empty serializer
func New() *Serializer {
	return &Serializer{tails: xsync.NewMapOf[string, *ticket]()}
}

// Do runs fn once every earlier call for key has completed
func (s *Serializer) Do(key string, fn func() error) error {
	release := s.acquire(key)
	defer release()
	return fn()
}

// DoAll holds every key (deduplicated, in sorted order) while fn runs.
// Sorting keeps two overlapping DoAll calls from deadlocking.
func (s *Serializer) DoAll(keys []string, fn func() error) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		releases = append(releases, s.acquire(k))
	}
	return fn()
}

// Pending returns the number of keys with an active or queued call
func (s *Serializer) Pending() int {
	return s.tails.Size()
}

// Waiting returns the number of calls blocked behind another call
func (s *Serializer) Waiting() int {
	return int(s.waiting.Load())
}

// acquire appends a ticket to the chain for key and blocks until the
// previous ticket completes.
func (s *Serializer) acquire(key string) func() {
	mine := &ticket{done: make(chan struct{})}
	var prev *ticket
	s.tails.Compute(key, func(old *ticket, loaded bool) (*ticket, bool) {
		if loaded {
			prev = old
		}
		return mine, false
	})
	if prev != nil {
		s.waiting.Add(1)
		<-prev.done
		s.waiting.Add(-1)
	}

	return func() {
		close(mine.done)
		// Drop the index entry only while we are still the tail; a newer
		// ticket keeps it alive for its own successors.
		s.tails.Compute(key, func(cur *ticket, loaded bool) (*ticket, bool) {
			if loaded && cur == mine {
				return nil, true
			}
			return cur, !loaded
		})
	}
}
