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

// Package locks tracks WebDAV write locks by token and by resource path.
// Expiry is evaluated lazily on access; there is no background sweeper.
package locks

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/common"
	"webdavd/internal/state"
)

var (
	ErrLocked     = common.ErrLocked
	ErrNoSuchLock = common.ErrNoSuchLock
)

// Scope is the lock scope
type Scope string

const (
	Exclusive Scope = "exclusive"
	Shared    Scope = "shared"
)

// Lock depths
const (
	DepthZero     = "0"
	DepthInfinity = "infinity"
)

// TokenPrefix starts every token handed out
const TokenPrefix = "urn:uuid:"

// Lock is one active write lock
type Lock struct {
	Token   string
	Path    string // absolute filesystem path
	Href    string // request path reported as lockroot
	Depth   string
	Scope   Scope
	Owner   string // raw XML fragment
	Expires time.Time
	Created time.Time
}

// Covers reports whether the lock applies to p
func (l *Lock) Covers(p string) bool {
	if l.Path == p {
		return true
	}
	return l.Depth == DepthInfinity && common.IsSameOrUnder(p, l.Path)
}

// Remaining returns the time left before expiry, never negative
func (l *Lock) Remaining(now time.Time) time.Duration {
	if d := l.Expires.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ConflictError names the lock that blocked an operation
type ConflictError struct {
	Lock Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locked by %s (%s)", e.Lock.Token, e.Lock.Scope)
}

func (e *ConflictError) Unwrap() error {
	return ErrLocked
}

// record is the persisted form; instants are epoch milliseconds
type record struct {
	Token   string `json:"token"`
	Path    string `json:"path"`
	Href    string `json:"href,omitempty"`
	Depth   string `json:"depth"`
	Scope   Scope  `json:"scope"`
	Owner   string `json:"owner"`
	Timeout int64  `json:"timeout"`
	Created int64  `json:"created"`
}

// Store holds all active locks
type Store struct {
	mu      sync.Mutex
	byToken map[string]*Lock
	byPath  map[string]map[string]struct{}

	file    *state.File
	persist *state.Persister
	now     func() time.Time
}

// NewStore creates a store persisting to file. A nil file keeps locks in
// memory only.
func NewStore(file *state.File, observer state.Observer) *Store {
	s := &Store{
		byToken: make(map[string]*Lock),
		byPath:  make(map[string]map[string]struct{}),
		file:    file,
		now:     time.Now,
	}
	if file != nil {
		s.persist = state.NewPersister("locks", file, s.snapshot, observer)
	}
	return s
}

// Load restores unexpired locks from the state file
func (s *Store) Load() error {
	if s.file == nil {
		return nil
	}
	restored, err := ReadFile(s.file, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range restored {
		l := restored[i]
		s.add(&l)
	}
	log.Infof("[Locks] restored %d active lock(s)", len(s.byToken))
	return nil
}

// ReadFile decodes the locks persisted in file that are still valid at now,
// oldest first. It does not start a writer, so it is safe to use while a
// server owns the file.
func ReadFile(file *state.File, now time.Time) ([]Lock, error) {
	var records []record
	found, err := file.Load(&records)
	if err != nil || !found {
		return nil, err
	}
	out := make([]Lock, 0, len(records))
	for _, r := range records {
		l := Lock{
			Token:   r.Token,
			Path:    r.Path,
			Href:    r.Href,
			Depth:   r.Depth,
			Scope:   r.Scope,
			Owner:   r.Owner,
			Expires: time.UnixMilli(r.Timeout),
			Created: time.UnixMilli(r.Created),
		}
		if !l.Expires.After(now) || l.Token == "" {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Close flushes pending state and stops the writer
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

// Len returns the number of unexpired locks
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneAll()
	return len(s.byToken)
}

// Acquire grants a new lock or reports the conflicting one. Exclusive locks
// require that no other lock covers path; shared locks only exclude
// exclusive ones. Depth-infinity requests also consider locks below path.
func (s *Store) Acquire(path, href string, scope Scope, depth, owner string, timeout time.Duration) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if depth != DepthZero {
		depth = DepthInfinity
	}
	if scope != Exclusive {
		scope = Shared
	}

	s.pruneAll()
	for _, other := range s.byToken {
		overlaps := other.Covers(path) || (depth == DepthInfinity && common.IsSameOrUnder(other.Path, path))
		if !overlaps {
			continue
		}
		if scope == Exclusive || other.Scope == Exclusive {
			return Lock{}, &ConflictError{Lock: *other}
		}
	}

	now := s.now()
	l := &Lock{
		Token:   TokenPrefix + uuid.NewString(),
		Path:    path,
		Href:    href,
		Depth:   depth,
		Scope:   scope,
		Owner:   owner,
		Expires: now.Add(timeout),
		Created: now,
	}
	s.add(l)
	s.notify()
	log.Debugf("[Locks] acquired %s on %s (%s, depth %s)", l.Token, path, scope, depth)
	return *l, nil
}

// Refresh extends an existing lock to now+timeout. A refresh never shortens
// a lock: a timeout ending before the current expiry leaves it unchanged.
func (s *Store) Refresh(token string, timeout time.Duration) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lookup(token)
	if !ok {
		return Lock{}, fmt.Errorf("refresh %s: %w", token, ErrNoSuchLock)
	}
	if exp := s.now().Add(timeout); exp.After(l.Expires) {
		l.Expires = exp
	}
	s.notify()
	return *l, nil
}

// Release drops a lock; releasing an unknown token is a no-op returning false
func (s *Store) Release(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byToken[token]; !ok {
		return false
	}
	s.remove(token)
	s.notify()
	return true
}

// Get returns an unexpired lock by token
func (s *Store) Get(token string) (Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lookup(token)
	if !ok {
		return Lock{}, false
	}
	return *l, true
}

// ActiveFor returns the unexpired locks covering path: locks on path itself
// and depth-infinity locks on any ancestor. Oldest first.
func (s *Store) ActiveFor(path string) []Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lock
	pruned := false
	now := s.now()
	for p := path; ; {
		for token := range s.byPath[p] {
			l := s.byToken[token]
			if !l.Expires.After(now) {
				s.remove(token)
				pruned = true
				continue
			}
			if l.Covers(path) {
				out = append(out, *l)
			}
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	if pruned {
		s.notify()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// ActiveUnder returns the unexpired locks rooted strictly below path, oldest
// first.
func (s *Store) ActiveUnder(path string) []Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lock
	pruned := false
	now := s.now()
	for token, l := range s.byToken {
		if l.Path == path || !common.IsSameOrUnder(l.Path, path) {
			continue
		}
		if !l.Expires.After(now) {
			s.remove(token)
			pruned = true
			continue
		}
		out = append(out, *l)
	}
	if pruned {
		s.notify()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// readMethods never conflict with a lock
var readMethods = map[string]bool{
	"GET":      true,
	"HEAD":     true,
	"OPTIONS":  true,
	"PROPFIND": true,
}

// ConflictCheck returns the oldest lock covering path whose token the client
// did not supply, or nil when method may proceed on path.
func (s *Store) ConflictCheck(path, method string, supplied []string) *Lock {
	if readMethods[method] {
		return nil
	}
	return firstMissing(s.ActiveFor(path), supplied)
}

// ConflictCheckTree is ConflictCheck for operations that remove or relocate
// a whole subtree: locks rooted below path block too.
func (s *Store) ConflictCheckTree(path, method string, supplied []string) *Lock {
	if l := s.ConflictCheck(path, method, supplied); l != nil {
		return l
	}
	if readMethods[method] {
		return nil
	}
	return firstMissing(s.ActiveUnder(path), supplied)
}

func firstMissing(active []Lock, supplied []string) *Lock {
	if len(active) == 0 {
		return nil
	}
	have := make(map[string]bool, len(supplied))
	for _, t := range supplied {
		have[t] = true
	}
	for i := range active {
		if !have[active[i].Token] {
			return &active[i]
		}
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`<(urn:[^>]+)>`)

// ParseTokens extracts every bracketed URN from an If header
func ParseTokens(ifHeader string) []string {
	matches := tokenPattern.FindAllStringSubmatch(ifHeader, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// IsConflict reports whether err is a lock conflict and returns the lock
func IsConflict(err error) (Lock, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Lock, true
	}
	return Lock{}, false
}

func (s *Store) lookup(token string) (*Lock, bool) {
	l, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	if !l.Expires.After(s.now()) {
		s.remove(token)
		s.notify()
		return nil, false
	}
	return l, true
}

func (s *Store) add(l *Lock) {
	s.byToken[l.Token] = l
	set, ok := s.byPath[l.Path]
	if !ok {
		set = make(map[string]struct{})
		s.byPath[l.Path] = set
	}
	set[l.Token] = struct{}{}
}

func (s *Store) remove(token string) {
	l, ok := s.byToken[token]
	if !ok {
		return
	}
	delete(s.byToken, token)
	if set := s.byPath[l.Path]; set != nil {
		delete(set, token)
		if len(set) == 0 {
			delete(s.byPath, l.Path)
		}
	}
}

func (s *Store) pruneAll() {
	now := s.now()
	pruned := false
	for token, l := range s.byToken {
		if !l.Expires.After(now) {
			s.remove(token)
			pruned = true
		}
	}
	if pruned {
		s.notify()
	}
}

func (s *Store) notify() {
	if s.persist != nil {
		s.persist.Notify()
	}
}

func (s *Store) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record, 0, len(s.byToken))
	for _, l := range s.byToken {
		out = append(out, record{
			Token:   l.Token,
			Path:    l.Path,
			Href:    l.Href,
			Depth:   l.Depth,
			Scope:   l.Scope,
			Owner:   l.Owner,
			Timeout: l.Expires.UnixMilli(),
			Created: l.Created.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].Token < out[j].Token
	})
	return out
}
