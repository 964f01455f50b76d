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

// Package props stores client-defined (dead) WebDAV properties per resource.
// Values are opaque XML fragments returned exactly as they were set.
package props

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"webdavd/internal/common"
	"webdavd/internal/state"
)

// Name is a namespaced property name
type Name struct {
	Space string
	Local string
}

// Key renders the name as "ns:local"
func (n Name) Key() string {
	return n.Space + ":" + n.Local
}

// ParseKey splits "ns:local" on its last colon; namespaces are often URIs
// that contain colons themselves.
func ParseKey(key string) Name {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return Name{Local: key}
	}
	return Name{Space: key[:i], Local: key[i+1:]}
}

// Property is one dead property
type Property struct {
	Name  Name
	Value string // inner XML, never interpreted
}

type record struct {
	NS    string `json:"ns"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Store maps resource paths to their ordered properties
type Store struct {
	mu     sync.RWMutex
	byPath map[string][]Property

	file    *state.File
	persist *state.Persister
}

// NewStore creates a store persisting to file. A nil file keeps properties
// in memory only.
func NewStore(file *state.File, observer state.Observer) *Store {
	s := &Store{
		byPath: make(map[string][]Property),
		file:   file,
	}
	if file != nil {
		s.persist = state.NewPersister("props", file, s.snapshot, observer)
	}
	return s
}

// Load restores properties from the state file
func (s *Store) Load() error {
	if s.file == nil {
		return nil
	}
	restored, err := ReadFile(s.file)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p, list := range restored {
		s.byPath[p] = list
	}
	log.Infof("[Props] restored dead properties for %d resource(s)", len(s.byPath))
	return nil
}

// ReadFile decodes the properties persisted in file without starting a
// writer. Paths without properties are omitted.
func ReadFile(file *state.File) (map[string][]Property, error) {
	var doc map[string][]record
	found, err := file.Load(&doc)
	if err != nil || !found {
		return nil, err
	}
	out := make(map[string][]Property, len(doc))
	for p, recs := range doc {
		list := make([]Property, 0, len(recs))
		for _, r := range recs {
			list = append(list, Property{Name: Name{Space: r.NS, Local: r.Name}, Value: r.Value})
		}
		if len(list) > 0 {
			out[p] = list
		}
	}
	return out, nil
}

// Close flushes pending state and stops the writer
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

// Len returns the number of resources carrying properties
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPath)
}

// Set creates or overwrites a property. Overwrites keep the original position.
func (s *Store) Set(path string, name Name, value string) {
	s.mu.Lock()
	list := s.byPath[path]
	replaced := false
	for i := range list {
		if list[i].Name == name {
			list[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		s.byPath[path] = append(list, Property{Name: name, Value: value})
	}
	s.mu.Unlock()
	s.notify()
}

// Remove deletes a property, reporting whether it existed
func (s *Store) Remove(path string, name Name) bool {
	s.mu.Lock()
	list := s.byPath[path]
	found := false
	for i := range list {
		if list[i].Name == name {
			list = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(list) == 0 {
		delete(s.byPath, path)
	} else {
		s.byPath[path] = list
	}
	s.mu.Unlock()
	s.notify()
	return found
}

// Get returns a copy of the properties of path in insertion order
func (s *Store) Get(path string) []Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byPath[path]
	if len(list) == 0 {
		return nil
	}
	return append([]Property(nil), list...)
}

// Lookup returns one property
func (s *Store) Lookup(path string, name Name) (Property, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byPath[path] {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// RemoveAllUnder drops the properties of prefix and of every path below it
func (s *Store) RemoveAllUnder(prefix string) int {
	s.mu.Lock()
	n := 0
	for p := range s.byPath {
		if common.IsSameOrUnder(p, prefix) {
			delete(s.byPath, p)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.notify()
	}
	return n
}

// RekeyUnder moves the properties of oldPrefix and its descendants to the
// matching paths under newPrefix.
func (s *Store) RekeyUnder(oldPrefix, newPrefix string) int {
	s.mu.Lock()
	moved := make(map[string][]Property)
	for p, list := range s.byPath {
		if common.IsSameOrUnder(p, oldPrefix) {
			moved[common.Rebase(p, oldPrefix, newPrefix)] = list
			delete(s.byPath, p)
		}
	}
	for p, list := range moved {
		s.byPath[p] = list
	}
	s.mu.Unlock()
	if len(moved) > 0 {
		s.notify()
	}
	return len(moved)
}

func (s *Store) notify() {
	if s.persist != nil {
		s.persist.Notify()
	}
}

func (s *Store) snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := make(map[string][]record, len(s.byPath))
	for p, list := range s.byPath {
		recs := make([]record, 0, len(list))
		for _, prop := range list {
			recs = append(recs, record{NS: prop.Name.Space, Name: prop.Name.Local, Value: prop.Value})
		}
		doc[p] = recs
	}
	return doc
}
