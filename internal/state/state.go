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

// Package state persists small JSON documents (lock and property stores)
// with atomic whole-file rewrites and a coalescing background writer.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/fsops"
	wutil "webdavd/internal/util"
)

// File is one JSON document on a billy filesystem
type File struct {
	fs   billy.Filesystem
	path string
}

// NewFile binds a document path to a filesystem
func NewFile(fs billy.Filesystem, path string) *File {
	return &File{fs: fs, path: path}
}

// Path returns the document location
func (f *File) Path() string {
	return f.path
}

// Load decodes the document into v. A missing file leaves v untouched and
// reports found=false.
func (f *File) Load(v any) (found bool, err error) {
	data, err := util.ReadFile(f.fs, f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return true, nil
}

// Save encodes v and atomically replaces the document
func (f *File) Save(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // values are XML fragments
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	if _, err := fsops.AtomicWrite(f.fs, f.path, &buf, 0); err != nil {
		return err
	}
	return nil
}

// Observer is told about every completed write
type Observer func(name string, err error)

// Persister coalesces change notifications into background writes of a
// fresh snapshot. Failures are logged and dropped; the next notification
// retries with the then-current state.
type Persister struct {
	name     string
	file     *File
	snapshot func() any
	observer Observer

	writeMu sync.Mutex // serializes worker writes with Flush
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// NewPersister starts the background writer. snapshot is called from the
// writer goroutine and must return a value safe to encode concurrently with
// further store mutations.
func NewPersister(name string, file *File, snapshot func() any, observer Observer) *Persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		name:     name,
		file:     file,
		snapshot: snapshot,
		observer: observer,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go p.run()
	return p
}

// Notify schedules a write without blocking. Multiple calls before the
// writer wakes up collapse into one write.
func (p *Persister) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Flush writes the current snapshot synchronously
func (p *Persister) Flush() error {
	return p.write()
}

// Close stops the writer after a final synchronous write
func (p *Persister) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		err = p.write()
		p.cancel()
	})
	return err
}

func (p *Persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.notify:
			if err := p.write(); err != nil {
				log.Warnf("[State] %s: persist failed: %v", p.name, err)
			}
		}
	}
}

func (p *Persister) write() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	snap := p.snapshot()
	err := wutil.Retry(p.ctx, func() error {
		return p.file.Save(snap)
	}, wutil.PersistRetryOptions(p.ctx)...)
	if err == nil {
		log.Tracef("[State] %s: wrote %s", p.name, p.file.Path())
	}
	if p.observer != nil {
		p.observer(p.name, err)
	}
	return err
}
