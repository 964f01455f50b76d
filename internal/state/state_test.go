package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Items map[string]int `json:"items"`
}

func TestFileLoadSave(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	f := NewFile(fs, "/state/props.json")

	var d doc
	found, err := f.Load(&d)
	require.NoError(t, err)
	assert.False(t, found, "missing file is not an error")

	require.NoError(t, f.Save(doc{Items: map[string]int{"a": 1}}))

	var back doc
	found, err = f.Load(&back)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, back.Items["a"])
}

func TestFileLoadCorrupt(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/s.json", []byte("{not json"), 0644))
	var d doc
	_, err := NewFile(fs, "/s.json").Load(&d)
	assert.Error(t, err)
}

func TestFileLoadEmpty(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/s.json", []byte("  \n"), 0644))
	var d doc
	found, err := NewFile(fs, "/s.json").Load(&d)
	require.NoError(t, err)
	assert.False(t, found)
}

type counterStore struct {
	mu sync.Mutex
	n  int
}

func (c *counterStore) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counterStore) snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return doc{Items: map[string]int{"n": c.n}}
}

func readDoc(fs *File) doc {
	var d doc
	_, _ = fs.Load(&d)
	return d
}

func TestPersisterEventuallyWritesLatest(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	store := &counterStore{}
	file := NewFile(osfs.New(t.TempDir()), "/state/counter.json")
	p := NewPersister("counter", file, store.snapshot, nil)
	defer p.Close()

	for i := 0; i < 100; i++ {
		store.inc()
		p.Notify()
	}

	g.Eventually(func() int {
		return readDoc(file).Items["n"]
	}).WithTimeout(5 * time.Second).WithPolling(10 * time.Millisecond).Should(Equal(100))
}

func TestPersisterCoalesces(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	release := make(chan struct{})
	entered := make(chan struct{}, 16)
	snapshot := func() any {
		entered <- struct{}{}
		<-release
		return doc{}
	}
	var writes atomic.Int32
	file := NewFile(osfs.New(t.TempDir()), "/c.json")
	p := NewPersister("coalesce", file, snapshot, func(string, error) { writes.Add(1) })

	p.Notify()
	<-entered // writer is busy inside the first snapshot
	for i := 0; i < 10; i++ {
		p.Notify() // must not block
	}
	close(release)

	g.Eventually(writes.Load).WithTimeout(5 * time.Second).Should(Equal(int32(2)))
	g.Consistently(writes.Load).WithTimeout(100 * time.Millisecond).Should(Equal(int32(2)))
	require.NoError(t, p.Close())
}

func TestPersisterFlushAndClose(t *testing.T) {
	t.Parallel()

	store := &counterStore{}
	fs := osfs.New(t.TempDir())
	file := NewFile(fs, "/state/counter.json")
	p := NewPersister("counter", file, store.snapshot, nil)

	store.inc()
	require.NoError(t, p.Flush())
	assert.Equal(t, 1, readDoc(file).Items["n"])

	store.inc()
	require.NoError(t, p.Close())
	assert.Equal(t, 2, readDoc(file).Items["n"])

	// Close is idempotent
	require.NoError(t, p.Close())

	raw, err := util.ReadFile(fs, "/state/counter.json")
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
}

func TestPersisterReportsFailures(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	dir := t.TempDir()
	// a regular file where the state directory should be
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocker"), nil, 0644))

	var failures atomic.Int32
	observer := func(name string, err error) {
		if err != nil {
			failures.Add(1)
		}
	}
	p := NewPersister("broken", NewFile(osfs.New(dir), "/blocker/state.json"), func() any { return doc{} }, observer)

	p.Notify()
	g.Eventually(failures.Load).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 1))

	p.Notify() // the writer survives a failed write
	g.Eventually(failures.Load).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 2))
	assert.Error(t, p.Close())
}
