package dav

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdavd/internal/locks"
	"webdavd/internal/props"
	"webdavd/internal/state"
)

func TestSharedLockHoldersNeedEveryToken(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.write("s.txt", "x")

	first := e.lock("/s.txt", "shared")
	require.Equal(t, http.StatusOK, first.Code)
	second := e.lock("/s.txt", "shared")
	require.Equal(t, http.StatusOK, second.Code)
	a, b := lockToken(first), lockToken(second)

	assert.Equal(t, http.StatusLocked, e.do("PUT", "/s.txt", "y", "If", "(<"+a+">)").Code)
	assert.Equal(t, http.StatusLocked, e.do("PUT", "/s.txt", "y", "If", "(<"+b+">)").Code)
	assert.Equal(t, http.StatusNoContent, e.do("PUT", "/s.txt", "y", "If", "(<"+a+">) (<"+b+">)").Code)
}

func TestTransferOntoAncestorRefused(t *testing.T) {
	t.Parallel()
	for _, method := range []string{"MOVE", "COPY"} {
		t.Run(method, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t)
			e.write("a/b/keep.txt", "keep")

			rec := e.do(method, "/a/b", "", "Destination", "/a")
			assert.Equal(t, http.StatusForbidden, rec.Code)
			rec = e.do(method, "/a/b", "", "Destination", "/")
			assert.Equal(t, http.StatusForbidden, rec.Code)

			content, ok := e.read("a/b/keep.txt")
			require.True(t, ok, "source survives")
			assert.Equal(t, "keep", content)
			_, err := os.Stat(filepath.Join(e.root, ".trash"))
			assert.True(t, os.IsNotExist(err), "nothing was trashed")
		})
	}
}

func TestMemberLocksBlockSubtreeRemoval(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.write("d/f.txt", "x")
	e.write("other/g.txt", "y")

	rec := e.lock("/d/f.txt", "exclusive")
	require.Equal(t, http.StatusOK, rec.Code)
	token := lockToken(rec)

	assert.Equal(t, http.StatusLocked, e.do("DELETE", "/d", "").Code)
	assert.Equal(t, http.StatusLocked, e.do("MOVE", "/d", "", "Destination", "/moved").Code)
	assert.Equal(t, http.StatusLocked, e.do("MOVE", "/other", "", "Destination", "/d").Code,
		"overwriting a collection with locked members")
	assert.Equal(t, http.StatusLocked, e.do("COPY", "/other", "", "Destination", "/d").Code)
	_, ok := e.read("d/f.txt")
	require.True(t, ok)

	assert.Equal(t, http.StatusNoContent, e.do("DELETE", "/d", "", "If", "(<"+token+">)").Code)
}

func TestRefreshDoesNotShortenLock(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.write("a.txt", "x")

	rec := e.lock("/a.txt", "exclusive", "Timeout", "Second-3600")
	require.Equal(t, http.StatusOK, rec.Code)
	token := lockToken(rec)
	before, ok := e.h.locks.Get(token)
	require.True(t, ok)

	rec = e.do("LOCK", "/a.txt", "", "If", "(<"+token+">)", "Timeout", "Second-10")
	require.Equal(t, http.StatusOK, rec.Code)
	after, ok := e.h.locks.Get(token)
	require.True(t, ok)
	assert.False(t, after.Expires.Before(before.Expires))
}

func TestPersistenceFailureDoesNotFailRequests(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	stateDir := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(stateDir, nil, 0644))

	var failures atomic.Int32
	observer := func(_ string, err error) {
		if err != nil {
			failures.Add(1)
		}
	}
	fsys := osfs.New("/")
	lockStore := locks.NewStore(state.NewFile(fsys, filepath.Join(stateDir, "locks.json")), observer)
	propStore := props.NewStore(state.NewFile(fsys, filepath.Join(stateDir, "props.json")), observer)
	defer lockStore.Close()
	defer propStore.Close()

	e := newTestEnv(t, func(o *Options) {
		o.Locks = lockStore
		o.Props = propStore
	})
	e.write("a.txt", "x")

	rec := e.lock("/a.txt", "exclusive")
	require.Equal(t, http.StatusOK, rec.Code)
	token := lockToken(rec)
	rec = e.do("PROPPATCH", "/a.txt", proppatchSet("urn:x", "color", "red"), "If", "(<"+token+">)")
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	g.Eventually(failures.Load).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 2))

	rec = e.do("PROPFIND", "/a.txt", propfindNamed("urn:x", "color"), "Depth", "0")
	assert.Contains(t, rec.Body.String(), `<Z:color xmlns:Z="urn:x">red</Z:color>`, "in-memory state still serves")
}

// readDirFailFS fails ReadDir for one directory
type readDirFailFS struct {
	billy.Filesystem
	fail string
}

func (f readDirFailFS) ReadDir(path string) ([]os.FileInfo, error) {
	if path == f.fail {
		return nil, errors.New("input/output error")
	}
	return f.Filesystem.ReadDir(path)
}

func TestPropfindWalkFailureLeavesDocumentOpen(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(o *Options) {
		o.FS = readDirFailFS{Filesystem: osfs.New("/"), fail: filepath.Join(o.Resolver.Root(), "d", "sub")}
	})
	e.write("d/a.txt", "a")
	e.write("d/sub/b.txt", "b")

	rec := e.do("PROPFIND", "/d", "", "Depth", "infinity")
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<D:href>/d/a.txt</D:href>")
	assert.False(t, strings.Contains(body, "</D:multistatus>"), "truncated listing is not closed")

	rec = e.do("PROPFIND", "/d", "", "Depth", "1")
	assert.Contains(t, rec.Body.String(), "</D:multistatus>", "depth 1 never reads the failing directory")
}
