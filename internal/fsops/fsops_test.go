package fsops

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingRenameFS refuses renames whose source is failFrom,
// imitating a rename across devices.
type failingRenameFS struct {
	billy.Filesystem
	failFrom string
}

func (f *failingRenameFS) Rename(from, to string) error {
	if from == f.failFrom {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: errors.New("invalid cross-device link")}
	}
	return f.Filesystem.Rename(from, to)
}

func readString(t *testing.T, fsys billy.Filesystem, name string) string {
	t.Helper()
	data, err := util.ReadFile(fsys, name)
	require.NoError(t, err)
	return string(data)
}

func TestAtomicWrite(t *testing.T) {
	t.Parallel()

	t.Run("creates parents and writes content", func(t *testing.T) {
		t.Parallel()
		fsys := memfs.New()
		n, err := AtomicWrite(fsys, "/root/a/b/file.txt", strings.NewReader("hello"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
		assert.Equal(t, "hello", readString(t, fsys, "/root/a/b/file.txt"))
	})

	t.Run("replaces existing content and leaves no temp files", func(t *testing.T) {
		t.Parallel()
		fsys := memfs.New()
		require.NoError(t, util.WriteFile(fsys, "/root/f", []byte("old"), 0644))
		_, err := AtomicWrite(fsys, "/root/f", strings.NewReader("new"), 0)
		require.NoError(t, err)
		assert.Equal(t, "new", readString(t, fsys, "/root/f"))

		entries, err := fsys.ReadDir("/root")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "f", entries[0].Name())
	})

	t.Run("ceiling aborts before rename", func(t *testing.T) {
		t.Parallel()
		fsys := memfs.New()
		require.NoError(t, util.WriteFile(fsys, "/root/f", []byte("keep"), 0644))
		_, err := AtomicWrite(fsys, "/root/f", strings.NewReader("0123456789"), 4)
		require.ErrorIs(t, err, ErrTooLarge)
		assert.Equal(t, "keep", readString(t, fsys, "/root/f"))

		entries, err := fsys.ReadDir("/root")
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp file must be removed")
	})

	t.Run("body exactly at the ceiling is accepted", func(t *testing.T) {
		t.Parallel()
		fsys := memfs.New()
		_, err := AtomicWrite(fsys, "/root/f", strings.NewReader("1234"), 4)
		require.NoError(t, err)
	})

	t.Run("read error leaves target untouched", func(t *testing.T) {
		t.Parallel()
		fsys := memfs.New()
		require.NoError(t, util.WriteFile(fsys, "/root/f", []byte("keep"), 0644))
		r := io.MultiReader(strings.NewReader("part"), &errReader{})
		_, err := AtomicWrite(fsys, "/root/f", r, 0)
		require.Error(t, err)
		assert.Equal(t, "keep", readString(t, fsys, "/root/f"))
	})
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCopyTree(t *testing.T) {
	t.Parallel()

	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/src/a.txt", []byte("a"), 0644))
	require.NoError(t, util.WriteFile(fsys, "/src/sub/b.txt", []byte("b"), 0644))

	t.Run("recursive", func(t *testing.T) {
		require.NoError(t, CopyTree(fsys, "/src", "/full", true))
		assert.Equal(t, "a", readString(t, fsys, "/full/a.txt"))
		assert.Equal(t, "b", readString(t, fsys, "/full/sub/b.txt"))
		assert.Equal(t, "a", readString(t, fsys, "/src/a.txt"), "source stays")
	})

	t.Run("depth zero copies the collection only", func(t *testing.T) {
		require.NoError(t, CopyTree(fsys, "/src", "/shallow", false))
		fi, err := fsys.Stat("/shallow")
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
		entries, err := fsys.ReadDir("/shallow")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("single file", func(t *testing.T) {
		require.NoError(t, CopyTree(fsys, "/src/a.txt", "/copy.txt", true))
		assert.Equal(t, "a", readString(t, fsys, "/copy.txt"))
	})

	t.Run("missing source", func(t *testing.T) {
		err := CopyTree(fsys, "/nope", "/x", true)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestAtomicMove(t *testing.T) {
	t.Parallel()

	t.Run("rename", func(t *testing.T) {
		t.Parallel()
		fsys := memfs.New()
		require.NoError(t, util.WriteFile(fsys, "/root/src/x.txt", []byte("x"), 0644))
		require.NoError(t, AtomicMove(fsys, "/root/src", "/root/new/parent/dst"))
		assert.Equal(t, "x", readString(t, fsys, "/root/new/parent/dst/x.txt"))
		_, err := fsys.Stat("/root/src")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("falls back to copy when rename fails", func(t *testing.T) {
		t.Parallel()
		fsys := &failingRenameFS{Filesystem: memfs.New(), failFrom: "/root/src"}
		require.NoError(t, util.WriteFile(fsys, "/root/src/x.txt", []byte("x"), 0644))
		require.NoError(t, util.WriteFile(fsys, "/root/src/deep/y.txt", []byte("y"), 0644))

		require.NoError(t, AtomicMove(fsys, "/root/src", "/root/dst"))
		assert.Equal(t, "x", readString(t, fsys, "/root/dst/x.txt"))
		assert.Equal(t, "y", readString(t, fsys, "/root/dst/deep/y.txt"))
		_, err := fsys.Stat("/root/src")
		assert.ErrorIs(t, err, os.ErrNotExist)

		entries, err := fsys.ReadDir("/root")
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp sibling left behind")
	})
}
