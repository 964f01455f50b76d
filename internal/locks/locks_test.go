package locks

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdavd/internal/state"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemStore() (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(nil, nil)
	s.now = clock.Now
	return s, clock
}

func TestAcquireExclusiveBlocksEverything(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	l, err := s.Acquire("/r/a.txt", "/a.txt", Exclusive, DepthZero, "", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(l.Token, TokenPrefix))

	_, err = s.Acquire("/r/a.txt", "/a.txt", Exclusive, DepthZero, "", time.Hour)
	assert.ErrorIs(t, err, ErrLocked)
	_, err = s.Acquire("/r/a.txt", "/a.txt", Shared, DepthZero, "", time.Hour)
	assert.ErrorIs(t, err, ErrLocked)

	conflict, ok := IsConflict(err)
	require.True(t, ok)
	assert.Equal(t, l.Token, conflict.Token)

	require.True(t, s.Release(l.Token))
	_, err = s.Acquire("/r/a.txt", "/a.txt", Exclusive, DepthZero, "", time.Hour)
	assert.NoError(t, err)
}

func TestSharedLocksCoexist(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	_, err := s.Acquire("/r/d", "/d", Shared, DepthZero, "", time.Hour)
	require.NoError(t, err)
	_, err = s.Acquire("/r/d", "/d", Shared, DepthZero, "", time.Hour)
	require.NoError(t, err)
	assert.Len(t, s.ActiveFor("/r/d"), 2)

	_, err = s.Acquire("/r/d", "/d", Exclusive, DepthZero, "", time.Hour)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestDepthInfinityCoverage(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	parent, err := s.Acquire("/r/dir", "/dir/", Exclusive, DepthInfinity, "", time.Hour)
	require.NoError(t, err)

	active := s.ActiveFor("/r/dir/sub/file.txt")
	require.Len(t, active, 1)
	assert.Equal(t, parent.Token, active[0].Token)
	assert.Empty(t, s.ActiveFor("/r/dirx"), "sibling with shared prefix is not covered")

	_, err = s.Acquire("/r/dir/sub/file.txt", "/dir/sub/file.txt", Shared, DepthZero, "", time.Hour)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestDepthZeroDoesNotCoverMembers(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	_, err := s.Acquire("/r/dir", "/dir/", Exclusive, DepthZero, "", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, s.ActiveFor("/r/dir/file.txt"))
}

func TestInfinityLockChecksDescendants(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	_, err := s.Acquire("/r/dir/child.txt", "/dir/child.txt", Exclusive, DepthZero, "", time.Hour)
	require.NoError(t, err)

	_, err = s.Acquire("/r/dir", "/dir/", Exclusive, DepthInfinity, "", time.Hour)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = s.Acquire("/r/dir", "/dir/", Exclusive, DepthZero, "", time.Hour)
	assert.NoError(t, err, "depth 0 lock on the collection ignores members")
}

func TestRefreshExtendsTimeout(t *testing.T) {
	t.Parallel()
	s, clock := newMemStore()

	l, err := s.Acquire("/r/a", "/a", Exclusive, DepthZero, "", time.Minute)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	refreshed, err := s.Refresh(l.Token, time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed.Expires.After(l.Expires))

	_, err = s.Refresh("urn:uuid:unknown", time.Minute)
	assert.ErrorIs(t, err, ErrNoSuchLock)
}

func TestExpiryIsLazy(t *testing.T) {
	t.Parallel()
	s, clock := newMemStore()

	l, err := s.Acquire("/r/a", "/a", Exclusive, DepthZero, "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	clock.Advance(2 * time.Minute)
	_, ok := s.Get(l.Token)
	assert.False(t, ok)
	assert.Empty(t, s.ActiveFor("/r/a"))
	assert.Equal(t, 0, s.Len())

	_, err = s.Acquire("/r/a", "/a", Exclusive, DepthZero, "", time.Minute)
	assert.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	l, err := s.Acquire("/r/a", "/a", Exclusive, DepthZero, "", time.Minute)
	require.NoError(t, err)
	assert.True(t, s.Release(l.Token))
	assert.False(t, s.Release(l.Token))
}

func TestConflictCheck(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	l, err := s.Acquire("/r/a", "/a", Exclusive, DepthZero, "", time.Minute)
	require.NoError(t, err)

	for _, m := range []string{"GET", "HEAD", "OPTIONS", "PROPFIND"} {
		assert.Nil(t, s.ConflictCheck("/r/a", m, nil), m)
	}
	for _, m := range []string{"PUT", "DELETE", "PROPPATCH", "MOVE", "LOCK"} {
		c := s.ConflictCheck("/r/a", m, nil)
		require.NotNil(t, c, m)
		assert.Equal(t, l.Token, c.Token)
	}
	assert.Nil(t, s.ConflictCheck("/r/a", "PUT", []string{l.Token}))
	assert.NotNil(t, s.ConflictCheck("/r/a", "PUT", []string{"urn:uuid:other"}))
	assert.Nil(t, s.ConflictCheck("/r/b", "PUT", nil))
}

func TestConflictCheckSharedHolders(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	first, err := s.Acquire("/r/a", "/a", Shared, DepthZero, "", time.Minute)
	require.NoError(t, err)
	second, err := s.Acquire("/r/a", "/a", Shared, DepthZero, "", time.Minute)
	require.NoError(t, err)

	c := s.ConflictCheck("/r/a", "PUT", []string{first.Token})
	require.NotNil(t, c, "one holder cannot write past another shared lock")
	assert.Equal(t, second.Token, c.Token)

	c = s.ConflictCheck("/r/a", "PUT", []string{second.Token})
	require.NotNil(t, c)
	assert.Equal(t, first.Token, c.Token)

	assert.Nil(t, s.ConflictCheck("/r/a", "PUT", []string{first.Token, second.Token}))
}

func TestConflictCheckTree(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	child, err := s.Acquire("/r/d/f.txt", "/d/f.txt", Exclusive, DepthZero, "", time.Minute)
	require.NoError(t, err)

	assert.Nil(t, s.ConflictCheck("/r/d", "DELETE", nil), "a member lock does not cover the collection itself")
	c := s.ConflictCheckTree("/r/d", "DELETE", nil)
	require.NotNil(t, c)
	assert.Equal(t, child.Token, c.Token)

	assert.Nil(t, s.ConflictCheckTree("/r/d", "DELETE", []string{child.Token}))
	assert.Nil(t, s.ConflictCheckTree("/r/dx", "DELETE", nil), "sibling prefix is not a descendant")
	assert.Nil(t, s.ConflictCheckTree("/r/d", "PROPFIND", nil))
	assert.Equal(t, []Lock{child}, s.ActiveUnder("/r"))
	assert.Empty(t, s.ActiveUnder("/r/d/f.txt"))
}

func TestRefreshNeverShortens(t *testing.T) {
	t.Parallel()
	s, _ := newMemStore()

	l, err := s.Acquire("/r/a", "/a", Exclusive, DepthZero, "", time.Hour)
	require.NoError(t, err)

	refreshed, err := s.Refresh(l.Token, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, l.Expires, refreshed.Expires)
}

func TestParseTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   []string
	}{
		{"", nil},
		{"(<urn:uuid:abc>)", []string{"urn:uuid:abc"}},
		{`</a.txt> (<urn:uuid:1> ["etag"]) (Not <urn:uuid:2>)`, []string{"urn:uuid:1", "urn:uuid:2"}},
		{"(<opaquelocktoken:xyz>)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTokens(tt.header))
		})
	}
}

func TestPersistAndLoad(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	fs := osfs.New(t.TempDir())
	file := state.NewFile(fs, "/state/locks.json")

	s := NewStore(file, nil)
	l, err := s.Acquire("/r/a", "/a", Exclusive, DepthInfinity, "<D:href>me</D:href>", time.Hour)
	require.NoError(t, err)

	g.Eventually(func() string {
		data, _ := util.ReadFile(fs, "/state/locks.json")
		return string(data)
	}).Should(ContainSubstring(l.Token))
	require.NoError(t, s.Close())

	restored := NewStore(file, nil)
	require.NoError(t, restored.Load())
	defer restored.Close()

	got, ok := restored.Get(l.Token)
	require.True(t, ok)
	assert.Equal(t, "/r/a", got.Path)
	assert.Equal(t, "/a", got.Href)
	assert.Equal(t, DepthInfinity, got.Depth)
	assert.Equal(t, Exclusive, got.Scope)
	assert.Equal(t, "<D:href>me</D:href>", got.Owner)
	assert.Equal(t, l.Expires.UnixMilli(), got.Expires.UnixMilli())
}

func TestLoadSkipsExpired(t *testing.T) {
	t.Parallel()

	fs := osfs.New(t.TempDir())
	past := time.Now().Add(-time.Hour).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, util.WriteFile(fs, "/locks.json", []byte(`[
  {"token":"urn:uuid:old","path":"/r/a","depth":"0","scope":"exclusive","owner":"","timeout":`+itoa(past)+`,"created":0},
  {"token":"urn:uuid:new","path":"/r/b","depth":"0","scope":"shared","owner":"","timeout":`+itoa(future)+`,"created":0}
]`), 0644))

	s := NewStore(state.NewFile(fs, "/locks.json"), nil)
	require.NoError(t, s.Load())
	defer s.Close()

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("urn:uuid:new")
	assert.True(t, ok)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
