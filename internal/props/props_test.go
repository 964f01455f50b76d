package props

import (
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdavd/internal/state"
)

var (
	author = Name{Space: "http://example.com/ns", Local: "author"}
	color  = Name{Space: "urn:x:meta", Local: "color"}
)

func TestParseKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want Name
	}{
		{"DAV::displayname", Name{Space: "DAV:", Local: "displayname"}},
		{"http://example.com/ns:author", Name{Space: "http://example.com/ns", Local: "author"}},
		{"plain", Name{Local: "plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := ParseKey(tt.key)
			assert.Equal(t, tt.want, got)
			if tt.want.Space != "" {
				assert.Equal(t, tt.key, got.Key())
			}
		})
	}
}

func TestSetGetRemove(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, nil)

	s.Set("/r/a", author, "Alice")
	s.Set("/r/a", color, "<x:rgb xmlns:x=\"urn:x\">red</x:rgb>")
	s.Set("/r/a", author, "Bob")

	got := s.Get("/r/a")
	require.Len(t, got, 2)
	assert.Equal(t, author, got[0].Name, "overwrite keeps position")
	assert.Equal(t, "Bob", got[0].Value)
	assert.Equal(t, "<x:rgb xmlns:x=\"urn:x\">red</x:rgb>", got[1].Value)

	p, ok := s.Lookup("/r/a", color)
	require.True(t, ok)
	assert.Equal(t, color, p.Name)

	assert.True(t, s.Remove("/r/a", author))
	assert.False(t, s.Remove("/r/a", author))
	require.Len(t, s.Get("/r/a"), 1)

	assert.True(t, s.Remove("/r/a", color))
	assert.Nil(t, s.Get("/r/a"))
	assert.Equal(t, 0, s.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, nil)
	s.Set("/r/a", author, "Alice")

	got := s.Get("/r/a")
	got[0].Value = "mutated"
	assert.Equal(t, "Alice", s.Get("/r/a")[0].Value)
}

func TestRemoveAllUnder(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, nil)
	s.Set("/r/d", author, "1")
	s.Set("/r/d/x", author, "2")
	s.Set("/r/d/x/y", author, "3")
	s.Set("/r/dx", author, "keep")

	assert.Equal(t, 3, s.RemoveAllUnder("/r/d"))
	assert.Nil(t, s.Get("/r/d/x/y"))
	assert.Len(t, s.Get("/r/dx"), 1)
}

func TestRekeyUnder(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, nil)
	s.Set("/r/src", author, "root")
	s.Set("/r/src/a/b", author, "deep")
	s.Set("/r/srcx", author, "other")

	assert.Equal(t, 2, s.RekeyUnder("/r/src", "/r/dst"))
	assert.Nil(t, s.Get("/r/src"))
	assert.Equal(t, "root", s.Get("/r/dst")[0].Value)
	assert.Equal(t, "deep", s.Get("/r/dst/a/b")[0].Value)
	assert.Equal(t, "other", s.Get("/r/srcx")[0].Value)
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()

	fs := osfs.New(t.TempDir())
	file := state.NewFile(fs, "/props.json")

	s := NewStore(file, nil)
	s.Set("/r/a", author, "Alice")
	s.Set("/r/a", color, "<b>blue</b>")
	require.NoError(t, s.Close())

	raw, err := util.ReadFile(fs, "/props.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ns": "http://example.com/ns"`)

	restored := NewStore(file, nil)
	require.NoError(t, restored.Load())
	defer restored.Close()

	got := restored.Get("/r/a")
	require.Len(t, got, 2)
	assert.Equal(t, author, got[0].Name)
	assert.Equal(t, "<b>blue</b>", got[1].Value)
}
