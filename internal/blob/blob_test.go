package blob

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	path := PathFor("src-1", "m-1")
	require.NoError(t, s.Put(path, []byte("raw message")))

	ok, err := s.Exists(path)
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := s.Open(path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "raw message", string(data))
}

func TestFSStorePutIsWriteOnce(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	path := PathFor("src-1", "m-1")
	require.NoError(t, s.Put(path, []byte("original")))
	require.NoError(t, s.Put(path, []byte("overwrite attempt")))

	r, err := s.Open(path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestFSStoreMissingBlob(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Exists("aa/bb/none.eml")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Open("aa/bb/none.eml")
	assert.Error(t, err)
}

func TestPathForStableAndDistinct(t *testing.T) {
	a := PathFor("src-1", "m-1")
	b := PathFor("src-1", "m-1")
	c := PathFor("src-1", "m-2")
	d := PathFor("src-2", "m-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasSuffix(a, ".eml"))
	assert.Equal(t, 3, strings.Count(a, "/")+1, "path has shard/shard/name shape")
}

func TestPathForSanitizesProviderIDs(t *testing.T) {
	p := PathFor("src-1", "<weird id@example.com>/../escape")
	assert.NotContains(t, p, "<")
	assert.NotContains(t, p, " ")

	// Slashes in provider ids never become path separators.
	assert.Equal(t, 2, strings.Count(p, "/"))
	for _, seg := range strings.Split(p, "/") {
		assert.NotEqual(t, "..", seg)
	}
}
