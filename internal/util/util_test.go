package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacklogSince(t *testing.T) {
	b := NewBacklog[string](3)
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Last())
	assert.Empty(t, b.Since(0))

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		b.Push(v)
	}
	assert.Equal(t, 3, b.Len())
	assert.EqualValues(t, 5, b.Last())

	values := func(es []Entry[string]) (out []string) {
		for _, e := range es {
			out = append(out, e.Value)
		}
		return out
	}
	// a and b were evicted; asking from before them starts at c.
	all := b.Since(0)
	assert.Equal(t, []string{"c", "d", "e"}, values(all))
	assert.EqualValues(t, 3, all[0].Seq)
	assert.Equal(t, []string{"e"}, values(b.Since(4)))
	assert.Empty(t, b.Since(5))
	assert.Empty(t, b.Since(99))

	assert.EqualValues(t, 6, b.Push("f"))
	assert.Equal(t, []string{"e", "f"}, values(b.Since(4)))
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x")
	assert.Equal(t, abs, ResolvePath("/base", abs))
	assert.Equal(t, filepath.Join("base", "data"), ResolvePath("base", "data"))
}

func TestValidateUserID(t *testing.T) {
	id, err := ValidateUserID("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	for _, bad := range []string{"", "   ", "a b", "a|b"} {
		_, err := ValidateUserID(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 1, got["n"])
}
