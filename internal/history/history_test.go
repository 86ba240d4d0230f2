package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_SQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s := Open(path)
	require.True(t, s.Persistent())
	require.NoError(t, s.Put("settings", []byte(`{"units":"imperial"}`)))
	require.NoError(t, s.Put("settings", []byte(`{"units":"metric"}`)))
	require.NoError(t, s.Close())

	reopened := Open(path)
	defer reopened.Close()
	v, ok, err := reopened.Get("settings")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"units":"metric"}`, string(v))

	_, ok, err = reopened.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_MemoryFallback(t *testing.T) {
	s := Open("")
	require.False(t, s.Persistent())

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put("k", []byte("v")))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.NoError(t, s.Close())
}

func TestStore_UnusablePathFallsBack(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "missing-dir", "nested", "state.db"))
	require.NoError(t, s.Put("k", []byte("v")))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}
