package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	blob := []byte(`{"players":[{"display_name":"Alice"}]}`)

	require.NoError(t, s.Save("players", blob))
	got, ok, err := s.Load("players")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, blob, got)
}

func TestStore_LoadMissingComponent(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Load("registry")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("registry", []byte("v1")))
	require.NoError(t, s.Save("registry", []byte("v2")))

	got, ok, err := s.Load("registry")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestStore_ComponentsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("registry", []byte("reg")))
	require.NoError(t, s.Save("players", []byte("plr")))

	reg, _, err := s.Load("registry")
	require.NoError(t, err)
	plr, _, err := s.Load("players")
	require.NoError(t, err)
	assert.Equal(t, []byte("reg"), reg)
	assert.Equal(t, []byte("plr"), plr)
}

func TestStore_CompressionRoundTrip(t *testing.T) {
	big := make([]byte, 1<<16)
	for i := range big {
		big[i] = byte('a' + i%4)
	}
	compressed, err := compress(big)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(big))

	back, err := decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, big, back)
}

func TestStore_ReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save("players", []byte("durable")))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, ok, err := s2.Load("players")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("durable"), got)
}
