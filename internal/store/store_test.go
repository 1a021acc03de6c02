package store

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return s
}

func TestFileStoreReadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(KeyGradeTable)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(7, []byte{0xDE, 0xAD}))
	data, err := s.Read(7)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, data)
}

func TestFileStoreOverwrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(1, []byte("first")))
	require.NoError(t, s.Write(1, []byte("second")))
	data, err := s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestFileStoreKeysAreIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(KeySavedDeviceBase, []byte("a")))
	require.NoError(t, s.Write(KeySavedDeviceBase+1, []byte("b")))

	a, err := s.Read(KeySavedDeviceBase)
	require.NoError(t, err)
	b, err := s.Read(KeySavedDeviceBase + 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), a)
	assert.Equal(t, []byte("b"), b)
}

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()
	_, err := s.Read(3)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Write(3, []byte{1, 2, 3}))
	data, err := s.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}
