package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenAndRange(t *testing.T) {
	path := writeFile(t, []byte("hello forge"))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 11, m.Size())
	assert.Equal(t, []byte("hello forge"), m.Bytes())

	view, err := m.Range(6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("forge"), view)

	_, err = m.Range(8, 10)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = m.Range(-1, 2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestOpenEmptyFile(t *testing.T) {
	path := writeFile(t, nil)

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 0, m.Size())
	assert.Nil(t, m.Bytes())
}

func TestCloseIdempotent(t *testing.T) {
	path := writeFile(t, []byte("x"))

	m, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	_, err = m.Range(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadAt(t *testing.T) {
	path := writeFile(t, []byte("0123456789"))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("3456"), buf)
}

func TestAdvise(t *testing.T) {
	path := writeFile(t, make([]byte, 4096))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Advise(AccessRandom))
	assert.NoError(t, m.Advise(AccessSequential))
}
