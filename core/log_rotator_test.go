package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRotatorKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	r, err := NewLogRotator(path, 1, 2)
	require.NoError(t, err)
	defer r.Close()

	chunk := bytes.Repeat([]byte("x"), 600<<10)
	for i := 0; i < 4; i++ {
		_, err := r.Write(chunk)
		require.NoError(t, err)
	}

	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, len(chunk), info.Size())
}

func TestLogRotatorManualRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	r, err := NewLogRotator(path, 0, DefaultLogBackups)
	require.NoError(t, err)

	_, err = r.Write([]byte("before\n"))
	require.NoError(t, err)
	require.NoError(t, r.Rotate())
	_, err = r.Write([]byte("after\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	old, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "before\n", string(old))
	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(cur))

	_, err = r.Write([]byte("closed"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
