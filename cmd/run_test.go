package cmd

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "m.pid")

	remove, err := writePIDFile(path)
	require.NoError(t, err)
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Rewriting our own file is allowed.
	_, err = writePIDFile(path)
	require.NoError(t, err)

	remove()
	assert.NoFileExists(t, path)
}

func TestPIDFile_LiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.pid")
	// The parent of the test binary is alive for the duration of the test.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))
	_, err := writePIDFile(path)
	assert.ErrorContains(t, err, "already running")
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.pid")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	_, err := readPIDFile(path)
	assert.Error(t, err)
}
