package store

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenHoldsLockUntilClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hogsim.db")
	s, err := Open(path)
	require.NoError(t, err)

	data, err := os.ReadFile(lockFilePath(path))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, s.Close())
	_, err = os.Stat(lockFilePath(path))
	require.True(t, os.IsNotExist(err))
}

func TestOpenFailsWhileAnotherProcessHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hogsim.db")
	// The parent process is alive for as long as the test runs.
	require.NoError(t, os.WriteFile(lockFilePath(path), []byte(strconv.Itoa(os.Getppid())), 0644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrStoreLocked)

	_, err = os.Stat(lockFilePath(path))
	require.NoError(t, err, "a live lock is left in place")
}

func TestOpenRemovesCorruptLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hogsim.db")
	require.NoError(t, os.WriteFile(lockFilePath(path), []byte("not a pid"), 0644))

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestInMemoryStoreTakesNoLock(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.Empty(t, s.lockPath)
}
