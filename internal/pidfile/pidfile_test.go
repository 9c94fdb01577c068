package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "harvester.pid")
	p := New(path)

	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// acquiring twice from the same process is fine
	require.NoError(t, p.Acquire())

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, p.Release())
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	require.NoError(t, New(path).Acquire())
	pid, err := New(path).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReleaseLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.pid")
	foreign := strconv.Itoa(os.Getpid() + 1)
	require.NoError(t, os.WriteFile(path, []byte(foreign), 0644))

	require.NoError(t, New(path).Release())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, foreign, string(data))
}

func TestReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	_, err := New(path).Read()
	assert.ErrorContains(t, err, "invalid PID")
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
}
