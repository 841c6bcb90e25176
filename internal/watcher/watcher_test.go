package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForFile_AlreadyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := WaitForFile(context.Background(), path, Options{Interval: 10 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
}

func TestWaitForFile_AppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("x"), 0o644)
	}()

	start := time.Now()
	err := WaitForFile(context.Background(), path, Options{Interval: 20 * time.Millisecond, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitForFile_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.txt")

	start := time.Now()
	err := WaitForFile(context.Background(), path, Options{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForFile_MissingDirPollsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodir", "never.txt")

	err := WaitForFile(context.Background(), path, Options{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForFile_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.txt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForFile(ctx, path, Options{Interval: 10 * time.Millisecond, Timeout: time.Second})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForFile_Settle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := WaitForFile(context.Background(), path, Options{Interval: 10 * time.Millisecond, Timeout: time.Second, Settle: true})
	require.NoError(t, err)
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	require.NoError(t, RemoveStale(a, filepath.Join(dir, "missing.txt")))
	assert.NoFileExists(t, a)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultInterval, o.Interval)
	assert.Equal(t, DefaultTimeout, o.Timeout)
}
