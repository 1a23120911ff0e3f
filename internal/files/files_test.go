package files

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExistsAndIsDir(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("a"), 0644))

	assert.True(t, Exists(dir))
	assert.True(t, IsDir(dir))
	assert.True(t, Exists(filePath))
	assert.False(t, IsDir(filePath))
	assert.False(t, Exists(filepath.Join(dir, "missing")))
}

func TestReplaceTildeInDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cache"), ReplaceTildeInDir("~/cache"))
	assert.Equal(t, "/tmp/x", ReplaceTildeInDir("/tmp/x"))
	assert.Equal(t, "~x", ReplaceTildeInDir("~x"))
}

func TestWithLockSerializes(t *testing.T) {
	saved := LockPollPeriod
	LockPollPeriod = 10 * time.Millisecond
	defer func() { LockPollPeriod = saved }()

	lockPath := filepath.Join(t.TempDir(), "x.lock")
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(lockPath, func() error {
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestWithLockReturnsFnError(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")
	err := WithLock(lockPath, func() error { return os.ErrPermission })
	require.ErrorIs(t, err, os.ErrPermission)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))
	require.NoError(t, CopyFile(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}
