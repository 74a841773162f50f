package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Acquire("job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, m.Root(), filepath.Dir(ws.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(ws.Path), dirPrefix))
	assert.DirExists(t, ws.Path)
	assert.Equal(t, 1, m.Active())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "main.tex"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Path, "nested", "deeper"), 0o700))

	require.NoError(t, m.Release(ws))
	assert.NoDirExists(t, ws.Path)
	assert.Equal(t, 0, m.Active())

	// Idempotent.
	require.NoError(t, m.Release(ws))
	require.NoError(t, m.Release(nil))
}

func TestAcquireOnePerJob(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Acquire("job-1", 1)
	require.NoError(t, err)

	_, err = m.Acquire("job-1", 2)
	require.ErrorIs(t, err, ErrInUse)

	require.NoError(t, m.Release(ws))

	retry, err := m.Acquire("job-1", 2)
	require.NoError(t, err)
	assert.NotEqual(t, ws.Path, retry.Path, "a retried attempt gets a fresh workspace")
	require.NoError(t, m.Release(retry))
}

func TestAcquireIgnoresHostileJobID(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"../../etc", "a/b", "$(rm -rf /)", "x; touch pwned", "..", "\x00"} {
		ws, err := m.Acquire(id, 1)
		require.NoError(t, err)
		assert.Equal(t, m.Root(), filepath.Dir(ws.Path), "id %q must not influence the path", id)
		assert.NotContains(t, ws.Path, id)
		require.NoError(t, m.Release(ws))
	}

	entries, err := os.ReadDir(m.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentAcquireNeverCollides(t *testing.T) {
	m := newTestManager(t)
	const n = 64

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := m.Acquire(fmt.Sprintf("job-%d", i), 1)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assert.False(t, paths[ws.Path], "collision on %s", ws.Path)
			paths[ws.Path] = true
			mu.Unlock()
			assert.NoError(t, m.Release(ws))
		}(i)
	}
	wg.Wait()

	assert.Len(t, paths, n)
	entries, err := os.ReadDir(m.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepRemovesOnlyOldOrphans(t *testing.T) {
	m := newTestManager(t)

	old := filepath.Join(m.Root(), dirPrefix+"ORPHAN")
	require.NoError(t, os.MkdirAll(filepath.Join(old, "sub"), 0o700))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh := filepath.Join(m.Root(), dirPrefix+"FRESH")
	require.NoError(t, os.Mkdir(fresh, 0o700))

	foreign := filepath.Join(m.Root(), "keep-me")
	require.NoError(t, os.Mkdir(foreign, 0o700))
	require.NoError(t, os.Chtimes(foreign, past, past))

	held, err := m.Acquire("job-live", 1)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(held.Path, past, past))

	n, err := m.Sweep(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, foreign)
	assert.DirExists(t, held.Path, "held workspaces are never swept")

	require.NoError(t, m.Release(held))
}
