package workspace

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/metrics"
)

const dirPrefix = "ws-"

// ErrInUse is returned when a job already holds a workspace in this process.
var ErrInUse = errors.New("job already holds a workspace")

// Workspace is the exclusive directory of one compile attempt.
type Workspace struct {
	Path    string
	JobID   string
	Attempt int
}

// Manager creates and destroys workspaces under a root directory.
type Manager struct {
	root     string
	mu       sync.Mutex
	active   map[string]*Workspace // by path
	byJob    map[string]string     // job id -> path
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewManager ensures root exists and returns a manager for it.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "goxtex")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:     abs,
		active:   make(map[string]*Workspace),
		byJob:    make(map[string]string),
		recorder: metrics.NoopRecorder{},
		logger:   logger,
	}, nil
}

// SetRecorder injects a metrics recorder.
func (m *Manager) SetRecorder(r metrics.Recorder) {
	m.recorder = metrics.OrNoop(r)
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh workspace for one attempt of jobID. The job id is only
// recorded as metadata; it never contributes to the path.
func (m *Manager) Acquire(jobID string, attempt int) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byJob[jobID]; busy {
		return nil, ErrInUse
	}

	name := dirPrefix + ulid.MustNew(ulid.Now(), rand.Reader).String()
	path := filepath.Join(m.root, name)

	// Mkdir (not MkdirAll) fails on an existing path, so a collision can never
	// hand one directory to two attempts.
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &Workspace{Path: path, JobID: jobID, Attempt: attempt}
	m.active[path] = ws
	m.byJob[jobID] = path
	m.recorder.SetActiveWorkspaces(len(m.active))

	m.logger.Debug("Workspace acquired", logfields.JobID(jobID), logfields.Attempt(attempt), logfields.Workspace(path))
	return ws, nil
}

// Release removes the workspace and everything in it. Releasing twice is a no-op.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}

	m.mu.Lock()
	_, tracked := m.active[ws.Path]
	delete(m.active, ws.Path)
	if m.byJob[ws.JobID] == ws.Path {
		delete(m.byJob, ws.JobID)
	}
	m.recorder.SetActiveWorkspaces(len(m.active))
	m.mu.Unlock()

	if !tracked {
		return nil
	}
	if !m.contains(ws.Path) {
		return fmt.Errorf("refusing to remove %s outside workspace root", ws.Path)
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}

	m.logger.Debug("Workspace released", logfields.JobID(ws.JobID), logfields.Workspace(ws.Path))
	return nil
}

// Active returns the number of workspaces currently held in this process.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes workspace directories under the root that are not held by this
// process and were last modified before now-olderThan. It returns how many it removed.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		path := filepath.Join(m.root, entry.Name())

		m.mu.Lock()
		_, held := m.active[path]
		m.mu.Unlock()
		if held {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed concurrently.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		m.logger.Info("Removed orphaned workspace", logfields.Path(path))
	}

	if removed > 0 {
		m.recorder.AddWorkspacesSwept(removed)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) contains(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !strings.ContainsRune(rel, filepath.Separator)
}
