// Package workspace manages the per-request directories that hold submitted
// source code and build artifacts.
//
// Each workspace is a fresh <base>/<uuid> directory owned by exactly one
// request. The base directory is locked for the lifetime of the Manager, so
// a second instance pointed at the same base fails at start-up instead of
// sweeping directories that are still in use.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/metrics"
	"github.com/sakif/code-executor/internal/toolchain"
)

const lockFileName = ".lock"

// ErrLocked is returned by Open when another process holds the base directory.
var ErrLocked = errors.New("workspace base directory is locked by another process")

// Workspace is one request's private directory.
type Workspace struct {
	ID   string
	Root string

	mu        sync.Mutex
	files     map[string]struct{}
	destroyed bool
}

// Files returns the names written through the manager.
func (w *Workspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for name := range w.files {
		out = append(out, name)
	}
	return out
}

// Option configures a Manager.
type Option func(*Manager)

// WithDirMode sets the permission bits of new workspace directories. The
// docker backend needs them writable by the container user.
func WithDirMode(mode fs.FileMode) Option {
	return func(m *Manager) { m.dirMode = mode }
}

// Manager creates and destroys workspaces under one base directory.
type Manager struct {
	base    string
	lock    *os.File
	dirMode fs.FileMode
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]*Workspace
}

// Open prepares baseDir for use: it creates the directory, takes an exclusive
// lock on it and removes workspaces left behind by a previous instance.
func Open(baseDir string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace base: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace base: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(base, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening workspace lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", base, ErrLocked)
		}
		return nil, fmt.Errorf("locking workspace base: %w", err)
	}

	m := &Manager{
		base:    base,
		lock:    lock,
		dirMode: 0o700,
		logger:  logger,
		live:    make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.sweep(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Base returns the absolute base directory.
func (m *Manager) Base() string {
	return m.base
}

// sweep removes every entry except the lock file. Nothing else can be live
// because this instance has just taken the lock.
func (m *Manager) sweep() error {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return fmt.Errorf("reading workspace base: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == lockFileName {
			continue
		}
		path := filepath.Join(m.base, entry.Name())
		if err := removeAll(path); err != nil {
			m.logger.Warn("failed to remove stale workspace",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("removed stale workspace", slog.String("path", path))
	}
	return nil
}

// Create makes a new, empty workspace with a fresh identifier.
func (m *Manager) Create(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	root := filepath.Join(m.base, id)

	// Mkdir, not MkdirAll: an existing path is an error, never a reuse.
	if err := os.Mkdir(root, m.dirMode); err != nil {
		return nil, apperror.FilesystemFailure(fmt.Errorf("creating workspace: %w", err))
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(root, m.dirMode); err != nil {
		_ = removeAll(root)
		return nil, apperror.FilesystemFailure(fmt.Errorf("setting workspace mode: %w", err))
	}

	ws := &Workspace{ID: id, Root: root, files: make(map[string]struct{})}

	m.mu.Lock()
	m.live[id] = ws
	m.mu.Unlock()

	return ws, nil
}

// WriteSource writes code into ws under the toolchain's source file name and
// returns the file's path.
func (m *Manager) WriteSource(ws *Workspace, spec toolchain.Spec, code string) (string, error) {
	path, err := resolve(ws.Root, spec.SourceFile)
	if err != nil {
		return "", apperror.FilesystemFailure(err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.destroyed {
		return "", apperror.FilesystemFailure(fmt.Errorf("workspace %s already destroyed", ws.ID))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperror.FilesystemFailure(fmt.Errorf("creating source file: %w", err))
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return "", apperror.FilesystemFailure(fmt.Errorf("writing source file: %w", err))
	}
	if err := f.Close(); err != nil {
		return "", apperror.FilesystemFailure(fmt.Errorf("closing source file: %w", err))
	}

	ws.files[spec.SourceFile] = struct{}{}
	return path, nil
}

// Destroy removes ws and everything in it. It is safe to call more than once
// and never returns an error: failures are logged and counted.
func (m *Manager) Destroy(ws *Workspace) {
	if ws == nil {
		return
	}

	ws.mu.Lock()
	if ws.destroyed {
		ws.mu.Unlock()
		return
	}
	ws.destroyed = true
	ws.mu.Unlock()

	m.mu.Lock()
	delete(m.live, ws.ID)
	m.mu.Unlock()

	if err := removeAll(ws.Root); err != nil {
		metrics.WorkspaceCleanupFailures.Inc()
		m.logger.Error("failed to remove workspace",
			slog.String("workspace", ws.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Live returns the number of workspaces created and not yet destroyed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close destroys any remaining workspaces and releases the base lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	remaining := make([]*Workspace, 0, len(m.live))
	for _, ws := range m.live {
		remaining = append(remaining, ws)
	}
	m.mu.Unlock()

	for _, ws := range remaining {
		m.Destroy(ws)
	}

	if m.lock == nil {
		return nil
	}
	_ = unix.Flock(int(m.lock.Fd()), unix.LOCK_UN)
	err := m.lock.Close()
	m.lock = nil
	return err
}

// resolve joins name onto root and refuses anything that would leave root.
func resolve(root, name string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("file name %q escapes the workspace", name)
	}
	return filepath.Join(root, name), nil
}

// removeAll is os.RemoveAll that also copes with directories the submitted
// program made read-only.
func removeAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
