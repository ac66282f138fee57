// Package workspace manages ephemeral, request-scoped sandbox directories.
package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultMaxFixtureBytes int64 = 256 * 1024 * 1024
	dirMode                      = 0700
)

// File is one file to place into a workspace.
type File struct {
	Name       string
	Data       []byte
	Executable bool
}

// Config controls where workspaces live and who owns them.
type Config struct {
	Root string
	// UID and GID own every workspace entry when the manager runs as root.
	// Negative values leave ownership unchanged.
	UID             int
	GID             int
	MaxFixtureBytes int64
}

// Workspace is an exclusively owned request directory.
type Workspace struct {
	RequestID string
	dir       string
	released  atomic.Bool
}

// Dir returns the host path of the workspace.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path resolves a validated relative name inside the workspace.
func (w *Workspace) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(w.dir, filepath.Clean(name)), nil
}

// Released reports whether Release already ran.
func (w *Workspace) Released() bool {
	return w.released.Load()
}

// Manager creates, fills and destroys workspaces.
type Manager struct {
	cfg    Config
	active atomic.Int64
}

// NewManager prepares the workspace root.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, appErr.ValidationError("workspace.root", "required")
	}
	if cfg.MaxFixtureBytes <= 0 {
		cfg.MaxFixtureBytes = defaultMaxFixtureBytes
	}
	if err := os.MkdirAll(cfg.Root, 0711); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace root")
	}
	return &Manager{cfg: cfg}, nil
}

// Active returns the number of acquired, unreleased workspaces.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

// Acquire creates a fresh, empty, request-unique directory.
func (m *Manager) Acquire(ctx context.Context, requestID string) (*Workspace, error) {
	if requestID == "" {
		return nil, appErr.ValidationError("request_id", "required")
	}
	if strings.ContainsAny(requestID, `/\`) {
		return nil, appErr.ValidationError("request_id", "must not contain path separators")
	}
	dir, err := os.MkdirTemp(m.cfg.Root, requestID+"-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace")
	}
	if err := os.Chmod(dir, dirMode); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "chmod workspace")
	}
	if err := m.chown(dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "chown workspace")
	}
	m.active.Add(1)
	logger.Debug(ctx, "workspace acquired", zap.String("dir", dir))
	return &Workspace{RequestID: requestID, dir: dir}, nil
}

// Materialize writes files into the workspace, creating parent directories.
// Every name is validated before anything is written.
func (m *Manager) Materialize(ws *Workspace, files []File) error {
	if ws == nil || ws.Released() {
		return appErr.New(appErr.WorkspaceError).WithMessage("workspace is not active")
	}
	for _, f := range files {
		if err := ValidateName(f.Name); err != nil {
			return err
		}
	}
	for _, f := range files {
		mode := fs.FileMode(0644)
		if f.Executable {
			mode = 0755
		}
		if err := m.writeFile(ws, f.Name, f.Data, mode); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes one file from the workspace. A missing file is not an error.
func (m *Manager) Remove(ws *Workspace, name string) error {
	if ws == nil || ws.Released() {
		return appErr.New(appErr.WorkspaceError).WithMessage("workspace is not active")
	}
	target, err := ws.Path(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "remove %s", name)
	}
	return nil
}

func (m *Manager) writeFile(ws *Workspace, name string, data []byte, mode fs.FileMode) error {
	target, err := ws.Path(name)
	if err != nil {
		return err
	}
	if err := m.mkdirAll(ws.dir, filepath.Dir(target)); err != nil {
		return err
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "write %s", name)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(target, mode); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "chmod %s", name)
	}
	if err := m.chown(target); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "chown %s", name)
	}
	return nil
}

// mkdirAll creates dir and its missing parents below root with workspace ownership.
func (m *Manager) mkdirAll(root, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err == nil {
			if !info.IsDir() {
				return appErr.Newf(appErr.ArtifactPathInvalid, "%s is not a directory", part)
			}
			continue
		}
		if err := os.Mkdir(cur, 0755); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceError, "create directory %s", part)
		}
		if err := m.chown(cur); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceError, "chown directory %s", part)
		}
	}
	return nil
}

// Release recursively removes the workspace. Only the first call does work.
func (m *Manager) Release(ctx context.Context, ws *Workspace) error {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return nil
	}
	m.active.Add(-1)
	err := os.RemoveAll(ws.dir)
	if err != nil {
		// The program may have stripped write permission from its own directories.
		err = multierr.Append(err, makeWritable(ws.dir))
		if retryErr := os.RemoveAll(ws.dir); retryErr == nil {
			err = nil
		} else {
			err = multierr.Append(err, retryErr)
		}
	}
	if err != nil {
		logger.Error(ctx, "workspace release failed", zap.String("dir", ws.dir), zap.Error(err))
		return appErr.Wrapf(err, appErr.WorkspaceReleaseFail, "remove workspace")
	}
	logger.Debug(ctx, "workspace released", zap.String("dir", ws.dir))
	return nil
}

func makeWritable(root string) error {
	var errs error
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = multierr.Append(errs, err)
			return nil
		}
		if d.IsDir() {
			errs = multierr.Append(errs, os.Chmod(path, 0700))
		}
		return nil
	})
	return errs
}

func (m *Manager) chown(path string) error {
	if m.cfg.UID < 0 && m.cfg.GID < 0 {
		return nil
	}
	if os.Geteuid() != 0 {
		return nil
	}
	return os.Lchown(path, m.cfg.UID, m.cfg.GID)
}

// ValidateName rejects names that could escape the workspace root.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return appErr.New(appErr.ArtifactPathInvalid).WithMessage("artifact name is empty").
			WithDetail("name", name)
	}
	if strings.ContainsRune(name, 0) {
		return appErr.New(appErr.ArtifactPathInvalid).WithMessage("artifact name contains NUL").
			WithDetail("name", name)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return appErr.Newf(appErr.ArtifactPathInvalid, "artifact name %q is absolute", name).
			WithDetail("name", name)
	}
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range parts {
		if part == ".." {
			return appErr.Newf(appErr.ArtifactPathInvalid, "artifact name %q contains '..'", name).
				WithDetail("name", name)
		}
	}
	if filepath.Clean(name) == "." {
		return appErr.Newf(appErr.ArtifactPathInvalid, "artifact name %q names the workspace root", name).
			WithDetail("name", name)
	}
	return nil
}
