package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// File permission constants for materialized payloads
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// Workspace is the per-run directory the runner executes in.
type Workspace struct {
	dir string
}

// NewWorkspace creates a fresh directory under root, or under the system
// temp dir when root is empty.
func NewWorkspace(root string) (*Workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, DirPermission); err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "testbox-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	// MkdirTemp creates 0700; the runner identity needs to traverse it.
	if err := os.Chmod(dir, DirPermission); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to set workspace permissions: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the absolute workspace path.
func (w *Workspace) Dir() string { return w.dir }

// Materialize writes the payload. Every path must be relative and stay
// inside the workspace.
func (w *Workspace) Materialize(files map[string]string) error {
	for name, content := range files {
		if err := w.WriteFile(name, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes one payload file.
func (w *Workspace) WriteFile(name string, data []byte) error {
	clean, err := cleanPayloadPath(name)
	if err != nil {
		return err
	}
	target, err := securejoin.SecureJoin(w.dir, clean)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(target, data, FilePermission); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Handover gives the workspace to the execution identity. It is a no-op
// unless the service runs as root, because only root may chown.
func (w *Workspace) Handover(id Identity) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return filepath.WalkDir(w.dir, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(p, id.UID, id.GID); err != nil {
			return fmt.Errorf("failed to hand over %s: %w", p, err)
		}
		return nil
	})
}

// ReadFile reads a file the runner produced, refusing anything larger than
// limit bytes. Symlinks are resolved inside the workspace.
func (w *Workspace) ReadFile(name string, limit int64) ([]byte, error) {
	clean, err := cleanPayloadPath(name)
	if err != nil {
		return nil, err
	}
	target, err := securejoin.SecureJoin(w.dir, clean)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", name, err)
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", name)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, limit)
	}
	return data, nil
}

// Destroy removes the workspace. Directories the runner made unwritable are
// reopened first.
func (w *Workspace) Destroy() error {
	err := os.RemoveAll(w.dir)
	if err == nil {
		return nil
	}
	_ = filepath.WalkDir(w.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	if retryErr := os.RemoveAll(w.dir); retryErr != nil {
		return errors.Join(err, retryErr)
	}
	return nil
}
