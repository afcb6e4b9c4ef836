// Package hostid reads the per-machine identity used to namespace queue
// names. The id is generated once and persisted to a file; concurrent
// first-time callers on the same machine agree on one id.
package hostid

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/jdziat/durable-etl/pkg/security"
)

const (
	// FileName is the host id file name under the user config directory.
	FileName = "host-id"

	lockSuffix    = ".lock"
	lockRetryWait = 50 * time.Millisecond
)

// DefaultPath returns <user config dir>/durable-etl/host-id.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "durable-etl", FileName), nil
}

// Resolve returns path, or DefaultPath when path is empty.
func Resolve(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return DefaultPath()
}

// Read returns the id stored at path.
func Read(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(raw))
	if err := security.ValidateHostID(id); err != nil {
		return "", fmt.Errorf("host id file %s: %w", path, err)
	}
	return id, nil
}

// Load returns the id stored at path, generating and persisting a new one
// if the file does not exist. The second return value reports whether the
// id was generated by this call.
func Load(ctx context.Context, path string) (string, bool, error) {
	id, err := Read(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("create host id dir: %w", err)
	}

	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryLockContext(ctx, lockRetryWait)
	if err != nil {
		return "", false, fmt.Errorf("cannot acquire host id lock %q: %w", lock.Path(), err)
	}
	if !locked {
		return "", false, fmt.Errorf("cannot acquire host id lock %q", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have written the file while we waited.
	id, err = Read(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, err
	}

	id = uuid.New().String()
	if err := writeFile(path, id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// writeFile replaces path atomically so readers never see a partial id.
func writeFile(path, id string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("write host id: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write host id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write host id: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write host id: %w", err)
	}
	return nil
}
