// Package safefile provides file I/O helpers for trust-sensitive paths:
// reads reject symlinks and enforce size bounds, writes land atomically.
// Use these instead of os.ReadFile/os.WriteFile for config, rules, and
// state files.
package safefile

import (
	"fmt"
	"os"
	"path/filepath"
)

// MaxConfigBytes bounds config and rules file reads.
const MaxConfigBytes = 1 << 20

// ReadBounded reads path after verifying it is not a symbolic link and
// does not exceed maxBytes. Lstat is used so the symlink check is not
// followed through the link.
func ReadBounded(path string, maxBytes int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%s is a symbolic link (rejected)", path)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%s is too large (%d bytes, max %d)", path, info.Size(), maxBytes)
	}
	return os.ReadFile(path)
}

// WriteAtomic writes data to path through a temp file in the same
// directory followed by a rename, so a crash never leaves a partial
// file. Writing through an existing symlink is rejected.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%s is a symbolic link (rejected)", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
