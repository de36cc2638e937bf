package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ReplaceError reports a staging destination that already exists and does not
// point at the wanted source. It is never resolved silently; the caller
// decides whether replacing is acceptable.
type ReplaceError struct {
	Dest     string
	Existing string
	Wanted   string
}

func (e *ReplaceError) Error() string {
	return fmt.Sprintf("staging: %s already exists and points to %q, not %q", e.Dest, e.Existing, e.Wanted)
}

// Symlink creates a relative symbolic link dst -> src, so the staged tree
// stays valid if the filesystem root it lives on is remounted elsewhere.
// Re-creating an identical link is a no-op; an existing destination with a
// different target yields a ReplaceError.
func Symlink(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("staging: create link parent for %s: %w", dst, err)
	}
	target, err := filepath.Rel(filepath.Dir(dst), src)
	if err != nil {
		// source on another volume or otherwise unrelatable: link absolute
		target = src
	}
	err = os.Symlink(target, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("staging: link %s -> %s: %w", dst, target, err)
	}
	existing, readErr := os.Readlink(dst)
	if readErr == nil && existing == target {
		return nil
	}
	return &ReplaceError{Dest: dst, Existing: existing, Wanted: target}
}
