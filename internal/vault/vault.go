// Package vault provides filesystem access to the tracked directory and
// the in-memory catalog of its entries. Every path entering the engine is
// normalized to a vault-relative, forward-slash, NFC form.
package vault

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// vaultDirPerm is the permission mode for directories created inside
	// the vault.
	vaultDirPerm = fs.FileMode(0o755)

	// vaultFilePerm is the permission mode for files written inside the
	// vault.
	vaultFilePerm = fs.FileMode(0o644)
)

// mtimeMin and mtimeMax clamp server-provided modification times to a
// reasonable range so a bad record cannot stamp far-future or far-past
// timestamps that would confuse change detection.
var (
	mtimeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Vault provides thread-safe filesystem operations on the tracked
// directory. All writes are serialized by an exclusive lock; reads take a
// shared lock to avoid observing partial writes. The scanner, the batch
// workers, and the engine all go through this type for file access.
type Vault struct {
	dir string
	mu  sync.RWMutex
}

// New creates a Vault rooted at the given directory, creating it if it
// does not exist. The directory must be an absolute path (resolved at
// config load time).
func New(dir string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory must not be empty")
	}

	if err := os.MkdirAll(dir, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("creating vault directory %s: %w", dir, err)
	}

	return &Vault{dir: dir}, nil
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// Abs returns the absolute path for a vault-relative path, after the
// traversal checks.
func (v *Vault) Abs(relPath string) (string, error) {
	return v.resolve(relPath)
}

// Rel converts an absolute path inside the vault to its normalized
// vault-relative form.
func (v *Vault) Rel(absPath string) (string, error) {
	rel, err := filepath.Rel(v.dir, absPath)
	if err != nil {
		return "", fmt.Errorf("computing vault-relative path for %s: %w", absPath, err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s is outside the vault", absPath)
	}

	return NormalizePath(rel), nil
}

// ReadFile reads a file by relative path.
func (v *Vault) ReadFile(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath) //nolint:gosec // G304: absPath validated by Vault.resolve
}

// WriteFile writes content to a file by relative path, creating parent
// directories as needed. If mtime is non-zero the file's modification time
// is set afterwards, preserving server timestamps on downloaded files.
func (v *Vault) WriteFile(relPath string, data []byte, mtime time.Time) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, vaultFilePerm); err != nil {
		return err
	}

	if !mtime.IsZero() {
		mtime = clampMtime(mtime)
		if err := os.Chtimes(absPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	return nil
}

// CopyFile copies a file from one relative path to another, streaming the
// content so large CAD binaries are not held in memory. The destination's
// parent directories are created as needed.
func (v *Vault) CopyFile(srcRel, dstRel string) error {
	srcAbs, err := v.resolve(srcRel)
	if err != nil {
		return err
	}

	dstAbs, err := v.resolve(dstRel)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	src, err := os.Open(srcAbs) //nolint:gosec // G304: validated by resolve
	if err != nil {
		return fmt.Errorf("opening %s: %w", srcRel, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstAbs), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dstRel, err)
	}

	dst, err := os.OpenFile(dstAbs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, vaultFilePerm) //nolint:gosec // G304
	if err != nil {
		return fmt.Errorf("creating %s: %w", dstRel, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copying %s to %s: %w", srcRel, dstRel, err)
	}

	return dst.Close()
}

// Rename moves a file or directory to another relative path within the
// vault. Works for non-empty directories.
func (v *Vault) Rename(oldRel, newRel string) error {
	oldAbs, err := v.resolve(oldRel)
	if err != nil {
		return err
	}

	newAbs, err := v.resolve(newRel)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newAbs), vaultDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", newRel, err)
	}

	return os.Rename(oldAbs, newAbs)
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (v *Vault) DeleteFile(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// DeleteDir removes a directory and all its contents by relative path.
// Returns nil if the directory does not exist.
func (v *Vault) DeleteDir(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.RemoveAll(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing directory %s: %w", relPath, err)
	}

	return nil
}

// DeleteEmptyDir removes a directory only if it is empty. Returns nil if
// the directory does not exist or was removed; non-empty directories
// return an error and are left alone.
func (v *Vault) DeleteEmptyDir(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing directory %s: %w", relPath, err)
	}

	return nil
}

// MkdirAll creates a directory (and parents) by relative path.
func (v *Vault) MkdirAll(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return os.MkdirAll(absPath, vaultDirPerm)
}

// Stat returns file info for a relative path. Takes a read lock so the
// file is not being written mid-stat.
func (v *Vault) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.Stat(absPath)
}

// WalkFunc receives each descendant of a walked directory as a normalized
// vault-relative path.
type WalkFunc func(relPath string, isDir bool) error

// Walk traverses a vault subtree, calling fn for every descendant
// including empty subdirectories but excluding the root itself. The
// traversal is finite and single-use; symlinks are not followed.
func (v *Vault) Walk(relPath string, fn WalkFunc) error {
	absRoot, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	return filepath.WalkDir(absRoot, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if absPath == absRoot {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := v.Rel(absPath)
		if err != nil {
			return err
		}

		return fn(rel, d.IsDir())
	})
}

// resolve converts a relative path to an absolute path within the vault
// directory, rejecting traversal attempts. Validates against null bytes
// and ".." segments before joining.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("path contains null byte: %q", relPath)
	}

	// Normalize backslashes so the ".." segment check catches
	// Windows-style traversal like "foo\..\..\etc".
	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains ..: %q", relPath)
		}
	}

	absPath := filepath.Join(v.dir, relPath)
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside vault dir", relPath)
	}

	return absPath, nil
}

// clampMtime restricts a timestamp to the range [2000, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}

// NormalizePath normalizes a vault-relative path: OS-native separators
// become forward slashes, non-breaking spaces become regular spaces,
// repeated slashes collapse, leading/trailing slashes are trimmed, and
// Unicode NFC normalization is applied. Call this on every path entering
// the engine: scanner output, watcher events, and remote record paths.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
