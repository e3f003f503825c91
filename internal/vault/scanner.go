package vault

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// Scan walks the vault and produces a fresh entry map keyed by normalized
// vault-relative path. prev is the previous scan (usually
// Catalog.Snapshot()); files whose mtime and size are unchanged carry
// their fingerprint forward instead of being re-hashed, which keeps
// rescans cheap on vaults full of multi-hundred-megabyte assemblies.
// Paths matching the ignore policy are not reported at all; the engine
// classifies them separately.
func Scan(v *Vault, policy *Policy, prev map[string]FileEntry, logger *slog.Logger) (map[string]FileEntry, error) {
	current := make(map[string]FileEntry)
	dir := v.Dir()

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if absPath == dir {
			return nil
		}

		relPath, err := v.Rel(absPath)
		if err != nil {
			return err
		}

		if policy != nil && policy.Ignored(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		// Skip symlinks so links to files outside the vault or special
		// files never enter the catalog.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink during scan", slog.String("path", relPath))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan", slog.String("path", relPath), slog.String("error", err.Error()))
			return nil
		}

		if d.IsDir() {
			current[relPath] = FileEntry{
				AbsPath: absPath,
				RelPath: relPath,
				Dir:     true,
				MTime:   info.ModTime().UnixMilli(),
			}

			return nil
		}

		entry := FileEntry{
			AbsPath: absPath,
			RelPath: relPath,
			Size:    info.Size(),
			MTime:   info.ModTime().UnixMilli(),
		}

		if p, ok := prev[relPath]; ok && !p.Dir && p.MTime == entry.MTime && p.Size == entry.Size {
			entry.Hash = p.Hash
		} else {
			hash, hashErr := HashFile(absPath)
			if hashErr != nil {
				logger.Warn("fingerprinting file", slog.String("path", relPath), slog.String("error", hashErr.Error()))
			}

			entry.Hash = hash
		}

		current[relPath] = entry

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking vault directory: %w", err)
	}

	logger.Debug("local scan complete", slog.Int("entries", len(current)))

	return current, nil
}

// HashFile streams a file through BLAKE2b-256 and returns the hex digest.
func HashFile(absPath string) (string, error) {
	f, err := os.Open(absPath) //nolint:gosec // G304: callers pass vault-resolved paths
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", absPath, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the BLAKE2b-256 hex digest of a byte slice. Used for
// content just downloaded or about to be uploaded.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
