// Package conflict detects destination-path collisions for add, copy, and
// move batches and applies a single per-batch resolution. Detection runs
// before any bytes move; directory sources are expanded so collisions
// nested arbitrarily deep are found up front.
package conflict

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

// Target is one proposed file operation: bytes at SourcePath (absolute on
// disk) landing at DestPath (vault-relative).
type Target struct {
	SourcePath string
	DestPath   string
	Dir        bool
}

// ConflictSet splits a batch into targets whose destination already
// exists in the catalog and targets that are clear. Transient: produced
// per batch, consumed by one resolution decision, discarded.
type ConflictSet struct {
	Colliding []Target
	Clear     []Target
}

// Empty reports whether nothing in the batch collides.
func (s *ConflictSet) Empty() bool {
	return len(s.Colliding) == 0
}

// Resolution is the per-batch answer to a collision. There is no per-file
// override.
type Resolution int

const (
	// Overwrite replaces destination bytes.
	Overwrite Resolution = iota

	// Rename gives each colliding destination a numeric suffix before
	// the extension, incremented until free, independently per file.
	Rename

	// Skip drops colliding targets; clear targets still proceed.
	Skip
)

// WalkSource traverses a source directory, yielding each descendant's
// path relative to the root and whether it is a directory. Finite,
// single-use. Swappable in tests.
type WalkSource func(root string, fn func(relUnder string, isDir bool) error) error

// OSWalk is the default WalkSource, backed by filepath.WalkDir. Symlinks
// are not followed.
func OSWalk(root string, fn func(relUnder string, isDir bool) error) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == root {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		return fn(vault.NormalizePath(rel), d.IsDir())
	})
}

// CatalogIndex is the catalog lookup detection needs. Satisfied by
// *vault.Catalog.
type CatalogIndex interface {
	Has(relPath string) bool
}

// Detect expands directory targets into one synthetic target per
// descendant (empty subdirectories included) and splits the batch by
// whether each destination already exists in the catalog.
func Detect(batch []Target, catalog CatalogIndex, walk WalkSource) (*ConflictSet, error) {
	if walk == nil {
		walk = OSWalk
	}

	var expanded []Target

	for _, t := range batch {
		t.DestPath = vault.NormalizePath(t.DestPath)
		expanded = append(expanded, t)

		if !t.Dir {
			continue
		}

		err := walk(t.SourcePath, func(relUnder string, isDir bool) error {
			expanded = append(expanded, Target{
				SourcePath: filepath.Join(t.SourcePath, filepath.FromSlash(relUnder)),
				DestPath:   path.Join(t.DestPath, relUnder),
				Dir:        isDir,
			})

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", t.SourcePath, err)
		}
	}

	set := &ConflictSet{}

	for _, t := range expanded {
		if catalog.Has(t.DestPath) {
			set.Colliding = append(set.Colliding, t)
		} else {
			set.Clear = append(set.Clear, t)
		}
	}

	return set, nil
}

// Apply consumes a ConflictSet and produces the final operation plan.
// Skip with every target colliding yields an empty plan; the caller must
// report zero processed instead of starting a batch.
func Apply(set *ConflictSet, res Resolution, catalog CatalogIndex) []Target {
	switch res {
	case Overwrite:
		plan := make([]Target, 0, len(set.Clear)+len(set.Colliding))
		plan = append(plan, set.Clear...)
		plan = append(plan, set.Colliding...)

		return plan

	case Skip:
		return append([]Target(nil), set.Clear...)

	case Rename:
		return applyRename(set, catalog)

	default:
		return nil
	}
}

// applyRename picks a free name for every colliding target. Renamed
// directories drag their descendants with them: collisions are processed
// shallowest first and a prefix map rewrites deeper paths.
func applyRename(set *ConflictSet, catalog CatalogIndex) []Target {
	colliding := append([]Target(nil), set.Colliding...)
	sort.Slice(colliding, func(i, j int) bool {
		return strings.Count(colliding[i].DestPath, "/") < strings.Count(colliding[j].DestPath, "/")
	})

	// taken tracks names chosen in this batch so two colliding sources
	// cannot both claim "name (1)".
	taken := make(map[string]bool)

	// moved maps original directory destinations to their renamed form.
	// Collisions are resolved first so clear descendants of a renamed
	// directory can be remapped afterwards.
	moved := make(map[string]string)

	renamed := make([]Target, 0, len(colliding))

	for _, t := range colliding {
		original := t.DestPath
		t.DestPath = remapPrefix(t.DestPath, moved)

		// A parent rename may already have cleared the collision.
		if catalog.Has(t.DestPath) || taken[t.DestPath] {
			free := nextFreeName(t.DestPath, t.Dir, catalog, taken)
			if t.Dir {
				moved[original] = free
			}

			t.DestPath = free
		}

		taken[t.DestPath] = true
		renamed = append(renamed, t)
	}

	plan := make([]Target, 0, len(set.Clear)+len(renamed))

	for _, t := range set.Clear {
		t.DestPath = remapPrefix(t.DestPath, moved)
		plan = append(plan, t)
	}

	return append(plan, renamed...)
}

// remapPrefix rewrites a path that lives under a renamed directory.
func remapPrefix(dest string, moved map[string]string) string {
	for from, to := range moved {
		if dest == from {
			return to
		}

		if strings.HasPrefix(dest, from+"/") {
			return to + dest[len(from):]
		}
	}

	return dest
}

// nextFreeName appends " (n)" before the extension, starting at 1 and
// incrementing until the name is free in both the catalog and the names
// already picked for this batch. Directories get the suffix on the name
// itself.
func nextFreeName(dest string, isDir bool, catalog CatalogIndex, taken map[string]bool) string {
	ext := ""
	base := dest

	if !isDir {
		ext = path.Ext(dest)
		base = strings.TrimSuffix(dest, ext)
	}

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !catalog.Has(candidate) && !taken[candidate] {
			return candidate
		}
	}
}
