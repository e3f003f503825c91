package conflict

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

func catalogWith(t *testing.T, paths ...string) *vault.Catalog {
	t.Helper()

	c := vault.NewCatalog()
	for _, p := range paths {
		c.Put(vault.FileEntry{RelPath: p})
	}

	return c
}

func destPaths(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.DestPath)
	}

	return out
}

// --- Detect ---

func TestDetect_SplitsCollidingAndClear(t *testing.T) {
	cat := catalogWith(t, "parts/a.sldprt", "parts/b.sldprt")

	batch := []Target{
		{SourcePath: "/import/a.sldprt", DestPath: "parts/a.sldprt"},
		{SourcePath: "/import/c.sldprt", DestPath: "parts/c.sldprt"},
		{SourcePath: "/import/b.sldprt", DestPath: "parts/b.sldprt"},
	}

	set, err := Detect(batch, cat, nil)
	require.NoError(t, err)

	assert.Len(t, set.Colliding, 2)
	assert.Len(t, set.Clear, 1)
	assert.Equal(t, []string{"parts/c.sldprt"}, destPaths(set.Clear))
	assert.False(t, set.Empty())
}

func TestDetect_KConflictsNMinusKClear(t *testing.T) {
	cat := catalogWith(t, "p/0", "p/1", "p/2")

	var batch []Target
	for _, d := range []string{"p/0", "p/1", "p/2", "p/3", "p/4", "p/5", "p/6"} {
		batch = append(batch, Target{DestPath: d})
	}

	set, err := Detect(batch, cat, nil)
	require.NoError(t, err)
	assert.Len(t, set.Colliding, 3)
	assert.Len(t, set.Clear, 4)
}

func TestDetect_ExpandsDirectoriesRecursively(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "deep", "part.sldprt"), []byte("x"), 0o644))

	cat := catalogWith(t, "dst/sub/deep/part.sldprt")

	set, err := Detect([]Target{{SourcePath: src, DestPath: "dst", Dir: true}}, cat, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"dst/sub/deep/part.sldprt"}, destPaths(set.Colliding))
	assert.ElementsMatch(t,
		[]string{"dst", "dst/sub", "dst/sub/deep", "dst/empty"},
		destPaths(set.Clear),
		"empty subdirectories must be expanded too")
}

func TestDetect_NoCollisions(t *testing.T) {
	set, err := Detect([]Target{{DestPath: "fresh.txt"}}, catalogWith(t), nil)
	require.NoError(t, err)
	assert.True(t, set.Empty())
	assert.Len(t, set.Clear, 1)
}

// --- Apply ---

func TestApply_Overwrite(t *testing.T) {
	set := &ConflictSet{
		Colliding: []Target{{DestPath: "a"}},
		Clear:     []Target{{DestPath: "b"}},
	}

	plan := Apply(set, Overwrite, catalogWith(t, "a"))
	assert.ElementsMatch(t, []string{"a", "b"}, destPaths(plan))
}

func TestApply_SkipDropsColliding(t *testing.T) {
	set := &ConflictSet{
		Colliding: []Target{{DestPath: "a"}},
		Clear:     []Target{{DestPath: "b"}},
	}

	plan := Apply(set, Skip, catalogWith(t, "a"))
	assert.Equal(t, []string{"b"}, destPaths(plan))
}

func TestApply_SkipEverythingCollides(t *testing.T) {
	set := &ConflictSet{
		Colliding: []Target{{DestPath: "a"}, {DestPath: "b"}},
	}

	plan := Apply(set, Skip, catalogWith(t, "a", "b"))
	assert.Empty(t, plan, "all-colliding skip must produce an empty plan")
}

func TestApply_RenamePicksNextFreeSuffix(t *testing.T) {
	cat := catalogWith(t, "docs/name.txt", "docs/name (1).txt", "docs/name (2).txt")

	set := &ConflictSet{Colliding: []Target{{DestPath: "docs/name.txt"}}}

	plan := Apply(set, Rename, cat)
	require.Len(t, plan, 1)
	assert.Equal(t, "docs/name (3).txt", plan[0].DestPath)
}

func TestApply_RenameIndependentPerFile(t *testing.T) {
	cat := catalogWith(t, "a.txt", "b.txt")

	set := &ConflictSet{Colliding: []Target{
		{DestPath: "a.txt"},
		{DestPath: "b.txt"},
	}}

	plan := Apply(set, Rename, cat)
	assert.ElementsMatch(t, []string{"a (1).txt", "b (1).txt"}, destPaths(plan))
}

func TestApply_RenameTwoSourcesSameDest(t *testing.T) {
	cat := catalogWith(t, "x.txt")

	set := &ConflictSet{Colliding: []Target{
		{SourcePath: "/one/x.txt", DestPath: "x.txt"},
		{SourcePath: "/two/x.txt", DestPath: "x.txt"},
	}}

	plan := Apply(set, Rename, cat)
	require.Len(t, plan, 2)
	assert.NotEqual(t, plan[0].DestPath, plan[1].DestPath, "both sources must get distinct names")
}

func TestApply_RenameDirectoryDragsDescendants(t *testing.T) {
	cat := catalogWith(t, "dst")

	set := &ConflictSet{
		Colliding: []Target{{DestPath: "dst", Dir: true}},
		Clear: []Target{
			{DestPath: "dst/inner", Dir: true},
			{DestPath: "dst/inner/part.sldprt"},
		},
	}

	plan := Apply(set, Rename, cat)
	assert.ElementsMatch(t,
		[]string{"dst (1)", "dst (1)/inner", "dst (1)/inner/part.sldprt"},
		destPaths(plan))
}

func TestApply_RenameDirSuffixAfterName(t *testing.T) {
	cat := catalogWith(t, "rev.2024")

	set := &ConflictSet{Colliding: []Target{{DestPath: "rev.2024", Dir: true}}}

	plan := Apply(set, Rename, cat)
	require.Len(t, plan, 1)
	assert.Equal(t, "rev.2024 (1)", plan[0].DestPath, "directories take the suffix on the full name")
}
