package vault

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempVault(t *testing.T) *Vault {
	t.Helper()

	v, err := New(t.TempDir())
	require.NoError(t, err)

	return v
}

func TestNew_EmptyDirRejected(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNew_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	_, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteReadRoundTrip(t *testing.T) {
	v := tempVault(t)

	content := []byte("solid body data")
	require.NoError(t, v.WriteFile("parts/bracket.sldprt", content, time.Time{}))

	got, err := v.ReadFile("parts/bracket.sldprt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteFile_SetsMtime(t *testing.T) {
	v := tempVault(t)

	mtime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, v.WriteFile("a.txt", []byte("x"), mtime))

	info, err := v.Stat("a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "mtime should be preserved, got %v", info.ModTime())
}

func TestWriteFile_ClampsMtime(t *testing.T) {
	v := tempVault(t)

	require.NoError(t, v.WriteFile("a.txt", []byte("x"), time.Date(1971, 1, 1, 0, 0, 0, 0, time.UTC)))

	info, err := v.Stat("a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtimeMin))
}

func TestCopyFile(t *testing.T) {
	v := tempVault(t)

	require.NoError(t, v.WriteFile("src.step", []byte("geometry"), time.Time{}))
	require.NoError(t, v.CopyFile("src.step", "sub/dst.step"))

	got, err := v.ReadFile("sub/dst.step")
	require.NoError(t, err)
	assert.Equal(t, []byte("geometry"), got)
}

func TestRename_MovesIntoNewDir(t *testing.T) {
	v := tempVault(t)

	require.NoError(t, v.WriteFile("old/name.sldprt", []byte("x"), time.Time{}))
	require.NoError(t, v.Rename("old/name.sldprt", "new/deep/name.sldprt"))

	_, err := v.Stat("old/name.sldprt")
	assert.True(t, os.IsNotExist(err))

	_, err = v.Stat("new/deep/name.sldprt")
	assert.NoError(t, err)
}

func TestDeleteFile_MissingIsNil(t *testing.T) {
	v := tempVault(t)
	assert.NoError(t, v.DeleteFile("not-there.txt"))
}

func TestDeleteEmptyDir(t *testing.T) {
	v := tempVault(t)

	require.NoError(t, v.MkdirAll("empty"))
	assert.NoError(t, v.DeleteEmptyDir("empty"))

	require.NoError(t, v.WriteFile("full/file.txt", []byte("x"), time.Time{}))
	assert.Error(t, v.DeleteEmptyDir("full"))
}

func TestResolve_TraversalBlocked(t *testing.T) {
	v := tempVault(t)

	for _, p := range []string{
		"../escape.txt",
		"sub/../../escape.txt",
		"sub\\..\\..\\escape.txt",
		"bad\x00byte",
		"",
	} {
		_, err := v.ReadFile(p)
		assert.Error(t, err, "path %q should be rejected", p)
	}
}

func TestWalk_IncludesEmptyDirs(t *testing.T) {
	v := tempVault(t)

	require.NoError(t, v.WriteFile("assy/parts/a.sldprt", []byte("a"), time.Time{}))
	require.NoError(t, v.MkdirAll("assy/drawings"))

	var got []string
	err := v.Walk("assy", func(relPath string, isDir bool) error {
		got = append(got, relPath)
		return nil
	})
	require.NoError(t, err)

	sort.Strings(got)
	assert.Equal(t, []string{"assy/drawings", "assy/parts", "assy/parts/a.sldprt"}, got)
}

func TestRel_OutsideVaultRejected(t *testing.T) {
	v := tempVault(t)

	_, err := v.Rel(filepath.Join(v.Dir(), "..", "outside.txt"))
	require.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/b/c.sldprt", "a/b/c.sldprt"},
		{"a\\b\\c.sldprt", "a/b/c.sldprt"},
		{"/a//b/", "a/b"},
		{"a b.txt", "a b.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}
