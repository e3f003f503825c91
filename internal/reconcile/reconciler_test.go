package reconcile

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluerobotics/blueplm-sync/internal/models"
	"github.com/bluerobotics/blueplm-sync/internal/state"
	"github.com/bluerobotics/blueplm-sync/internal/status"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCatalog struct {
	removed []string
}

func (f *fakeCatalog) Remove(relPath string) {
	f.removed = append(f.removed, relPath)
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeCatalog) {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat := &fakeCatalog{}
	return New(store, cat, testLogger), cat
}

func TestExpectChange_SuppressesUntilTTL(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	now := time.Now()
	r.now = func() time.Time { return now }

	assert.False(t, r.IsExpected("parts/bracket.sldprt"))

	r.ExpectChange("parts/bracket.sldprt")
	assert.True(t, r.IsExpected("parts/bracket.sldprt"))

	// A write fans out into several watcher events; the window holds.
	assert.True(t, r.IsExpected("parts/bracket.sldprt"))

	now = now.Add(DefaultExpectTTL + time.Millisecond)
	assert.False(t, r.IsExpected("parts/bracket.sldprt"))
}

func TestClear_DropsWindowEarly(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	r.ExpectChange("asm/top.sldasm")
	require.True(t, r.IsExpected("asm/top.sldasm"))

	r.Clear("asm/top.sldasm")
	assert.False(t, r.IsExpected("asm/top.sldasm"))
}

func TestRecentlyModified_Window(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	now := time.Now()
	r.now = func() time.Time { return now }

	assert.False(t, r.RecentlyModified("parts/pin.sldprt"))

	r.MarkModified("parts/pin.sldprt")
	assert.True(t, r.RecentlyModified("parts/pin.sldprt"))

	now = now.Add(DefaultModifiedWindow + time.Millisecond)
	assert.False(t, r.RecentlyModified("parts/pin.sldprt"))
}

func TestStagePending_MergesByKey(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	_, err := r.StagePending("parts/pin.sldprt", models.PendingMetadata{PartNumber: "BR-1001"})
	require.NoError(t, err)

	merged, err := r.StagePending("parts/pin.sldprt", models.PendingMetadata{Description: "Dowel pin"})
	require.NoError(t, err)

	assert.Equal(t, "BR-1001", merged.PartNumber)
	assert.Equal(t, "Dowel pin", merged.Description)

	stored, err := r.GetPending("parts/pin.sldprt")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "BR-1001", stored.PartNumber)
	assert.Equal(t, "Dowel pin", stored.Description)

	assert.True(t, r.RecentlyModified("parts/pin.sldprt"))
}

func TestStagePending_OrderIndependentAcrossKeys(t *testing.T) {
	t.Parallel()

	a := models.PendingMetadata{PartNumber: "BR-2001"}
	b := models.PendingMetadata{Description: "Thruster housing"}

	r1, _ := newTestReconciler(t)
	_, err := r1.StagePending("p", a)
	require.NoError(t, err)
	_, err = r1.StagePending("p", b)
	require.NoError(t, err)

	r2, _ := newTestReconciler(t)
	_, err = r2.StagePending("p", b)
	require.NoError(t, err)
	_, err = r2.StagePending("p", a)
	require.NoError(t, err)

	got1, err := r1.GetPending("p")
	require.NoError(t, err)
	got2, err := r2.GetPending("p")
	require.NoError(t, err)

	assert.Equal(t, got1, got2)
}

func TestStagePending_LaterEditWins(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	_, err := r.StagePending("p", models.PendingMetadata{Revision: "A"})
	require.NoError(t, err)

	merged, err := r.StagePending("p", models.PendingMetadata{Revision: "B"})
	require.NoError(t, err)

	assert.Equal(t, "B", merged.Revision)
}

func TestStagePending_TabMapsMergeNotReplace(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	_, err := r.StagePending("p", models.PendingMetadata{
		Tabs: map[string]map[string]string{
			"Default": {"Material": "AL6061"},
		},
	})
	require.NoError(t, err)

	merged, err := r.StagePending("p", models.PendingMetadata{
		Tabs: map[string]map[string]string{
			"Default": {"Finish": "Anodized"},
			"Config2": {"Material": "SS316"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "AL6061", merged.Tabs["Default"]["Material"])
	assert.Equal(t, "Anodized", merged.Tabs["Default"]["Finish"])
	assert.Equal(t, "SS316", merged.Tabs["Config2"]["Material"])
}

func TestPublishPending_ClearsStagedAndOverride(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	_, err := r.StagePending("p", models.PendingMetadata{PartNumber: "BR-3001"})
	require.NoError(t, err)
	r.OptimisticStatus("p", status.Synced)

	require.NoError(t, r.PublishPending("p"))

	stored, err := r.GetPending("p")
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, ok := r.StatusOverride("p")
	assert.False(t, ok)
}

func TestOptimisticRemove(t *testing.T) {
	t.Parallel()

	r, cat := newTestReconciler(t)

	r.OptimisticRemove("old/retired.sldprt")

	assert.Equal(t, []string{"old/retired.sldprt"}, cat.removed)
	assert.True(t, r.IsExpected("old/retired.sldprt"))
}

func TestOptimisticStatus_PinAndClear(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(t)

	_, ok := r.StatusOverride("p")
	require.False(t, ok)

	r.OptimisticStatus("p", status.Deleted)
	st, ok := r.StatusOverride("p")
	require.True(t, ok)
	assert.Equal(t, status.Deleted, st)

	r.ClearStatus("p")
	_, ok = r.StatusOverride("p")
	assert.False(t, ok)
}
