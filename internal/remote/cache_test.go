package remote

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
	"github.com/bluerobotics/blueplm-sync/internal/models"
)

type fakeService struct {
	Service

	fetchCalls int
	records    map[string]models.RemoteRecord
}

func (f *fakeService) FetchRecord(ctx context.Context, path string) (*models.RemoteRecord, error) {
	f.fetchCalls++

	rec, ok := f.records[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pdmerrors.ErrNotFound, path)
	}

	return &rec, nil
}

func (f *fakeService) ListRecords(ctx context.Context) ([]models.RemoteRecord, error) {
	out := make([]models.RemoteRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}

	return out, nil
}

type fakeGuard struct {
	modified map[string]bool
}

func (g *fakeGuard) RecentlyModified(path string) bool {
	return g.modified[path]
}

func newTestCache(records map[string]models.RemoteRecord) (*RecordCache, *fakeService, *fakeGuard) {
	svc := &fakeService{records: records}
	guard := &fakeGuard{modified: make(map[string]bool)}

	return NewRecordCache(svc, guard, testLogger), svc, guard
}

func TestGet_ReadThrough(t *testing.T) {
	t.Parallel()

	cache, svc, _ := newTestCache(map[string]models.RemoteRecord{
		"a.sldprt": {ID: "f-1", Path: "a.sldprt", Version: 2},
	})

	rec, err := cache.Get(context.Background(), "a.sldprt")
	require.NoError(t, err)
	assert.Equal(t, "f-1", rec.ID)
	assert.Equal(t, 1, svc.fetchCalls)

	// Second read is served from the cache.
	_, err = cache.Get(context.Background(), "a.sldprt")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.fetchCalls)
}

func TestGet_NotFoundPassesThrough(t *testing.T) {
	t.Parallel()

	cache, _, _ := newTestCache(nil)

	_, err := cache.Get(context.Background(), "ghost.sldprt")

	require.Error(t, err)
	assert.ErrorIs(t, err, pdmerrors.ErrNotFound)
}

func TestRefresh_ReplacesContents(t *testing.T) {
	t.Parallel()

	cache, svc, _ := newTestCache(map[string]models.RemoteRecord{
		"a.sldprt": {ID: "f-1", Path: "a.sldprt", Version: 1},
	})

	require.NoError(t, cache.Refresh(context.Background()))

	svc.records["a.sldprt"] = models.RemoteRecord{ID: "f-1", Path: "a.sldprt", Version: 2}
	require.NoError(t, cache.Refresh(context.Background()))

	rec, ok := cache.Lookup("a.sldprt")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
}

func TestRefresh_GuardKeepsLocalValue(t *testing.T) {
	t.Parallel()

	cache, svc, guard := newTestCache(map[string]models.RemoteRecord{
		"a.sldprt": {ID: "f-1", Path: "a.sldprt", Description: "stale server copy"},
	})

	// A local metadata write updated the cached record directly.
	cache.Put(models.RemoteRecord{ID: "f-1", Path: "a.sldprt", Description: "fresh local edit"})
	guard.modified["a.sldprt"] = true

	require.NoError(t, cache.Refresh(context.Background()))

	rec, ok := cache.Lookup("a.sldprt")
	require.True(t, ok)
	assert.Equal(t, "fresh local edit", rec.Description)

	// Window closed: the next refresh may take the server value again.
	guard.modified["a.sldprt"] = false
	svc.records["a.sldprt"] = models.RemoteRecord{ID: "f-1", Path: "a.sldprt", Description: "settled"}
	require.NoError(t, cache.Refresh(context.Background()))

	rec, ok = cache.Lookup("a.sldprt")
	require.True(t, ok)
	assert.Equal(t, "settled", rec.Description)
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	t.Parallel()

	cache, svc, _ := newTestCache(map[string]models.RemoteRecord{
		"a.sldprt": {ID: "f-1", Path: "a.sldprt", Version: 1},
	})

	_, err := cache.Get(context.Background(), "a.sldprt")
	require.NoError(t, err)

	svc.records["a.sldprt"] = models.RemoteRecord{ID: "f-1", Path: "a.sldprt", Version: 2}
	cache.Invalidate("a.sldprt")

	rec, err := cache.Get(context.Background(), "a.sldprt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, 2, svc.fetchCalls)
}

func TestSnapshot_Detached(t *testing.T) {
	t.Parallel()

	cache, _, _ := newTestCache(nil)
	cache.Put(models.RemoteRecord{ID: "f-1", Path: "a.sldprt"})

	snap := cache.Snapshot()
	snap["a.sldprt"] = models.RemoteRecord{ID: "mutated"}

	rec, ok := cache.Lookup("a.sldprt")
	require.True(t, ok)
	assert.Equal(t, "f-1", rec.ID)
}
