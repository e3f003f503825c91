package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
	"github.com/bluerobotics/blueplm-sync/internal/models"
)

// Guard decides whether a remote reload may overwrite the in-memory
// record for a path. A reload that raced a local write loses.
type Guard interface {
	RecentlyModified(path string) bool
}

// RecordCache is a read-through cache of remote records keyed by
// vault-relative path. Safe for concurrent use.
type RecordCache struct {
	svc    Service
	guard  Guard
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]models.RemoteRecord
}

func NewRecordCache(svc Service, guard Guard, logger *slog.Logger) *RecordCache {
	return &RecordCache{
		svc:     svc,
		guard:   guard,
		logger:  logger,
		records: make(map[string]models.RemoteRecord),
	}
}

// Get returns the record for path, fetching on a miss. ErrNotFound
// passes through untouched so callers can treat it as "untracked".
func (rc *RecordCache) Get(ctx context.Context, path string) (*models.RemoteRecord, error) {
	rc.mu.RLock()
	rec, ok := rc.records[path]
	rc.mu.RUnlock()

	if ok {
		return &rec, nil
	}

	fetched, err := rc.svc.FetchRecord(ctx, path)
	if err != nil {
		return nil, err
	}

	rc.store(path, *fetched)

	rc.mu.RLock()
	rec = rc.records[path]
	rc.mu.RUnlock()

	return &rec, nil
}

// Refresh replaces the cache from a full record listing. Paths inside
// their recently-modified window keep the local value; the feed or the
// next refresh picks them up once the window closes.
func (rc *RecordCache) Refresh(ctx context.Context) error {
	listed, err := rc.svc.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("refreshing record cache: %w", err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	fresh := make(map[string]models.RemoteRecord, len(listed))
	for _, rec := range listed {
		fresh[rec.Path] = rec
	}

	for path, old := range rc.records {
		if rc.guard.RecentlyModified(path) {
			rc.logger.Debug("keeping locally modified record over reload",
				slog.String("path", path),
			)
			fresh[path] = old
		}
	}

	rc.records = fresh

	return nil
}

// Put installs a record returned by an authoritative call (checkin,
// checkout) directly, bypassing the guard.
func (rc *RecordCache) Put(rec models.RemoteRecord) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.records[rec.Path] = rec
}

// Invalidate drops the cached record so the next Get refetches. Used
// by the change feed.
func (rc *RecordCache) Invalidate(path string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	delete(rc.records, path)
}

// Lookup returns the cached record without fetching.
func (rc *RecordCache) Lookup(path string) (*models.RemoteRecord, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	rec, ok := rc.records[path]
	if !ok {
		return nil, false
	}

	return &rec, true
}

// Snapshot returns a detached copy of the cache contents.
func (rc *RecordCache) Snapshot() map[string]models.RemoteRecord {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make(map[string]models.RemoteRecord, len(rc.records))
	for path, rec := range rc.records {
		out[path] = rec
	}

	return out
}

func (rc *RecordCache) store(path string, rec models.RemoteRecord) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.records[path]; ok && rc.guard.RecentlyModified(path) {
		return
	}

	rc.records[path] = rec
}

// IsNotFound reports whether err is the benign untracked-path case.
func IsNotFound(err error) bool {
	return errors.Is(err, pdmerrors.ErrNotFound)
}
