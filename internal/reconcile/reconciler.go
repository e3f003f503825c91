// Package reconcile owns the optimistic in-memory overlay between the
// vault catalog and the remote record cache: expected-change windows
// that keep the watcher from re-reporting our own writes, a
// recently-modified guard against stale server reloads, staged pending
// metadata, and optimistic status updates for in-flight operations.
package reconcile

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/bluerobotics/blueplm-sync/internal/models"
	"github.com/bluerobotics/blueplm-sync/internal/status"
)

const (
	// DefaultExpectTTL bounds how long a self-inflicted filesystem
	// change suppresses watcher events for its path.
	DefaultExpectTTL = 5 * time.Second

	// DefaultModifiedWindow bounds how long a local metadata write
	// shields the path from a concurrent remote reload.
	DefaultModifiedWindow = 3 * time.Second
)

// PendingStore persists staged metadata edits across restarts.
type PendingStore interface {
	GetPending(path string) (*models.PendingMetadata, error)
	SetPending(path string, pm models.PendingMetadata) error
	DeletePending(path string) error
}

// CatalogMutator is the slice of the catalog the reconciler mutates.
type CatalogMutator interface {
	Remove(relPath string)
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	pending PendingStore
	catalog CatalogMutator
	logger  *slog.Logger

	expectTTL      time.Duration
	modifiedWindow time.Duration
	now            func() time.Time

	mu        sync.Mutex
	expected  map[string]time.Time
	modified  map[string]time.Time
	overrides map[string]status.Status
}

func New(pending PendingStore, catalog CatalogMutator, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		pending:        pending,
		catalog:        catalog,
		logger:         logger,
		expectTTL:      DefaultExpectTTL,
		modifiedWindow: DefaultModifiedWindow,
		now:            time.Now,
		expected:       make(map[string]time.Time),
		modified:       make(map[string]time.Time),
		overrides:      make(map[string]status.Status),
	}
}

// ExpectChange registers path so the next watcher events for it are
// suppressed until the TTL runs out or Clear is called.
func (r *Reconciler) ExpectChange(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expected[path] = r.now().Add(r.expectTTL)
}

// IsExpected reports whether a change at path was caused by us. A
// single write can fan out into several watcher events, so the entry
// stays live for its whole TTL rather than being consumed.
func (r *Reconciler) IsExpected(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline, ok := r.expected[path]
	if !ok {
		return false
	}

	if r.now().After(deadline) {
		delete(r.expected, path)
		return false
	}

	return true
}

// Clear drops the suppression window for path early.
func (r *Reconciler) Clear(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.expected, path)
}

// MarkModified opens the stale-overwrite window for path.
func (r *Reconciler) MarkModified(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.modified[path] = r.now().Add(r.modifiedWindow)
}

// RecentlyModified reports whether a remote reload for path must be
// rejected because a local write landed inside the window.
func (r *Reconciler) RecentlyModified(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline, ok := r.modified[path]
	if !ok {
		return false
	}

	if r.now().After(deadline) {
		delete(r.modified, path)
		return false
	}

	return true
}

// StagePending merges edits into the stored pending metadata for path
// and returns the merged value. Keys present in edits win; everything
// else staged earlier survives. The merge goes key by key, so staging
// a part number and then a description leaves both in place whichever
// order they arrive in.
func (r *Reconciler) StagePending(path string, edits models.PendingMetadata) (models.PendingMetadata, error) {
	existing, err := r.pending.GetPending(path)
	if err != nil {
		return models.PendingMetadata{}, fmt.Errorf("loading pending metadata: %w", err)
	}

	merged := edits
	if existing != nil {
		if err := mergo.Merge(&merged, *existing); err != nil {
			return models.PendingMetadata{}, fmt.Errorf("merging pending metadata: %w", err)
		}
	}

	if err := r.pending.SetPending(path, merged); err != nil {
		return models.PendingMetadata{}, fmt.Errorf("storing pending metadata: %w", err)
	}

	r.MarkModified(path)
	r.logger.Debug("pending metadata staged", slog.String("path", path))

	return merged, nil
}

// GetPending returns the staged metadata for path, nil when none.
func (r *Reconciler) GetPending(path string) (*models.PendingMetadata, error) {
	return r.pending.GetPending(path)
}

// DeletePending drops staged metadata without publishing it.
func (r *Reconciler) DeletePending(path string) error {
	return r.pending.DeletePending(path)
}

// PublishPending clears staged metadata after a successful checkin has
// carried it to the remote record. It also drops any optimistic status
// for the path since the next classification reflects the real state.
func (r *Reconciler) PublishPending(path string) error {
	if err := r.pending.DeletePending(path); err != nil {
		return fmt.Errorf("clearing pending metadata: %w", err)
	}

	r.ClearStatus(path)
	r.logger.Debug("pending metadata published", slog.String("path", path))

	return nil
}

// OptimisticRemove drops path from the catalog before the backing
// operation settles. The removal is registered as an expected change
// so the watcher does not re-report it. There is no rollback on
// failure; the next scan restores the truth.
func (r *Reconciler) OptimisticRemove(path string) {
	r.ExpectChange(path)
	r.catalog.Remove(path)
	r.logger.Debug("optimistic remove", slog.String("path", path))
}

// OptimisticStatus pins a status for path until cleared.
func (r *Reconciler) OptimisticStatus(path string, st status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides[path] = st
}

// StatusOverride reports the pinned status for path, if any.
func (r *Reconciler) StatusOverride(path string) (status.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.overrides[path]
	return st, ok
}

// ClearStatus unpins path.
func (r *Reconciler) ClearStatus(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.overrides, path)
}
