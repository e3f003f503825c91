// Package engine wires the vault catalog, the sidecar store, the
// remote record cache, and the lock coordinator into the surface the
// presentation layer talks to: per-path status, checkout/checkin, and
// concurrency-bounded batch operations with conflict gating.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bluerobotics/blueplm-sync/internal/batch"
	"github.com/bluerobotics/blueplm-sync/internal/cad"
	"github.com/bluerobotics/blueplm-sync/internal/conflict"
	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
	"github.com/bluerobotics/blueplm-sync/internal/lockcoord"
	"github.com/bluerobotics/blueplm-sync/internal/models"
	"github.com/bluerobotics/blueplm-sync/internal/reconcile"
	"github.com/bluerobotics/blueplm-sync/internal/remote"
	"github.com/bluerobotics/blueplm-sync/internal/state"
	"github.com/bluerobotics/blueplm-sync/internal/status"
	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

// Deps carries everything the engine composes.
type Deps struct {
	Vault      *vault.Vault
	Policy     *vault.Policy
	Catalog    *vault.Catalog
	Store      *state.Store
	Service    remote.Service
	Cache      *remote.RecordCache
	Reconciler *reconcile.Reconciler
	Locks      *lockcoord.Coordinator
	Executor   *batch.Executor
	Logger     *slog.Logger
	UserID     string
	MachineID  string

	// CAD is optional; without it property edits only stage metadata.
	CAD *cad.Client
}

// Engine is the single owner of catalog and lock mutations. Batch
// workers do I/O only; their results are applied here after the run.
type Engine struct {
	vault   *vault.Vault
	policy  *vault.Policy
	catalog *vault.Catalog
	store   *state.Store
	svc     remote.Service
	cache   *remote.RecordCache
	recon   *reconcile.Reconciler
	locks   *lockcoord.Coordinator
	exec    *batch.Executor
	cad     *cad.Client
	logger  *slog.Logger

	userID    string
	machineID string

	mu   sync.Mutex
	jobs map[string]*JobHandle
}

func New(d Deps) *Engine {
	return &Engine{
		vault:     d.Vault,
		policy:    d.Policy,
		catalog:   d.Catalog,
		store:     d.Store,
		svc:       d.Service,
		cache:     d.Cache,
		recon:     d.Reconciler,
		locks:     d.Locks,
		exec:      d.Executor,
		cad:       d.CAD,
		logger:    d.Logger,
		userID:    d.UserID,
		machineID: d.MachineID,
		jobs:      make(map[string]*JobHandle),
	}
}

// Refresh rebuilds the catalog from a full scan and reloads the record
// cache. Record paths that were already cached get their first-seen
// marker; paths arriving in this refresh stay unseen until the next
// one so they classify as cloud_new exactly once.
func (e *Engine) Refresh(ctx context.Context) error {
	prev := e.cache.Snapshot()

	if err := e.cache.Refresh(ctx); err != nil {
		return err
	}

	scan, err := vault.Scan(e.vault, e.policy, e.catalog.Snapshot(), e.logger)
	if err != nil {
		return fmt.Errorf("scanning vault: %w", err)
	}

	e.catalog.MergeScan(scan)

	for path, rec := range e.cache.Snapshot() {
		e.locks.Observe(&rec)

		if _, ok := prev[path]; !ok {
			continue
		}

		if err := e.store.MarkSeen(path); err != nil {
			e.logger.Warn("marking record seen",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Info("refreshed",
		slog.Int("entries", e.catalog.Len()),
		slog.Int("records", len(e.cache.Snapshot())),
	)

	return nil
}

// Status classifies one path from the current in-memory facts. An
// optimistic override from an in-flight operation wins over
// classification.
func (e *Engine) Status(path string) status.Status {
	rel := vault.NormalizePath(path)

	if st, ok := e.recon.StatusOverride(rel); ok {
		return st
	}

	in := status.Input{
		Entry:   e.catalog.Get(rel),
		Ignored: e.policy.Ignored(rel),
	}

	if rec, ok := e.cache.Lookup(rel); ok {
		in.Record = rec
	}

	if sync, err := e.store.GetSync(rel); err == nil && sync != nil {
		in.CachedHash = sync.Hash
		in.HasCached = true

		// The last local write predating the last sync means any hash
		// divergence came from the server side.
		if in.Entry != nil {
			in.EditPrecedesServer = in.Entry.MTime <= sync.SyncTime
		}
	}

	if seen, err := e.store.Seen(rel); err == nil {
		in.FirstSeen = seen
	}

	return status.Classify(in)
}

// Entries returns a detached snapshot of the catalog.
func (e *Engine) Entries() map[string]vault.FileEntry {
	return e.catalog.Snapshot()
}

// LockState reports the checkout state for the record at path.
func (e *Engine) LockState(path string) lockcoord.State {
	rec, ok := e.cache.Lookup(vault.NormalizePath(path))
	if !ok {
		return lockcoord.Unlocked
	}

	return e.locks.StateOf(rec.ID)
}

// RequestCheckout takes the exclusive edit lock for the record at path.
func (e *Engine) RequestCheckout(ctx context.Context, path string) error {
	rel := vault.NormalizePath(path)

	rec, err := e.cache.Get(ctx, rel)
	if err != nil {
		return fmt.Errorf("checkout %s: %w", rel, err)
	}

	if err := e.locks.Checkout(ctx, rec.ID); err != nil {
		return err
	}

	updated := *rec
	updated.CheckedOutBy = e.userID
	updated.CheckedOutByMachine = e.machineID
	e.cache.Put(updated)

	return nil
}

// RequestCheckin publishes the local content and staged metadata for
// path and releases the lock. A path with no remote record yet is
// registered first; that is how an added file gets its version 1.
func (e *Engine) RequestCheckin(ctx context.Context, path string, force bool) error {
	rel := vault.NormalizePath(path)

	entry := e.catalog.Get(rel)
	if entry == nil || entry.Dir {
		return fmt.Errorf("checkin %s: %w", rel, pdmerrors.ErrNotFound)
	}

	rec, err := e.cache.Get(ctx, rel)
	if remote.IsNotFound(err) {
		return e.firstCheckin(ctx, rel, entry)
	}
	if err != nil {
		return fmt.Errorf("checkin %s: %w", rel, err)
	}

	newRec, err := e.locks.Checkin(ctx, rec.ID, rel, entry.Hash, lockcoord.CheckinOptions{Force: force})
	if err != nil {
		return err
	}

	e.cache.Put(*newRec)
	e.recon.ClearStatus(rel)
	e.recon.MarkModified(rel)
	e.finishSync(rel, entry.Hash, newRec.Version)

	return nil
}

func (e *Engine) firstCheckin(ctx context.Context, rel string, entry *vault.FileEntry) error {
	meta, err := e.recon.GetPending(rel)
	if err != nil {
		return fmt.Errorf("reading staged metadata for %s: %w", rel, err)
	}

	rec, err := e.svc.CreateRecord(ctx, rel, entry.Hash, entry.Size, meta)
	if err != nil {
		return fmt.Errorf("registering %s: %w", rel, err)
	}

	e.cache.Put(*rec)
	e.recon.MarkModified(rel)

	if meta != nil {
		if err := e.recon.PublishPending(rel); err != nil {
			e.logger.Warn("clearing staged metadata after first checkin",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
		}
	}

	e.finishSync(rel, entry.Hash, rec.Version)

	e.logger.Info("registered new file",
		slog.String("path", rel),
		slog.String("file_id", rec.ID),
	)

	return nil
}

// ForceRelease is the administrative unlock for the record at path.
func (e *Engine) ForceRelease(ctx context.Context, path, adminUserID string, privileged bool) error {
	rel := vault.NormalizePath(path)

	rec, err := e.cache.Get(ctx, rel)
	if err != nil {
		return fmt.Errorf("force release %s: %w", rel, err)
	}

	if err := e.locks.ForceRelease(ctx, rec.ID, adminUserID, privileged); err != nil {
		return err
	}

	e.cache.Invalidate(rel)

	return nil
}

// StagePending merges metadata edits for path into the staged overlay.
func (e *Engine) StagePending(path string, edits models.PendingMetadata) (models.PendingMetadata, error) {
	return e.recon.StagePending(vault.NormalizePath(path), edits)
}

// ApplyProperties writes edited custom properties into the CAD file
// through the integration service and stages the same values as
// pending metadata so the next checkin publishes them. The CAD tool
// rewrites the file on disk, so the change is registered with the
// watcher suppression first.
func (e *Engine) ApplyProperties(ctx context.Context, path, config string, props cad.Properties) error {
	if e.cad == nil {
		return fmt.Errorf("cad integration service not configured")
	}

	rel := vault.NormalizePath(path)

	abs, err := e.vault.Abs(rel)
	if err != nil {
		return err
	}

	e.recon.ExpectChange(rel)

	if err := e.cad.SetProperties(ctx, abs, config, props); err != nil {
		e.recon.Clear(rel)
		return err
	}

	edits := models.PendingMetadata{
		Tabs: map[string]map[string]string{config: props},
	}

	if _, err := e.recon.StagePending(rel, edits); err != nil {
		return err
	}

	return nil
}

// HandleRemoteChange is the change-feed hook: the cached record is
// dropped so the next read refetches it.
func (e *Engine) HandleRemoteChange(path string) {
	e.cache.Invalidate(vault.NormalizePath(path))
}

// finishSync records hash and version as the new last-synced baseline.
func (e *Engine) finishSync(rel, hash string, version int64) {
	err := e.store.SetSync(state.SyncRecord{
		Path:     rel,
		Hash:     hash,
		Version:  version,
		SyncTime: time.Now().UnixMilli(),
	})
	if err != nil {
		e.logger.Warn("recording sync baseline",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
	}

	if err := e.store.MarkSeen(rel); err != nil {
		e.logger.Warn("marking record seen",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
	}
}

// localError classifies filesystem failures that are fatal for one
// item only.
func localError(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", pdmerrors.ErrPermission, err)
	}

	return err
}

// download fetches one record's content into the vault.
func (e *Engine) download(ctx context.Context, item batch.Item) (int64, error) {
	rec, ok := e.cache.Lookup(item.Path)
	if !ok {
		fetched, err := e.svc.FetchRecord(ctx, item.Path)
		if remote.IsNotFound(err) {
			return 0, batch.ErrSkip
		}
		if err != nil {
			return 0, err
		}

		rec = fetched
	}

	var buf bytes.Buffer
	n, err := e.svc.Download(ctx, rec.ID, &buf)
	if remote.IsNotFound(err) {
		return 0, batch.ErrSkip
	}
	if err != nil {
		return n, err
	}

	e.recon.ExpectChange(item.Path)

	if err := e.vault.WriteFile(item.Path, buf.Bytes(), time.Now()); err != nil {
		return n, localError(err)
	}

	return n, nil
}

// deleteItem soft-deletes the record and removes the local bytes. A
// record that vanished remotely is a benign race.
func (e *Engine) deleteItem(ctx context.Context, item batch.Item) (int64, error) {
	if rec, ok := e.cache.Lookup(item.Path); ok && !rec.Deleted {
		err := e.svc.SoftDelete(ctx, rec.ID)
		if err != nil && !remote.IsNotFound(err) {
			return 0, err
		}
	}

	e.recon.ExpectChange(item.Path)

	if err := e.vault.DeleteFile(item.Path); err != nil && !os.IsNotExist(err) {
		return 0, localError(err)
	}

	return 0, nil
}

// moveOp is one in-vault rename, expressed in vault-relative paths.
type moveOp struct {
	fromRel string
	toRel   string
	dir     bool
}

// moveItem renames within the vault. Both ends are registered as
// expected changes so the watcher's remove and create events are
// suppressed.
func (e *Engine) moveItem(op moveOp) (int64, error) {
	e.recon.ExpectChange(op.fromRel)
	e.recon.ExpectChange(op.toRel)

	if err := e.vault.Rename(op.fromRel, op.toRel); err != nil {
		if os.IsNotExist(err) {
			return 0, batch.ErrSkip
		}

		return 0, localError(err)
	}

	return 0, nil
}

// applyMoveResults remaps catalog entries, sync baselines, and staged
// metadata from the old paths to the new ones. A directory rename drags
// everything tracked under it.
func (e *Engine) applyMoveResults(summary batch.Summary, ops map[string]moveOp) {
	for _, r := range summary.Results {
		if r.Err != nil || r.Skipped {
			continue
		}

		op := ops[r.Path]
		if !op.dir {
			e.remapTracked(op.fromRel, op.toRel)
			continue
		}

		for path := range e.catalog.Snapshot() {
			if path == op.fromRel || strings.HasPrefix(path, op.fromRel+"/") {
				e.remapTracked(path, op.toRel+path[len(op.fromRel):])
			}
		}
	}
}

// remapTracked moves one path's tracked state to its new name.
func (e *Engine) remapTracked(from, to string) {
	if entry := e.catalog.Get(from); entry != nil {
		moved := *entry
		moved.RelPath = to

		if abs, err := e.vault.Abs(to); err == nil {
			moved.AbsPath = abs
		}

		e.catalog.Remove(from)
		e.catalog.Put(moved)
	}

	if rec, err := e.store.GetSync(from); err == nil && rec != nil {
		rec.Path = to

		if err := e.store.SetSync(*rec); err == nil {
			if err := e.store.DeleteSync(from); err != nil {
				e.logger.Warn("dropping moved sync baseline",
					slog.String("path", from),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if pm, err := e.store.GetPending(from); err == nil && pm != nil {
		if err := e.store.SetPending(to, *pm); err == nil {
			if err := e.store.DeletePending(from); err != nil {
				e.logger.Warn("dropping moved staged metadata",
					slog.String("path", from),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	e.recon.ClearStatus(from)
}

// applyDownloadResults flips the succeeded items to synced without
// waiting for a rescan.
func (e *Engine) applyDownloadResults(summary batch.Summary) {
	for _, r := range summary.Results {
		if r.Err != nil || r.Skipped {
			continue
		}

		rec, ok := e.cache.Lookup(r.Path)
		if !ok {
			continue
		}

		abs, err := e.vault.Abs(r.Path)
		if err != nil {
			continue
		}

		info, err := e.vault.Stat(r.Path)
		if err != nil {
			continue
		}

		e.catalog.Put(vault.FileEntry{
			AbsPath: abs,
			RelPath: r.Path,
			Hash:    rec.Hash,
			Size:    info.Size(),
			MTime:   info.ModTime().UnixMilli(),
		})

		e.finishSync(r.Path, rec.Hash, rec.Version)
	}
}

func (e *Engine) applyDeleteResults(summary batch.Summary) {
	for _, r := range summary.Results {
		if r.Err != nil || r.Skipped {
			continue
		}

		e.catalog.Remove(r.Path)
		e.cache.Invalidate(r.Path)
		e.recon.ClearStatus(r.Path)

		if err := e.store.DeleteSync(r.Path); err != nil {
			e.logger.Warn("dropping sync baseline",
				slog.String("path", r.Path),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) applyAddResults(summary batch.Summary, targets map[string]conflict.Target) {
	for _, r := range summary.Results {
		if r.Err != nil || r.Skipped {
			continue
		}

		t := targets[r.Path]
		if t.Dir {
			continue
		}

		abs, err := e.vault.Abs(r.Path)
		if err != nil {
			continue
		}

		info, err := e.vault.Stat(r.Path)
		if err != nil {
			continue
		}

		hash, err := vault.HashFile(abs)
		if err != nil {
			e.logger.Warn("fingerprinting added file",
				slog.String("path", r.Path),
				slog.String("error", err.Error()),
			)

			continue
		}

		e.catalog.Put(vault.FileEntry{
			AbsPath: abs,
			RelPath: r.Path,
			Hash:    hash,
			Size:    info.Size(),
			MTime:   info.ModTime().UnixMilli(),
		})
	}
}
