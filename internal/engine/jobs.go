package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluerobotics/blueplm-sync/internal/batch"
	"github.com/bluerobotics/blueplm-sync/internal/conflict"
	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
	"github.com/bluerobotics/blueplm-sync/internal/status"
	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

// JobHandle tracks one submitted batch. A handle holding a non-empty
// conflict set has not started; the caller resolves it first.
type JobHandle struct {
	id   string
	kind batch.Kind

	progress chan batch.Progress
	done     chan struct{}

	mu        sync.Mutex
	conflicts *conflict.ConflictSet
	summary   batch.Summary

	// moveSources maps absolute source paths back to their vault-relative
	// form for a gated move batch.
	moveSources map[string]string
}

func (h *JobHandle) ID() string { return h.id }

func (h *JobHandle) Kind() batch.Kind { return h.kind }

// Progress streams snapshots while the batch runs; the channel closes
// when the run finishes.
func (h *JobHandle) Progress() <-chan batch.Progress { return h.progress }

// Conflicts returns the detected collisions awaiting a resolution, or
// nil when the job ran (or will run) without gating.
func (h *JobHandle) Conflicts() *conflict.ConflictSet {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.conflicts
}

// Wait blocks until the batch finishes and returns its summary.
func (h *JobHandle) Wait(ctx context.Context) (batch.Summary, error) {
	select {
	case <-ctx.Done():
		return batch.Summary{}, ctx.Err()
	case <-h.done:
		return h.summary, nil
	}
}

func newJobHandle(kind batch.Kind) *JobHandle {
	return &JobHandle{
		id:       uuid.New().String(),
		kind:     kind,
		progress: make(chan batch.Progress, 64),
		done:     make(chan struct{}),
	}
}

// SubmitBatch starts a multi-file operation. Download, delete,
// checkout, and checkin targets name vault paths in DestPath; add
// targets pair an absolute SourcePath outside the catalog with a vault
// DestPath; move targets pair a vault-relative SourcePath with a vault
// DestPath. An add or move batch whose destinations collide with the
// catalog is returned gated: it has not started, Conflicts() is
// non-nil, and ResolveConflicts starts it. Two concurrent batches must
// not touch the same path; the engine does not arbitrate that.
func (e *Engine) SubmitBatch(ctx context.Context, kind batch.Kind, targets []conflict.Target) (*JobHandle, error) {
	h := newJobHandle(kind)

	e.mu.Lock()
	e.jobs[h.id] = h
	e.mu.Unlock()

	var err error

	switch kind {
	case batch.KindDownload:
		e.startDownload(ctx, h, targets)
	case batch.KindDelete:
		e.startDelete(ctx, h, targets)
	case batch.KindAdd:
		err = e.gateAdd(ctx, h, targets)
	case batch.KindMove:
		err = e.gateMove(ctx, h, targets)
	case batch.KindCheckout:
		e.startLockOps(ctx, h, targets, e.RequestCheckout)
	case batch.KindCheckin:
		e.startLockOps(ctx, h, targets, func(ctx context.Context, path string) error {
			return e.RequestCheckin(ctx, path, false)
		})
	default:
		err = fmt.Errorf("unsupported batch kind %q", kind)
	}

	if err != nil {
		e.mu.Lock()
		delete(e.jobs, h.id)
		e.mu.Unlock()

		return nil, err
	}

	return h, nil
}

// Job returns a submitted handle that is still gated or running.
// Finished jobs are evicted; callers hold the handle itself for the
// summary.
func (e *Engine) Job(id string) (*JobHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.jobs[id]
	return h, ok
}

func (e *Engine) startDownload(ctx context.Context, h *JobHandle, targets []conflict.Target) {
	items := make([]batch.Item, 0, len(targets))
	for _, t := range targets {
		rel := vault.NormalizePath(t.DestPath)

		size := int64(0)
		if rec, ok := e.cache.Lookup(rel); ok {
			size = rec.Size
		}

		items = append(items, batch.Item{Path: rel, Bytes: size})
	}

	go func() {
		summary := e.exec.Run(ctx, h.kind, items, e.download, h.progress)
		e.applyDownloadResults(summary)
		e.finishJob(h, summary)
	}()
}

func (e *Engine) startDelete(ctx context.Context, h *JobHandle, targets []conflict.Target) {
	items := make([]batch.Item, 0, len(targets))
	for _, t := range targets {
		rel := vault.NormalizePath(t.DestPath)

		// The catalog reflects the intent immediately; a failed item is
		// healed by the next scan, not rolled back.
		e.recon.OptimisticStatus(rel, status.Deleted)

		items = append(items, batch.Item{Path: rel})
	}

	go func() {
		summary := e.exec.Run(ctx, h.kind, items, e.deleteItem, h.progress)
		e.applyDeleteResults(summary)

		// Failed items drop their override so classification shows the
		// real state again.
		for _, r := range summary.Results {
			if r.Err != nil || r.Skipped {
				e.recon.ClearStatus(r.Path)
			}
		}

		e.finishJob(h, summary)
	}()
}

// gateAdd expands directories, detects collisions, and either starts
// the copy immediately or parks the handle until ResolveConflicts.
func (e *Engine) gateAdd(ctx context.Context, h *JobHandle, targets []conflict.Target) error {
	for i := range targets {
		targets[i].DestPath = vault.NormalizePath(targets[i].DestPath)
	}

	set, err := conflict.Detect(targets, e.catalog, conflict.OSWalk)
	if err != nil {
		return fmt.Errorf("detecting conflicts: %w", err)
	}

	if !set.Empty() {
		h.mu.Lock()
		h.conflicts = set
		h.mu.Unlock()

		e.logger.Info("add batch gated on conflicts",
			slog.String("job", h.id),
			slog.Int("colliding", len(set.Colliding)),
			slog.Int("clear", len(set.Clear)),
		)

		return nil
	}

	e.startAdd(ctx, h, set.Clear, nil)

	return nil
}

// gateMove detects destination collisions for a batch of in-vault
// renames. Sources are vault-relative; they are resolved to absolute
// paths so directory targets expand the same way adds do, and the
// relative form is kept for execution.
func (e *Engine) gateMove(ctx context.Context, h *JobHandle, targets []conflict.Target) error {
	srcRel := make(map[string]string, len(targets))

	for i := range targets {
		from := vault.NormalizePath(targets[i].SourcePath)
		targets[i].DestPath = vault.NormalizePath(targets[i].DestPath)

		abs, err := e.vault.Abs(from)
		if err != nil {
			return err
		}

		srcRel[abs] = from
		targets[i].SourcePath = abs
	}

	set, err := conflict.Detect(targets, e.catalog, conflict.OSWalk)
	if err != nil {
		return fmt.Errorf("detecting conflicts: %w", err)
	}

	if !set.Empty() {
		h.mu.Lock()
		h.conflicts = set
		h.moveSources = srcRel
		h.mu.Unlock()

		e.logger.Info("move batch gated on conflicts",
			slog.String("job", h.id),
			slog.Int("colliding", len(set.Colliding)),
			slog.Int("clear", len(set.Clear)),
		)

		return nil
	}

	e.startMove(ctx, h, set.Clear, nil, srcRel)

	return nil
}

// ResolveConflicts applies one resolution to a gated add or move batch
// and starts it. Skipped collisions still land in the summary so the
// final count accounts for every submitted file.
func (e *Engine) ResolveConflicts(ctx context.Context, h *JobHandle, res conflict.Resolution) error {
	h.mu.Lock()
	set := h.conflicts
	srcRel := h.moveSources
	h.conflicts = nil
	h.moveSources = nil
	h.mu.Unlock()

	if set == nil {
		return fmt.Errorf("job %s has no pending conflicts", h.id)
	}

	plan := conflict.Apply(set, res, e.catalog)

	var skipped []conflict.Target
	if res == conflict.Skip {
		skipped = set.Colliding
	}

	if h.kind == batch.KindMove {
		e.startMove(ctx, h, plan, skipped, srcRel)
		return nil
	}

	e.startAdd(ctx, h, plan, skipped)

	return nil
}

func (e *Engine) startAdd(ctx context.Context, h *JobHandle, plan, skipped []conflict.Target) {
	// Parents before children so MkdirAll and copies land in order.
	sort.SliceStable(plan, func(i, j int) bool {
		return len(plan[i].DestPath) < len(plan[j].DestPath)
	})

	byDest := make(map[string]conflict.Target, len(plan))
	items := make([]batch.Item, 0, len(plan))

	for _, t := range plan {
		byDest[t.DestPath] = t

		size := int64(0)
		if !t.Dir {
			if info, err := os.Stat(t.SourcePath); err == nil {
				size = info.Size()
			}
		}

		items = append(items, batch.Item{Path: t.DestPath, Bytes: size})
	}

	skip := make(map[string]bool, len(skipped))
	for _, t := range skipped {
		skip[t.DestPath] = true
		items = append(items, batch.Item{Path: t.DestPath})
	}

	worker := func(ctx context.Context, item batch.Item) (int64, error) {
		if skip[item.Path] {
			return 0, batch.ErrSkip
		}

		return e.copyIn(byDest[item.Path])
	}

	go func() {
		summary := e.exec.Run(ctx, h.kind, items, worker, h.progress)
		e.applyAddResults(summary, byDest)
		e.finishJob(h, summary)
	}()
}

// startMove executes the submitted top-level targets; one rename
// carries a directory's descendants, so the expanded descendants from
// detection never execute on their own.
func (e *Engine) startMove(ctx context.Context, h *JobHandle, plan, skipped []conflict.Target, srcRel map[string]string) {
	ops := make(map[string]moveOp, len(plan))
	items := make([]batch.Item, 0, len(plan)+len(skipped))
	skip := make(map[string]bool, len(skipped))

	for _, t := range plan {
		from, ok := srcRel[t.SourcePath]
		if !ok {
			continue
		}

		ops[t.DestPath] = moveOp{fromRel: from, toRel: t.DestPath, dir: t.Dir}
		items = append(items, batch.Item{Path: t.DestPath})
	}

	for _, t := range skipped {
		if _, ok := srcRel[t.SourcePath]; !ok {
			continue
		}

		skip[t.DestPath] = true
		items = append(items, batch.Item{Path: t.DestPath})
	}

	worker := func(ctx context.Context, item batch.Item) (int64, error) {
		if skip[item.Path] {
			return 0, batch.ErrSkip
		}

		return e.moveItem(ops[item.Path])
	}

	go func() {
		summary := e.exec.Run(ctx, h.kind, items, worker, h.progress)
		e.applyMoveResults(summary, ops)
		e.finishJob(h, summary)
	}()
}

// startLockOps runs a checkout or checkin per target. Paths with no
// record to lock are skipped rather than failed.
func (e *Engine) startLockOps(ctx context.Context, h *JobHandle, targets []conflict.Target, op func(context.Context, string) error) {
	items := make([]batch.Item, 0, len(targets))
	for _, t := range targets {
		items = append(items, batch.Item{Path: vault.NormalizePath(t.DestPath)})
	}

	worker := func(ctx context.Context, item batch.Item) (int64, error) {
		err := op(ctx, item.Path)
		if errors.Is(err, pdmerrors.ErrNotFound) {
			return 0, batch.ErrSkip
		}

		return 0, err
	}

	go func() {
		summary := e.exec.Run(ctx, h.kind, items, worker, h.progress)
		e.finishJob(h, summary)
	}()
}

// copyIn copies one source file or creates one directory inside the
// vault.
func (e *Engine) copyIn(t conflict.Target) (int64, error) {
	e.recon.ExpectChange(t.DestPath)

	if t.Dir {
		if err := e.vault.MkdirAll(t.DestPath); err != nil {
			return 0, localError(err)
		}

		return 0, nil
	}

	data, err := os.ReadFile(t.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, batch.ErrSkip
		}

		return 0, localError(err)
	}

	mtime := time.Now()
	if info, err := os.Stat(t.SourcePath); err == nil {
		mtime = info.ModTime()
	}

	if err := e.vault.WriteFile(t.DestPath, data, mtime); err != nil {
		return 0, localError(err)
	}

	return int64(len(data)), nil
}

func (e *Engine) finishJob(h *JobHandle, summary batch.Summary) {
	h.mu.Lock()
	h.summary = summary
	h.mu.Unlock()

	close(h.done)

	// The registry only tracks live jobs; the caller keeps the handle.
	e.mu.Lock()
	delete(e.jobs, h.id)
	e.mu.Unlock()

	e.logger.Info("batch finished",
		slog.String("job", h.id),
		slog.String("summary", summary.Message()),
	)
}
