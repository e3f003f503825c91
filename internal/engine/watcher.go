package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

const (
	// watcherDebounceInterval is how often the watcher flushes pending
	// events; CAD tools write large files in bursts of partial writes.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettleWindow is how long a path must stay quiet before its
	// pending event is applied.
	watcherSettleWindow = 300 * time.Millisecond
)

// Suppressor tells the watcher which changes the engine caused itself.
type Suppressor interface {
	IsExpected(path string) bool
}

// Watcher keeps the catalog current with the vault directory. Events
// are debounced per path and self-inflicted changes are dropped before
// they reach the catalog.
type Watcher struct {
	vault    *vault.Vault
	policy   *vault.Policy
	catalog  *vault.Catalog
	suppress Suppressor
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	// onChange, when set, is told about every applied catalog change.
	onChange func(relPath string)
}

func NewWatcher(v *vault.Vault, policy *vault.Policy, catalog *vault.Catalog, suppress Suppressor, logger *slog.Logger) *Watcher {
	return &Watcher{
		vault:    v,
		policy:   policy,
		catalog:  catalog,
		suppress: suppress,
		logger:   logger,
	}
}

// OnChange registers the callback invoked after each applied change.
func (w *Watcher) OnChange(fn func(relPath string)) {
	w.onChange = fn
}

// Watch blocks until the context is cancelled. Directories are watched
// recursively, including ones created while running.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.vault.Dir()); err != nil {
		return fmt.Errorf("watching vault: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.vault.Dir()))

	// Debounce: batch rapid writes into a single catalog update per
	// path.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			rel, skip := w.relFor(event.Name)
			if skip {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				// A new directory is watched immediately so files
				// created inside it are not missed. Lstat so symlinks
				// out of the vault are never followed.
				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
						_ = w.addRecursive(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Rename fires Remove on the old path; the new path
				// fires its own Create.
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
				w.applyDelete(rel)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for absPath, t := range pending {
				if now.Sub(t) < watcherSettleWindow {
					continue
				}

				delete(pending, absPath)

				if rel, skip := w.relFor(absPath); !skip {
					w.applyWrite(rel)
				}
			}
		}
	}
}

// relFor maps an event path to its vault-relative form and decides
// whether the event is dropped outright.
func (w *Watcher) relFor(absPath string) (string, bool) {
	rel, err := w.vault.Rel(absPath)
	if err != nil {
		return "", true
	}

	if w.policy.Ignored(rel) {
		return "", true
	}

	return rel, false
}

func (w *Watcher) applyWrite(rel string) {
	if w.suppress.IsExpected(rel) {
		w.logger.Debug("suppressed own change", slog.String("path", rel))
		return
	}

	info, err := w.vault.Stat(rel)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between the event and the flush.
			w.applyDelete(rel)
		}

		return
	}

	// Directories carry no content; only their children matter.
	if info.IsDir() {
		return
	}

	abs, err := w.vault.Abs(rel)
	if err != nil {
		return
	}

	hash, err := vault.HashFile(abs)
	if err != nil {
		w.logger.Warn("fingerprinting changed file",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return
	}

	w.catalog.Put(vault.FileEntry{
		AbsPath: abs,
		RelPath: rel,
		Hash:    hash,
		Size:    info.Size(),
		MTime:   info.ModTime().UnixMilli(),
	})

	w.notify(rel)
}

func (w *Watcher) applyDelete(rel string) {
	if w.suppress.IsExpected(rel) {
		w.logger.Debug("suppressed own delete", slog.String("path", rel))
		return
	}

	if !w.catalog.Has(rel) {
		return
	}

	w.catalog.Remove(rel)
	w.notify(rel)
}

func (w *Watcher) notify(rel string) {
	if w.onChange != nil {
		w.onChange(rel)
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.vault.Dir() {
			if _, skip := w.relFor(path); skip {
				return filepath.SkipDir
			}
		}

		// Symlinked directories could point outside the vault.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// Watch runs the catalog watcher with the engine's own suppression
// registry.
func (e *Engine) Watch(ctx context.Context) error {
	w := NewWatcher(e.vault, e.policy, e.catalog, e.recon, e.logger)
	return w.Watch(ctx)
}
