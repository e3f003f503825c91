package vault

import "sync"

// FileEntry is the local filesystem fact for one vault-relative path.
// Entries are rebuilt by each scan but merged into the catalog in place so
// entry identity survives rescans.
type FileEntry struct {
	AbsPath string `json:"abs_path"`
	RelPath string `json:"rel_path"`
	Dir     bool   `json:"dir"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	MTime   int64  `json:"mtime"` // unix milliseconds
}

// Catalog is the in-memory index of local filesystem entries keyed by
// normalized vault-relative path. Mutation is driven by the engine (scans,
// watcher events, optimistic updates); the presentation layer only reads.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*FileEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*FileEntry)}
}

// Get returns the entry for a path, or nil if the path is not cataloged.
func (c *Catalog) Get(relPath string) *FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.entries[NormalizePath(relPath)]
}

// Has reports whether an entry exists at the given path.
func (c *Catalog) Has(relPath string) bool {
	return c.Get(relPath) != nil
}

// Put inserts or updates an entry. An existing entry is updated in place
// so references held elsewhere stay valid.
func (c *Catalog) Put(entry FileEntry) {
	entry.RelPath = NormalizePath(entry.RelPath)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[entry.RelPath]; ok {
		*existing = entry
		return
	}

	e := entry
	c.entries[entry.RelPath] = &e
}

// Remove drops the entry for a path. Removing an absent path is a no-op.
func (c *Catalog) Remove(relPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, NormalizePath(relPath))
}

// Len returns the number of cataloged entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Paths returns all cataloged paths. Order is unspecified.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}

	return paths
}

// Snapshot returns a copy of all entries keyed by path. The copies are
// detached from the catalog, safe to hand to batch workers.
func (c *Catalog) Snapshot() map[string]FileEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]FileEntry, len(c.entries))
	for p, e := range c.entries {
		out[p] = *e
	}

	return out
}

// MergeScan reconciles the catalog with a fresh scan. Entries present in
// the scan are updated in place (or inserted); cataloged entries missing
// from the scan are removed. Existing entry structs are mutated rather
// than replaced so identity survives the rescan.
func (c *Catalog) MergeScan(scan map[string]FileEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, entry := range scan {
		if existing, ok := c.entries[path]; ok {
			*existing = entry
			continue
		}

		e := entry
		c.entries[path] = &e
	}

	for path := range c.entries {
		if _, ok := scan[path]; !ok {
			delete(c.entries, path)
		}
	}
}
