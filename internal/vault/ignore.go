package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SidecarDir is the vault subdirectory holding engine-owned files (the
// state database and the ignore policy). It is never tracked.
const SidecarDir = ".blueplm"

// Policy decides which vault paths are excluded from tracking. The
// defaults cover editor droppings and the lock files CAD tools scatter
// next to open documents; a vault-local YAML file extends them.
type Policy struct {
	// Names are exact base names to ignore, case-insensitive.
	Names []string `yaml:"names"`

	// Extensions are file extensions to ignore, with or without the
	// leading dot, case-insensitive.
	Extensions []string `yaml:"extensions"`

	// Prefixes are base-name prefixes to ignore, e.g. "~$" for the
	// temporary lock files SolidWorks and Office create.
	Prefixes []string `yaml:"prefixes"`
}

// DefaultPolicy returns the built-in ignore rules.
func DefaultPolicy() *Policy {
	return &Policy{
		Names:      []string{SidecarDir, ".git", "node_modules", "thumbs.db", ".ds_store"},
		Extensions: []string{".swp", ".tmp", ".bak", ".lck"},
		Prefixes:   []string{"~$", "."},
	}
}

// LoadPolicy reads <vault>/.blueplm/ignore.yaml and appends its rules to
// the defaults. A missing file yields the defaults alone.
func LoadPolicy(vaultDir string) (*Policy, error) {
	p := DefaultPolicy()

	data, err := os.ReadFile(filepath.Join(vaultDir, SidecarDir, "ignore.yaml")) //nolint:gosec // G304: path is config-derived
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}

		return nil, fmt.Errorf("reading ignore policy: %w", err)
	}

	var extra Policy
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parsing ignore policy: %w", err)
	}

	p.Names = append(p.Names, extra.Names...)
	p.Extensions = append(p.Extensions, extra.Extensions...)
	p.Prefixes = append(p.Prefixes, extra.Prefixes...)

	return p, nil
}

// Ignored reports whether any segment of the given vault-relative path
// matches the policy. A directory matching the policy excludes its whole
// subtree.
func (p *Policy) Ignored(relPath string) bool {
	relPath = NormalizePath(relPath)
	if relPath == "" {
		return false
	}

	for _, seg := range strings.Split(relPath, "/") {
		if p.segmentIgnored(seg) {
			return true
		}
	}

	return false
}

func (p *Policy) segmentIgnored(seg string) bool {
	lower := strings.ToLower(seg)

	for _, name := range p.Names {
		if lower == strings.ToLower(name) {
			return true
		}
	}

	for _, ext := range p.Extensions {
		e := strings.ToLower(ext)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}

		if strings.HasSuffix(lower, e) {
			return true
		}
	}

	for _, prefix := range p.Prefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}

	return false
}
