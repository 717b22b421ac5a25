// Package layout locates and creates the on-disk shape of a repository:
// the .silt metadata directory next to a work tree, or a bare store
// whose directory is the metadata directory itself.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// MetaDirName is the metadata directory created next to a work tree.
const MetaDirName = ".silt"

// Layout describes one discovered or freshly created repository.
type Layout struct {
	root string
	meta string
	bare bool
}

// Discover walks upward from start to the filesystem root. At each
// level it looks for a .silt directory, then for the bare signature: a
// directory itself holding objects/, refs/, and HEAD.
func Discover(start string) (*Layout, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("discover: abs path: %w", err)
	}

	cur := abs
	for {
		meta := filepath.Join(cur, MetaDirName)
		if info, err := os.Stat(meta); err == nil && info.IsDir() {
			return &Layout{root: cur, meta: meta}, nil
		}
		if isBareStore(cur) {
			return &Layout{root: cur, meta: cur, bare: true}, nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("discover: not a repository (or any parent up to /): %s", abs)
		}
		cur = parent
	}
}

func isBareStore(dir string) bool {
	for _, sub := range []string{"objects", "refs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	info, err := os.Stat(filepath.Join(dir, "HEAD"))
	return err == nil && info.Mode().IsRegular()
}

// Init creates the repository skeleton at path and returns its layout.
// It refuses to initialize over an existing repository.
func Init(path string, bare bool) (*Layout, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("init: abs path: %w", err)
	}

	meta := abs
	if !bare {
		meta = filepath.Join(abs, MetaDirName)
	}
	if _, err := os.Stat(filepath.Join(meta, "HEAD")); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", meta)
	}
	if !bare {
		if _, err := os.Stat(meta); err == nil {
			return nil, fmt.Errorf("init: repository already exists at %s", meta)
		}
	}

	dirs := []string{
		filepath.Join(meta, "objects", "pack"),
		filepath.Join(meta, "refs", "heads"),
		filepath.Join(meta, "refs", "tags"),
		filepath.Join(meta, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}

	headPath := filepath.Join(meta, "HEAD")
	if err := os.WriteFile(headPath, []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		return nil, fmt.Errorf("init: write HEAD: %w", err)
	}

	return &Layout{root: abs, meta: meta, bare: bare}, nil
}

// Root returns the work tree root, or the store directory when bare.
func (l *Layout) Root() string { return l.root }

// MetaDir returns the metadata directory holding HEAD, refs, objects,
// and config.
func (l *Layout) MetaDir() string { return l.meta }

// ObjectsDir returns the loose object fan-out root.
func (l *Layout) ObjectsDir() string { return filepath.Join(l.meta, "objects") }

// PacksDir returns the pack directory under objects.
func (l *Layout) PacksDir() string { return filepath.Join(l.meta, "objects", "pack") }

// ConfigPath returns the repository-level config file location.
func (l *Layout) ConfigPath() string { return filepath.Join(l.meta, "config.toml") }

// WorkTree returns the work tree root. Bare stores have none.
func (l *Layout) WorkTree() (string, error) {
	if l.bare {
		return "", fmt.Errorf("bare repository %s has no work tree", l.meta)
	}
	return l.root, nil
}

func (l *Layout) IsBare() bool { return l.bare }
