package conf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio"
)

// Writer mutates one config level. It holds the level's lockfile for
// its whole lifetime; Set and Unset work on an in-memory tree and
// Close publishes the result atomically before releasing the lock.
type Writer struct {
	path     string
	lockPath string
	lock     *os.File
	tree     map[string]any
	done     bool
}

// Writer opens the given level for mutation. Merged cannot be written.
// A second writer on the same level fails immediately instead of
// queueing, matching interactive expectations.
func (c *Config) Writer(level Level) (*Writer, error) {
	if level == Merged {
		return nil, fmt.Errorf("config: merged view is read-only")
	}
	path, err := c.Path(level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("config: mkdir: %w", err)
	}

	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("config: %s is locked by another process", path)
		}
		return nil, fmt.Errorf("config: lock: %w", err)
	}

	tree, err := loadFile(path)
	if err != nil {
		lock.Close()
		os.Remove(lockPath)
		return nil, err
	}
	return &Writer{path: path, lockPath: lockPath, lock: lock, tree: tree}, nil
}

// Set stores a value at a dotted key, creating tables along the way.
func (w *Writer) Set(key string, value any) error {
	path, err := splitKey(key)
	if err != nil {
		return err
	}
	cur := w.tree
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if _, exists := cur[seg]; exists {
				return fmt.Errorf("config key %q crosses a non-table value", key)
			}
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
	return nil
}

// Unset removes a key and prunes tables it leaves empty. Unsetting an
// absent key is not an error.
func (w *Writer) Unset(key string) error {
	path, err := splitKey(key)
	if err != nil {
		return err
	}
	prune(w.tree, path)
	return nil
}

func prune(tree map[string]any, path []string) {
	if len(path) == 1 {
		delete(tree, path[0])
		return
	}
	sub, ok := tree[path[0]].(map[string]any)
	if !ok {
		return
	}
	prune(sub, path[1:])
	if len(sub) == 0 {
		delete(tree, path[0])
	}
}

// Get reads back from the in-memory tree, including unsaved changes.
func (w *Writer) Get(key string) (string, bool) {
	return (&View{tree: w.tree}).Get(key)
}

// Close publishes the tree atomically and releases the lock. The file
// on disk never holds a partially written config.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.unlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(w.tree); err != nil {
		return fmt.Errorf("config encode: %w", err)
	}
	if err := renameio.WriteFile(w.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config write %s: %w", w.path, err)
	}
	return nil
}

// Discard releases the lock without persisting anything.
func (w *Writer) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.unlock()
}

func (w *Writer) unlock() {
	if w.lock != nil {
		_ = w.lock.Close()
		w.lock = nil
	}
	_ = os.Remove(w.lockPath)
}

// ParseValue interprets a command-line value the way the config file
// would: booleans and integers become typed, everything else stays a
// string.
func ParseValue(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}
