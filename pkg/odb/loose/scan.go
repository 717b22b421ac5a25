package loose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/siltvcs/silt/pkg/odb"
)

func isFanoutDir(name string) bool {
	return isHexComponent(name, 2)
}

func isHexComponent(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// scan walks the fan-out layout and returns every digest on disk.
func (db *DB) scan() (map[odb.Digest]struct{}, error) {
	out := make(map[odb.Digest]struct{})
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("loose scan: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !isFanoutDir(e.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(db.root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("loose scan %s: %w", e.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !isHexComponent(f.Name(), odb.HexDigestLen-2) {
				continue
			}
			d, err := odb.ParseDigest(e.Name() + f.Name())
			if err != nil {
				continue
			}
			out[d] = struct{}{}
		}
	}
	return out, nil
}

// ensureIndex scans on first use. Later scans happen through Refresh.
func (db *DB) ensureIndex() error {
	db.mu.RLock()
	ok := db.indexed
	db.mu.RUnlock()
	if ok {
		return nil
	}

	scanned, err := db.scan()
	if err != nil {
		return err
	}
	db.mu.Lock()
	if !db.indexed {
		db.index = scanned
		db.indexed = true
		db.dirty.Store(false)
		db.watchFanoutDirs()
	}
	db.mu.Unlock()
	return nil
}

func (db *DB) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := db.ensureIndex(); err != nil {
		return 0, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int64(len(db.index)), nil
}

func (db *DB) Digests(ctx context.Context) (odb.DigestIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := db.ensureIndex(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	ds := make([]odb.Digest, 0, len(db.index))
	for d := range db.index {
		ds = append(ds, d)
	}
	db.mu.RUnlock()
	sort.Slice(ds, func(i, j int) bool { return ds[i].String() < ds[j].String() })
	return odb.NewDigestSliceIterator(ds), nil
}

// ResolvePrefix reads the implicated fan-out directories directly so the
// answer reflects the disk even when the index is stale.
func (db *DB) ResolvePrefix(ctx context.Context, p odb.Prefix) (odb.Digest, error) {
	if err := ctx.Err(); err != nil {
		return odb.ZeroDigest, err
	}
	if d, ok := p.Complete(); ok {
		found, err := db.Has(ctx, d)
		if err != nil {
			return odb.ZeroDigest, err
		}
		if !found {
			return odb.ZeroDigest, &odb.BadObjectError{Ref: p.Hex()}
		}
		return d, nil
	}

	dirs, err := db.fanoutDirsFor(p)
	if err != nil {
		return odb.ZeroDigest, err
	}
	var candidates []odb.Digest
	for _, dir := range dirs {
		files, err := os.ReadDir(filepath.Join(db.root, dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return odb.ZeroDigest, fmt.Errorf("loose resolve %s: %w", p, err)
		}
		for _, f := range files {
			if f.IsDir() || !isHexComponent(f.Name(), odb.HexDigestLen-2) {
				continue
			}
			full := dir + f.Name()
			if !strings.HasPrefix(full, p.Hex()) {
				continue
			}
			d, err := odb.ParseDigest(full)
			if err != nil {
				continue
			}
			candidates = append(candidates, d)
		}
	}

	switch len(candidates) {
	case 0:
		return odb.ZeroDigest, &odb.BadObjectError{Ref: p.Hex()}
	case 1:
		return candidates[0], nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})
	return odb.ZeroDigest, &odb.AmbiguousDigestError{Prefix: p.Hex(), Candidates: candidates}
}

// fanoutDirsFor narrows the directories a prefix can live in: one for
// prefixes of two or more characters, up to sixteen for single-character
// prefixes.
func (db *DB) fanoutDirsFor(p odb.Prefix) ([]string, error) {
	if p.Len() >= 2 {
		return []string{p.Hex()[:2]}, nil
	}
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("loose resolve %s: %w", p, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && isFanoutDir(e.Name()) && e.Name()[0] == p.Hex()[0] {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// Refresh reconciles the digest index with the directory tree. Without
// force it trusts the watcher: an unchanged, already indexed store is
// skipped. It reports whether the index actually changed, which stays
// false for objects this handle stored itself.
func (db *DB) Refresh(ctx context.Context, force bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !force && db.watcher != nil && !db.dirty.Load() {
		db.mu.RLock()
		ok := db.indexed
		db.mu.RUnlock()
		if ok {
			return false, nil
		}
	}

	// Clear before scanning so changes landing mid-scan re-mark it.
	db.dirty.Store(false)
	scanned, err := db.scan()
	if err != nil {
		db.dirty.Store(true)
		return false, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	changed := len(scanned) != len(db.index)
	if !changed {
		for d := range scanned {
			if _, ok := db.index[d]; !ok {
				changed = true
				break
			}
		}
	}
	db.index = scanned
	db.indexed = true
	db.watchFanoutDirs()
	if changed {
		db.log.WithField("objects", len(scanned)).Debug("loose index rebuilt")
	}
	return changed, nil
}

// watchFanoutDirs registers every fan-out directory with the watcher.
// Adding a watch twice is harmless. Callers hold db.mu.
func (db *DB) watchFanoutDirs() {
	if db.watcher == nil {
		return
	}
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && isFanoutDir(e.Name()) {
			if err := db.watcher.Add(filepath.Join(db.root, e.Name())); err != nil {
				db.log.WithError(err).Debug("watch fan-out dir")
			}
		}
	}
}
