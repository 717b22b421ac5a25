package packfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hnlq715/golang-lru"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/singleflight"

	"github.com/siltvcs/silt/pkg/logging"
	"github.com/siltvcs/silt/pkg/odb"
)

// indexCacheSize bounds how many parsed pack indexes stay in memory.
const indexCacheSize = 32

const (
	tmpSpoolPrefix = ".tmp-spool-"
	tmpPackPrefix  = ".tmp-pack-"
)

// DB is a pack-backed object database over one directory of
// pack-<checksum>.pack files with their .idx siblings. Reads go through
// parsed indexes held in an LRU cache; a digest lookup touches only the
// pack entry it needs. Writes always create a whole new pack, so a
// batch is visible either completely or not at all. Safe for concurrent
// use.
type DB struct {
	dir string
	log logging.Logger

	mu     sync.RWMutex
	idxs   []string
	finger string

	cache *lru.Cache
	group singleflight.Group
}

// New opens (or begins) a pack store at dir.
func New(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pack store at %s: %w", dir, err)
	}
	db := &DB{
		dir: dir,
		log: logging.Default().WithFields(logging.Fields{"component": "packfile", "dir": dir}),
	}
	cache, err := lru.NewWithEvict(indexCacheSize, func(key, _ interface{}) {
		db.log.WithField("index", key).Debug("pack index evicted")
	})
	if err != nil {
		return nil, fmt.Errorf("pack index cache: %w", err)
	}
	db.cache = cache
	if _, err := db.rescan(); err != nil {
		return nil, err
	}
	return db, nil
}

// rescan relists the pack directory and reports whether the set of packs
// changed. Indexes of packs that disappeared are dropped from the cache.
func (db *DB) rescan() (bool, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return false, fmt.Errorf("read pack dir %s: %w", db.dir, err)
	}

	idxs := make([]string, 0, len(entries))
	var finger strings.Builder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".idx") || strings.HasPrefix(name, ".") {
			continue
		}
		idxPath := filepath.Join(db.dir, name)
		if _, err := os.Stat(packPathFor(idxPath)); err != nil {
			db.log.WithField("index", name).Warn("pack index without pack file, skipping")
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return false, fmt.Errorf("stat pack index %s: %w", name, err)
		}
		fmt.Fprintf(&finger, "%s\x00%d\x00%d\n", name, info.Size(), info.ModTime().UnixNano())
		idxs = append(idxs, idxPath)
	}
	sort.Strings(idxs)

	db.mu.Lock()
	defer db.mu.Unlock()
	if finger.String() == db.finger {
		return false, nil
	}
	keep := make(map[string]struct{}, len(idxs))
	for _, p := range idxs {
		keep[p] = struct{}{}
	}
	for _, p := range db.idxs {
		if _, ok := keep[p]; !ok {
			db.cache.Remove(p)
		}
	}
	db.idxs = idxs
	db.finger = finger.String()
	return true, nil
}

// Refresh relists the pack directory. The listing is a single ReadDir,
// so force gets no shortcut to skip.
func (db *DB) Refresh(ctx context.Context, force bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return db.rescan()
}

func (db *DB) indexPaths() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, len(db.idxs))
	copy(out, db.idxs)
	return out
}

// index returns the parsed index for idxPath, loading it at most once
// even under concurrent lookups.
func (db *DB) index(idxPath string) (*Index, error) {
	if v, ok := db.cache.Get(idxPath); ok {
		return v.(*Index), nil
	}
	v, err, _ := db.group.Do(idxPath, func() (interface{}, error) {
		if v, ok := db.cache.Get(idxPath); ok {
			return v, nil
		}
		data, err := os.ReadFile(idxPath)
		if err != nil {
			return nil, fmt.Errorf("read pack index %s: %w", filepath.Base(idxPath), err)
		}
		ix, err := ReadIndex(data)
		if err != nil {
			return nil, fmt.Errorf("parse pack index %s: %w", filepath.Base(idxPath), err)
		}
		if err := checkPackTrailer(packPathFor(idxPath), ix.PackChecksum); err != nil {
			return nil, err
		}
		db.cache.Add(idxPath, ix)
		return ix, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// checkPackTrailer cross-checks the pack file trailer against the
// checksum its index recorded, catching mismatched pack/idx pairs at
// load time rather than at entry decode.
func checkPackTrailer(packPath string, want odb.Digest) error {
	f, err := os.Open(packPath)
	if err != nil {
		return fmt.Errorf("open pack %s: %w", filepath.Base(packPath), err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat pack %s: %w", filepath.Base(packPath), err)
	}
	if st.Size() < headerSize+trailerSize {
		return fmt.Errorf("pack %s too short: %d bytes", filepath.Base(packPath), st.Size())
	}
	var got odb.Digest
	if _, err := f.ReadAt(got[:], st.Size()-trailerSize); err != nil {
		return fmt.Errorf("read pack trailer %s: %w", filepath.Base(packPath), err)
	}
	if got != want {
		return fmt.Errorf("pack %s: checksum mismatch between idx (%s) and pack (%s)",
			filepath.Base(packPath), want, got)
	}
	return nil
}

type packLocation struct {
	idxPath string
	entry   IndexEntry
}

func (db *DB) find(d odb.Digest) (packLocation, bool, error) {
	for _, idxPath := range db.indexPaths() {
		ix, err := db.index(idxPath)
		if err != nil {
			return packLocation{}, false, err
		}
		if entry, ok := ix.Find(d); ok {
			return packLocation{idxPath: idxPath, entry: entry}, true, nil
		}
	}
	return packLocation{}, false, nil
}

func (db *DB) Has(ctx context.Context, d odb.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok, err := db.find(d)
	return ok, err
}

func (db *DB) Info(ctx context.Context, d odb.Digest) (odb.Info, error) {
	if err := ctx.Err(); err != nil {
		return odb.Info{}, err
	}
	loc, ok, err := db.find(d)
	if err != nil {
		return odb.Info{}, err
	}
	if !ok {
		return odb.Info{}, &odb.BadObjectError{Ref: d.String()}
	}
	typ, size, err := db.readEntryHeader(loc)
	if err != nil {
		return odb.Info{}, err
	}
	return odb.Info{Digest: d, Type: typ, Size: size}, nil
}

// readEntryHeader decodes the type and size of one entry without
// touching its compressed payload.
func (db *DB) readEntryHeader(loc packLocation) (odb.Type, int64, error) {
	packPath := packPathFor(loc.idxPath)
	f, err := os.Open(packPath)
	if err != nil {
		return "", 0, fmt.Errorf("open pack %s: %w", filepath.Base(packPath), err)
	}
	defer f.Close()

	var buf [16]byte
	n, err := f.ReadAt(buf[:], int64(loc.entry.Offset))
	if err != nil && err != io.EOF {
		return "", 0, fmt.Errorf("read pack %s at %d: %w", filepath.Base(packPath), loc.entry.Offset, err)
	}
	k, size, _, err := decodeEntryHeader(buf[:n])
	if err != nil {
		return "", 0, fmt.Errorf("pack %s at %d: %w", filepath.Base(packPath), loc.entry.Offset, err)
	}
	typ, ok := typeOf(k)
	if !ok {
		return "", 0, fmt.Errorf("pack %s at %d: unsupported entry kind %d", filepath.Base(packPath), loc.entry.Offset, k)
	}
	return typ, int64(size), nil
}

func (db *DB) Stream(ctx context.Context, d odb.Digest) (*odb.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, ok, err := db.find(d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &odb.BadObjectError{Ref: d.String()}
	}
	return db.openEntry(d, loc)
}

func (db *DB) openEntry(d odb.Digest, loc packLocation) (*odb.Object, error) {
	packPath := packPathFor(loc.idxPath)
	f, err := os.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", filepath.Base(packPath), err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat pack %s: %w", filepath.Base(packPath), err)
	}

	br := bufio.NewReader(io.NewSectionReader(f, int64(loc.entry.Offset), st.Size()-int64(loc.entry.Offset)))
	k, size, err := decodeEntryHeaderFrom(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pack %s at %d: %w", filepath.Base(packPath), loc.entry.Offset, err)
	}
	typ, ok := typeOf(k)
	if !ok {
		f.Close()
		return nil, fmt.Errorf("pack %s at %d: unsupported entry kind %d", filepath.Base(packPath), loc.entry.Offset, k)
	}
	zr, err := zlib.NewReader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pack %s at %d: decompress: %w", filepath.Base(packPath), loc.entry.Offset, err)
	}

	info := odb.Info{Digest: d, Type: typ, Size: int64(size)}
	return odb.NewObject(info, &entryStream{r: io.LimitReader(zr, int64(size)), zr: zr, f: f}), nil
}

type entryStream struct {
	r  io.Reader
	zr io.ReadCloser
	f  *os.File
}

func (s *entryStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *entryStream) Close() error {
	err := s.zr.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// all walks every index and returns the distinct digests, since an
// object may sit in more than one pack.
func (db *DB) all() ([]odb.Digest, error) {
	seen := make(map[odb.Digest]struct{})
	for _, idxPath := range db.indexPaths() {
		ix, err := db.index(idxPath)
		if err != nil {
			return nil, err
		}
		ix.Each(func(entry IndexEntry) {
			seen[entry.Digest] = struct{}{}
		})
	}
	out := make([]odb.Digest, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out, nil
}

func (db *DB) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ds, err := db.all()
	if err != nil {
		return 0, err
	}
	return int64(len(ds)), nil
}

func (db *DB) Digests(ctx context.Context) (odb.DigestIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds, err := db.all()
	if err != nil {
		return nil, err
	}
	return odb.NewDigestSliceIterator(ds), nil
}

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

	seen := make(map[odb.Digest]struct{})
	for _, idxPath := range db.indexPaths() {
		ix, err := db.index(idxPath)
		if err != nil {
			return odb.ZeroDigest, err
		}
		ix.Scan(p, func(entry IndexEntry) {
			seen[entry.Digest] = struct{}{}
		})
	}
	switch len(seen) {
	case 0:
		return odb.ZeroDigest, &odb.BadObjectError{Ref: p.Hex()}
	case 1:
		for d := range seen {
			return d, nil
		}
	}
	candidates := make([]odb.Digest, 0, len(seen))
	for d := range seen {
		candidates = append(candidates, d)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return bytes.Compare(candidates[i][:], candidates[j][:]) < 0
	})
	return odb.ZeroDigest, &odb.AmbiguousDigestError{Prefix: p.Hex(), Candidates: candidates}
}

// SetSink rejects any sink: a pack batch is not durable until its final
// rename, so there is no point at which stored bytes could be copied out
// without promising objects that may still roll back.
func (db *DB) SetSink(w io.Writer) (io.Writer, error) {
	if w != nil {
		return nil, &odb.CapabilityError{Capability: "object sink"}
	}
	return nil, nil
}

func packPathFor(idxPath string) string {
	return strings.TrimSuffix(idxPath, ".idx") + ".pack"
}
