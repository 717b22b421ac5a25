// Package loose stores each object as one zlib-compressed file under a
// two-character fan-out directory layout: <root>/ab/cdef0123... The file
// holds a "<type> <size>\x00" envelope followed by the content.
package loose

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/zlib"

	"github.com/siltvcs/silt/pkg/logging"
	"github.com/siltvcs/silt/pkg/odb"
)

// DB is a loose-object database rooted at one directory. Fan-out
// directories are created lazily on first write. Safe for concurrent use.
type DB struct {
	root string
	log  logging.Logger

	mu      sync.RWMutex
	index   map[odb.Digest]struct{}
	indexed bool
	sink    io.Writer

	watcher *fsnotify.Watcher
	dirty   atomic.Bool
	done    chan struct{}
}

// New opens (or begins) a loose store at root. A filesystem watcher keeps
// cheap refreshes cheap; when the watcher cannot start, every
// non-forced refresh falls back to a full rescan.
func New(root string) (*DB, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("loose store at %s: %w", root, err)
	}
	db := &DB{
		root:  root,
		log:   logging.Default().WithFields(logging.Fields{"component": "loose", "root": root}),
		index: make(map[odb.Digest]struct{}),
		done:  make(chan struct{}),
	}
	db.dirty.Store(true)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		db.log.WithError(err).Warn("filesystem watcher unavailable, refreshes will rescan")
		return db, nil
	}
	if err := w.Add(root); err != nil {
		w.Close()
		db.log.WithError(err).Warn("cannot watch store root, refreshes will rescan")
		return db, nil
	}
	db.watcher = w
	go db.watch()
	return db, nil
}

// Close stops the filesystem watcher.
func (db *DB) Close() error {
	if db.watcher == nil {
		return nil
	}
	err := db.watcher.Close()
	<-db.done
	return err
}

func (db *DB) watch() {
	defer close(db.done)
	for {
		select {
		case ev, ok := <-db.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, tmpPrefix) {
				continue
			}
			db.dirty.Store(true)
			// New fan-out directories need their own watch; fsnotify
			// does not recurse.
			if ev.Op&fsnotify.Create != 0 && isFanoutDir(name) {
				if err := db.watcher.Add(ev.Name); err != nil {
					db.log.WithError(err).Debug("watch new fan-out dir")
				}
			}
		case err, ok := <-db.watcher.Errors:
			if !ok {
				return
			}
			db.dirty.Store(true)
			db.log.WithError(err).Debug("watcher error")
		}
	}
}

const tmpPrefix = ".tmp-obj-"

func (db *DB) objectPath(d odb.Digest) string {
	hex := d.String()
	return filepath.Join(db.root, hex[:2], hex[2:])
}

func (db *DB) Has(ctx context.Context, d odb.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(db.objectPath(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("loose has %s: %w", d.Short(), err)
}

func (db *DB) Info(ctx context.Context, d odb.Digest) (odb.Info, error) {
	if err := ctx.Err(); err != nil {
		return odb.Info{}, err
	}
	f, br, typ, size, err := db.open(d)
	if err != nil {
		return odb.Info{}, err
	}
	br.Close()
	f.Close()
	return odb.Info{Digest: d, Type: typ, Size: size}, nil
}

func (db *DB) Stream(ctx context.Context, d odb.Digest) (*odb.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, body, typ, size, err := db.open(d)
	if err != nil {
		return nil, err
	}
	info := odb.Info{Digest: d, Type: typ, Size: size}
	return odb.NewObject(info, &objectStream{r: io.LimitReader(body, size), body: body, f: f}), nil
}

// open opens an object file and parses its envelope, leaving the reader
// positioned at the first content byte.
func (db *DB) open(d odb.Digest) (*os.File, io.ReadCloser, odb.Type, int64, error) {
	f, err := os.Open(db.objectPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", 0, &odb.BadObjectError{Ref: d.String()}
		}
		return nil, nil, "", 0, fmt.Errorf("loose open %s: %w", d.Short(), err)
	}
	zr, err := zlib.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, "", 0, fmt.Errorf("loose open %s: decompress: %w", d.Short(), err)
	}
	br := bufio.NewReader(zr)
	header, err := br.ReadBytes(0)
	if err != nil {
		zr.Close()
		f.Close()
		return nil, nil, "", 0, fmt.Errorf("loose open %s: envelope: %w", d.Short(), err)
	}
	typ, size, err := parseEnvelope(header[:len(header)-1])
	if err != nil {
		zr.Close()
		f.Close()
		return nil, nil, "", 0, fmt.Errorf("loose open %s: %w", d.Short(), err)
	}
	return f, &headerTail{br: br, zr: zr}, typ, size, nil
}

func parseEnvelope(header []byte) (odb.Type, int64, error) {
	typStr, sizeStr, ok := strings.Cut(string(header), " ")
	if !ok {
		return "", 0, fmt.Errorf("malformed envelope %q", header)
	}
	typ, err := odb.ParseType(typStr)
	if err != nil {
		return "", 0, err
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return "", 0, fmt.Errorf("malformed envelope size %q", sizeStr)
	}
	return typ, size, nil
}

// headerTail reads the decompressed bytes following the envelope.
type headerTail struct {
	br *bufio.Reader
	zr io.ReadCloser
}

func (h *headerTail) Read(p []byte) (int, error) { return h.br.Read(p) }
func (h *headerTail) Close() error               { return h.zr.Close() }

type objectStream struct {
	r    io.Reader
	body io.ReadCloser
	f    *os.File
}

func (s *objectStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *objectStream) Close() error {
	err := s.body.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Store persists one object: the content streams once through the
// compressor, the digest hasher, and the installed sink. The file is
// written to a temp name and renamed into its fan-out slot, so a
// half-written object is never visible. Storing content that is already
// present rewrites nothing.
func (db *DB) Store(ctx context.Context, ps *odb.PutStream) (odb.Digest, error) {
	if err := ctx.Err(); err != nil {
		return odb.ZeroDigest, err
	}
	if !ps.Type.Valid() {
		return odb.ZeroDigest, fmt.Errorf("loose store: unknown object type %q", ps.Type)
	}
	if ps.Size < 0 {
		return odb.ZeroDigest, fmt.Errorf("loose store: negative size %d", ps.Size)
	}

	db.mu.RLock()
	sink := db.sink
	db.mu.RUnlock()

	tmp, err := os.CreateTemp(db.root, tmpPrefix+"*")
	if err != nil {
		return odb.ZeroDigest, fmt.Errorf("loose store tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (odb.Digest, error) {
		tmp.Close()
		os.Remove(tmpName)
		return odb.ZeroDigest, err
	}

	zw := zlib.NewWriter(tmp)
	hasher := odb.NewHasher(ps.Type, ps.Size)

	envelope := fmt.Sprintf("%s %d\x00", ps.Type, ps.Size)
	persist := io.Writer(zw)
	if sink != nil {
		persist = io.MultiWriter(zw, sink)
	}
	if _, err := io.WriteString(persist, envelope); err != nil {
		return fail(fmt.Errorf("loose store envelope: %w", err))
	}
	n, err := io.Copy(io.MultiWriter(persist, hasher), ps.R)
	if err != nil {
		return fail(fmt.Errorf("loose store content: %w", err))
	}
	if n != ps.Size {
		return fail(fmt.Errorf("loose store: content is %d bytes, stream declared %d", n, ps.Size))
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("loose store flush: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("loose store sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return odb.ZeroDigest, fmt.Errorf("loose store close: %w", err)
	}

	d := hasher.Sum()
	if ps.Digest != nil && *ps.Digest != d {
		os.Remove(tmpName)
		return odb.ZeroDigest, fmt.Errorf("loose store: content hashes to %s, stream declared %s", d, *ps.Digest)
	}

	dest := db.objectPath(d)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpName)
		db.noteStored(d)
		ps.SetDigest(d)
		return d, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(tmpName)
		return odb.ZeroDigest, fmt.Errorf("loose store mkdir: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return odb.ZeroDigest, fmt.Errorf("loose store rename: %w", err)
	}

	db.noteStored(d)
	ps.SetDigest(d)
	return d, nil
}

func (db *DB) noteStored(d odb.Digest) {
	db.mu.Lock()
	db.index[d] = struct{}{}
	db.mu.Unlock()
}

// SetSink installs an extra writer that receives the envelope and content
// of every subsequently stored object, exactly as persisted before
// compression. Nil restores the default of writing only the object file.
func (db *DB) SetSink(w io.Writer) (io.Writer, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	prev := db.sink
	db.sink = w
	return prev, nil
}

// Remove deletes one loose object, pruning its fan-out directory when
// that leaves it empty. Removing an absent object is not an error.
func (db *DB) Remove(ctx context.Context, d odb.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := db.objectPath(d)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loose remove %s: %w", d.Short(), err)
	}
	// Ignored when non-empty.
	os.Remove(filepath.Dir(path))

	db.mu.Lock()
	delete(db.index, d)
	db.mu.Unlock()
	return nil
}
