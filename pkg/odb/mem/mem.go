// Package mem provides an in-memory object database. It implements the
// full storage contract and is the reference backend for tests.
package mem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/siltvcs/silt/pkg/odb"
)

// DB stores objects in a map. Safe for concurrent use.
type DB struct {
	mu      sync.RWMutex
	objects map[odb.Digest]entry
	sink    io.Writer
}

type entry struct {
	typ  odb.Type
	data []byte
}

func New() *DB {
	return &DB{objects: make(map[odb.Digest]entry)}
}

func (db *DB) Has(ctx context.Context, d odb.Digest) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.objects[d]
	return ok, nil
}

func (db *DB) Info(ctx context.Context, d odb.Digest) (odb.Info, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.objects[d]
	if !ok {
		return odb.Info{}, &odb.BadObjectError{Ref: d.String()}
	}
	return odb.Info{Digest: d, Type: e.typ, Size: int64(len(e.data))}, nil
}

func (db *DB) Stream(ctx context.Context, d odb.Digest) (*odb.Object, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.objects[d]
	if !ok {
		return nil, &odb.BadObjectError{Ref: d.String()}
	}
	info := odb.Info{Digest: d, Type: e.typ, Size: int64(len(e.data))}
	return odb.NewObject(info, io.NopCloser(bytes.NewReader(e.data))), nil
}

func (db *DB) Count(ctx context.Context) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int64(len(db.objects)), nil
}

func (db *DB) Digests(ctx context.Context) (odb.DigestIterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ds := make([]odb.Digest, 0, len(db.objects))
	for d := range db.objects {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].String() < ds[j].String() })
	return odb.NewDigestSliceIterator(ds), nil
}

func (db *DB) ResolvePrefix(ctx context.Context, p odb.Prefix) (odb.Digest, error) {
	if d, ok := p.Complete(); ok {
		if found, _ := db.Has(ctx, d); found {
			return d, nil
		}
		return odb.ZeroDigest, &odb.BadObjectError{Ref: p.Hex()}
	}

	db.mu.RLock()
	var candidates []odb.Digest
	for d := range db.objects {
		if p.Match(d) {
			candidates = append(candidates, d)
		}
	}
	db.mu.RUnlock()

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

func (db *DB) Store(ctx context.Context, ps *odb.PutStream) (odb.Digest, error) {
	if !ps.Type.Valid() {
		return odb.ZeroDigest, fmt.Errorf("store: unknown object type %q", ps.Type)
	}
	data, err := io.ReadAll(ps.R)
	if err != nil {
		return odb.ZeroDigest, fmt.Errorf("store: read content: %w", err)
	}
	if int64(len(data)) != ps.Size {
		return odb.ZeroDigest, fmt.Errorf("store: content is %d bytes, stream declared %d", len(data), ps.Size)
	}
	d := odb.HashObject(ps.Type, data)
	if ps.Digest != nil && *ps.Digest != d {
		return odb.ZeroDigest, fmt.Errorf("store: content hashes to %s, stream declared %s", d, *ps.Digest)
	}

	db.mu.Lock()
	db.objects[d] = entry{typ: ps.Type, data: data}
	sink := db.sink
	db.mu.Unlock()

	if sink != nil {
		if _, err := fmt.Fprintf(sink, "%s %d\x00", ps.Type, len(data)); err != nil {
			return odb.ZeroDigest, fmt.Errorf("store: write sink: %w", err)
		}
		if _, err := sink.Write(data); err != nil {
			return odb.ZeroDigest, fmt.Errorf("store: write sink: %w", err)
		}
	}
	ps.SetDigest(d)
	return d, nil
}

func (db *DB) SetSink(w io.Writer) (io.Writer, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	prev := db.sink
	db.sink = w
	return prev, nil
}

// Refresh is a no-op: there is no external storage to reconcile with.
func (db *DB) Refresh(ctx context.Context, force bool) (bool, error) {
	return false, nil
}
