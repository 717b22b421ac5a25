// Package odb defines the object database contracts shared by every
// storage backend: content-addressed lookup of single objects, bulk
// channel-based access, prefix resolution, and write paths with a
// pluggable output sink. Backends live in subpackages (mem, loose,
// packfile); Compound composes several of them into one logical database.
package odb

import (
	"context"
	"io"
)

// Reader is the read side of an object database.
//
// Info and Stream fail with a *BadObjectError when the digest is absent.
// Has never fails on a miss.
type Reader interface {
	Has(ctx context.Context, d Digest) (bool, error)
	Info(ctx context.Context, d Digest) (Info, error)
	// Stream returns the object with its content. The caller must close
	// the returned object, fully read or not, before the backend may
	// reuse underlying buffers.
	Stream(ctx context.Context, d Digest) (*Object, error)
	// Count reports how many objects the backend can currently enumerate.
	Count(ctx context.Context) (int64, error)
	// Digests iterates the enumerable objects. The iteration is finite
	// but not restartable across concurrent mutation of the backend.
	Digests(ctx context.Context) (DigestIterator, error)
	// ResolvePrefix resolves a partial digest. Zero matches fail with
	// *BadObjectError, two or more with *AmbiguousDigestError carrying
	// the full candidate set. Ambiguity is reported, never resolved by
	// picking a winner.
	ResolvePrefix(ctx context.Context, p Prefix) (Digest, error)
}

// Writer is the write side of an object database.
type Writer interface {
	// Store persists one object and returns its digest. A preset
	// ps.Digest is verified against the content; a mismatch fails the
	// store and persists nothing. On success ps.Digest is filled in.
	Store(ctx context.Context, ps *PutStream) (Digest, error)
	// SetSink installs the writer newly stored object bytes are copied
	// to, returning the previously installed sink. A nil sink restores
	// the backend default. Backends that cannot divert object bytes
	// reject any non-nil sink with a *CapabilityError. The sink is
	// per-handle state read once per Store call; callers changing it
	// concurrently must serialize themselves.
	SetSink(w io.Writer) (io.Writer, error)
}

// Refresher is implemented by backends that keep an internal index of
// which digests exist and can re-scan it on demand.
type Refresher interface {
	// Refresh reconciles the in-memory index with the underlying
	// storage. When force is false the backend may skip the scan if it
	// believes nothing changed; force mandates it. The result reports
	// whether internal state actually changed, so owners know whether
	// caches layered above are now stale.
	Refresh(ctx context.Context, force bool) (bool, error)
}

// Database is the contract a backend must satisfy to join a Compound.
// Write and refresh support are optional extensions discovered by type
// assertion.
type Database interface {
	Reader
}

// DigestIterator walks a set of digests. Typical use:
//
//	it, err := db.Digests(ctx)
//	...
//	defer it.Close()
//	for it.Next() {
//		d := it.Digest()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type DigestIterator interface {
	Next() bool
	Digest() Digest
	Err() error
	Close()
}

type sliceDigestIterator struct {
	ds  []Digest
	idx int
}

// NewDigestSliceIterator wraps a fixed slice in the iterator contract.
func NewDigestSliceIterator(ds []Digest) DigestIterator {
	return &sliceDigestIterator{ds: ds, idx: -1}
}

func (it *sliceDigestIterator) Next() bool {
	if it.idx+1 >= len(it.ds) {
		return false
	}
	it.idx++
	return true
}

func (it *sliceDigestIterator) Digest() Digest {
	if it.idx < 0 || it.idx >= len(it.ds) {
		return ZeroDigest
	}
	return it.ds[it.idx]
}

func (it *sliceDigestIterator) Err() error { return nil }
func (it *sliceDigestIterator) Close()     {}

// CollectDigests drains an iterator into a slice and closes it.
func CollectDigests(it DigestIterator) ([]Digest, error) {
	defer it.Close()
	var out []Digest
	for it.Next() {
		out = append(out, it.Digest())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
