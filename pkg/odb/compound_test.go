package odb_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"

	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/odb/mem"
)

// stubDB serves canned objects without tying digests to content, so
// precedence tests can hand two backends the same digest with different
// bodies.
type stubDB struct {
	objs map[odb.Digest][]byte
}

func newStubDB() *stubDB {
	return &stubDB{objs: make(map[odb.Digest][]byte)}
}

func (s *stubDB) put(d odb.Digest, content string) *stubDB {
	s.objs[d] = []byte(content)
	return s
}

func (s *stubDB) Has(ctx context.Context, d odb.Digest) (bool, error) {
	_, ok := s.objs[d]
	return ok, nil
}

func (s *stubDB) Info(ctx context.Context, d odb.Digest) (odb.Info, error) {
	data, ok := s.objs[d]
	if !ok {
		return odb.Info{}, &odb.BadObjectError{Ref: d.String()}
	}
	return odb.Info{Digest: d, Type: odb.TypeBlob, Size: int64(len(data))}, nil
}

func (s *stubDB) Stream(ctx context.Context, d odb.Digest) (*odb.Object, error) {
	data, ok := s.objs[d]
	if !ok {
		return nil, &odb.BadObjectError{Ref: d.String()}
	}
	info := odb.Info{Digest: d, Type: odb.TypeBlob, Size: int64(len(data))}
	return odb.NewObject(info, io.NopCloser(bytes.NewReader(data))), nil
}

func (s *stubDB) Count(ctx context.Context) (int64, error) {
	return int64(len(s.objs)), nil
}

func (s *stubDB) Digests(ctx context.Context) (odb.DigestIterator, error) {
	var ds []odb.Digest
	for d := range s.objs {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].String() < ds[j].String() })
	return odb.NewDigestSliceIterator(ds), nil
}

func (s *stubDB) ResolvePrefix(ctx context.Context, p odb.Prefix) (odb.Digest, error) {
	var matches []odb.Digest
	for d := range s.objs {
		if p.Match(d) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return odb.ZeroDigest, &odb.BadObjectError{Ref: p.Hex()}
	case 1:
		return matches[0], nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].String() < matches[j].String() })
	return odb.ZeroDigest, &odb.AmbiguousDigestError{Prefix: p.Hex(), Candidates: matches}
}

// scriptedRefresher scripts Refresh outcomes and records invocations.
type scriptedRefresher struct {
	*stubDB
	changed bool
	err     error
	calls   int
}

func (r *scriptedRefresher) Refresh(ctx context.Context, force bool) (bool, error) {
	r.calls++
	return r.changed, r.err
}

func fakeDigest(first, last byte) odb.Digest {
	var d odb.Digest
	d[0] = first
	d[19] = last
	return d
}

func TestCompoundPrecedence(t *testing.T) {
	ctx := context.Background()
	d := fakeDigest(0x11, 1)
	a := newStubDB().put(d, "alpha")
	b := newStubDB().put(d, "beta")

	readBody := func(c *odb.Compound) string {
		t.Helper()
		obj, err := c.Stream(ctx, d)
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		body, err := obj.Bytes()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(body)
	}

	if got := readBody(odb.NewCompound(a, b)); got != "alpha" {
		t.Fatalf("compound [a b] served %q, want first member's content", got)
	}
	if got := readBody(odb.NewCompound(b, a)); got != "beta" {
		t.Fatalf("compound [b a] served %q, want first member's content", got)
	}
}

func TestCompoundMiss(t *testing.T) {
	ctx := context.Background()
	c := odb.NewCompound(newStubDB(), newStubDB())
	absent := fakeDigest(0x22, 9)

	found, err := c.Has(ctx, absent)
	if err != nil || found {
		t.Fatalf("has = %v, %v; want false, nil", found, err)
	}
	if _, err := c.Info(ctx, absent); !errors.Is(err, odb.ErrNotFound) {
		t.Fatalf("info: got %v, want ErrNotFound", err)
	}
	if _, err := c.Stream(ctx, absent); !errors.Is(err, odb.ErrNotFound) {
		t.Fatalf("stream: got %v, want ErrNotFound", err)
	}
}

func TestCompoundCrossBackendAmbiguity(t *testing.T) {
	ctx := context.Background()
	d1 := fakeDigest(0xaa, 1)
	d2 := fakeDigest(0xaa, 2)
	a := newStubDB().put(d1, "one")
	b := newStubDB().put(d2, "two")
	c := odb.NewCompound(a, b)

	// Unique within each member, ambiguous across them.
	p, err := odb.ParsePrefix("aa")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ResolvePrefix(ctx, p)
	var amb *odb.AmbiguousDigestError
	if !errors.As(err, &amb) {
		t.Fatalf("resolve across members: got %v, want ambiguity", err)
	}
	if len(amb.Candidates) != 2 || amb.Candidates[0] != d1 || amb.Candidates[1] != d2 {
		t.Fatalf("candidates = %v, want [%s %s]", amb.Candidates, d1, d2)
	}
}

func TestCompoundSharedDigestNotAmbiguous(t *testing.T) {
	ctx := context.Background()
	d := fakeDigest(0xbb, 7)
	c := odb.NewCompound(newStubDB().put(d, "same"), newStubDB().put(d, "same"))

	p, err := odb.ParsePrefix("bb")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.ResolvePrefix(ctx, p)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != d {
		t.Fatalf("resolve = %s, want %s", got, d)
	}
}

func TestCompoundCountAndDigests(t *testing.T) {
	ctx := context.Background()
	shared := fakeDigest(0xcc, 0)
	onlyA := fakeDigest(0xcc, 1)
	a := newStubDB().put(shared, "x").put(onlyA, "y")
	b := newStubDB().put(shared, "x")
	c := odb.NewCompound(a, b)

	// Members are independent stores; the shared digest counts twice.
	n, err := c.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}

	it, err := c.Digests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ds, err := odb.CollectDigests(it)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 3 {
		t.Fatalf("iterated %d digests, want 3 (duplicates included)", len(ds))
	}
}

func TestCompoundWriteTarget(t *testing.T) {
	ctx := context.Background()
	c := odb.NewCompound(newStubDB())

	if _, err := c.Store(ctx, odb.NewPut(odb.TypeBlob, []byte("x"))); !errors.Is(err, odb.ErrNotSupported) {
		t.Fatalf("store without target: got %v, want ErrNotSupported", err)
	}
	if _, err := c.SetSink(&bytes.Buffer{}); !errors.Is(err, odb.ErrNotSupported) {
		t.Fatalf("sink without target: got %v, want ErrNotSupported", err)
	}

	target := mem.New()
	c = odb.NewCompound(newStubDB(), target)
	c.SetWriteTarget(target)

	content := []byte("written through the compound")
	d, err := c.Store(ctx, odb.NewPut(odb.TypeBlob, content))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	obj, err := c.Stream(ctx, d)
	if err != nil {
		t.Fatalf("stream after store: %v", err)
	}
	body, err := obj.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("read back %q, want %q", body, content)
	}
}

func TestCompoundRefresh(t *testing.T) {
	ctx := context.Background()
	quiet := &scriptedRefresher{stubDB: newStubDB()}
	noisy := &scriptedRefresher{stubDB: newStubDB(), changed: true}
	broken := &scriptedRefresher{stubDB: newStubDB(), err: fmt.Errorf("scan failed")}
	plain := newStubDB()

	c := odb.NewCompound(quiet, broken, noisy, plain)
	changed, err := c.Refresh(ctx, false)
	if !changed {
		t.Fatalf("refresh reported no change although one member changed")
	}
	if err == nil {
		t.Fatalf("refresh swallowed a member failure")
	}
	for i, r := range []*scriptedRefresher{quiet, broken, noisy} {
		if r.calls != 1 {
			t.Errorf("refresher %d called %d times, want 1", i, r.calls)
		}
	}
}

func TestCompoundDatabasesIsACopy(t *testing.T) {
	a, b := newStubDB(), newStubDB()
	c := odb.NewCompound(a, b)
	members := c.Databases()
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	members[0] = nil
	if again := c.Databases(); again[0] == nil {
		t.Fatalf("mutating the returned slice reached the compound")
	}
}
