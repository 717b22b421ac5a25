// Package odbtest holds the conformance suite every storage backend runs
// from its own tests.
package odbtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/siltvcs/silt/pkg/odb"
)

// DB is the surface the suite exercises.
type DB interface {
	odb.Reader
	odb.Writer
}

// Factory returns a fresh, empty database for one subtest.
type Factory func(t *testing.T) DB

// Options adjust the suite to a backend's documented capabilities.
type Options struct {
	// NoSink marks a backend that rejects output sinks with a
	// CapabilityError instead of honoring them.
	NoSink bool
}

// Run exercises the shared storage contract against the backend.
func Run(t *testing.T, newDB Factory, opts Options) {
	t.Run("AbsentDigest", func(t *testing.T) { testAbsentDigest(t, newDB(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newDB(t)) })
	t.Run("PresetDigest", func(t *testing.T) { testPresetDigest(t, newDB(t)) })
	t.Run("ResolvePrefix", func(t *testing.T) { testResolvePrefix(t, newDB(t)) })
	t.Run("CountAndDigests", func(t *testing.T) { testCountAndDigests(t, newDB(t)) })
	t.Run("Sink", func(t *testing.T) { testSink(t, newDB(t), opts.NoSink) })
	t.Run("RefreshIdempotence", func(t *testing.T) { testRefreshIdempotence(t, newDB(t)) })
}

// Store is a test helper persisting one blob and returning its digest.
func Store(t *testing.T, db DB, typ odb.Type, data []byte) odb.Digest {
	t.Helper()
	d, err := db.Store(context.Background(), odb.NewPut(typ, data))
	if err != nil {
		t.Fatalf("store %s (%d bytes): %v", typ, len(data), err)
	}
	return d
}

func testAbsentDigest(t *testing.T, db DB) {
	ctx := context.Background()
	absent := odb.HashObject(odb.TypeBlob, []byte("never stored"))

	found, err := db.Has(ctx, absent)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if found {
		t.Fatalf("has(%s) = true on empty database", absent)
	}
	if _, err := db.Info(ctx, absent); !errors.Is(err, odb.ErrNotFound) {
		t.Fatalf("info on absent digest: got %v, want ErrNotFound", err)
	}
	if _, err := db.Stream(ctx, absent); !errors.Is(err, odb.ErrNotFound) {
		t.Fatalf("stream on absent digest: got %v, want ErrNotFound", err)
	}
	var bad *odb.BadObjectError
	if _, err := db.Info(ctx, absent); !errors.As(err, &bad) {
		t.Fatalf("info error is %T, want *BadObjectError", err)
	}
}

func testRoundTrip(t *testing.T, db DB) {
	ctx := context.Background()
	content := []byte("round trip content\nwith two lines\n")

	ps := odb.NewPut(odb.TypeBlob, content)
	if ps.Digest != nil {
		t.Fatalf("fresh put stream already carries digest %s", ps.Digest)
	}
	d, err := db.Store(ctx, ps)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if ps.Digest == nil || *ps.Digest != d {
		t.Fatalf("store did not fill stream digest: have %v, want %s", ps.Digest, d)
	}
	if want := odb.HashObject(odb.TypeBlob, content); d != want {
		t.Fatalf("store digest = %s, want %s", d, want)
	}

	found, err := db.Has(ctx, d)
	if err != nil || !found {
		t.Fatalf("has(%s) = %v, %v after store", d, found, err)
	}

	info, err := db.Info(ctx, d)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Type != odb.TypeBlob || info.Size != int64(len(content)) || info.Digest != d {
		t.Fatalf("info = %+v, want {%s blob %d}", info, d, len(content))
	}

	obj, err := db.Stream(ctx, d)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got, err := obj.Bytes()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
	if obj.Size != int64(len(content)) || obj.Type != odb.TypeBlob {
		t.Fatalf("stream info = %+v", obj.Info)
	}
}

func testPresetDigest(t *testing.T, db DB) {
	ctx := context.Background()
	content := []byte("verified content")
	want := odb.HashObject(odb.TypeBlob, content)

	ps := odb.NewPut(odb.TypeBlob, content)
	ps.Digest = &want
	d, err := db.Store(ctx, ps)
	if err != nil {
		t.Fatalf("store with correct preset digest: %v", err)
	}
	if d != want {
		t.Fatalf("store = %s, want %s", d, want)
	}

	lie := odb.HashObject(odb.TypeBlob, []byte("other content"))
	ps = odb.NewPut(odb.TypeBlob, content)
	ps.Digest = &lie
	if _, err := db.Store(ctx, ps); err == nil {
		t.Fatalf("store with mismatched preset digest succeeded")
	}
	if found, _ := db.Has(ctx, lie); found {
		t.Fatalf("mismatched digest %s was persisted", lie)
	}
}

func testResolvePrefix(t *testing.T, db DB) {
	ctx := context.Background()

	// Seventeen objects guarantee two share a first hex character.
	var digests []odb.Digest
	for i := 0; i < 17; i++ {
		digests = append(digests, Store(t, db, odb.TypeBlob, []byte(fmt.Sprintf("prefix-object-%d", i))))
	}

	// A full-length prefix resolves to its digest.
	full, err := odb.ParsePrefix(digests[0].String())
	if err != nil {
		t.Fatalf("parse full prefix: %v", err)
	}
	got, err := db.ResolvePrefix(ctx, full)
	if err != nil || got != digests[0] {
		t.Fatalf("resolve full prefix = %s, %v; want %s", got, err, digests[0])
	}

	// The shortest unique prefix of each digest resolves to it. Test odd
	// and even lengths as they come.
	for _, d := range digests {
		hex := d.String()
		for n := 1; n <= odb.HexDigestLen; n++ {
			if countWithPrefix(digests, hex[:n]) == 1 {
				p, err := odb.ParsePrefix(hex[:n])
				if err != nil {
					t.Fatalf("parse prefix %q: %v", hex[:n], err)
				}
				got, err := db.ResolvePrefix(ctx, p)
				if err != nil {
					t.Fatalf("resolve %q: %v", hex[:n], err)
				}
				if got != d {
					t.Fatalf("resolve %q = %s, want %s", hex[:n], got, d)
				}
				break
			}
		}
	}

	// A shared prefix is ambiguous and enumerates its candidates.
	shared, want := sharedPrefix(digests)
	p, err := odb.ParsePrefix(shared)
	if err != nil {
		t.Fatalf("parse shared prefix %q: %v", shared, err)
	}
	_, err = db.ResolvePrefix(ctx, p)
	if !errors.Is(err, odb.ErrAmbiguous) {
		t.Fatalf("resolve shared prefix %q: got %v, want ErrAmbiguous", shared, err)
	}
	var amb *odb.AmbiguousDigestError
	if !errors.As(err, &amb) {
		t.Fatalf("ambiguity error is %T", err)
	}
	if len(amb.Candidates) != want {
		t.Fatalf("ambiguity candidates = %d, want %d", len(amb.Candidates), want)
	}
	for i := 1; i < len(amb.Candidates); i++ {
		if amb.Candidates[i-1].String() >= amb.Candidates[i].String() {
			t.Fatalf("candidates not sorted: %s before %s", amb.Candidates[i-1], amb.Candidates[i])
		}
	}

	// No match at all.
	for _, probe := range []string{"0", "00", "000"} {
		if countWithPrefix(digests, probe) != 0 {
			continue
		}
		p, _ := odb.ParsePrefix(probe)
		if _, err := db.ResolvePrefix(ctx, p); !errors.Is(err, odb.ErrNotFound) {
			t.Fatalf("resolve %q: got %v, want ErrNotFound", probe, err)
		}
		return
	}
	// All three probes collided with stored objects; deterministic
	// content makes this effectively unreachable.
	t.Fatalf("no unmatched probe prefix found")
}

func testCountAndDigests(t *testing.T, db DB) {
	ctx := context.Background()
	n, err := db.Count(ctx)
	if err != nil || n != 0 {
		t.Fatalf("count on empty database = %d, %v", n, err)
	}

	want := make(map[odb.Digest]bool)
	for i := 0; i < 5; i++ {
		want[Store(t, db, odb.TypeBlob, []byte(fmt.Sprintf("count-object-%d", i)))] = true
	}

	n, err = db.Count(ctx)
	if err != nil || n != int64(len(want)) {
		t.Fatalf("count = %d, %v; want %d", n, err, len(want))
	}

	it, err := db.Digests(ctx)
	if err != nil {
		t.Fatalf("digests: %v", err)
	}
	ds, err := odb.CollectDigests(it)
	if err != nil {
		t.Fatalf("collect digests: %v", err)
	}
	if len(ds) != len(want) {
		t.Fatalf("iterated %d digests, want %d", len(ds), len(want))
	}
	for _, d := range ds {
		if !want[d] {
			t.Fatalf("iterator yielded unknown digest %s", d)
		}
	}
}

func testSink(t *testing.T, db DB, noSink bool) {
	var captured bytes.Buffer

	if noSink {
		if _, err := db.SetSink(&captured); err == nil {
			t.Fatalf("SetSink succeeded on a backend without sink support")
		} else {
			var capErr *odb.CapabilityError
			if !errors.As(err, &capErr) {
				t.Fatalf("SetSink error is %T (%v), want *CapabilityError", err, err)
			}
		}
		return
	}

	prev, err := db.SetSink(&captured)
	if err != nil {
		t.Fatalf("set sink: %v", err)
	}
	if prev != nil {
		t.Fatalf("fresh database reported an installed sink")
	}

	content := []byte("sink content")
	Store(t, db, odb.TypeBlob, content)

	want := fmt.Sprintf("blob %d\x00%s", len(content), content)
	if captured.String() != want {
		t.Fatalf("sink captured %q, want %q", captured.String(), want)
	}

	restored, err := db.SetSink(nil)
	if err != nil {
		t.Fatalf("restore default sink: %v", err)
	}
	if restored != io.Writer(&captured) {
		t.Fatalf("restore returned %v, want the installed sink", restored)
	}
}

func testRefreshIdempotence(t *testing.T, db DB) {
	r, ok := db.(odb.Refresher)
	if !ok {
		t.Skip("backend does not refresh")
	}
	ctx := context.Background()
	Store(t, db, odb.TypeBlob, []byte("refresh seed"))

	if _, err := r.Refresh(ctx, false); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	changed, err := r.Refresh(ctx, false)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if changed {
		t.Fatalf("second refresh with no underlying change reported a change")
	}
}

func countWithPrefix(ds []odb.Digest, prefix string) int {
	n := 0
	for _, d := range ds {
		if strings.HasPrefix(d.String(), prefix) {
			n++
		}
	}
	return n
}

// sharedPrefix finds a one-character prefix at least two digests carry
// and how many carry it.
func sharedPrefix(ds []odb.Digest) (string, int) {
	counts := make(map[string]int)
	for _, d := range ds {
		counts[d.String()[:1]]++
	}
	for p, n := range counts {
		if n >= 2 {
			return p, n
		}
	}
	return "", 0
}
