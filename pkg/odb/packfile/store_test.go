package packfile_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siltvcs/silt/pkg/odb"
)

func feedPuts(puts ...*odb.PutStream) <-chan *odb.PutStream {
	in := make(chan *odb.PutStream, len(puts))
	for _, ps := range puts {
		in <- ps
	}
	close(in)
	return in
}

func packCount(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "pack-*.pack"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return len(matches)
}

func TestStoreAllWritesOnePack(t *testing.T) {
	ctx := context.Background()
	db, dir := tempStore(t)

	puts := []*odb.PutStream{
		odb.NewPut(odb.TypeBlob, []byte("first")),
		odb.NewPut(odb.TypeCommit, []byte("second")),
		odb.NewPut(odb.TypeBlob, []byte("third")),
	}
	results := make(map[int]odb.StoreResult)
	for res := range db.StoreAll(ctx, feedPuts(puts...)) {
		results[res.Seq] = res
	}
	if len(results) != len(puts) {
		t.Fatalf("got %d results, want %d", len(results), len(puts))
	}
	for seq, res := range results {
		if res.Err != nil {
			t.Fatalf("result %d: %v", seq, res.Err)
		}
		if puts[seq].Digest == nil || *puts[seq].Digest != res.Digest {
			t.Fatalf("result %d: stream digest not filled in", seq)
		}
		if found, err := db.Has(ctx, res.Digest); err != nil || !found {
			t.Fatalf("Has(%s) = %v, %v", res.Digest, found, err)
		}
	}
	if n := packCount(t, dir); n != 1 {
		t.Fatalf("batch produced %d packs, want 1", n)
	}
}

func TestStoreAllAbortsBatchOnFailure(t *testing.T) {
	ctx := context.Background()
	db, dir := tempStore(t)

	bad := odb.NewPut(odb.TypeBlob, []byte("short"))
	bad.Size = 99

	var results []odb.StoreResult
	for res := range db.StoreAll(ctx, feedPuts(
		odb.NewPut(odb.TypeBlob, []byte("r1")),
		bad,
		odb.NewPut(odb.TypeBlob, []byte("r3")),
	)) {
		results = append(results, res)
	}

	// Atomic batch: the failing item's result arrives, the rest of the
	// batch is abandoned.
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Seq != 1 || results[0].Err == nil {
		t.Fatalf("result = %+v, want an error for input 1", results[0])
	}
	if !strings.Contains(results[0].Err.Error(), "declared") {
		t.Fatalf("error = %v, want a size mismatch", results[0].Err)
	}
	if n := packCount(t, dir); n != 0 {
		t.Fatalf("aborted batch left %d packs", n)
	}
	if cnt, err := db.Count(ctx); err != nil || cnt != 0 {
		t.Fatalf("Count = %d, %v; want 0", cnt, err)
	}
}

func TestStoreAllDeduplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	db, dir := tempStore(t)

	content := []byte("same thing twice")
	n := 0
	for res := range db.StoreAll(ctx, feedPuts(
		odb.NewPut(odb.TypeBlob, content),
		odb.NewPut(odb.TypeBlob, content),
	)) {
		if res.Err != nil {
			t.Fatalf("result %d: %v", res.Seq, res.Err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("got %d results, want 2", n)
	}
	if cnt, err := db.Count(ctx); err != nil || cnt != 1 {
		t.Fatalf("Count = %d, %v; want 1", cnt, err)
	}
	if n := packCount(t, dir); n != 1 {
		t.Fatalf("batch produced %d packs, want 1", n)
	}
}

func TestStoreAllSkipsAlreadyStored(t *testing.T) {
	ctx := context.Background()
	db, dir := tempStore(t)

	content := []byte("stored before the batch")
	d, err := db.Store(ctx, odb.NewPut(odb.TypeBlob, content))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	for res := range db.StoreAll(ctx, feedPuts(odb.NewPut(odb.TypeBlob, content))) {
		if res.Err != nil {
			t.Fatalf("result: %v", res.Err)
		}
		if res.Digest != d {
			t.Fatalf("digest = %s, want %s", res.Digest, d)
		}
	}
	// The whole batch was already present, so no second pack appears.
	if n := packCount(t, dir); n != 1 {
		t.Fatalf("have %d packs, want 1", n)
	}
}

func TestStoreAllCancelledMidBatch(t *testing.T) {
	db, _ := tempStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan *odb.PutStream)
	out := db.StoreAll(ctx, in)
	in <- odb.NewPut(odb.TypeBlob, []byte("accepted"))
	cancel()

	for range out {
	}
	// The driver stopped reading; the input channel stays ours to close.
	close(in)

	if cnt, err := db.Count(context.Background()); err != nil || cnt != 0 {
		t.Fatalf("Count = %d, %v; want 0 after abandoned batch", cnt, err)
	}
}

func TestStorePresetDigestMismatch(t *testing.T) {
	ctx := context.Background()
	db, dir := tempStore(t)

	wrong := odb.HashObject(odb.TypeBlob, []byte("other content"))
	ps := odb.NewPut(odb.TypeBlob, []byte("actual content"))
	ps.Digest = &wrong
	if _, err := db.Store(ctx, ps); err == nil {
		t.Fatal("expected digest mismatch error")
	}
	if n := packCount(t, dir); n != 0 {
		t.Fatalf("failed store left %d packs", n)
	}
}
