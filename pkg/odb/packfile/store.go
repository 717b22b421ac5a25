package packfile

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"

	"github.com/siltvcs/silt/pkg/logging"
	"github.com/siltvcs/silt/pkg/odb"
)

type batchItem struct {
	seq      int
	ps       *odb.PutStream
	digest   odb.Digest
	kind     entryKind
	size     int64
	spoolOff int64
	spoolLen int64
	// dup marks an object already stored here or earlier in the batch;
	// it is reported as stored but written to no pack.
	dup bool
}

// Store persists one object as a single-entry pack.
func (db *DB) Store(ctx context.Context, ps *odb.PutStream) (odb.Digest, error) {
	if err := ctx.Err(); err != nil {
		return odb.ZeroDigest, err
	}
	in := make(chan *odb.PutStream, 1)
	in <- ps
	close(in)
	out := make(chan odb.StoreResult, 1)
	db.storeBatch(ctx, in, out)
	close(out)

	res, ok := <-out
	if !ok {
		if err := ctx.Err(); err != nil {
			return odb.ZeroDigest, err
		}
		return odb.ZeroDigest, fmt.Errorf("pack store: no result")
	}
	if res.Err != nil {
		return odb.ZeroDigest, res.Err
	}
	return res.Digest, nil
}

// StoreAll persists a batch of objects as one new pack file, made
// visible by a final rename. The batch is atomic: after the first
// failure the remaining work is abandoned and only the failing item's
// result is emitted, so callers must count results rather than assume
// one per input. Results are withheld until the pack is durable.
func (db *DB) StoreAll(ctx context.Context, in <-chan *odb.PutStream) <-chan odb.StoreResult {
	out := make(chan odb.StoreResult, 16)
	go func() {
		defer close(out)
		db.storeBatch(ctx, in, out)
	}()
	return out
}

// storeBatch drains in, spools compressed entries to a temp file, and
// finalizes them into a pack. It returns the new pack's checksum, or
// the zero digest when no pack was created.
func (db *DB) storeBatch(ctx context.Context, in <-chan *odb.PutStream, out chan<- odb.StoreResult) odb.Digest {
	spool, err := os.CreateTemp(db.dir, tmpSpoolPrefix+"*")
	if err != nil {
		db.failPending(ctx, in, out, fmt.Errorf("pack store spool: %w", err))
		return odb.ZeroDigest
	}
	spoolPath := spool.Name()
	defer func() {
		spool.Close()
		os.Remove(spoolPath)
	}()

	var (
		items    []batchItem
		spoolEnd int64
		inBatch  = make(map[odb.Digest]struct{})
		seq      int
	)
recv:
	for {
		select {
		case <-ctx.Done():
			return odb.ZeroDigest
		case ps, ok := <-in:
			if !ok {
				break recv
			}
			item, n, err := db.spoolItem(spool, spoolEnd, seq, ps, inBatch)
			if err != nil {
				select {
				case out <- odb.StoreResult{Seq: seq, Err: err}:
				case <-ctx.Done():
				}
				drainInput(ctx, in)
				return odb.ZeroDigest
			}
			spoolEnd += n
			items = append(items, item)
			seq++
		}
	}

	newCount := 0
	for _, it := range items {
		if !it.dup {
			newCount++
		}
	}

	var checksum odb.Digest
	if newCount > 0 {
		checksum, err = db.writePack(spool, items, newCount)
		if err != nil {
			// Nothing was persisted; every item shares the outcome.
			for _, it := range items {
				select {
				case out <- odb.StoreResult{Seq: it.seq, Err: err}:
				case <-ctx.Done():
					return odb.ZeroDigest
				}
			}
			return odb.ZeroDigest
		}
	}

	for _, it := range items {
		it.ps.SetDigest(it.digest)
		select {
		case out <- odb.StoreResult{Seq: it.seq, Digest: it.digest}:
		case <-ctx.Done():
			return checksum
		}
	}
	return checksum
}

// spoolItem compresses one object's content onto the spool while
// hashing it, returning the entry's batch record and how many spool
// bytes it took.
func (db *DB) spoolItem(spool *os.File, off int64, seq int, ps *odb.PutStream, inBatch map[odb.Digest]struct{}) (batchItem, int64, error) {
	if !ps.Type.Valid() {
		return batchItem{}, 0, fmt.Errorf("pack store: unknown object type %q", ps.Type)
	}
	if ps.Size < 0 {
		return batchItem{}, 0, fmt.Errorf("pack store: negative size %d", ps.Size)
	}
	kind, _ := kindOf(ps.Type)

	counter := &countedWriter{w: spool}
	zw := zlib.NewWriter(counter)
	hasher := odb.NewHasher(ps.Type, ps.Size)
	n, err := io.Copy(io.MultiWriter(zw, hasher), ps.R)
	if err != nil {
		_ = zw.Close()
		return batchItem{}, 0, fmt.Errorf("pack store content: %w", err)
	}
	if err := zw.Close(); err != nil {
		return batchItem{}, 0, fmt.Errorf("pack store flush: %w", err)
	}
	if n != ps.Size {
		return batchItem{}, 0, fmt.Errorf("pack store: content is %d bytes, stream declared %d", n, ps.Size)
	}

	d := hasher.Sum()
	if ps.Digest != nil && *ps.Digest != d {
		return batchItem{}, 0, fmt.Errorf("pack store: content hashes to %s, stream declared %s", d, *ps.Digest)
	}

	item := batchItem{
		seq:      seq,
		ps:       ps,
		digest:   d,
		kind:     kind,
		size:     ps.Size,
		spoolOff: off,
		spoolLen: counter.n,
	}
	if _, ok := inBatch[d]; ok {
		item.dup = true
		return item, counter.n, nil
	}
	_, stored, err := db.find(d)
	if err != nil {
		return batchItem{}, 0, err
	}
	item.dup = stored
	inBatch[d] = struct{}{}
	return item, counter.n, nil
}

// writePack assembles the spooled entries into a pack plus index, both
// written to temp names and renamed into place, pack first so an index
// never points at a missing pack.
func (db *DB) writePack(spool *os.File, items []batchItem, newCount int) (odb.Digest, error) {
	if uint64(newCount) > uint64(^uint32(0)) {
		return odb.ZeroDigest, fmt.Errorf("pack store: too many objects in batch: %d", newCount)
	}

	packTmp, err := os.CreateTemp(db.dir, tmpPackPrefix+"*.pack")
	if err != nil {
		return odb.ZeroDigest, fmt.Errorf("pack store tmpfile: %w", err)
	}
	packTmpPath := packTmp.Name()
	defer func() {
		_ = packTmp.Close()
		// Gone already when the rename went through.
		_ = os.Remove(packTmpPath)
	}()

	hasher := sha1.New()
	counter := &countedWriter{w: packTmp}
	hw := io.MultiWriter(counter, hasher)
	if _, err := hw.Write(marshalHeader(uint32(newCount))); err != nil {
		return odb.ZeroDigest, fmt.Errorf("write pack header: %w", err)
	}

	idxEntries := make([]IndexEntry, 0, newCount)
	for _, it := range items {
		if it.dup {
			continue
		}
		offset := counter.n
		crc := crc32.NewIEEE()
		w := io.MultiWriter(hw, crc)
		if _, err := w.Write(encodeEntryHeader(it.kind, uint64(it.size))); err != nil {
			return odb.ZeroDigest, fmt.Errorf("write pack entry header: %w", err)
		}
		if _, err := io.Copy(w, io.NewSectionReader(spool, it.spoolOff, it.spoolLen)); err != nil {
			return odb.ZeroDigest, fmt.Errorf("copy pack entry %s: %w", it.digest.Short(), err)
		}
		idxEntries = append(idxEntries, IndexEntry{
			Digest: it.digest,
			Offset: uint64(offset),
			CRC32:  crc.Sum32(),
		})
	}

	var checksum odb.Digest
	copy(checksum[:], hasher.Sum(nil))
	if _, err := packTmp.Write(checksum[:]); err != nil {
		return odb.ZeroDigest, fmt.Errorf("write pack trailer: %w", err)
	}
	if err := packTmp.Sync(); err != nil {
		return odb.ZeroDigest, fmt.Errorf("sync pack: %w", err)
	}
	if err := packTmp.Close(); err != nil {
		return odb.ZeroDigest, fmt.Errorf("close pack: %w", err)
	}

	var idxBuf bytes.Buffer
	if _, err := WriteIndex(&idxBuf, idxEntries, checksum); err != nil {
		return odb.ZeroDigest, err
	}
	if err := db.finalizePack(packTmpPath, idxBuf.Bytes(), checksum); err != nil {
		return odb.ZeroDigest, err
	}
	return checksum, nil
}

// finalizePack moves a finished pack temp file and its index into
// place, pack first so an index never points at a missing pack, and
// registers the new pack with the store.
func (db *DB) finalizePack(packTmpPath string, idxBuf []byte, checksum odb.Digest) error {
	ix, err := ReadIndex(idxBuf)
	if err != nil {
		return fmt.Errorf("reparse pack index: %w", err)
	}

	base := "pack-" + checksum.String()
	packPath := filepath.Join(db.dir, base+".pack")
	idxPath := filepath.Join(db.dir, base+".idx")
	if err := os.Rename(packTmpPath, packPath); err != nil {
		return fmt.Errorf("rename pack: %w", err)
	}

	idxTmp, err := os.CreateTemp(db.dir, tmpPackPrefix+"*.idx")
	if err != nil {
		_ = os.Remove(packPath)
		return fmt.Errorf("pack index tmpfile: %w", err)
	}
	idxTmpPath := idxTmp.Name()
	defer func() {
		_ = idxTmp.Close()
		_ = os.Remove(idxTmpPath)
	}()
	if _, err := idxTmp.Write(idxBuf); err != nil {
		_ = os.Remove(packPath)
		return fmt.Errorf("write pack index: %w", err)
	}
	if err := idxTmp.Sync(); err != nil {
		_ = os.Remove(packPath)
		return fmt.Errorf("sync pack index: %w", err)
	}
	if err := idxTmp.Close(); err != nil {
		_ = os.Remove(packPath)
		return fmt.Errorf("close pack index: %w", err)
	}
	if err := os.Rename(idxTmpPath, idxPath); err != nil {
		_ = os.Remove(packPath)
		return fmt.Errorf("rename pack index: %w", err)
	}

	db.cache.Add(idxPath, ix)
	if _, err := db.rescan(); err != nil {
		return err
	}
	db.log.WithFields(logging.Fields{"pack": base, "objects": ix.Count()}).Debug("pack written")
	return nil
}

// failPending answers every queued input with the same batch-level
// error, so a caller feeding the channel is not left blocked.
func (db *DB) failPending(ctx context.Context, in <-chan *odb.PutStream, out chan<- odb.StoreResult, err error) {
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- odb.StoreResult{Seq: seq, Err: err}:
			case <-ctx.Done():
				return
			}
			seq++
		}
	}
}

func drainInput(ctx context.Context, in <-chan *odb.PutStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
		}
	}
}
