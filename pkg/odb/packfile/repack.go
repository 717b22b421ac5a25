package packfile

import (
	"context"
	"fmt"

	"github.com/siltvcs/silt/pkg/odb"
)

// Repack copies every object src holds that no pack here holds yet into
// one new pack, verifying each object's digest on the way. It returns
// the new pack's checksum and the digests packed. Source objects are
// untouched; pruning them afterwards is the caller's decision. A failed
// repack may leave a pack holding the objects copied before the
// failure; rerunning packs the rest.
func (db *DB) Repack(ctx context.Context, src odb.Reader) (odb.Digest, []odb.Digest, error) {
	it, err := src.Digests(ctx)
	if err != nil {
		return odb.ZeroDigest, nil, err
	}
	all, err := odb.CollectDigests(it)
	if err != nil {
		return odb.ZeroDigest, nil, err
	}

	toPack := make([]odb.Digest, 0, len(all))
	for _, d := range all {
		_, stored, err := db.find(d)
		if err != nil {
			return odb.ZeroDigest, nil, err
		}
		if !stored {
			toPack = append(toPack, d)
		}
	}
	if len(toPack) == 0 {
		return odb.ZeroDigest, nil, nil
	}

	// Feed the batch over an unbuffered channel: a send completing means
	// the previous item was fully spooled, so its stream is safe to
	// close then. The final stream stays open until the batch is done.
	in := make(chan *odb.PutStream)
	lastC := make(chan *odb.Object, 1)
	feedErr := make(chan error, 1)
	go func() {
		var prev *odb.Object
		var ferr error
	feed:
		for _, d := range toPack {
			obj, err := src.Stream(ctx, d)
			if err != nil {
				ferr = fmt.Errorf("repack read %s: %w", d.Short(), err)
				break
			}
			dd := d
			ps := &odb.PutStream{Type: obj.Type, Size: obj.Size, R: obj, Digest: &dd}
			select {
			case in <- ps:
				if prev != nil {
					_ = prev.Close()
				}
				prev = obj
			case <-ctx.Done():
				_ = obj.Close()
				ferr = ctx.Err()
				break feed
			}
		}
		close(in)
		feedErr <- ferr
		lastC <- prev
	}()

	out := make(chan odb.StoreResult, 16)
	sumC := make(chan odb.Digest, 1)
	go func() {
		defer close(out)
		sumC <- db.storeBatch(ctx, in, out)
	}()

	var firstErr error
	stored := 0
	for res := range out {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		stored++
	}
	if err := <-feedErr; err != nil && firstErr == nil {
		firstErr = err
	}
	if last := <-lastC; last != nil {
		_ = last.Close()
	}
	if firstErr != nil {
		return odb.ZeroDigest, nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return odb.ZeroDigest, nil, err
	}
	if stored != len(toPack) {
		return odb.ZeroDigest, nil, fmt.Errorf("repack: stored %d of %d objects", stored, len(toPack))
	}
	return <-sumC, toPack, nil
}
