package packfile

import (
	"context"

	"github.com/siltvcs/silt/pkg/odb"
)

// The generic bulk drivers fan lookups over a worker pool; here every
// probe is an in-memory index search plus at most one entry read, so the
// pool buys nothing. These overrides run sequentially and keep input
// order as a side effect.

func (db *DB) HasAll(ctx context.Context, in <-chan odb.Digest) <-chan odb.HasResult {
	out := make(chan odb.HasResult, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				found, err := db.Has(ctx, d)
				select {
				case out <- odb.HasResult{Digest: d, Found: found, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (db *DB) InfoAll(ctx context.Context, in <-chan odb.Digest) <-chan odb.InfoResult {
	out := make(chan odb.InfoResult, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				info, err := db.Info(ctx, d)
				select {
				case out <- odb.InfoResult{Digest: d, Info: info, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (db *DB) StreamAll(ctx context.Context, in <-chan odb.Digest) <-chan odb.StreamResult {
	out := make(chan odb.StreamResult, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				obj, err := db.Stream(ctx, d)
				select {
				case out <- odb.StreamResult{Digest: d, Object: obj, Err: err}:
				case <-ctx.Done():
					if obj != nil {
						_ = obj.Close()
					}
					return
				}
			}
		}
	}()
	return out
}
