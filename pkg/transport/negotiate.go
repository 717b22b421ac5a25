package transport

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/siltvcs/silt/pkg/objcodec"
	"github.com/siltvcs/silt/pkg/odb"
)

const (
	// maxBatchObjects caps how many objects one batch request asks for.
	maxBatchObjects = 50000
	// maxBatchHaveDigests caps the have list sent per negotiation round.
	maxBatchHaveDigests = 20000
	// maxNegotiationRounds bounds batch negotiation against a server
	// that keeps truncating.
	maxNegotiationRounds = 1024
	// closureFetchWorkers is the concurrency for point object fetches.
	closureFetchWorkers = 4
)

// fetchObjects transfers every object reachable from wants that the
// local database is missing, and returns how many were stored.
//
// Roots the database already has skip negotiation entirely; the
// closure walk afterwards still runs, so a previously interrupted
// transfer is completed on the next call even when every root is
// present.
func fetchObjects(ctx context.Context, c *Client, db odb.Reader, w odb.Writer, wants, haves []odb.Digest) (int, error) {
	roots := uniqueDigests(wants)
	if len(roots) == 0 {
		return 0, fmt.Errorf("at least one want digest is required")
	}

	stored := 0
	missing := make([]odb.Digest, 0, len(roots))
	for _, d := range roots {
		ok, err := db.Has(ctx, d)
		if err != nil {
			return stored, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}

	if len(missing) > 0 {
		haveSet := make(map[odb.Digest]struct{}, len(haves))
		knownHaves := make([]odb.Digest, 0, len(haves))
		for _, d := range uniqueDigests(haves) {
			haveSet[d] = struct{}{}
			knownHaves = append(knownHaves, d)
		}

		rounds := 0
		for {
			rounds++
			if rounds > maxNegotiationRounds {
				return stored, fmt.Errorf("batch negotiation exceeded %d rounds", maxNegotiationRounds)
			}
			records, truncated, err := c.BatchObjects(ctx, missing, tailDigests(knownHaves, maxBatchHaveDigests), maxBatchObjects)
			if err != nil {
				return stored, err
			}
			newInRound := 0
			for _, rec := range records {
				n, err := storeVerified(ctx, db, w, rec)
				if err != nil {
					return stored, err
				}
				stored += n
				newInRound += n
				if _, ok := haveSet[rec.Digest]; !ok {
					haveSet[rec.Digest] = struct{}{}
					knownHaves = append(knownHaves, rec.Digest)
				}
			}
			if !truncated || newInRound == 0 {
				break
			}
		}
	}

	n, err := closeOverGraph(ctx, c, db, w, roots)
	if err != nil {
		return stored, err
	}
	return stored + n, nil
}

// storeVerified writes one received object after recomputing its
// digest, returning 1 when it was stored and 0 when already present.
func storeVerified(ctx context.Context, db odb.Reader, w odb.Writer, rec ObjectRecord) (int, error) {
	if rec.Digest.IsZero() {
		return 0, fmt.Errorf("received object without a digest")
	}
	if !rec.Type.Valid() {
		return 0, fmt.Errorf("received object %s with unknown type %q", rec.Digest.Short(), rec.Type)
	}
	computed := odb.HashObject(rec.Type, rec.Data)
	if computed != rec.Digest {
		return 0, fmt.Errorf("object digest mismatch: declared %s, content is %s", rec.Digest, computed)
	}
	ok, err := db.Has(ctx, rec.Digest)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	ps := odb.NewPut(rec.Type, rec.Data)
	d := rec.Digest
	ps.Digest = &d
	if _, err := w.Store(ctx, ps); err != nil {
		return 0, fmt.Errorf("store object %s: %w", rec.Digest.Short(), err)
	}
	return 1, nil
}

// closeOverGraph walks object references from roots and point-fetches
// anything the database is missing, level by level, until the local
// closure is complete.
func closeOverGraph(ctx context.Context, c *Client, db odb.Reader, w odb.Writer, roots []odb.Digest) (int, error) {
	stored := 0
	seen := make(map[odb.Digest]struct{})
	level := append([]odb.Digest(nil), roots...)

	for len(level) > 0 {
		missing := make([]odb.Digest, 0, len(level))
		present := make([]odb.Digest, 0, len(level))
		for _, d := range level {
			if d.IsZero() {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			ok, err := db.Has(ctx, d)
			if err != nil {
				return stored, err
			}
			if ok {
				present = append(present, d)
			} else {
				missing = append(missing, d)
			}
		}

		if len(missing) > 0 {
			records := make([]ObjectRecord, len(missing))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(closureFetchWorkers)
			for i, d := range missing {
				i, d := i, d
				g.Go(func() error {
					rec, err := c.GetObject(gctx, d)
					if err != nil {
						return err
					}
					records[i] = rec
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return stored, err
			}
			for _, rec := range records {
				n, err := storeVerified(ctx, db, w, rec)
				if err != nil {
					return stored, err
				}
				stored += n
			}
			present = append(present, missing...)
		}

		next := make([]odb.Digest, 0, len(present))
		for _, d := range present {
			obj, err := db.Stream(ctx, d)
			if err != nil {
				return stored, err
			}
			if obj.Type == odb.TypeBlob {
				obj.Close()
				continue
			}
			payload, err := obj.Bytes()
			if err != nil {
				return stored, err
			}
			refs, err := objcodec.ReferencedDigests(obj.Type, payload)
			if err != nil {
				return stored, fmt.Errorf("parse object %s (%s): %w", d.Short(), obj.Type, err)
			}
			next = append(next, refs...)
		}
		level = next
	}
	return stored, nil
}

// collectForPush gathers the objects reachable from roots minus those
// reachable from the stop set, in upload-ready form. Stop digests the
// database does not hold are skipped rather than failing the walk.
func collectForPush(ctx context.Context, db odb.Reader, roots, stop []odb.Digest) ([]ObjectRecord, error) {
	stopSet, err := objcodec.Reachable(ctx, db, stop)
	if err != nil {
		return nil, err
	}

	var out []ObjectRecord
	seen := make(map[odb.Digest]struct{})
	stack := append([]odb.Digest(nil), uniqueDigests(roots)...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.IsZero() {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		if _, ok := stopSet[d]; ok {
			continue
		}

		obj, err := db.Stream(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", d.Short(), err)
		}
		payload, err := obj.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, ObjectRecord{Digest: d, Type: obj.Type, Data: payload})

		refs, err := objcodec.ReferencedDigests(obj.Type, payload)
		if err != nil {
			return nil, fmt.Errorf("parse object %s (%s): %w", d.Short(), obj.Type, err)
		}
		stack = append(stack, refs...)
	}
	return out, nil
}

// uniqueDigests drops zero and duplicate digests and sorts the rest
// for stable request bodies.
func uniqueDigests(in []odb.Digest) []odb.Digest {
	seen := make(map[odb.Digest]struct{}, len(in))
	out := make([]odb.Digest, 0, len(in))
	for _, d := range in {
		if d.IsZero() {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// tailDigests returns at most the last max entries of in, preferring
// the most recently learned haves.
func tailDigests(in []odb.Digest, max int) []odb.Digest {
	if len(in) <= max {
		return in
	}
	return in[len(in)-max:]
}
