package transport

import (
	"context"

	"github.com/siltvcs/silt/pkg/objcodec"
	"github.com/siltvcs/silt/pkg/odb"
)

// maxAncestryWalk bounds the fast-forward check on pathological
// histories. Past the cap the answer degrades to "not an ancestor",
// which rejects rather than corrupts.
const maxAncestryWalk = 10000

// isAncestor reports whether anc is reachable from desc by following
// commit parents, peeling annotated tags along the way. Digests absent
// from the database end their branch of the walk; the remote side
// still enforces its own fast-forward rule, so a local "false" here is
// safe.
func isAncestor(ctx context.Context, db odb.Reader, anc, desc odb.Digest) (bool, error) {
	if anc.IsZero() || desc.IsZero() {
		return false, nil
	}
	if anc == desc {
		return true, nil
	}

	seen := make(map[odb.Digest]struct{})
	queue := []odb.Digest{desc}
	visited := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		d := queue[0]
		queue = queue[1:]
		if d == anc {
			return true, nil
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		visited++
		if visited > maxAncestryWalk {
			return false, nil
		}

		ok, err := db.Has(ctx, d)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		obj, err := db.Stream(ctx, d)
		if err != nil {
			return false, err
		}
		switch obj.Type {
		case odb.TypeCommit:
			payload, err := obj.Bytes()
			if err != nil {
				return false, err
			}
			commit, err := objcodec.DecodeCommit(payload)
			if err != nil {
				return false, err
			}
			queue = append(queue, commit.Parents...)
		case odb.TypeTag:
			payload, err := obj.Bytes()
			if err != nil {
				return false, err
			}
			tag, err := objcodec.DecodeTag(payload)
			if err != nil {
				return false, err
			}
			queue = append(queue, tag.Object)
		default:
			obj.Close()
		}
	}
	return false, nil
}
