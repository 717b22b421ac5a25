package objcodec

import (
	"context"
	"fmt"

	"github.com/siltvcs/silt/pkg/odb"
)

// ReferencedDigests returns the outbound edges of one object payload:
// tree and parents for a commit, entry digests for a tree, the target
// for a tag. Blobs reference nothing.
func ReferencedDigests(t odb.Type, payload []byte) ([]odb.Digest, error) {
	switch t {
	case odb.TypeBlob:
		return nil, nil
	case odb.TypeCommit:
		c, err := DecodeCommit(payload)
		if err != nil {
			return nil, err
		}
		out := make([]odb.Digest, 0, 1+len(c.Parents))
		out = append(out, c.Tree)
		out = append(out, c.Parents...)
		return out, nil
	case odb.TypeTree:
		tr, err := DecodeTree(payload)
		if err != nil {
			return nil, err
		}
		out := make([]odb.Digest, 0, len(tr.Entries))
		for _, e := range tr.Entries {
			out = append(out, e.Digest)
		}
		return out, nil
	case odb.TypeTag:
		tag, err := DecodeTag(payload)
		if err != nil {
			return nil, err
		}
		return []odb.Digest{tag.Object}, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", t)
	}
}

// Reachable returns every digest reachable from roots by following object
// references in src. Roots absent from src are skipped rather than
// reported, so callers can seed the walk with unverified digests.
func Reachable(ctx context.Context, src odb.Reader, roots []odb.Digest) (map[odb.Digest]struct{}, error) {
	out := make(map[odb.Digest]struct{}, len(roots))
	stack := make([]odb.Digest, 0, len(roots))
	stack = append(stack, roots...)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.IsZero() {
			continue
		}
		if _, ok := out[d]; ok {
			continue
		}
		ok, err := src.Has(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("reachable probe %s: %w", d, err)
		}
		if !ok {
			continue
		}
		out[d] = struct{}{}

		obj, err := src.Stream(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("reachable read %s: %w", d, err)
		}
		if obj.Type == odb.TypeBlob {
			obj.Close()
			continue
		}
		payload, err := obj.Bytes()
		if err != nil {
			return nil, fmt.Errorf("reachable read %s: %w", d, err)
		}
		refs, err := ReferencedDigests(obj.Type, payload)
		if err != nil {
			return nil, fmt.Errorf("reachable parse %s (%s): %w", d, obj.Type, err)
		}
		stack = append(stack, refs...)
	}
	return out, nil
}
