package odb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/siltvcs/silt/pkg/logging"
)

// Compound aggregates an ordered list of databases behind one Reader.
// Member order is lookup precedence: the first member holding a digest
// serves it, later members never see the request. The compound holds
// non-owning handles; whoever assembled it owns the members.
//
// Writes are not defined for the aggregation itself. They fail with
// ErrNotSupported unless a write target has been designated.
type Compound struct {
	members []Database
	write   Writer
	log     logging.Logger
}

func NewCompound(members ...Database) *Compound {
	ms := make([]Database, len(members))
	copy(ms, members)
	return &Compound{
		members: ms,
		log:     logging.Default().WithField("component", "compound"),
	}
}

// Databases returns the members in lookup order. The slice is a copy;
// membership is fixed at construction.
func (c *Compound) Databases() []Database {
	out := make([]Database, len(c.members))
	copy(out, c.members)
	return out
}

// SetWriteTarget designates where Store and SetSink are routed. Passing
// nil makes the compound read-only again.
func (c *Compound) SetWriteTarget(w Writer) {
	c.write = w
}

func (c *Compound) Has(ctx context.Context, d Digest) (bool, error) {
	for _, m := range c.members {
		found, err := m.Has(ctx, d)
		if err != nil {
			return false, fmt.Errorf("compound has %s: %w", d.Short(), err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (c *Compound) Info(ctx context.Context, d Digest) (Info, error) {
	for _, m := range c.members {
		info, err := m.Info(ctx, d)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return Info{}, fmt.Errorf("compound info %s: %w", d.Short(), err)
	}
	return Info{}, &BadObjectError{Ref: d.String()}
}

func (c *Compound) Stream(ctx context.Context, d Digest) (*Object, error) {
	for _, m := range c.members {
		obj, err := m.Stream(ctx, d)
		if err == nil {
			return obj, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return nil, fmt.Errorf("compound stream %s: %w", d.Short(), err)
	}
	return nil, &BadObjectError{Ref: d.String()}
}

// Count sums the member counts. An object present in two members is
// counted twice, as the members are independent stores.
func (c *Compound) Count(ctx context.Context) (int64, error) {
	var total int64
	for _, m := range c.members {
		n, err := m.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("compound count: %w", err)
		}
		total += n
	}
	return total, nil
}

// Digests chains the member iterations in order. A digest held by two
// members appears twice.
func (c *Compound) Digests(ctx context.Context) (DigestIterator, error) {
	return &compoundDigestIterator{ctx: ctx, members: c.members}, nil
}

// ResolvePrefix aggregates candidates across every member before
// deciding, so a prefix unique within each member but claimed by two of
// them is still reported ambiguous. The same digest found in several
// members is one candidate.
func (c *Compound) ResolvePrefix(ctx context.Context, p Prefix) (Digest, error) {
	seen := make(map[Digest]struct{})
	for _, m := range c.members {
		d, err := m.ResolvePrefix(ctx, p)
		switch {
		case err == nil:
			seen[d] = struct{}{}
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrAmbiguous):
			var amb *AmbiguousDigestError
			if !errors.As(err, &amb) {
				return ZeroDigest, fmt.Errorf("compound resolve %s: %w", p, err)
			}
			for _, cd := range amb.Candidates {
				seen[cd] = struct{}{}
			}
		default:
			return ZeroDigest, fmt.Errorf("compound resolve %s: %w", p, err)
		}
	}
	switch len(seen) {
	case 0:
		return ZeroDigest, &BadObjectError{Ref: p.Hex()}
	case 1:
		for d := range seen {
			return d, nil
		}
	}
	candidates := make([]Digest, 0, len(seen))
	for d := range seen {
		candidates = append(candidates, d)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})
	return ZeroDigest, &AmbiguousDigestError{Prefix: p.Hex(), Candidates: candidates}
}

func (c *Compound) Store(ctx context.Context, ps *PutStream) (Digest, error) {
	if c.write == nil {
		return ZeroDigest, fmt.Errorf("compound store: no write target: %w", ErrNotSupported)
	}
	return c.write.Store(ctx, ps)
}

func (c *Compound) SetSink(w io.Writer) (io.Writer, error) {
	if c.write == nil {
		return nil, fmt.Errorf("compound sink: no write target: %w", ErrNotSupported)
	}
	return c.write.SetSink(w)
}

// Refresh fans out to every member implementing Refresher, in member
// order, and keeps going past failures. It reports whether any member's
// state changed; errors are collected per member. Refresh is not
// transactional: a concurrent reader may briefly observe some members
// refreshed and others not.
func (c *Compound) Refresh(ctx context.Context, force bool) (bool, error) {
	var (
		changed bool
		merr    *multierror.Error
	)
	for i, m := range c.members {
		r, ok := m.(Refresher)
		if !ok {
			continue
		}
		ch, err := r.Refresh(ctx, force)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("member %d: %w", i, err))
			continue
		}
		if ch {
			changed = true
			c.log.WithFields(logging.Fields{"member": i, "force": force}).
				Debug("member state changed on refresh")
		}
	}
	return changed, merr.ErrorOrNil()
}

type compoundDigestIterator struct {
	ctx     context.Context
	members []Database
	idx     int
	cur     DigestIterator
	d       Digest
	err     error
}

func (it *compoundDigestIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.cur == nil {
			if it.idx >= len(it.members) {
				return false
			}
			cur, err := it.members[it.idx].Digests(it.ctx)
			it.idx++
			if err != nil {
				it.err = err
				return false
			}
			it.cur = cur
		}
		if it.cur.Next() {
			it.d = it.cur.Digest()
			return true
		}
		err := it.cur.Err()
		it.cur.Close()
		it.cur = nil
		if err != nil {
			it.err = err
			return false
		}
	}
}

func (it *compoundDigestIterator) Digest() Digest { return it.d }
func (it *compoundDigestIterator) Err() error     { return it.err }

func (it *compoundDigestIterator) Close() {
	if it.cur != nil {
		it.cur.Close()
		it.cur = nil
	}
	it.idx = len(it.members)
}
