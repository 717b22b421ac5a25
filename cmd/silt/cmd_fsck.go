package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/objcodec"
	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/refs"
)

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Verify object integrity, reachability edges, and refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()
			ctx := cmd.Context()

			var merr *multierror.Error

			// Every object once, even when a digest is both loose and packed.
			seen := make(map[odb.Digest]struct{})
			referrer := make(map[odb.Digest]odb.Digest)
			it, err := repo.odb.Digests(ctx)
			if err != nil {
				return err
			}
			for it.Next() {
				d := it.Digest()
				if _, dup := seen[d]; dup {
					continue
				}
				seen[d] = struct{}{}

				obj, err := repo.odb.Stream(ctx, d)
				if err != nil {
					merr = multierror.Append(merr, fmt.Errorf("read %s: %w", d, err))
					continue
				}
				data, err := obj.Bytes()
				if err != nil {
					merr = multierror.Append(merr, err)
					continue
				}
				if got := odb.HashObject(obj.Type, data); got != d {
					merr = multierror.Append(merr, fmt.Errorf("object %s: content hashes to %s", d, got))
					continue
				}
				out, err := objcodec.ReferencedDigests(obj.Type, data)
				if err != nil {
					merr = multierror.Append(merr, fmt.Errorf("parse %s (%s): %w", d, obj.Type, err))
					continue
				}
				for _, rd := range out {
					if _, ok := referrer[rd]; !ok {
						referrer[rd] = d
					}
				}
			}
			if err := it.Err(); err != nil {
				merr = multierror.Append(merr, err)
			}
			it.Close()

			missing := make([]odb.Digest, 0)
			for rd := range referrer {
				if _, ok := seen[rd]; !ok {
					missing = append(missing, rd)
				}
			}
			sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })
			for _, rd := range missing {
				merr = multierror.Append(merr, fmt.Errorf("missing object %s referenced by %s", rd, referrer[rd]))
			}

			listing, err := repo.refs.References()
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			names := make([]string, 0, len(listing))
			for name := range listing {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if _, ok := seen[listing[name]]; !ok {
					merr = multierror.Append(merr, fmt.Errorf("ref %s points at missing object %s", name, listing[name]))
				}
			}
			// An unborn HEAD is a fresh repository, not a defect.
			if d, err := repo.refs.Resolve(ctx, "HEAD"); err == nil {
				if _, ok := seen[d]; !ok {
					merr = multierror.Append(merr, fmt.Errorf("HEAD points at missing object %s", d))
				}
			} else if !errors.Is(err, refs.ErrNotFound) {
				merr = multierror.Append(merr, err)
			}

			packSum, err := repo.packs.Verify(ctx)
			if err != nil {
				merr = multierror.Append(merr, err)
			}

			if problems := merr.ErrorOrNil(); problems != nil {
				return problems
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d object(s), %d pack(s) holding %d packed object(s), %d ref(s)\n",
				len(seen), packSum.Packs, packSum.Objects, len(listing))
			return nil
		},
	}
}
