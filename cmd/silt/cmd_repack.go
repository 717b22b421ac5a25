package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRepackCmd() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "repack",
		Short: "Copy loose objects into a new pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			checksum, packed, err := repo.packs.Repack(cmd.Context(), repo.loose)
			if err != nil {
				return err
			}
			if len(packed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to pack")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "packed %d object(s) into pack-%s\n", len(packed), checksum)

			if !prune {
				return nil
			}
			pruned := 0
			for _, d := range packed {
				if err := repo.loose.Remove(cmd.Context(), d); err != nil {
					return fmt.Errorf("prune %s: %w", d.Short(), err)
				}
				pruned++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d loose object(s)\n", pruned)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "remove loose copies of freshly packed objects")
	return cmd
}
