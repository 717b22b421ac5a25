package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count stored objects per backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			looseN, err := repo.loose.Count(cmd.Context())
			if err != nil {
				return err
			}
			packedN, err := repo.packs.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loose: %d\npacked: %d\ntotal: %d\n", looseN, packedN, looseN+packedN)
			return nil
		},
	}
}
