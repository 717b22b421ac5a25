package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDigestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digests",
		Short: "List every stored object digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			it, err := repo.odb.Digests(cmd.Context())
			if err != nil {
				return err
			}
			defer it.Close()
			for it.Next() {
				fmt.Fprintln(cmd.OutOrStdout(), it.Digest())
			}
			return it.Err()
		},
	}
}
