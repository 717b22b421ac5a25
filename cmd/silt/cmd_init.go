package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/layout"
)

func newInitCmd() *cobra.Command {
	var bare bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty silt repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			lay, err := layout.Init(path, bare)
			if err != nil {
				return err
			}

			kind := "silt repository"
			if lay.IsBare() {
				kind = "bare silt store"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty %s in %s\n", kind, lay.MetaDir()+string(filepath.Separator))
			return nil
		},
	}

	cmd.Flags().BoolVar(&bare, "bare", false, "create a bare store without a work tree")
	return cmd
}
