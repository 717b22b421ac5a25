package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/odb"
)

func newRefsCmd() *cobra.Command {
	var (
		headsOnly bool
		tagsOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "refs",
		Short: "List references and their digests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if headsOnly && tagsOnly {
				return fmt.Errorf("--heads and --tags are mutually exclusive")
			}
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			var listing map[string]odb.Digest
			switch {
			case headsOnly:
				listing, err = repo.refs.Heads()
			case tagsOnly:
				listing, err = repo.refs.Tags()
			default:
				listing, err = repo.refs.References()
			}
			if err != nil {
				return err
			}

			names := make([]string, 0, len(listing))
			for name := range listing {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", listing[name], name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&headsOnly, "heads", false, "list only refs/heads, with short names")
	cmd.Flags().BoolVar(&tagsOnly, "tags", false, "list only refs/tags, with short names")
	return cmd
}
