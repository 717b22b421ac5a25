package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/transport"
)

func newFetchCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "fetch <remote> <refspec>...",
		Short: "Fetch objects from a remote and update local refs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			specs, err := parseRefSpecArgs(args[1:], force)
			if err != nil {
				return err
			}
			rem, err := openRemote(repo, args[0])
			if err != nil {
				return err
			}

			infos, err := rem.Fetch(cmd.Context(), specs)
			if err != nil {
				return err
			}

			failed := 0
			for _, info := range infos {
				name := info.Ref
				if name == "" {
					name = info.Spec.String()
				}
				line := fmt.Sprintf("%s: %s", name, info.Flags)
				if info.Flags&(transport.FetchFastForward|transport.FetchForcedUpdate|transport.FetchTagUpdate) != 0 {
					line += fmt.Sprintf(" %s..%s", info.Old.Short(), info.New.Short())
				}
				if info.Note != "" {
					line += " (" + info.Note + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				if info.Flags&(transport.FetchRejected|transport.FetchError) != 0 {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("failed to fetch %d of %d ref(s) from %s", failed, len(infos), rem.URL())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "allow non-fast-forward updates for every refspec")
	return cmd
}
