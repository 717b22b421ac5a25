package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/transport"
)

func newPushCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "push <remote> <refspec>...",
		Short: "Upload objects to a remote and update its refs",
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

			infos, err := rem.Push(cmd.Context(), specs)
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
				if info.Flags&(transport.PushFastForward|transport.PushForcedUpdate) != 0 {
					line += fmt.Sprintf(" %s..%s", info.RemoteDigest.Short(), info.LocalDigest.Short())
				}
				if info.Note != "" {
					line += " (" + info.Note + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				if info.Flags&(transport.PushRejected|transport.PushRemoteRejected|transport.PushError) != 0 {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("failed to push %d of %d ref(s) to %s", failed, len(infos), rem.URL())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "allow non-fast-forward updates for every refspec")
	return cmd
}
