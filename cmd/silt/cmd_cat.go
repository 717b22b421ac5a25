package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newCatCmd() *cobra.Command {
	var (
		showType bool
		showSize bool
	)

	cmd := &cobra.Command{
		Use:   "cat <object>",
		Short: "Print a stored object's content, type, or size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showType && showSize {
				return fmt.Errorf("--type and --size are mutually exclusive")
			}
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			d, err := repo.refs.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if showType || showSize {
				info, err := repo.odb.Info(cmd.Context(), d)
				if err != nil {
					return err
				}
				if showType {
					fmt.Fprintln(cmd.OutOrStdout(), info.Type)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), info.Size)
				}
				return nil
			}

			obj, err := repo.odb.Stream(cmd.Context(), d)
			if err != nil {
				return err
			}
			defer obj.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), obj); err != nil {
				return fmt.Errorf("stream %s: %w", d.Short(), err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showType, "type", "t", false, "print the object type instead of its content")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "print the content size instead of its content")
	return cmd
}
