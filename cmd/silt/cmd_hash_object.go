package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/odb"
)

func newHashObjectCmd() *cobra.Command {
	var (
		typeName string
		write    bool
		useStdin bool
	)

	cmd := &cobra.Command{
		Use:   "hash-object [file...]",
		Short: "Compute object digests, optionally storing the objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !useStdin && len(args) == 0 {
				return fmt.Errorf("no input: name at least one file or pass --stdin")
			}
			t, err := odb.ParseType(typeName)
			if err != nil {
				return err
			}

			var repo *repository
			if write {
				repo, err = openRepo(".")
				if err != nil {
					return err
				}
				defer repo.Close()
			}

			emit := func(data []byte) error {
				if write {
					d, err := repo.odb.Store(cmd.Context(), odb.NewPut(t, data))
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), d)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), odb.HashObject(t, data))
				return nil
			}

			if useStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				if err := emit(data); err != nil {
					return err
				}
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := emit(data); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", "blob", "object type (blob, tree, commit, tag)")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "store the object instead of just hashing")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "read content from standard input")
	return cmd
}
