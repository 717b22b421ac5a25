package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/conf"
)

func parseConfigLevel(s string, forWrite bool) (conf.Level, error) {
	switch s {
	case "":
		if forWrite {
			return conf.Repository, nil
		}
		return conf.Merged, nil
	case "system":
		return conf.System, nil
	case "global":
		return conf.Global, nil
	case "repository", "repo", "local":
		return conf.Repository, nil
	case "merged":
		if forWrite {
			return 0, fmt.Errorf("config: merged view is read-only")
		}
		return conf.Merged, nil
	}
	return 0, fmt.Errorf("unknown config level %q (system, global, repository)", s)
}

func newConfigCmd() *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write layered configuration",
	}
	cmd.PersistentFlags().StringVar(&level, "level", "", "config level (system, global, repository; reads default to merged)")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := parseConfigLevel(level, false)
			if err != nil {
				return err
			}
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			view, err := repo.conf.Reader(lvl)
			if err != nil {
				return err
			}
			val, ok := view.Get(args[0])
			if !ok {
				return fmt.Errorf("config key %q is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := parseConfigLevel(level, true)
			if err != nil {
				return err
			}
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			w, err := repo.conf.Writer(lvl)
			if err != nil {
				return err
			}
			if err := w.Set(args[0], conf.ParseValue(args[1])); err != nil {
				w.Discard()
				return err
			}
			return w.Close()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove one configuration key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := parseConfigLevel(level, true)
			if err != nil {
				return err
			}
			repo, err := openRepo(".")
			if err != nil {
				return err
			}
			defer repo.Close()

			w, err := repo.conf.Writer(lvl)
			if err != nil {
				return err
			}
			if err := w.Unset(args[0]); err != nil {
				w.Discard()
				return err
			}
			return w.Close()
		},
	})

	return cmd
}
