package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siltvcs/silt/pkg/logging"
)

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:   "silt",
		Short: "Content-addressed object storage with refs and an HTTP transport",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log verbosity (trace, debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newHashObjectCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newCountCmd())
	root.AddCommand(newDigestsCmd())
	root.AddCommand(newRefsCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newPushCmd())
	root.AddCommand(newRepackCmd())
	root.AddCommand(newFsckCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("silt 0.1.0-dev")
		},
	}
}
