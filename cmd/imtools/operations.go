package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOperationsCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List the main operations and hooks workflows can reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := root.newRegistry(nil)
			if err != nil {
				return err
			}
			mains, hooks := reg.Names()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Main operations:")
			for _, name := range mains {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, "Hooks:")
			for _, name := range hooks {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}
