package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"skydrizzle/internal/version"
	"skydrizzle/pkg/tdriz"
)

// NewVersionCommand prints build metadata.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "skydrizzle %s\n", version.String())
			fmt.Fprintf(cmd.OutOrStdout(), "kernel     %s\n", tdriz.Version)
			return nil
		},
	}
}
