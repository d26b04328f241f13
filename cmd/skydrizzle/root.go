package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skydrizzle/internal/logging"
)

// RootOptions holds the global flags and the logger they configure.
type RootOptions struct {
	Verbose bool

	log *zap.Logger
}

// Logger returns the logger built for the running command.
func (o *RootOptions) Logger() *zap.Logger {
	if o.log == nil {
		return zap.NewNop()
	}
	return o.log
}

// NewRootCommand creates the skydrizzle command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "skydrizzle",
		Short: "Resample exposures onto a common sky frame",
		Long: `skydrizzle drizzles multi-chip exposures onto a shared output frame.

The separate stage writes one product per exposure; the final stage
combines every exposure into a single product with provenance planes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(opts.Verbose)
			if err != nil {
				return err
			}
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync(opts.log)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
