package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skydrizzle/internal/config"
	"skydrizzle/internal/ledger"
	"skydrizzle/internal/product"
	"skydrizzle/internal/version"
	"skydrizzle/pkg/drizzle"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	Config   string
	Stage    string
	Ledger   string
	Preview  bool
	Prefetch int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drizzle the configured exposures",
		Long: `Run resamples every exposure of the configuration onto the output
frame of each selected stage and writes the products next to the
configuration file unless output.dir says otherwise.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrizzle(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "run configuration (YAML)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "both", "stage to run (separate|final|both)")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "SQLite database recording every product")
	cmd.Flags().BoolVar(&opts.Preview, "preview", false, "write a coverage preview JPEG beside each product")
	cmd.Flags().IntVar(&opts.Prefetch, "prefetch", 4, "chips loaded concurrently ahead of accumulation")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runDrizzle(ctx context.Context, rootOpts *RootOptions, opts *RunOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := rootOpts.Logger()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	plans, err := resolveStages(cfg, opts.Stage)
	if err != nil {
		return err
	}

	store := drizzle.FileStore{}
	exposures, err := cfg.Exposures(store)
	if err != nil {
		return err
	}

	driverOpts := []drizzle.Option{
		drizzle.WithLogger(log),
		drizzle.WithPrefetch(opts.Prefetch),
		drizzle.WithVersions(map[string]string{"skydrizzle": version.Version}),
	}
	if opts.Ledger != "" {
		l, err := ledger.Open(opts.Ledger, log)
		if err != nil {
			return err
		}
		defer l.Close()
		driverOpts = append(driverOpts, drizzle.WithRecorder(l))
	}
	if opts.Preview {
		driverOpts = append(driverOpts, drizzle.WithPreview(writePreview))
	}

	writer := &product.Writer{Store: store, Log: log}
	driver := drizzle.NewDriver(store, drizzle.DefaultKernel, writer, driverOpts...)

	for _, plan := range plans {
		outWCS, err := cfg.OutputWCS(store, plan.Stage)
		if err != nil {
			return err
		}
		start := time.Now()
		report, err := driver.Run(ctx, exposures, outWCS, plan.Params)
		if report != nil {
			renderReport(out, report, time.Since(start))
		}
		if err != nil {
			return fmt.Errorf("%s stage: %w", plan.Stage, err)
		}
		log.Info("stage complete", zap.Stringer("stage", plan.Stage), zap.Int("products", len(report.Groups)))
	}
	return nil
}

// writePreview stores a coverage JPEG as <product>_cov.jpg.
func writePreview(name string, jpeg []byte) error {
	path := strings.TrimSuffix(name, filepath.Ext(name)) + "_cov.jpg"
	return os.WriteFile(path, jpeg, 0o644)
}

func renderReport(w io.Writer, r *drizzle.Report, elapsed time.Duration) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== Drizzle %s (%.1fs) ===\n", r.Stage, elapsed.Seconds())
	fmt.Fprintf(w, "  Run ID:      %s\n", r.RunID)
	fmt.Fprintf(w, "  Mapping:     %s\n", r.Mapping)
	if r.KernelVersion != "" {
		fmt.Fprintf(w, "  Kernel:      %s\n", r.KernelVersion)
	}
	fmt.Fprintf(w, "  Ctx planes:  %d\n", r.Planes)
	for _, g := range r.Groups {
		fmt.Fprintf(w, "  %-32s n=%d  nmiss=%d  nskip=%d  covered=%.1f%%  %s\n",
			filepath.Base(g.Name), g.Contributors, g.NMiss, g.NSkip, g.Coverage*100, g.BUnit)
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "  ---")
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warn)
		}
	}
	fmt.Fprintln(w, "==============================")
}
