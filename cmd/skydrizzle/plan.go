package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"skydrizzle/internal/config"
	"skydrizzle/pkg/drizzle"
)

// NewPlanCommand creates the plan command, which lists the output groups a
// run would produce without reading pixels.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	var configPath, stage string

	cmd := &cobra.Command{
		Use:           "plan",
		Short:         "Show the output groups of a run",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			plans, err := resolveStages(cfg, stage)
			if err != nil {
				return err
			}
			exposures, err := cfg.Exposures(drizzle.FileStore{})
			if err != nil {
				return err
			}
			rootOpts.Logger().Debug("planning run")
			return renderPlan(cmd.OutOrStdout(), exposures, plans)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run configuration (YAML)")
	cmd.Flags().StringVar(&stage, "stage", "both", "stage to plan (separate|final|both)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func renderPlan(w io.Writer, exposures []*drizzle.Exposure, plans []stagePlan) error {
	for _, plan := range plans {
		groups, err := drizzle.PlanGroups(exposures, plan.Stage)
		if err != nil {
			return err
		}
		ctx := drizzle.NewContextAccumulator(drizzle.TotalExpected(groups), plan.Params.ProvenanceEnabled() && groups[0].Context != "")
		p := plan.Params
		weights := p.WeightType
		if weights == "" {
			weights = "uniform"
		}

		fmt.Fprintf(w, "=== Stage %s ===\n", plan.Stage)
		fmt.Fprintf(w, "  Kernel:     %s (pixfrac %g, fill %s)\n", p.Kernel, p.PixFrac, p.FillString())
		fmt.Fprintf(w, "  Units:      %s\n", p.Units)
		fmt.Fprintf(w, "  Weights:    %s x %s\n", weights, p.WeightScale)
		fmt.Fprintf(w, "  Ctx planes: %d\n", ctx.Planes())
		for _, g := range groups {
			fmt.Fprintf(w, "  %s  (%d chips, %gs)\n", filepath.Base(g.Name), g.Expected(), g.ExpTime)
			for _, e := range g.Entries {
				fmt.Fprintf(w, "    %s\n", e.Chip.Name())
			}
		}
	}
	return nil
}
