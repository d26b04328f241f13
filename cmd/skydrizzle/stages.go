package main

import (
	"errors"

	"skydrizzle/internal/config"
	"skydrizzle/pkg/drizzle"
)

// stagePlan is one stage to execute with its resolved parameters.
type stagePlan struct {
	Stage  drizzle.Stage
	Params drizzle.ParamRecord
}

// resolveStages picks the stages named by flag: "separate", "final", or
// "both" for every enabled stage in pipeline order. A stage named
// explicitly must be enabled.
func resolveStages(cfg *config.Config, flag string) ([]stagePlan, error) {
	var wanted []drizzle.Stage
	explicit := flag != "both" && flag != ""
	if explicit {
		s, err := drizzle.ParseStage(flag)
		if err != nil {
			return nil, err
		}
		wanted = []drizzle.Stage{s}
	} else {
		wanted = []drizzle.Stage{drizzle.StageSeparate, drizzle.StageFinal}
	}

	dc := cfg.Drizzle()
	var plans []stagePlan
	for _, s := range wanted {
		params, err := drizzle.ResolveParams(dc, s)
		if errors.Is(err, drizzle.ErrStageDisabled) && !explicit {
			continue
		}
		if err != nil {
			return nil, err
		}
		plans = append(plans, stagePlan{Stage: s, Params: params})
	}
	if len(plans) == 0 {
		return nil, errors.New("no enabled stage to run")
	}
	return plans, nil
}
