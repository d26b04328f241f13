package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydrizzle/pkg/drizzle"
)

func planExposure(name string, chips int, expTime float64) *drizzle.Exposure {
	e := &drizzle.Exposure{
		Name:          name,
		ExpTime:       expTime,
		OutputSingle:  "/data/out/" + name + "_single_sci.fits",
		OutputFinal:   "/data/out/final_drz.fits",
		OutputContext: "/data/out/final_ctx.fits",
	}
	for v := 1; v <= chips; v++ {
		e.Chips = append(e.Chips, &drizzle.Chip{ExtName: "SCI", ExtVer: v, DataFile: "/data/" + name + "_flt.fits", ExpTime: expTime})
	}
	return e
}

func planStages() []stagePlan {
	fill := float32(-1)
	return []stagePlan{
		{Stage: drizzle.StageSeparate, Params: drizzle.ParamRecord{
			Stage: drizzle.StageSeparate, Kernel: "turbo", PixFrac: 1, Units: drizzle.UnitsRate, WeightScale: "exptime",
		}},
		{Stage: drizzle.StageFinal, Params: drizzle.ParamRecord{
			Stage: drizzle.StageFinal, Kernel: "square", PixFrac: 0.8, FillValue: &fill, Units: drizzle.UnitsCounts,
			WeightType: drizzle.WeightEXP, WeightScale: "exptime", Context: true,
		}},
	}
}

func TestRenderPlan(t *testing.T) {
	exposures := []*drizzle.Exposure{planExposure("j1", 2, 400), planExposure("j2", 1, 300)}

	var buf bytes.Buffer
	require.NoError(t, renderPlan(&buf, exposures, planStages()))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plan", buf.Bytes())
}

func TestRenderPlan_ManyContributorsNeedMorePlanes(t *testing.T) {
	var exposures []*drizzle.Exposure
	for i := 0; i < 20; i++ {
		exposures = append(exposures, planExposure(fmt.Sprintf("e%02d", i), 2, 100))
	}

	var buf bytes.Buffer
	require.NoError(t, renderPlan(&buf, exposures, planStages()[1:]))
	assert.Contains(t, buf.String(), "Ctx planes: 2\n")
	assert.Contains(t, buf.String(), "final_drz.fits  (40 chips, 2000s)")
}

func TestRenderPlan_NoExposures(t *testing.T) {
	err := renderPlan(&bytes.Buffer{}, nil, planStages())
	assert.Equal(t, drizzle.CodeConfiguration, drizzle.ErrorCodeOf(err))
}

func TestPlanCommand(t *testing.T) {
	dir := setupRun(t)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"plan", "-c", filepath.Join(dir, "run.yaml"), "--stage", "final"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "=== Stage final ===")
	assert.Contains(t, out.String(), "j1_flt.fits[SCI,1]")
	assert.Contains(t, out.String(), "j2_flt.fits[SCI,1]")
	assert.NotContains(t, out.String(), "separate")
}
