package drizzle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"skydrizzle/pkg/fits"
	"skydrizzle/pkg/tdriz"
	"skydrizzle/pkg/wcs"
)

func twoExposureStore(t *testing.T) (*MemStore, []*Exposure) {
	t.Helper()
	store := NewMemStore()
	putChipFile(t, store, "a_flt.fits", 100, 0)
	putChipFile(t, store, "b_flt.fits", 100, 0)
	return store, []*Exposure{
		newTestExposure(t, "a", "a_flt.fits", 50, "ELECTRONS"),
		newTestExposure(t, "b", "b_flt.fits", 50, "ELECTRONS"),
	}
}

func TestDriver_TwoChipsOverlap(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	w := &captureWriter{}

	d := NewDriver(store, nil, w, WithRunID("run-1"))
	report, err := d.Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	require.NoError(t, err)

	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 1, report.Planes)
	assert.Equal(t, tdriz.Version, report.KernelVersion)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, 2, report.Groups[0].Contributors)

	require.Len(t, w.products, 1)
	p := w.products[0]
	assert.Equal(t, "final_drz.fits", p.Name)
	require.Len(t, p.Ctx, 1)
	for j := 0; j < chipSize; j++ {
		for i := 0; i < chipSize; i++ {
			k := outIndex(i, j)
			assert.GreaterOrEqual(t, p.Sci[k], float32(100)-1e-3)
			assert.LessOrEqual(t, p.Sci[k], float32(200))
			assert.InDelta(t, 2, p.Wht[k], 1e-6)
			assert.Equal(t, uint32(0b11), p.Ctx[0][k])
		}
	}
	assert.Zero(t, p.Wht[0])
	assert.Zero(t, p.Ctx[0][0])
	assert.Equal(t, "ELECTRONS/S", p.BUnit)
	assert.Equal(t, []int{1, 2}, []int{p.Chips[0].UniqID, p.Chips[1].UniqID})
}

func TestDriver_BuffersZeroBetweenGroups(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	w := &captureWriter{}

	var dirty []string
	kernel := KernelFunc(func(p *tdriz.Params) (tdriz.Result, error) {
		if p.UniqID == 1 {
			for k := range p.OutSci {
				if p.OutSci[k] != 0 || p.OutWht[k] != 0 || p.OutCtx[k] != 0 {
					dirty = append(dirty, "buffers not zero before first chip")
					break
				}
			}
		}
		return tdriz.Drizzle(p)
	})

	d := NewDriver(store, kernel, w)
	report, err := d.Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageSeparate))
	require.NoError(t, err)
	assert.Empty(t, dirty)

	require.Len(t, w.products, 2)
	assert.Equal(t, "a_single_sci.fits", w.products[0].Name)
	assert.Equal(t, "b_single_sci.fits", w.products[1].Name)
	for _, p := range w.products {
		assert.True(t, p.Single)
		assert.InDelta(t, 100, p.Sci[outIndex(4, 4)], 1e-3)
		// exptime weight scaling
		assert.InDelta(t, 50, p.Wht[outIndex(4, 4)], 1e-4)
		assert.Equal(t, uint32(1), p.Ctx[0][outIndex(4, 4)])
	}
	assert.Len(t, report.Groups, 2)
}

func TestDriver_CountsOutput(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "a_flt.fits", 100, 0)
	exposures := []*Exposure{newTestExposure(t, "a", "a_flt.fits", 50, "COUNTS/S")}

	rate := &captureWriter{}
	_, err := NewDriver(store, nil, rate).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Final.Units = UnitsCounts
	counts := &captureWriter{}
	_, err = NewDriver(store, nil, counts).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, cfg, StageFinal))
	require.NoError(t, err)

	require.Len(t, counts.products, 1)
	assert.Equal(t, "COUNTS", counts.products[0].BUnit)
	assert.Empty(t, rate.products[0].BUnit)
	for k, v := range rate.products[0].Sci {
		assert.InDelta(t, v*50, counts.products[0].Sci[k], 1e-2)
	}
}

func TestDriver_NativeGainDivision(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "a_flt.fits", 100, 0)
	exp := newTestExposure(t, "a", "a_flt.fits", 10, "COUNTS")
	exp.Chips[0].Gain = 2

	cfg := testConfig()
	cfg.ProcUnit = "native"
	w := &captureWriter{}
	_, err := NewDriver(store, nil, w).Run(context.Background(), []*Exposure{exp}, testOutputWCS(t), resolve(t, cfg, StageFinal))
	require.NoError(t, err)

	require.Len(t, w.products, 1)
	assert.Equal(t, "counts", w.products[0].BUnit)
	assert.InDelta(t, 50, w.products[0].Sci[outIndex(0, 0)], 1e-3)
}

func TestDriver_AllInvalidChipContributesNothing(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "good_flt.fits", 100, 0)
	putChipFile(t, store, "bad_flt.fits", 900, 4)
	good := newTestExposure(t, "good", "good_flt.fits", 50, "ELECTRONS")
	bad := newTestExposure(t, "bad", "bad_flt.fits", 50, "ELECTRONS")

	cfg := testConfig()
	fill := float32(-7)
	cfg.Final.FillValue = &fill

	w := &captureWriter{}
	_, err := NewDriver(store, nil, w).Run(context.Background(), []*Exposure{bad}, testOutputWCS(t), resolve(t, cfg, StageFinal))
	require.NoError(t, err)
	for k := range w.products[0].Sci {
		assert.Equal(t, fill, w.products[0].Sci[k])
		assert.Zero(t, w.products[0].Wht[k])
		assert.Zero(t, w.products[0].Ctx[0][k])
	}

	w = &captureWriter{}
	_, err = NewDriver(store, nil, w).Run(context.Background(), []*Exposure{good, bad}, testOutputWCS(t), resolve(t, cfg, StageFinal))
	require.NoError(t, err)
	p := w.products[0]
	k := outIndex(3, 7)
	assert.InDelta(t, 100, p.Sci[k], 1e-3)
	assert.InDelta(t, 1, p.Wht[k], 1e-6)
	assert.Equal(t, uint32(1), p.Ctx[0][k])
	assert.Equal(t, fill, p.Sci[0])
}

func TestDriver_FillValueFollowsOutputUnits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		units string
		want  float32
	}{
		{UnitsRate, -7},
		{UnitsCounts, -7 * 50},
	}
	for _, tt := range tests {
		t.Run(tt.units, func(t *testing.T) {
			t.Parallel()
			store := NewMemStore()
			putChipFile(t, store, "bad_flt.fits", 900, 4)
			bad := newTestExposure(t, "bad", "bad_flt.fits", 50, "ELECTRONS")

			cfg := testConfig()
			fill := float32(-7)
			cfg.Final.FillValue = &fill
			cfg.Final.Units = tt.units

			w := &captureWriter{}
			_, err := NewDriver(store, nil, w).Run(context.Background(), []*Exposure{bad}, testOutputWCS(t), resolve(t, cfg, StageFinal))
			require.NoError(t, err)
			require.Len(t, w.products, 1)
			assert.InDelta(t, tt.want, w.products[0].Sci[0], 1e-3)
		})
	}
}

func TestDriver_MissingStaticMaskWarns(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	exposures[0].Chips[0].StaticMask = "missing_static.fits"

	core, logs := observer.New(zap.WarnLevel)
	w := &captureWriter{}
	report, err := NewDriver(store, nil, w, WithLogger(zap.New(core))).
		Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "static", report.Warnings[0].Mask)
	assert.Equal(t, "missing_static.fits", report.Warnings[0].Path)
	assert.Equal(t, 1, logs.FilterMessage("skipping mask").Len())
	assert.InDelta(t, 2, w.products[0].Wht[outIndex(0, 0)], 1e-6)
}

func TestDriver_OutlierMaskByStage(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "a_flt.fits", 100, 0)
	flagged := 3*chipSize + 3
	putMask(t, store, "a_crmask.fits", flagged)
	exp := newTestExposure(t, "a", "a_flt.fits", 50, "ELECTRONS")
	exp.Chips[0].CRMask = "a_crmask.fits"

	cfg := testConfig()
	crbit := int16(4096)
	cfg.CRBit = &crbit

	sep := &captureWriter{}
	_, err := NewDriver(store, nil, sep).Run(context.Background(), []*Exposure{exp}, testOutputWCS(t), resolve(t, cfg, StageSeparate))
	require.NoError(t, err)
	assert.InDelta(t, 50, sep.products[0].Wht[outIndex(3, 3)], 1e-4)
	dq := readDQ(t, store, "a_flt.fits")
	assert.Zero(t, dq[flagged])

	fin := &captureWriter{}
	_, err = NewDriver(store, nil, fin).Run(context.Background(), []*Exposure{exp}, testOutputWCS(t), resolve(t, cfg, StageFinal))
	require.NoError(t, err)
	assert.Zero(t, fin.products[0].Wht[outIndex(3, 3)])
	assert.InDelta(t, 1, fin.products[0].Wht[outIndex(3, 4)], 1e-6)

	dq = readDQ(t, store, "a_flt.fits")
	assert.Equal(t, int32(4096), dq[flagged])
	assert.Zero(t, dq[flagged+1])
}

func TestDriver_ZeroExposureIsConfigurationError(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	for _, e := range exposures {
		e.ExpTime = 0
		e.Chips[0].ExpTime = 0
	}
	cfg := testConfig()
	cfg.Final.Units = UnitsCounts

	calls := 0
	kernel := KernelFunc(func(p *tdriz.Params) (tdriz.Result, error) {
		calls++
		return tdriz.Drizzle(p)
	})
	_, err := NewDriver(store, kernel, &captureWriter{}).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, cfg, StageFinal))

	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "exptime", ce.Field)
	assert.Zero(t, calls)
}

func TestDriver_PersistenceFailureKeepsEarlierProducts(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	w := &captureWriter{failOn: "b_single_sci.fits"}

	report, err := NewDriver(store, nil, w).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageSeparate))

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "b_single_sci.fits", pe.Product)
	assert.Equal(t, CodePersistence, ErrorCodeOf(err))
	require.Len(t, w.products, 1)
	assert.Equal(t, "a_single_sci.fits", w.products[0].Name)
	assert.Len(t, report.Groups, 1)
}

func TestDriver_MissingInputIsFatal(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	exposures[1].Chips[0].DataFile = "nowhere_flt.fits"

	_, err := NewDriver(store, nil, &captureWriter{}).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	var ie *InputAccessError
	require.ErrorAs(t, err, &ie)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDriver_PrefersSkySubtractedSource(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	putChipFile(t, store, "a_sky.fits", 60, 0)
	exposures[0].Chips[0].SkyFile = "a_sky.fits"

	w := &captureWriter{}
	_, err := NewDriver(store, nil, w).Run(context.Background(), exposures[:1], testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	require.NoError(t, err)
	assert.Equal(t, "a_sky.fits", w.products[0].Chips[0].DataFile)
	assert.InDelta(t, 60, w.products[0].Sci[outIndex(5, 5)], 1e-3)
}

func TestDriver_ErrorWeightsComeFromInputWithSkySource(t *testing.T) {
	t.Parallel()

	for _, sky := range []string{"", "a_sky.fits"} {
		t.Run("sky="+sky, func(t *testing.T) {
			t.Parallel()
			store, exposures := twoExposureStore(t)
			f, _ := store.Get("a_flt.fits")
			f.HDUs = append(f.HDUs, fits.NewFloat32HDU("ERR", 1, chipSize, chipSize, uniformData(2)))
			putChipFile(t, store, "a_sky.fits", 60, 0)

			chip := exposures[0].Chips[0]
			chip.ErrExt = "ERR"
			chip.SkyFile = sky

			cfg := testConfig()
			cfg.Final.WeightType = WeightERR
			w := &captureWriter{}
			report, err := NewDriver(store, nil, w).Run(context.Background(), exposures[:1], testOutputWCS(t), resolve(t, cfg, StageFinal))
			require.NoError(t, err)

			assert.Empty(t, report.Warnings)
			assert.InDelta(t, 0.25, w.products[0].Wht[outIndex(5, 5)], 1e-6)
		})
	}
}

func TestDriver_PrefetchMatchesSequential(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	var exposures []*Exposure
	for i, name := range []string{"a", "b", "c"} {
		file := name + "_flt.fits"
		putChipFile(t, store, file, float32(100*(i+1)), 0)
		exposures = append(exposures, newTestExposure(t, name, file, 50, "ELECTRONS"))
	}
	params := resolve(t, testConfig(), StageFinal)

	seq := &captureWriter{}
	_, err := NewDriver(store, nil, seq).Run(context.Background(), exposures, testOutputWCS(t), params)
	require.NoError(t, err)
	par := &captureWriter{}
	_, err = NewDriver(store, nil, par, WithPrefetch(3)).Run(context.Background(), exposures, testOutputWCS(t), params)
	require.NoError(t, err)

	assert.Equal(t, seq.products[0].Sci, par.products[0].Sci)
	assert.Equal(t, seq.products[0].Ctx, par.products[0].Ctx)
	assert.InDelta(t, 200, par.products[0].Sci[outIndex(2, 2)], 1e-3)
	assert.Equal(t, uint32(0b111), par.products[0].Ctx[0][outIndex(2, 2)])
}

func TestDriver_UserMappingProvider(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	exposures[0].ShiftX = 2

	w := &captureWriter{}
	d := NewDriver(store, nil, w, WithMappingProvider(UserMappingProvider{New: NewWCSMap}))
	report, err := d.Run(context.Background(), exposures[:1], testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	require.NoError(t, err)
	assert.Equal(t, "user", report.Mapping)

	p := w.products[0]
	assert.Zero(t, p.Wht[outIndex(1, 0)])
	assert.InDelta(t, 1, p.Wht[outIndex(2, 0)], 1e-6)
	// the last chip column is shifted off the frame
	assert.Equal(t, chipSize, report.Groups[0].NMiss)
}

func TestDriver_RemovesPreviousFinalProduct(t *testing.T) {
	t.Parallel()
	store, exposures := twoExposureStore(t)
	putChipFile(t, store, "final_drz.fits", 1, 0)
	cfg := testConfig()
	cfg.Build = true

	_, err := NewDriver(store, nil, &captureWriter{}).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, cfg, StageFinal))
	require.NoError(t, err)
	assert.False(t, store.Exists("final_drz.fits"))
}

func TestDriver_ProvenancePlanes(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "x_flt.fits", 100, 0)
	var exposures []*Exposure
	for i := 0; i < 40; i++ {
		exposures = append(exposures, newTestExposure(t, "x", "x_flt.fits", 10, "ELECTRONS"))
	}
	w := &captureWriter{}
	report, err := NewDriver(store, nil, w).Run(context.Background(), exposures, testOutputWCS(t), resolve(t, testConfig(), StageFinal))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Planes)
	p := w.products[0]
	require.Len(t, p.Ctx, 2)
	k := outIndex(1, 1)
	assert.Equal(t, ^uint32(0), p.Ctx[0][k])
	assert.Equal(t, uint32(0xff), p.Ctx[1][k])
	assert.Equal(t, 1, p.Chips[39].Plane)
	assert.Equal(t, 8, p.Chips[39].UniqID)
}

func TestDriverState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "FlushGroup", StateFlushGroup.String())
	assert.Equal(t, "DriverState(42)", DriverState(42).String())
}

func TestCheckRun_NoOutputWCS(t *testing.T) {
	t.Parallel()
	_, exposures := twoExposureStore(t)
	groups, err := PlanGroups(exposures, StageFinal)
	require.NoError(t, err)

	var ce *ConfigurationError
	require.ErrorAs(t, checkRun(groups, nil, resolve(t, testConfig(), StageFinal)), &ce)
	require.ErrorAs(t, checkRun(groups, &wcs.Model{}, resolve(t, testConfig(), StageFinal)), &ce)
}

func readDQ(t *testing.T, store *MemStore, name string) []int32 {
	t.Helper()
	f, ok := store.Get(name)
	require.True(t, ok)
	hdu, ok := f.Extension("DQ", 1)
	require.True(t, ok)
	return hdu.AsInt32()
}
