package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydrizzle/internal/ledger"
	"skydrizzle/pkg/fits"
	"skydrizzle/pkg/wcs"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "skydrizzle", cmd.Use)
	assert.Contains(t, cmd.Long, "provenance")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "plan", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	tests := map[string]string{
		"config":   "",
		"stage":    "both",
		"ledger":   "",
		"preview":  "false",
		"prefetch": "4",
	}
	for name, def := range tests {
		f := run.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, def, f.DefValue, name)
	}
	assert.Equal(t, "c", run.Flags().Lookup("config").Shorthand)
}

func TestRunCommand_RequiresConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"run"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "skydrizzle dev")
	assert.Contains(t, out.String(), "tdriz-go")
}

const pixScale = 0.05 / 3600.0

// writeChipFile writes a PRIMARY/SCI/DQ exposure whose single 10x10 chip
// sits in the middle of the 12x12 output frame of runConfig.
func writeChipFile(t *testing.T, path string, value float32) {
	t.Helper()
	m, err := wcs.NewModel([2]float64{5.5, 5.5}, [2]float64{150.1, 2.2},
		[2][2]float64{{-pixScale, 0}, {0, pixScale}}, 10, 10)
	require.NoError(t, err)

	primary := fits.NewEmptyHDU()
	primary.Header.SetFloat("EXPTIME", 100, "")
	primary.Header.SetString("INSTRUME", "ACS", "")

	data := make([]float32, 100)
	for i := range data {
		data[i] = value
	}
	sci := fits.NewFloat32HDU("SCI", 1, 10, 10, data)
	sci.Header.SetString("BUNIT", "ELECTRONS", "")
	m.ToHeader(sci.Header)
	sci.Header.SetFloat("IDCSCALE", 0.05, "")
	dq := fits.NewInt32HDU("DQ", 1, 16, []int{10, 10}, make([]int32, 100))

	require.NoError(t, fits.WriteFile(path, &fits.File{HDUs: []*fits.HDU{primary, sci, dq}}))
}

const runConfig = `
stepsize: 1
driz_separate:
  driz_sep_kernel: turbo
driz_combine:
  final_units: counts
  final_kernel: square
output:
  dir: out
  final:
    naxis: [12, 12]
    crpix: [6.5, 6.5]
    crval: [150.1, 2.2]
    cd: [[-1.3888888888888888e-05, 0], [0, 1.3888888888888888e-05]]
inputs:
  exposures:
    - file: j1_flt.fits
    - file: j2_flt.fits
`

func setupRun(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeChipFile(t, filepath.Join(dir, "j1_flt.fits"), 2)
	writeChipFile(t, filepath.Join(dir, "j2_flt.fits"), 4)
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(runConfig), 0o644))
	return dir
}

func TestRunCommand_EndToEnd(t *testing.T) {
	dir := setupRun(t)
	db := filepath.Join(dir, "ledger.db")

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--config", filepath.Join(dir, "run.yaml"), "--ledger", db, "--preview", "--prefetch", "2"})
	require.NoError(t, cmd.Execute())

	outDir := filepath.Join(dir, "out")
	for _, name := range []string{
		"j1_single_sci.fits", "j1_single_wht.fits", "j1_single_sci_cov.jpg",
		"j2_single_sci.fits", "j2_single_wht.fits",
		"final_drz.fits", "final_drz_wht.fits", "final_ctx.fits", "final_drz_cov.jpg",
	} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}
	assert.Contains(t, out.String(), "=== Drizzle separate")
	assert.Contains(t, out.String(), "=== Drizzle final")

	final, err := fits.ReadFile(filepath.Join(outDir, "final_drz.fits"))
	require.NoError(t, err)
	sci, ok := final.Extension("SCI", 1)
	require.True(t, ok)
	assert.Equal(t, 12, sci.Width())
	n, ok := final.HDUs[0].Header.GetInt("NDRIZIM")
	require.True(t, ok)
	assert.Equal(t, 2, n)

	l, err := ledger.Open(db, nil)
	require.NoError(t, err)
	defer l.Close()
	runs, err := l.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	products, err := l.Products(context.Background(), runs[0])
	require.NoError(t, err)
	assert.Len(t, products, 3)
}

func TestRunCommand_SingleStage(t *testing.T) {
	dir := setupRun(t)

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "-c", filepath.Join(dir, "run.yaml"), "--stage", "final"})
	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, "out", "final_drz.fits"))
	assert.NoFileExists(t, filepath.Join(dir, "out", "j1_single_sci.fits"))
	assert.NoFileExists(t, filepath.Join(dir, "out", "final_drz_cov.jpg"))
}

func TestRunCommand_UnknownStage(t *testing.T) {
	dir := setupRun(t)

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "-c", filepath.Join(dir, "run.yaml"), "--stage", "middle"})
	assert.Error(t, cmd.Execute())
}
