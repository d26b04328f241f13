package drizzle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydrizzle/pkg/tdriz"
	"skydrizzle/pkg/wcs"
)

func rotatedChipWCS(t *testing.T, width, height int) *wcs.Model {
	t.Helper()
	theta := 12.0 * math.Pi / 180
	c, s := math.Cos(theta)*pixScale, math.Sin(theta)*pixScale
	m, err := wcs.NewModel([2]float64{float64(width) / 2, float64(height) / 2}, [2]float64{150.1, 2.2},
		[2][2]float64{{-c, s}, {s, c}}, width, height)
	require.NoError(t, err)
	return m
}

func TestNativeMapping_GridMatchesExact(t *testing.T) {
	t.Parallel()
	chip := &Chip{ExtName: "SCI", ExtVer: 1, DataFile: "a.fits", WCS: rotatedChipWCS(t, 64, 48), Width: 64, Height: 48}
	out := testOutputWCS(t)
	exact := directMapping(chip.WCS, out)

	m, err := NativeMapping{StepSize: 10}.ForChip(chip, nil, out)
	require.NoError(t, err)
	_, isGrid := m.(*gridMapping)
	assert.True(t, isGrid)

	for _, p := range [][2]float64{{0, 0}, {63, 47}, {17.5, 3.25}, {40, 41}, {62.9, 0.1}} {
		gx, gy := m.Forward(p[0], p[1])
		ex, ey := exact(p[0], p[1])
		assert.InDelta(t, ex, gx, 1e-3, "x at %v", p)
		assert.InDelta(t, ey, gy, 1e-3, "y at %v", p)
	}
}

func TestNativeMapping_UnitStepIsExact(t *testing.T) {
	t.Parallel()
	chip := &Chip{WCS: testChipWCS(t), Width: chipSize, Height: chipSize}
	m, err := NativeMapping{StepSize: 1}.ForChip(chip, nil, testOutputWCS(t))
	require.NoError(t, err)
	_, isFunc := m.(tdriz.MappingFunc)
	assert.True(t, isFunc)

	x, y := m.Forward(0, 0)
	assert.InDelta(t, 1, x, 1e-6)
	assert.InDelta(t, 1, y, 1e-6)
}

func TestNativeMapping_AppliesExposureShift(t *testing.T) {
	t.Parallel()
	chip := &Chip{WCS: testChipWCS(t), Width: chipSize, Height: chipSize}
	out := testOutputWCS(t)

	base, err := NativeMapping{StepSize: 1}.ForChip(chip, nil, out)
	require.NoError(t, err)
	shifted, err := NativeMapping{StepSize: 1}.ForChip(chip, &Exposure{ShiftX: 1.5, ShiftY: -0.5}, out)
	require.NoError(t, err)

	bx, by := base.Forward(4, 4)
	sx, sy := shifted.Forward(4, 4)
	assert.InDelta(t, 1.5, sx-bx, 1e-6)
	assert.InDelta(t, -0.5, sy-by, 1e-6)
}

func TestNativeMapping_MissingModel(t *testing.T) {
	t.Parallel()
	_, err := NativeMapping{StepSize: 1}.ForChip(&Chip{ExtName: "SCI", ExtVer: 1}, nil, testOutputWCS(t))
	assert.Error(t, err)
}

func TestUserMappingProvider_NoConstructor(t *testing.T) {
	t.Parallel()
	p := UserMappingProvider{}
	assert.Equal(t, "user", p.Name())
	_, err := p.ForChip(&Chip{}, nil, testOutputWCS(t))
	assert.Error(t, err)
}
