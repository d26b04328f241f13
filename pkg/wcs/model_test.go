package wcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydrizzle/pkg/fits"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	scale := 0.05 / 3600.0
	m, err := NewModel([2]float64{512, 512}, [2]float64{150.1, 2.2},
		[2][2]float64{{-scale, 0}, {0, scale}}, 1024, 1024)
	require.NoError(t, err)
	return m
}

func TestModel_RoundTrip(t *testing.T) {
	t.Parallel()
	m := testModel(t)

	for _, p := range [][2]float64{{1, 1}, {512, 512}, {1024, 7.5}, {300.25, 900.75}} {
		ra, dec := m.PixelToSky(p[0], p[1])
		x, y := m.SkyToPixel(ra, dec)
		assert.InDelta(t, p[0], x, 1e-6)
		assert.InDelta(t, p[1], y, 1e-6)
	}

	ra, dec := m.PixelToSky(512, 512)
	assert.InDelta(t, 150.1, ra, 1e-12)
	assert.InDelta(t, 2.2, dec, 1e-12)
}

func TestModel_PixelScale(t *testing.T) {
	t.Parallel()
	m := testModel(t)
	assert.InDelta(t, 0.05, m.PixelScale(), 1e-12)
}

func TestModel_SingularCD(t *testing.T) {
	t.Parallel()
	_, err := NewModel([2]float64{1, 1}, [2]float64{0, 0}, [2][2]float64{{1, 1}, {1, 1}}, 10, 10)
	assert.Error(t, err)
}

func TestModel_SIPRoundTrip(t *testing.T) {
	t.Parallel()
	m := testModel(t)
	m.SIP = &SIP{
		AOrder: 2, BOrder: 2,
		A: map[[2]int]float64{{2, 0}: 1e-6, {0, 2}: -2e-6},
		B: map[[2]int]float64{{1, 1}: 3e-6},
	}
	ra, dec := m.PixelToSky(900, 100)
	x, y := m.SkyToPixel(ra, dec)
	assert.InDelta(t, 900, x, 1e-4)
	assert.InDelta(t, 100, y, 1e-4)

	lin := m.Undistorted()
	assert.Nil(t, lin.SIP)
	assert.NotNil(t, m.SIP)
}

func TestModel_HeaderRoundTrip(t *testing.T) {
	t.Parallel()
	m := testModel(t).Shifted(2.5, -1)
	m.IDCScale = 0.05

	h := fits.NewHeader()
	m.ToHeader(h)
	got, err := FromHeader(h, 1024, 1024)
	require.NoError(t, err)

	assert.Equal(t, [2]float64{514.5, 511}, got.CRPix)
	assert.Equal(t, m.CRVal, got.CRVal)
	assert.Equal(t, m.CD, got.CD)
	assert.InDelta(t, 0.05, got.IDCScale, 1e-12)
}

func TestFromHeader_Missing(t *testing.T) {
	t.Parallel()
	_, err := FromHeader(fits.NewHeader(), 10, 10)
	assert.ErrorContains(t, err, "CRPIX1")
}
