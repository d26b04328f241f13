package drizzle

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydrizzle/pkg/fits"
)

func TestMemStore(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "b.fits", 3, 0)
	putChipFile(t, store, "a.fits", 1, 0)

	assert.True(t, store.Exists("a.fits"))
	assert.False(t, store.Exists("c.fits"))
	assert.Equal(t, []string{"a.fits", "b.fits"}, store.Names())

	h, err := store.OpenForRead("b.fits")
	require.NoError(t, err)
	hdu, err := h.Extension("SCI", 1)
	require.NoError(t, err)
	assert.InDelta(t, 3, hdu.AsFloat32()[0], 1e-6)
	_, err = h.Extension("ERR", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, h.Close())

	_, err = store.OpenForRead("c.fits")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Remove("b.fits"))
	require.NoError(t, store.Remove("b.fits"))
	assert.False(t, store.Exists("b.fits"))
}

func TestMemStore_UpdatePersistsOnClose(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	putChipFile(t, store, "a.fits", 1, 0)

	h, err := store.OpenForUpdate("a.fits")
	require.NoError(t, err)
	hdu, err := h.Extension("DQ", 1)
	require.NoError(t, err)
	hdu.Ints[0] = 64
	require.NoError(t, h.Close())

	assert.Equal(t, int32(64), readDQ(t, store, "a.fits")[0])
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()
	store := FileStore{Dir: t.TempDir()}
	f := &fits.File{HDUs: []*fits.HDU{
		fits.NewEmptyHDU(),
		fits.NewFloat32HDU("SCI", 1, 3, 2, []float32{1, 2, 3, 4, 5, 6}),
	}}

	require.NoError(t, store.Put("out/a.fits", f))
	assert.True(t, store.Exists("out/a.fits"))
	assert.False(t, store.Exists("out"))

	h, err := store.OpenForRead("out/a.fits")
	require.NoError(t, err)
	hdu, err := h.Extension("SCI", 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, hdu.AsFloat32())
	require.NoError(t, h.Close())

	_, err = store.OpenForRead("none.fits")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Remove("out/a.fits"))
	require.NoError(t, store.Remove("out/a.fits"))
	assert.False(t, store.Exists("out/a.fits"))
}

func TestFileStore_RasterMask(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(2, 1, color.Gray{Y: 0})

	fh, err := os.Create(filepath.Join(dir, "static.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(fh, img))
	require.NoError(t, fh.Close())

	store := FileStore{Dir: dir}
	h, err := store.OpenForRead("static.png")
	require.NoError(t, err)
	defer h.Close()
	hdu, err := h.Extension("", 0)
	require.NoError(t, err)

	assert.Equal(t, 4, hdu.Width())
	assert.Equal(t, 3, hdu.Height())
	data := hdu.AsInt32()
	assert.Equal(t, int32(0), data[1*4+2])
	assert.Equal(t, int32(1), data[0])

	_, err = store.OpenForUpdate("static.png")
	assert.Error(t, err)
}

func TestFileStore_UpdateKeepsScaledExtensions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		bitpix  int
		dqValue int32
	}{
		{"8 bit defect array", 8, 4},
		{"16 bit defect array", 16, 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			store := FileStore{Dir: dir}
			n := chipSize * chipSize
			sci := make([]int32, n)
			dq := make([]int32, n)
			errs := make([]float32, n)
			for i := range sci {
				sci[i] = 40000
				dq[i] = tt.dqValue
				errs[i] = 12.34
			}
			axes := []int{chipSize, chipSize}
			sciHDU := fits.NewInt32HDU("SCI", 1, 16, axes, sci)
			sciHDU.BZero = 32768
			errHDU := &fits.HDU{Header: fits.NewHeader(), Bitpix: 16, Axes: axes, BScale: 0.01, Float32: errs}
			errHDU.Header.SetString("EXTNAME", "ERR", "")
			errHDU.Header.SetInt("EXTVER", 1, "")
			require.NoError(t, store.Put("a_flt.fits", &fits.File{HDUs: []*fits.HDU{
				fits.NewEmptyHDU(), sciHDU, errHDU,
				fits.NewInt32HDU("DQ", 1, tt.bitpix, axes, dq),
			}}))

			mask := make([]int32, n)
			for i := range mask {
				mask[i] = 1
			}
			mask[7] = 0
			require.NoError(t, store.Put("cr.fits", &fits.File{HDUs: []*fits.HDU{
				fits.NewInt32HDU("", 0, 8, axes, mask),
			}}))

			chip := newTestExposure(t, "a", "a_flt.fits", 100, "ELECTRONS").Chips[0]
			chip.CRMask = "cr.fits"
			crbit := int16(4096)
			w, err := NewMaskCompositor(store, nil).ApplyRejectionToDefectArray(chip, &crbit)
			require.NoError(t, err)
			assert.Nil(t, w)

			f, err := fits.ReadFile(filepath.Join(dir, "a_flt.fits"))
			require.NoError(t, err)

			gotSci, ok := f.Extension("SCI", 1)
			require.True(t, ok)
			assert.Equal(t, 16, gotSci.Bitpix)
			assert.Equal(t, 32768.0, gotSci.BZero)
			assert.Equal(t, sci, gotSci.Ints)

			gotErr, ok := f.Extension("ERR", 1)
			require.True(t, ok)
			require.Len(t, gotErr.Float32, n)
			assert.InDelta(t, 12.34, gotErr.Float32[0], 1e-5)
			assert.InDelta(t, 0.01, gotErr.BScale, 1e-12)

			gotDQ, ok := f.Extension("DQ", 1)
			require.True(t, ok)
			assert.Equal(t, 16, gotDQ.Bitpix)
			assert.Equal(t, tt.dqValue|4096, gotDQ.Ints[7])
			assert.Equal(t, tt.dqValue, gotDQ.Ints[0])
		})
	}
}
