//go:build purego || js

package drizzle

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"gonum.org/v1/gonum/stat"
)

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data    []float32
	rows    int
	cols    int
	stride  int // elements per row in backing array (may differ from cols for sub-matrices)
	dataOff int // offset into data for sub-matrices
	owned   bool
}

func NewMatWithSize(rows, cols int) Mat {
	return Mat{
		data:   make([]float32, rows*cols),
		rows:   rows,
		cols:   cols,
		stride: cols,
		owned:  true,
	}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m Mat) Clone() Mat {
	newData := make([]float32, m.rows*m.cols)
	for r := 0; r < m.rows; r++ {
		srcOff := m.dataOff + r*m.stride
		copy(newData[r*m.cols:], m.data[srcOff:srcOff+m.cols])
	}
	return Mat{data: newData, rows: m.rows, cols: m.cols, stride: m.cols, owned: true}
}

func (m *Mat) Close() {
	if m.owned {
		m.data = nil
	}
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (m Mat) DataFloat32() []float32 {
	return m.data[m.dataOff:]
}

func (m Mat) Region(r image.Rectangle) Mat {
	return Mat{
		data:    m.data,
		rows:    r.Dy(),
		cols:    r.Dx(),
		stride:  m.stride,
		dataOff: m.dataOff + r.Min.Y*m.stride + r.Min.X,
		owned:   false,
	}
}

func (m *Mat) each(fn func(v *float32)) {
	for r := 0; r < m.rows; r++ {
		off := m.dataOff + r*m.stride
		for c := 0; c < m.cols; c++ {
			fn(&m.data[off+c])
		}
	}
}

func (m *Mat) SetToZero() {
	m.each(func(v *float32) { *v = 0 })
}

func (m *Mat) MultiplyScalar(s float32) {
	m.each(func(v *float32) { *v *= s })
}

func (m *Mat) DivideScalar(s float32) {
	m.each(func(v *float32) { *v /= s })
}

func countNonZero(src Mat) int {
	count := 0
	src.each(func(v *float32) {
		if *v != 0 {
			count++
		}
	})
	return count
}

func matMinMax(src Mat) (float32, float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	src.each(func(v *float32) {
		lo = min(lo, *v)
		hi = max(hi, *v)
	})
	if src.Empty() {
		return 0, 0
	}
	return lo, hi
}

func matMeanStdDev(src Mat) (float64, float64) {
	if src.Empty() {
		return 0, 0
	}
	values := make([]float64, 0, src.rows*src.cols)
	src.each(func(v *float32) { values = append(values, float64(*v)) })
	return stat.PopMeanStdDev(values, nil)
}

// readMaskImage loads a raster mask; nonzero pixels are valid.
func readMaskImage(path string) (int, int, []uint8, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("opening mask image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("decoding mask image %s: %w", path, err)
	}
	b := img.Bounds()
	valid := make([]uint8, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y != 0 {
				valid[(y-b.Min.Y)*b.Dx()+(x-b.Min.X)] = 1
			}
		}
	}
	return b.Dx(), b.Dy(), valid, nil
}
