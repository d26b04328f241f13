//go:build !purego && !js

package drizzle

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

// NewMatWithSize allocates a zeroed float32 matrix.
func NewMatWithSize(rows, cols int) Mat {
	mat := Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)}
	mat.SetToZero()
	return mat
}

func (mat Mat) Rows() int                     { return mat.m.Rows() }
func (mat Mat) Cols() int                     { return mat.m.Cols() }
func (mat Mat) Empty() bool                   { return mat.m.Empty() }
func (mat Mat) Clone() Mat                    { return Mat{m: mat.m.Clone()} }
func (mat *Mat) Close()                       { mat.m.Close() }
func (mat Mat) Region(r image.Rectangle) Mat  { return Mat{m: mat.m.Region(r)} }
func (mat *Mat) MultiplyScalar(s float32)     { mat.m.MultiplyFloat(s) }
func (mat *Mat) DivideScalar(s float32)       { mat.m.DivideFloat(s) }

// DataFloat32 returns the pixel buffer. Writes go straight to the matrix.
func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

func (mat *Mat) SetToZero() {
	mat.m.SetTo(gocv.NewScalar(0, 0, 0, 0))
}

func countNonZero(src Mat) int {
	return gocv.CountNonZero(src.m)
}

func matMinMax(src Mat) (float32, float32) {
	lo, hi, _, _ := gocv.MinMaxLoc(src.m)
	return lo, hi
}

func matMeanStdDev(src Mat) (float64, float64) {
	meanMat := gocv.NewMat()
	defer meanMat.Close()
	stdMat := gocv.NewMat()
	defer stdMat.Close()
	gocv.MeanStdDev(src.m, &meanMat, &stdMat)
	return meanMat.GetDoubleAt(0, 0), stdMat.GetDoubleAt(0, 0)
}

// readMaskImage loads a raster mask; nonzero pixels are valid.
func readMaskImage(path string) (int, int, []uint8, error) {
	m := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer m.Close()
	if m.Empty() {
		return 0, 0, nil, fmt.Errorf("decoding mask image %s", path)
	}
	raw := m.ToBytes()
	valid := make([]uint8, len(raw))
	for i, v := range raw {
		if v != 0 {
			valid[i] = 1
		}
	}
	return m.Cols(), m.Rows(), valid, nil
}
