package drizzle

// AccumulationContext owns the shared output buffers of a run. Exactly one
// group's contributions are resident between its first chip and its flush.
type AccumulationContext struct {
	Width  int
	Height int
	Sci    Mat
	Wht    Mat
	Ctx    [][]uint32 // planes x (Height*Width)
}

// NewAccumulationContext allocates zeroed buffers for a width x height frame
// with the given number of provenance planes.
func NewAccumulationContext(width, height, planes int) *AccumulationContext {
	ctx := make([][]uint32, max(planes, 1))
	for i := range ctx {
		ctx[i] = make([]uint32, width*height)
	}
	return &AccumulationContext{
		Width:  width,
		Height: height,
		Sci:    NewMatWithSize(height, width),
		Wht:    NewMatWithSize(height, width),
		Ctx:    ctx,
	}
}

// Reset zeroes all three buffers.
func (a *AccumulationContext) Reset() {
	a.Sci.SetToZero()
	a.Wht.SetToZero()
	for _, plane := range a.Ctx {
		clear(plane)
	}
}

// IsZero reports whether every buffer holds only zeros.
func (a *AccumulationContext) IsZero() bool {
	if countNonZero(a.Sci) != 0 || countNonZero(a.Wht) != 0 {
		return false
	}
	for _, plane := range a.Ctx {
		for _, v := range plane {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// ImageStats summarizes a science buffer.
type ImageStats struct {
	Min, Max  float32
	Mean, Std float64
}

// SciStats computes summary statistics of the science buffer.
func (a *AccumulationContext) SciStats() ImageStats {
	lo, hi := matMinMax(a.Sci)
	mean, std := matMeanStdDev(a.Sci)
	return ImageStats{Min: lo, Max: hi, Mean: mean, Std: std}
}

// Close releases the matrix buffers.
func (a *AccumulationContext) Close() {
	a.Sci.Close()
	a.Wht.Close()
	a.Ctx = nil
}
