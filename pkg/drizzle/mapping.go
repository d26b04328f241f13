package drizzle

import (
	"fmt"
	"math"

	"skydrizzle/pkg/tdriz"
	"skydrizzle/pkg/wcs"
)

// MappingProvider builds the coordinate mapping of a chip onto the output
// frame. One provider is chosen per run.
type MappingProvider interface {
	Name() string
	ForChip(chip *Chip, exp *Exposure, out *wcs.Model) (tdriz.Mapping, error)
}

// directMapping maps 0-based chip pixels through the sky onto 0-based output
// pixels.
func directMapping(in, out *wcs.Model) tdriz.MappingFunc {
	return func(x, y float64) (float64, float64) {
		ra, dec := in.PixelToSky(x+1, y+1)
		ox, oy := out.SkyToPixel(ra, dec)
		return ox - 1, oy - 1
	}
}

// NativeMapping evaluates the full transform on a grid every StepSize input
// pixels and interpolates bilinearly in between.
type NativeMapping struct {
	StepSize float64
}

func (NativeMapping) Name() string { return "native" }

func (n NativeMapping) ForChip(chip *Chip, exp *Exposure, out *wcs.Model) (tdriz.Mapping, error) {
	if chip.WCS == nil || out == nil {
		return nil, fmt.Errorf("chip %s: missing coordinate model", chip.Name())
	}
	shifted := out
	if exp != nil && (exp.ShiftX != 0 || exp.ShiftY != 0) {
		shifted = out.Shifted(exp.ShiftX, exp.ShiftY)
	}
	return newGridMapping(directMapping(chip.WCS, shifted), chip.Width, chip.Height, n.StepSize), nil
}

type gridMapping struct {
	exact  tdriz.MappingFunc
	xs, ys []float64
	gx, gy []float64 // len(ys) x len(xs)
	step   float64
}

func gridAxis(n int, step float64) []float64 {
	var axis []float64
	for v := 0.0; v < float64(n-1); v += step {
		axis = append(axis, v)
	}
	return append(axis, float64(n-1))
}

func newGridMapping(exact tdriz.MappingFunc, width, height int, step float64) tdriz.Mapping {
	if step <= 1 || width < 2 || height < 2 {
		return exact
	}
	g := &gridMapping{exact: exact, xs: gridAxis(width, step), ys: gridAxis(height, step), step: step}
	g.gx = make([]float64, len(g.xs)*len(g.ys))
	g.gy = make([]float64, len(g.xs)*len(g.ys))
	for j, y := range g.ys {
		for i, x := range g.xs {
			k := j*len(g.xs) + i
			g.gx[k], g.gy[k] = exact(x, y)
		}
	}
	return g
}

func cell(axis []float64, step, v float64) (int, float64) {
	k := int(math.Floor(v / step))
	k = max(0, min(k, len(axis)-2))
	return k, (v - axis[k]) / (axis[k+1] - axis[k])
}

func (g *gridMapping) Forward(x, y float64) (float64, float64) {
	i, tx := cell(g.xs, g.step, x)
	j, ty := cell(g.ys, g.step, y)
	nx := len(g.xs)
	k00, k01 := j*nx+i, j*nx+i+1
	k10, k11 := (j+1)*nx+i, (j+1)*nx+i+1
	ox := (1-ty)*((1-tx)*g.gx[k00]+tx*g.gx[k01]) + ty*((1-tx)*g.gx[k10]+tx*g.gx[k11])
	oy := (1-ty)*((1-tx)*g.gy[k00]+tx*g.gy[k01]) + ty*((1-tx)*g.gy[k10]+tx*g.gy[k11])
	return ox, oy
}

// UserMapping is a caller-supplied transform. ApplyShift is called once per
// chip with the owning exposure before Forward is used.
type UserMapping interface {
	Forward(x, y float64) (float64, float64)
	ApplyShift(exp *Exposure)
}

// UserMappingProvider builds a UserMapping per chip from New.
type UserMappingProvider struct {
	New func(in, out *wcs.Model) UserMapping
}

func (UserMappingProvider) Name() string { return "user" }

func (u UserMappingProvider) ForChip(chip *Chip, exp *Exposure, out *wcs.Model) (tdriz.Mapping, error) {
	if u.New == nil {
		return nil, fmt.Errorf("user mapping provider has no constructor")
	}
	m := u.New(chip.WCS, out)
	if m == nil {
		return nil, fmt.Errorf("chip %s: user mapping constructor returned nil", chip.Name())
	}
	if exp != nil {
		m.ApplyShift(exp)
	}
	return m, nil
}

// WCSMap is a UserMapping evaluating the full transform at every point.
type WCSMap struct {
	in, out        *wcs.Model
	shiftX, shiftY float64
}

// NewWCSMap is a UserMappingProvider constructor.
func NewWCSMap(in, out *wcs.Model) UserMapping {
	return &WCSMap{in: in, out: out}
}

func (m *WCSMap) ApplyShift(exp *Exposure) {
	m.shiftX, m.shiftY = exp.ShiftX, exp.ShiftY
}

func (m *WCSMap) Forward(x, y float64) (float64, float64) {
	ox, oy := directMapping(m.in, m.out)(x, y)
	return ox + m.shiftX, oy + m.shiftY
}
