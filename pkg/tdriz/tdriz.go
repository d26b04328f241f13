// Package tdriz is the pixel accumulation kernel: it splats every input
// sample onto the output grid through a coordinate mapping, maintaining a
// weighted mean science image, the summed weight image and a provenance
// bit plane.
package tdriz

import (
	"fmt"
	"math"
	"strings"
)

// Version is reported back to callers and stamped into product headers.
const Version = "tdriz-go 1.0"

// Mapping transforms 0-based input pixel coordinates into 0-based output
// pixel coordinates.
type Mapping interface {
	Forward(x, y float64) (float64, float64)
}

// MappingFunc adapts a plain function to Mapping.
type MappingFunc func(x, y float64) (float64, float64)

func (f MappingFunc) Forward(x, y float64) (float64, float64) { return f(x, y) }

// Kernel names accepted by Drizzle.
const (
	KernelSquare   = "square"
	KernelPoint    = "point"
	KernelTurbo    = "turbo"
	KernelTophat   = "tophat"
	KernelGaussian = "gaussian"
	KernelLanczos2 = "lanczos2"
	KernelLanczos3 = "lanczos3"
)

// Kernels lists every supported footprint kernel.
var Kernels = []string{KernelSquare, KernelPoint, KernelTurbo, KernelTophat, KernelGaussian, KernelLanczos2, KernelLanczos3}

// ValidKernel reports whether name is a supported kernel.
func ValidKernel(name string) bool {
	for _, k := range Kernels {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Params is the full argument set of one accumulation call.
type Params struct {
	Data    []float32
	Weights []float32 // nil means unit weight
	Width   int
	Height  int

	OutSci    []float32
	OutWht    []float32
	OutCtx    []uint32 // single provenance plane; nil disables context
	OutWidth  int
	OutHeight int

	UniqID   int // bit id in [1, 32]
	RowStart int
	ColStep  int
	RowStep  int
	RowCount int // 0 means all rows from RowStart

	PixRatio float64
	ScaleX   float64
	ScaleY   float64
	Align    string

	PixFrac     float64
	Kernel      string
	InUnits     string // "cps" or "counts"
	ExpIn       float64
	WeightScale float64
	FillValue   *float32

	Mapping Mapping
}

// Result carries the kernel report.
type Result struct {
	Version string
	NMiss   int
	NSkip   int
}

type state struct {
	p      *Params
	scale2 float64
	bv     uint32
	nmiss  int
	nskip  int
}

// Drizzle accumulates p.Data into the output buffers.
func Drizzle(p *Params) (Result, error) {
	if err := validate(p); err != nil {
		return Result{}, err
	}
	s := &state{
		p:      p,
		scale2: p.PixRatio * p.PixRatio,
		bv:     bitValue(p.UniqID),
	}

	var handler func(s *state, i, j int, d, w float64) int
	switch strings.ToLower(p.Kernel) {
	case KernelPoint:
		handler = doPoint
	case KernelTurbo:
		handler = doTurbo
	case KernelTophat:
		handler = doTophat
	case KernelGaussian:
		handler = doGaussian
	case KernelSquare:
		handler = doSquare
	case KernelLanczos2:
		handler = newLanczos(2, p).do
	case KernelLanczos3:
		handler = newLanczos(3, p).do
	default:
		return Result{}, fmt.Errorf("invalid kernel type %q", p.Kernel)
	}

	rowStep := max(p.RowStep, 1)
	colStep := max(p.ColStep, 1)
	rowEnd := p.Height
	if p.RowCount > 0 {
		rowEnd = min(p.Height, p.RowStart+p.RowCount)
	}

	unitScale := 1.0
	if strings.EqualFold(p.InUnits, "counts") {
		unitScale = 1.0 / p.ExpIn
	}

	for j := p.RowStart; j < rowEnd; j += rowStep {
		hitsInRow := 0
		for i := 0; i < p.Width; i += colStep {
			idx := j*p.Width + i
			d := float64(p.Data[idx]) * unitScale * s.scale2
			w := 1.0
			if p.Weights != nil {
				w = float64(p.Weights[idx])
			}
			w *= p.WeightScale

			nhit := handler(s, i, j, d, w)
			if nhit == 0 {
				s.nmiss++
			}
			hitsInRow += nhit
		}
		if hitsInRow == 0 {
			s.nskip++
		}
	}

	if p.FillValue != nil {
		fill := *p.FillValue
		for k, w := range p.OutWht {
			if w == 0 {
				p.OutSci[k] = fill
			}
		}
	}

	return Result{Version: Version, NMiss: s.nmiss, NSkip: s.nskip}, nil
}

func validate(p *Params) error {
	switch {
	case p.Mapping == nil:
		return fmt.Errorf("tdriz: nil mapping")
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("tdriz: invalid input size %dx%d", p.Width, p.Height)
	case len(p.Data) < p.Width*p.Height:
		return fmt.Errorf("tdriz: input data has %d of %d pixels", len(p.Data), p.Width*p.Height)
	case p.Weights != nil && len(p.Weights) < p.Width*p.Height:
		return fmt.Errorf("tdriz: weight array has %d of %d pixels", len(p.Weights), p.Width*p.Height)
	case len(p.OutSci) < p.OutWidth*p.OutHeight || len(p.OutWht) < p.OutWidth*p.OutHeight:
		return fmt.Errorf("tdriz: output buffers smaller than %dx%d", p.OutWidth, p.OutHeight)
	case p.OutCtx != nil && len(p.OutCtx) < p.OutWidth*p.OutHeight:
		return fmt.Errorf("tdriz: context plane smaller than %dx%d", p.OutWidth, p.OutHeight)
	case p.UniqID < 1 || p.UniqID > 32:
		return fmt.Errorf("tdriz: bit id %d outside [1, 32]", p.UniqID)
	case p.PixFrac <= 0:
		return fmt.Errorf("tdriz: pixfrac must be positive, got %f", p.PixFrac)
	case p.PixRatio <= 0:
		return fmt.Errorf("tdriz: pixel ratio must be positive, got %f", p.PixRatio)
	case strings.EqualFold(p.InUnits, "counts") && p.ExpIn <= 0:
		return fmt.Errorf("tdriz: counts input needs a positive exposure, got %f", p.ExpIn)
	}
	return nil
}

// bitValue returns the context bit for a 1-based id within its plane.
func bitValue(uniqID int) uint32 {
	return uint32(1) << uint((uniqID-1)%32)
}

// fortranRound rounds half up.
func fortranRound(x float64) int {
	return int(math.Floor(x + 0.5))
}

// update folds one weighted sample into output pixel (ii, jj). Samples with
// no weight leave the output untouched.
func (s *state) update(ii, jj int, d, dow float64) {
	if dow <= 0 {
		return
	}
	k := jj*s.p.OutWidth + ii
	vc := float64(s.p.OutWht[k])
	if vc == 0 {
		s.p.OutSci[k] = float32(d)
	} else {
		s.p.OutSci[k] = float32((float64(s.p.OutSci[k])*vc + dow*d) / (vc + dow))
	}
	s.p.OutWht[k] = float32(vc + dow)
	if s.p.OutCtx != nil {
		s.p.OutCtx[k] |= s.bv
	}
}

func (s *state) inFrame(ii, jj int) bool {
	return ii >= 0 && ii < s.p.OutWidth && jj >= 0 && jj < s.p.OutHeight
}

func (s *state) clampBox(xlo, xhi, ylo, yhi float64) (int, int, int, int) {
	return max(fortranRound(xlo), 0), min(fortranRound(xhi), s.p.OutWidth-1),
		max(fortranRound(ylo), 0), min(fortranRound(yhi), s.p.OutHeight-1)
}
