package drizzle

import (
	"math"
	"strings"
)

// WeightSource carries the optional per-pixel error or inverse-variance
// arrays of a chip.
type WeightSource struct {
	Err []float32
	IVM []float32
}

// BuildWeights turns a validity mask into the kernel weight array. ERR
// weights are 1/(err*r^2)^2 and IVM weights ivm/r^4, where r is the
// output-to-native pixel scale ratio; invalid pixels and unusable
// error values get zero weight. Any other scheme, or a scheme whose source
// array is missing, weighs valid pixels by one. The returned flag is false
// when a requested ERR or IVM source was unavailable.
func BuildWeights(valid []uint8, scheme string, src WeightSource, pixRatio float64) ([]float32, bool) {
	w := make([]float32, len(valid))
	r4 := math.Pow(pixRatio, 4)

	switch strings.ToUpper(scheme) {
	case WeightERR:
		if len(src.Err) != len(valid) {
			break
		}
		for i, ok := range valid {
			e := float64(src.Err[i])
			if ok == 0 || e <= 0 || math.IsNaN(e) || math.IsInf(e, 0) {
				continue
			}
			w[i] = float32(1.0 / (e * e * r4))
		}
		return w, true
	case WeightIVM:
		if len(src.IVM) != len(valid) {
			break
		}
		for i, ok := range valid {
			v := float64(src.IVM[i])
			if ok == 0 || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			w[i] = float32(v / r4)
		}
		return w, true
	default:
		for i, ok := range valid {
			w[i] = float32(ok)
		}
		return w, true
	}

	for i, ok := range valid {
		w[i] = float32(ok)
	}
	return w, false
}
