package drizzle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildWeights(t *testing.T) {
	t.Parallel()
	valid := []uint8{1, 0, 1, 1}
	src := WeightSource{
		Err: []float32{2, 2, 0, 0.5},
		IVM: []float32{8, 8, -1, float32(math.NaN())},
	}

	tests := []struct {
		name   string
		scheme string
		src    WeightSource
		ratio  float64
		want   []float32
		ok     bool
	}{
		{"exposure", WeightEXP, src, 1, []float32{1, 0, 1, 1}, true},
		{"none", "", src, 1, []float32{1, 0, 1, 1}, true},
		{"error", WeightERR, src, 1, []float32{0.25, 0, 0, 4}, true},
		{"error scaled", WeightERR, src, 2, []float32{0.25 / 16, 0, 0, 4.0 / 16}, true},
		{"ivm", "ivm", src, 1, []float32{8, 0, 0, 0}, true},
		{"ivm scaled", WeightIVM, src, 0.5, []float32{128, 0, 0, 0}, true},
		{"error missing", WeightERR, WeightSource{}, 1, []float32{1, 0, 1, 1}, false},
		{"ivm wrong size", WeightIVM, WeightSource{IVM: []float32{1}}, 1, []float32{1, 0, 1, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := BuildWeights(valid, tt.scheme, tt.src, tt.ratio)
			assert.Equal(t, tt.ok, ok)
			assert.InDeltaSlice(t, tt.want, got, 1e-6)
		})
	}
}
