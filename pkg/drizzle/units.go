package drizzle

import "strings"

// PropagatedUnit derives the BUNIT value written to a product from a chip's
// unit for the target unit mode. An empty result leaves the unit recorded in
// the template header alone.
func PropagatedUnit(bunit, units string) string {
	idx := strings.Index(bunit, "/")
	if units == UnitsRate {
		if idx < 1 {
			return bunit + "/S"
		}
		return ""
	}
	if idx > 0 {
		return bunit[:idx]
	}
	return ""
}

// ScaleToCounts converts a count-rate image in place to integrated counts.
func ScaleToCounts(m *Mat, expTime float64) {
	m.MultiplyScalar(float32(expTime))
}

// ScaleToRate converts an integrated-counts image in place to count rate.
func ScaleToRate(m *Mat, expTime float64) {
	m.DivideScalar(float32(expTime))
}

// groupScale holds what a completed group needs for its final rescale.
type groupScale struct {
	units       string
	procUnit    string
	nativeUnits string
	gain        float64
	expScale    float64
}

// apply rescales the science buffer of acc and returns the unit string to
// propagate, starting from bunit.
func (s groupScale) apply(acc *AccumulationContext, bunit string) string {
	if strings.EqualFold(s.procUnit, "native") && strings.HasPrefix(strings.ToLower(s.nativeUnits), "counts") {
		acc.Sci.DivideScalar(float32(s.gain))
		bunit = strings.ToLower(s.nativeUnits)
		if s.units == UnitsCounts {
			if idx := strings.Index(bunit, "/"); idx > 0 {
				bunit = bunit[:idx]
			}
		}
	}
	if s.units == UnitsCounts {
		ScaleToCounts(&acc.Sci, s.expScale)
	}
	return bunit
}
