package drizzle

import (
	"image"

	"gonum.org/v1/gonum/stat"
)

// coverageEdgeFraction places the 3x3 zone boundaries at 25% and 75% of
// each axis.
const coverageEdgeFraction = 0.25

// ZonePosition names one cell of the 3x3 coverage grid.
type ZonePosition int

const (
	ZoneTopLeft ZonePosition = iota
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

var zoneLabels = [...]string{"TL", "T", "TR", "L", "Center", "R", "BL", "B", "BR"}

func (z ZonePosition) String() string { return zoneLabels[z] }

// ZoneCoverage summarizes the weight image inside one zone.
type ZoneCoverage struct {
	Label      string
	Covered    float64 // fraction of pixels with nonzero weight
	MeanWeight float64 // over covered pixels
}

// CoverageAnalysis summarizes how completely a product's frame was filled.
type CoverageAnalysis struct {
	Zones      [9]ZoneCoverage
	Covered    float64
	MeanWeight float64
	StdWeight  float64
}

// zoneBounds splits [0, n) at the edge fractions.
func zoneBounds(n int) [3][2]int {
	lo := int(float64(n) * coverageEdgeFraction)
	hi := int(float64(n) * (1.0 - coverageEdgeFraction))
	return [3][2]int{{0, lo}, {lo, hi}, {hi, n}}
}

// AnalyzeCoverage divides the weight image of acc into a 3x3 grid and
// reports per-zone and overall coverage.
func AnalyzeCoverage(acc *AccumulationContext) *CoverageAnalysis {
	w, h := acc.Width, acc.Height
	if w == 0 || h == 0 {
		return nil
	}
	wht := acc.Wht.DataFloat32()
	xb, yb := zoneBounds(w), zoneBounds(h)

	res := &CoverageAnalysis{}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			pos := ZonePosition(row*3 + col)
			r := image.Rect(xb[col][0], yb[row][0], xb[col][1], yb[row][1])
			zc := ZoneCoverage{Label: pos.String()}
			if area := r.Dx() * r.Dy(); area > 0 {
				region := acc.Wht.Region(r)
				zc.Covered = float64(countNonZero(region)) / float64(area)
				region.Close()
				if p := positive(wht, w, r); len(p) > 0 {
					zc.MeanWeight = stat.Mean(p, nil)
				}
			}
			res.Zones[pos] = zc
		}
	}

	all := positive(wht, w, image.Rect(0, 0, w, h))
	res.Covered = float64(len(all)) / float64(w*h)
	if len(all) > 0 {
		res.MeanWeight, res.StdWeight = stat.PopMeanStdDev(all, nil)
	}
	return res
}

func positive(data []float32, stride int, r image.Rectangle) []float64 {
	var out []float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if v := data[y*stride+x]; v > 0 {
				out = append(out, float64(v))
			}
		}
	}
	return out
}
