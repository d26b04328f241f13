package tdriz

import (
	"math"
)

func doPoint(s *state, i, j int, d, w float64) int {
	x, y := s.p.Mapping.Forward(float64(i), float64(j))
	ii, jj := fortranRound(x), fortranRound(y)
	if !s.inFrame(ii, jj) {
		return 0
	}
	s.update(ii, jj, d, w)
	return 1
}

func doTurbo(s *state, i, j int, d, w float64) int {
	pfo := s.p.PixFrac / s.p.PixRatio / 2.0
	ac := 1.0 / (s.p.PixFrac * s.p.PixFrac)
	x, y := s.p.Mapping.Forward(float64(i), float64(j))
	xxi, xxa, yyi, yya := x-pfo, x+pfo, y-pfo, y+pfo
	iis, iie, jjs, jje := s.clampBox(xxi, xxa, yyi, yya)

	nhit := 0
	for jj := jjs; jj <= jje; jj++ {
		for ii := iis; ii <= iie; ii++ {
			dover := over(ii, jj, xxi, xxa, yyi, yya)
			if dover <= 0 {
				continue
			}
			dover *= s.scale2 * ac
			nhit++
			s.update(ii, jj, d, dover*w)
		}
	}
	return nhit
}

func doTophat(s *state, i, j int, d, w float64) int {
	pfo := s.p.PixFrac / s.p.PixRatio / 2.0
	pfo2 := pfo * pfo
	x, y := s.p.Mapping.Forward(float64(i), float64(j))
	nxi, nxa, nyi, nya := s.clampBox(x-pfo, x+pfo, y-pfo, y+pfo)

	nhit := 0
	for jj := nyi; jj <= nya; jj++ {
		ddy := y - float64(jj)
		for ii := nxi; ii <= nxa; ii++ {
			ddx := x - float64(ii)
			if ddx*ddx+ddy*ddy <= pfo2 {
				nhit++
				s.update(ii, jj, d, w)
			}
		}
	}
	return nhit
}

func doGaussian(s *state, i, j int, d, w float64) int {
	const nsig = 2.5
	pfo := nsig * s.p.PixFrac / 2.3548 / s.p.PixRatio
	pfo = math.Max(pfo, 1.2/s.p.PixRatio)
	ac := 1.0 / (s.p.PixFrac * s.p.PixFrac)
	efac := (2.3548 * 2.3548) * s.scale2 * ac / 2.0
	es := efac / math.Pi

	x, y := s.p.Mapping.Forward(float64(i), float64(j))
	nxi, nxa, nyi, nya := s.clampBox(x-pfo, x+pfo, y-pfo, y+pfo)

	nhit := 0
	for jj := nyi; jj <= nya; jj++ {
		ddy := y - float64(jj)
		for ii := nxi; ii <= nxa; ii++ {
			ddx := x - float64(ii)
			dover := es * math.Exp(-(ddx*ddx+ddy*ddy)*efac)
			nhit++
			s.update(ii, jj, d, dover*w)
		}
	}
	return nhit
}

func doSquare(s *state, i, j int, d, w float64) int {
	dh := 0.5 * s.p.PixFrac
	fi, fj := float64(i), float64(j)
	in := [4][2]float64{{fi - dh, fj + dh}, {fi + dh, fj + dh}, {fi + dh, fj - dh}, {fi - dh, fj - dh}}
	var xout, yout [4]float64
	for k, c := range in {
		xout[k], yout[k] = s.p.Mapping.Forward(c[0], c[1])
	}

	jaco := 0.5 * ((xout[1]-xout[3])*(yout[0]-yout[2]) - (xout[0]-xout[2])*(yout[1]-yout[3]))
	if jaco < 0 {
		jaco = -jaco
		xout[1], xout[3] = xout[3], xout[1]
		yout[1], yout[3] = yout[3], yout[1]
	}
	if jaco == 0 {
		return 0
	}

	minII, maxII, minJJ, maxJJ := s.clampBox(minOf(xout), maxOf(xout), minOf(yout), maxOf(yout))
	nhit := 0
	for jj := minJJ; jj <= maxJJ; jj++ {
		for ii := minII; ii <= maxII; ii++ {
			dover := boxer(float64(ii), float64(jj), xout, yout)
			if dover <= 0 {
				continue
			}
			dover /= jaco
			nhit++
			s.update(ii, jj, d, dover*w)
		}
	}
	return nhit
}

type lanczos struct {
	lut []float64
	sdp float64
	pfo float64
}

const (
	lanczosLUTSize = 512
	lanczosDelta   = 0.01
)

func newLanczos(order int, p *Params) *lanczos {
	lut := make([]float64, lanczosLUTSize)
	lut[0] = 1
	for k := 1; k < lanczosLUTSize; k++ {
		poff := math.Pi * float64(k) * lanczosDelta
		if poff < math.Pi*float64(order) {
			lut[k] = math.Sin(poff) / poff * math.Sin(poff/float64(order)) / (poff / float64(order))
		}
	}
	return &lanczos{
		lut: lut,
		sdp: p.PixRatio / lanczosDelta / p.PixFrac,
		pfo: float64(order) * p.PixFrac / p.PixRatio,
	}
}

func (l *lanczos) at(off float64) float64 {
	k := fortranRound(math.Abs(off) * l.sdp)
	if k >= len(l.lut) {
		return 0
	}
	return l.lut[k]
}

func (l *lanczos) do(s *state, i, j int, d, w float64) int {
	x, y := s.p.Mapping.Forward(float64(i), float64(j))
	nxi, nxa, nyi, nya := s.clampBox(x-l.pfo, x+l.pfo, y-l.pfo, y+l.pfo)

	nhit := 0
	for jj := nyi; jj <= nya; jj++ {
		for ii := nxi; ii <= nxa; ii++ {
			dover := l.at(x-float64(ii)) * l.at(y-float64(jj))
			nhit++
			s.update(ii, jj, d, dover*w)
		}
	}
	return nhit
}

// over is the overlap area of an axis-aligned box with output pixel (i, j).
func over(i, j int, xmin, xmax, ymin, ymax float64) float64 {
	dx := math.Min(xmax, float64(i)+0.5) - math.Max(xmin, float64(i)-0.5)
	dy := math.Min(ymax, float64(j)+0.5) - math.Max(ymin, float64(j)-0.5)
	if dx > 0 && dy > 0 {
		return dx * dy
	}
	return 0
}

// boxer computes the area common to the clockwise quadrilateral (x, y) and
// the unit pixel centred on (is, js).
func boxer(is, js float64, x, y [4]float64) float64 {
	is -= 0.5
	js -= 0.5
	var px, py [4]float64
	for k := 0; k < 4; k++ {
		px[k] = x[k] - is
		py[k] = y[k] - js
	}
	sum := 0.0
	for k := 0; k < 4; k++ {
		sum += sgarea(px[k], py[k], px[(k+1)&3], py[(k+1)&3])
	}
	return sum
}

// sgarea is the signed area under the segment (x1,y1)-(x2,y2) inside the
// unit square at the origin.
func sgarea(x1, y1, x2, y2 float64) float64 {
	dy := y2 - y1
	dx := x2 - x1
	if dx == 0 {
		return 0
	}

	negdx := dx < 0
	xlo, xhi := x1, x2
	if negdx {
		xlo, xhi = x2, x1
	}
	if xlo >= 1 || xhi <= 0 {
		return 0
	}
	xlo = math.Max(xlo, 0)
	xhi = math.Min(xhi, 1)

	m := dy / dx
	c := y1 - m*x1
	ylo := m*xlo + c
	yhi := m*xhi + c

	if ylo <= 0 && yhi <= 0 {
		return 0
	}
	if ylo < 0 {
		ylo = 0
		xlo = -c / m
	}
	if yhi < 0 {
		yhi = 0
		xhi = -c / m
	}

	sign := 1.0
	if negdx {
		sign = -1.0
	}

	if ylo >= 1 && yhi >= 1 {
		return sign * (xhi - xlo)
	}
	if ylo <= 1 {
		if yhi <= 1 {
			return sign * 0.5 * (xhi - xlo) * (yhi + ylo)
		}
		xtop := (1 - c) / m
		return sign * (0.5*(xtop-xlo)*(1+ylo) + xhi - xtop)
	}
	xtop := (1 - c) / m
	return sign * (0.5*(xhi-xtop)*(1+yhi) + xtop - xlo)
}

func minOf(v [4]float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Min(m, x)
	}
	return m
}

func maxOf(v [4]float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Max(m, x)
	}
	return m
}
