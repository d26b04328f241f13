// Package wcs implements the gnomonic (TAN) world coordinate model used to
// map detector pixels onto a common sky frame, with optional SIP
// polynomial distortion.
package wcs

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"skydrizzle/pkg/fits"
)

const deg2rad = math.Pi / 180.0

// SIP holds forward distortion polynomial coefficients keyed by (p, q)
// powers of the pixel offsets from CRPIX.
type SIP struct {
	AOrder int
	BOrder int
	A      map[[2]int]float64
	B      map[[2]int]float64
}

func (s *SIP) eval(coeffs map[[2]int]float64, u, v float64) float64 {
	var sum float64
	for pq, c := range coeffs {
		sum += c * math.Pow(u, float64(pq[0])) * math.Pow(v, float64(pq[1]))
	}
	return sum
}

// Model is a linear TAN projection described by a reference pixel
// (1-based), reference sky position in degrees and a CD matrix in
// degrees per pixel.
type Model struct {
	CRPix    [2]float64
	CRVal    [2]float64
	CD       [2][2]float64
	SIP      *SIP
	NAXIS1   int
	NAXIS2   int
	IDCScale float64

	cdInv [2][2]float64
}

// NewModel validates the CD matrix and precomputes its inverse.
func NewModel(crpix, crval [2]float64, cd [2][2]float64, naxis1, naxis2 int) (*Model, error) {
	m := &Model{CRPix: crpix, CRVal: crval, CD: cd, NAXIS1: naxis1, NAXIS2: naxis2}
	if err := m.invert(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) invert() error {
	cd := mat.NewDense(2, 2, []float64{m.CD[0][0], m.CD[0][1], m.CD[1][0], m.CD[1][1]})
	var inv mat.Dense
	if err := inv.Inverse(cd); err != nil {
		return fmt.Errorf("singular CD matrix: %w", err)
	}
	m.cdInv = [2][2]float64{{inv.At(0, 0), inv.At(0, 1)}, {inv.At(1, 0), inv.At(1, 1)}}
	return nil
}

// PixelScale returns the linear plate scale in arcseconds per pixel.
func (m *Model) PixelScale() float64 {
	det := mat.Det(mat.NewDense(2, 2, []float64{m.CD[0][0], m.CD[0][1], m.CD[1][0], m.CD[1][1]}))
	return math.Sqrt(math.Abs(det)) * 3600.0
}

// Undistorted returns a copy without SIP terms.
func (m *Model) Undistorted() *Model {
	out := *m
	out.SIP = nil
	return &out
}

// Shifted returns a copy whose reference pixel is offset by (dx, dy).
func (m *Model) Shifted(dx, dy float64) *Model {
	out := *m
	out.CRPix[0] += dx
	out.CRPix[1] += dy
	return &out
}

// PixelToSky converts 1-based pixel coordinates to (ra, dec) in degrees.
func (m *Model) PixelToSky(x, y float64) (float64, float64) {
	u := x - m.CRPix[0]
	v := y - m.CRPix[1]
	if m.SIP != nil {
		du := m.SIP.eval(m.SIP.A, u, v)
		dv := m.SIP.eval(m.SIP.B, u, v)
		u, v = u+du, v+dv
	}
	xi := (m.CD[0][0]*u + m.CD[0][1]*v) * deg2rad
	eta := (m.CD[1][0]*u + m.CD[1][1]*v) * deg2rad

	ra0 := m.CRVal[0] * deg2rad
	dec0 := m.CRVal[1] * deg2rad
	denom := math.Cos(dec0) - eta*math.Sin(dec0)
	ra := ra0 + math.Atan2(xi, denom)
	dec := math.Atan2(math.Sin(dec0)+eta*math.Cos(dec0), math.Hypot(xi, denom))

	ra = math.Mod(ra/deg2rad+360.0, 360.0)
	return ra, dec / deg2rad
}

// SkyToPixel converts (ra, dec) in degrees to 1-based pixel coordinates.
// Points on the far hemisphere map to NaN.
func (m *Model) SkyToPixel(ra, dec float64) (float64, float64) {
	ra0 := m.CRVal[0] * deg2rad
	dec0 := m.CRVal[1] * deg2rad
	r := ra * deg2rad
	d := dec * deg2rad

	cosc := math.Sin(dec0)*math.Sin(d) + math.Cos(dec0)*math.Cos(d)*math.Cos(r-ra0)
	if cosc <= 0 {
		return math.NaN(), math.NaN()
	}
	xi := math.Cos(d) * math.Sin(r-ra0) / cosc / deg2rad
	eta := (math.Cos(dec0)*math.Sin(d) - math.Sin(dec0)*math.Cos(d)*math.Cos(r-ra0)) / cosc / deg2rad

	u := m.cdInv[0][0]*xi + m.cdInv[0][1]*eta
	v := m.cdInv[1][0]*xi + m.cdInv[1][1]*eta
	if m.SIP != nil {
		u0, v0 := u, v
		for i := 0; i < 20; i++ {
			u = u0 - m.SIP.eval(m.SIP.A, u, v)
			v = v0 - m.SIP.eval(m.SIP.B, u, v)
		}
	}
	return u + m.CRPix[0], v + m.CRPix[1]
}

// FromHeader reads CRPIX/CRVAL/CD (and SIP when present) keywords.
func FromHeader(h *fits.Header, width, height int) (*Model, error) {
	var crpix, crval [2]float64
	var cd [2][2]float64
	for i, k := range []string{"CRPIX1", "CRPIX2"} {
		v, ok := h.GetDouble(k)
		if !ok {
			return nil, fmt.Errorf("missing WCS keyword %s", k)
		}
		crpix[i] = v
	}
	for i, k := range []string{"CRVAL1", "CRVAL2"} {
		v, ok := h.GetDouble(k)
		if !ok {
			return nil, fmt.Errorf("missing WCS keyword %s", k)
		}
		crval[i] = v
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			v, _ := h.GetDouble(fmt.Sprintf("CD%d_%d", i+1, j+1))
			cd[i][j] = v
		}
	}
	m, err := NewModel(crpix, crval, cd, width, height)
	if err != nil {
		return nil, err
	}
	if v, ok := h.GetDouble("IDCSCALE"); ok {
		m.IDCScale = v
	}
	if strings.HasSuffix(strings.TrimSpace(h.GetString("CTYPE1")), "-SIP") {
		m.SIP = readSIP(h)
	}
	return m, nil
}

func readSIP(h *fits.Header) *SIP {
	s := &SIP{A: make(map[[2]int]float64), B: make(map[[2]int]float64)}
	s.AOrder, _ = h.GetInt("A_ORDER")
	s.BOrder, _ = h.GetInt("B_ORDER")
	for p := 0; p <= s.AOrder; p++ {
		for q := 0; p+q <= s.AOrder; q++ {
			if v, ok := h.GetDouble(fmt.Sprintf("A_%d_%d", p, q)); ok {
				s.A[[2]int{p, q}] = v
			}
		}
	}
	for p := 0; p <= s.BOrder; p++ {
		for q := 0; p+q <= s.BOrder; q++ {
			if v, ok := h.GetDouble(fmt.Sprintf("B_%d_%d", p, q)); ok {
				s.B[[2]int{p, q}] = v
			}
		}
	}
	return s
}

// ToHeader writes the model keywords into h.
func (m *Model) ToHeader(h *fits.Header) {
	ctype1, ctype2 := "RA---TAN", "DEC--TAN"
	if m.SIP != nil {
		ctype1, ctype2 = "RA---TAN-SIP", "DEC--TAN-SIP"
	}
	h.SetString("CTYPE1", ctype1, "")
	h.SetString("CTYPE2", ctype2, "")
	h.SetFloat("CRPIX1", m.CRPix[0], "reference pixel")
	h.SetFloat("CRPIX2", m.CRPix[1], "reference pixel")
	h.SetFloat("CRVAL1", m.CRVal[0], "reference RA [deg]")
	h.SetFloat("CRVAL2", m.CRVal[1], "reference Dec [deg]")
	h.SetFloat("CD1_1", m.CD[0][0], "")
	h.SetFloat("CD1_2", m.CD[0][1], "")
	h.SetFloat("CD2_1", m.CD[1][0], "")
	h.SetFloat("CD2_2", m.CD[1][1], "")
	if m.IDCScale != 0 {
		h.SetFloat("IDCSCALE", m.IDCScale, "")
	}
	if m.SIP != nil {
		h.SetInt("A_ORDER", m.SIP.AOrder, "")
		h.SetInt("B_ORDER", m.SIP.BOrder, "")
		writeSIPTerms(h, "A", m.SIP.AOrder, m.SIP.A)
		writeSIPTerms(h, "B", m.SIP.BOrder, m.SIP.B)
	}
}

func writeSIPTerms(h *fits.Header, prefix string, order int, coeffs map[[2]int]float64) {
	for p := 0; p <= order; p++ {
		for q := 0; p+q <= order; q++ {
			if c, ok := coeffs[[2]int{p, q}]; ok {
				h.SetFloat(fmt.Sprintf("%s_%d_%d", prefix, p, q), c, "")
			}
		}
	}
}
