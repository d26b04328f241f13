package fits

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	recordSize      = 80
	recordsPerBlock = 36
	blockSize       = recordSize * recordsPerBlock
)

// HDU is one header/data unit. Exactly one of Float32, Float64 or Ints is
// populated for an image HDU and always holds physical values. Integer data
// stays in Ints only when BSCALE is 1 and BZERO is a whole number; scaled
// integer data is decoded to Float32 (BITPIX 8 and 16) or Float64 (BITPIX
// 32). BZero and BScale are the scaling the data is written back with.
type HDU struct {
	Header  *Header
	Bitpix  int
	Axes    []int
	BZero   float64
	BScale  float64 // zero means 1
	Float32 []float32
	Float64 []float64
	Ints    []int32
}

func (h *HDU) scale() float64 {
	if h.BScale == 0 {
		return 1
	}
	return h.BScale
}

func (h *HDU) Width() int {
	if len(h.Axes) < 1 {
		return 0
	}
	return h.Axes[0]
}

func (h *HDU) Height() int {
	if len(h.Axes) < 2 {
		return 0
	}
	return h.Axes[1]
}

// Planes returns NAXIS3, or 1 for a 2-D image.
func (h *HDU) Planes() int {
	if len(h.Axes) < 3 {
		return 1
	}
	return h.Axes[2]
}

func (h *HDU) numPixels() int {
	if len(h.Axes) == 0 {
		return 0
	}
	n := 1
	for _, a := range h.Axes {
		n *= a
	}
	return n
}

// AsFloat32 returns the pixel data as float32. Float32 data is returned
// without copying; double precision and integer data are converted.
func (h *HDU) AsFloat32() []float32 {
	switch {
	case h.Float32 != nil:
		return h.Float32
	case h.Float64 != nil:
		out := make([]float32, len(h.Float64))
		for i, v := range h.Float64 {
			out[i] = float32(v)
		}
		return out
	case h.Ints != nil:
		out := make([]float32, len(h.Ints))
		for i, v := range h.Ints {
			out[i] = float32(v)
		}
		return out
	}
	return nil
}

// AsInt32 returns integer pixel data, truncating floating point data.
func (h *HDU) AsInt32() []int32 {
	if h.Ints != nil {
		return h.Ints
	}
	src := h.AsFloat32()
	if src == nil {
		return nil
	}
	out := make([]int32, len(src))
	for i, v := range src {
		out[i] = int32(v)
	}
	return out
}

// File is an ordered list of HDUs; HDUs[0] is the primary.
type File struct {
	HDUs []*HDU
}

// Extension finds the HDU with the given EXTNAME/EXTVER. An empty name or
// "PRIMARY" selects the primary HDU.
func (f *File) Extension(name string, ver int) (*HDU, bool) {
	if len(f.HDUs) == 0 {
		return nil, false
	}
	if name == "" || strings.EqualFold(name, "PRIMARY") {
		return f.HDUs[0], true
	}
	if ver <= 0 {
		ver = 1
	}
	for _, h := range f.HDUs {
		if strings.EqualFold(h.Header.ExtName(), name) && h.Header.ExtVer() == ver {
			return h, true
		}
	}
	return nil, false
}

// ReadFile reads every HDU of a FITS file.
func ReadFile(filePath string) (*File, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

// ReadBytes reads every HDU from an in-memory FITS image.
func ReadBytes(data []byte) (*File, error) {
	return Read(bytes.NewReader(data))
}

// Read parses HDUs until EOF.
func Read(r io.Reader) (*File, error) {
	file := &File{}
	for {
		hdu, err := readHDU(r, len(file.HDUs) == 0)
		if errors.Is(err, io.EOF) && len(file.HDUs) > 0 {
			return file, nil
		}
		if err != nil {
			return nil, err
		}
		file.HDUs = append(file.HDUs, hdu)
	}
}

func readHDU(r io.Reader, primary bool) (*HDU, error) {
	var naxis int
	axes := make(map[int]int)
	bitpix := 0
	bzero := 0.0
	bscale := 1.0
	headerDone := false
	header := NewHeader()

	recordBuf := make([]byte, recordSize)
	first := true

	for !headerDone {
		for i := 0; i < recordsPerBlock; i++ {
			_, err := io.ReadFull(r, recordBuf)
			if err != nil {
				if first && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			first = false
			record := string(recordBuf)
			keyword := strings.TrimSpace(record[:8])

			if keyword == "END" {
				headerDone = true
				remaining := recordsPerBlock - 1 - i
				if remaining > 0 {
					if _, err := io.ReadFull(r, make([]byte, remaining*recordSize)); err != nil {
						return nil, fmt.Errorf("reading FITS header padding: %w", err)
					}
				}
				break
			}

			if len(record) <= 10 || record[8] != '=' || record[9] != ' ' {
				continue
			}
			rawValue, comment := splitValueComment(record[10:])
			value, kind := parseFitsValue(rawValue)

			switch {
			case keyword == "BITPIX":
				bitpix, _ = strconv.Atoi(rawValue)
			case keyword == "NAXIS":
				naxis, _ = strconv.Atoi(rawValue)
			case strings.HasPrefix(keyword, "NAXIS"):
				n, err := strconv.Atoi(keyword[5:])
				if err == nil {
					axes[n], _ = strconv.Atoi(rawValue)
				}
			case keyword == "BZERO":
				bzero, _ = strconv.ParseFloat(rawValue, 64)
			case keyword == "BSCALE":
				bscale, _ = strconv.ParseFloat(rawValue, 64)
			case keyword == "SIMPLE", keyword == "XTENSION", keyword == "EXTEND",
				keyword == "PCOUNT", keyword == "GCOUNT":
			default:
				if keyword != "" {
					header.set(keyword, value, comment, kind)
				}
			}
		}
	}

	if primary && bitpix == 0 {
		return nil, fmt.Errorf("invalid FITS: missing BITPIX")
	}

	hdu := &HDU{Header: header, Bitpix: bitpix}
	for i := 1; i <= naxis; i++ {
		hdu.Axes = append(hdu.Axes, axes[i])
	}
	numPixels := hdu.numPixels()
	if numPixels == 0 {
		return hdu, nil
	}

	bytesPer := abs(bitpix) / 8
	raw := make([]byte, numPixels*bytesPer)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading %d-bit pixel data: %w", bitpix, err)
	}
	if pad := padding(len(raw)); pad > 0 {
		// trailing padding may be truncated on the last HDU
		_, _ = io.ReadFull(r, make([]byte, pad))
	}

	if bscale == 0 {
		bscale = 1
	}
	scaled := bzero != 0 || bscale != 1
	if bitpix > 0 {
		hdu.BZero, hdu.BScale = bzero, bscale
	}
	stored := func(i int) int64 {
		switch bitpix {
		case 8:
			return int64(raw[i])
		case 16:
			return int64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		}
		return int64(int32(binary.BigEndian.Uint32(raw[i*4:])))
	}
	switch bitpix {
	case 8, 16, 32:
		switch {
		case bscale == 1 && bzero == math.Trunc(bzero) && intOffsetFits(bitpix, bzero):
			off := int64(bzero)
			hdu.Ints = make([]int32, numPixels)
			for i := 0; i < numPixels; i++ {
				hdu.Ints[i] = int32(stored(i) + off)
			}
		case bitpix == 32:
			hdu.Float64 = make([]float64, numPixels)
			for i := 0; i < numPixels; i++ {
				hdu.Float64[i] = float64(stored(i))*bscale + bzero
			}
		default:
			hdu.Float32 = make([]float32, numPixels)
			for i := 0; i < numPixels; i++ {
				hdu.Float32[i] = float32(float64(stored(i))*bscale + bzero)
			}
		}
	case -32:
		hdu.Float32 = make([]float32, numPixels)
		for i := 0; i < numPixels; i++ {
			v := math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
			if scaled {
				v = float32(float64(v)*bscale + bzero)
			}
			hdu.Float32[i] = v
		}
	case -64:
		hdu.Float64 = make([]float64, numPixels)
		for i := 0; i < numPixels; i++ {
			v := math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
			hdu.Float64[i] = v*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}
	return hdu, nil
}

// intOffsetFits reports whether every value of a BITPIX integer array
// shifted by the whole number bzero fits in an int32.
func intOffsetFits(bitpix int, bzero float64) bool {
	if bitpix == 32 {
		return bzero == 0
	}
	return math.Abs(bzero) <= 1<<30
}

// splitValueComment separates the value field of a card from its comment,
// honouring '/' inside quoted strings.
func splitValueComment(field string) (string, string) {
	s := strings.TrimLeft(field, " ")
	if strings.HasPrefix(s, "'") {
		i := 1
		for i < len(s) {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i += 2
					continue
				}
				break
			}
			i++
		}
		if i >= len(s) {
			return strings.TrimSpace(s), ""
		}
		value := s[:i+1]
		rest := s[i+1:]
		comment := ""
		if j := strings.Index(rest, "/"); j >= 0 {
			comment = strings.TrimSpace(rest[j+1:])
		}
		return value, comment
	}
	parts := strings.SplitN(s, "/", 2)
	comment := ""
	if len(parts) == 2 {
		comment = strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(parts[0]), comment
}

func padding(n int) int {
	if rem := n % blockSize; rem != 0 {
		return blockSize - rem
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
