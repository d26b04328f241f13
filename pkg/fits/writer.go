package fits

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NewFloat32HDU wraps a 2-D float32 image.
func NewFloat32HDU(extName string, extVer, width, height int, data []float32) *HDU {
	return &HDU{Header: extHeader(extName, extVer), Bitpix: -32, Axes: []int{width, height}, Float32: data}
}

// NewInt32HDU wraps a 2-D or 3-D integer image written with the given BITPIX
// (8, 16 or 32).
func NewInt32HDU(extName string, extVer, bitpix int, axes []int, data []int32) *HDU {
	return &HDU{Header: extHeader(extName, extVer), Bitpix: bitpix, Axes: axes, Ints: data}
}

// NewEmptyHDU creates a dataless HDU, normally the primary of a
// multi-extension file.
func NewEmptyHDU() *HDU {
	return &HDU{Header: NewHeader(), Bitpix: 8}
}

func extHeader(extName string, extVer int) *Header {
	h := NewHeader()
	if extName != "" {
		h.SetString("EXTNAME", strings.ToUpper(extName), "extension name")
		h.SetInt("EXTVER", extVer, "extension version")
	}
	return h
}

// WriteFile writes f atomically to path.
func WriteFile(path string, f *File) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fits-*")
	if err != nil {
		return fmt.Errorf("creating FITS file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := Write(bw, f); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing FITS file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing FITS file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming FITS file: %w", err)
	}
	return nil
}

// Bytes serialises f in memory.
func Bytes(f *File) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serialises every HDU of f.
func Write(w io.Writer, f *File) error {
	if len(f.HDUs) == 0 {
		return fmt.Errorf("writing FITS: no HDUs")
	}
	for i, hdu := range f.HDUs {
		enc, err := encodeData(hdu)
		if err != nil {
			return err
		}
		if err := writeHeader(w, hdu, enc, i == 0); err != nil {
			return err
		}
		if len(enc.raw) == 0 {
			continue
		}
		raw := append(enc.raw, make([]byte, padding(len(enc.raw)))...)
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("writing FITS data: %w", err)
		}
	}
	return nil
}

// encoded is the on-disk form of an HDU's pixels. BITPIX may be wider than
// the HDU's when its values no longer fit.
type encoded struct {
	bitpix int
	bzero  float64
	bscale float64
	raw    []byte
}

func writeHeader(w io.Writer, hdu *HDU, enc encoded, primary bool) error {
	var cards []Card
	if primary {
		cards = append(cards, Card{Key: "SIMPLE", Value: "True", kind: kindBool, Comment: "conforms to FITS standard"})
	} else {
		cards = append(cards, Card{Key: "XTENSION", Value: "IMAGE", kind: kindString, Comment: "image extension"})
	}
	cards = append(cards,
		Card{Key: "BITPIX", Value: fmt.Sprint(enc.bitpix), kind: kindNumber},
		Card{Key: "NAXIS", Value: fmt.Sprint(len(hdu.Axes)), kind: kindNumber},
	)
	for i, a := range hdu.Axes {
		cards = append(cards, Card{Key: fmt.Sprintf("NAXIS%d", i+1), Value: fmt.Sprint(a), kind: kindNumber})
	}
	if primary {
		cards = append(cards, Card{Key: "EXTEND", Value: "True", kind: kindBool})
	} else {
		cards = append(cards,
			Card{Key: "PCOUNT", Value: "0", kind: kindNumber},
			Card{Key: "GCOUNT", Value: "1", kind: kindNumber},
		)
	}
	if enc.bscale != 1 {
		cards = append(cards, Card{Key: "BSCALE", Value: strconv.FormatFloat(enc.bscale, 'G', -1, 64), kind: kindNumber})
	}
	if enc.bzero != 0 {
		cards = append(cards, Card{Key: "BZERO", Value: strconv.FormatFloat(enc.bzero, 'G', -1, 64), kind: kindNumber})
	}
	if hdu.Header != nil {
		cards = append(cards, hdu.Header.cards...)
	}

	var buf bytes.Buffer
	for _, c := range cards {
		buf.WriteString(formatCard(c))
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	buf.WriteString(strings.Repeat(" ", padding(buf.Len())))
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing FITS header: %w", err)
	}
	return nil
}

// physical returns pixel i as a float64 physical value.
func (h *HDU) physical(i int) float64 {
	switch {
	case h.Float32 != nil:
		return float64(h.Float32[i])
	case h.Float64 != nil:
		return h.Float64[i]
	}
	return float64(h.Ints[i])
}

func (h *HDU) dataLen() int {
	switch {
	case h.Float32 != nil:
		return len(h.Float32)
	case h.Float64 != nil:
		return len(h.Float64)
	}
	return len(h.Ints)
}

// integerRange reports whether [lo, hi] fits the integer BITPIX.
func integerRange(bitpix int, lo, hi int64) bool {
	switch bitpix {
	case 8:
		return lo >= 0 && hi <= math.MaxUint8
	case 16:
		return lo >= math.MinInt16 && hi <= math.MaxInt16
	case 32:
		return lo >= math.MinInt32 && hi <= math.MaxInt32
	}
	return false
}

// encodeData converts physical values back to stored ones with the HDU's
// BZERO/BSCALE. Integer data that no longer fits widens to the next integer
// BITPIX, and past 32 bits or on non-finite values to floating point.
func encodeData(hdu *HDU) (encoded, error) {
	enc := encoded{bitpix: hdu.Bitpix, bzero: hdu.BZero, bscale: hdu.scale()}
	n := hdu.numPixels()
	if n == 0 {
		return enc, nil
	}
	if have := hdu.dataLen(); have < n {
		return enc, fmt.Errorf("writing FITS: data has %d of %d pixels", have, n)
	}

	switch hdu.Bitpix {
	case -32, -64:
		return encodeFloats(hdu, n, hdu.Bitpix), nil
	case 8, 16, 32:
	default:
		return enc, fmt.Errorf("unsupported BITPIX: %d", hdu.Bitpix)
	}

	stored := make([]int64, n)
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	for i := 0; i < n; i++ {
		s := (hdu.physical(i) - enc.bzero) / enc.bscale
		if math.IsNaN(s) || math.IsInf(s, 0) || math.Abs(s) > math.MaxInt32*2.0 {
			return encodeFloats(hdu, n, floatBitpix(hdu)), nil
		}
		v := int64(math.Round(s))
		stored[i] = v
		lo, hi = min(lo, v), max(hi, v)
	}
	for !integerRange(enc.bitpix, lo, hi) {
		if enc.bitpix == 32 {
			return encodeFloats(hdu, n, floatBitpix(hdu)), nil
		}
		enc.bitpix *= 2
	}

	enc.raw = make([]byte, n*enc.bitpix/8)
	for i, v := range stored {
		switch enc.bitpix {
		case 8:
			enc.raw[i] = byte(v)
		case 16:
			binary.BigEndian.PutUint16(enc.raw[i*2:], uint16(int16(v)))
		default:
			binary.BigEndian.PutUint32(enc.raw[i*4:], uint32(int32(v)))
		}
	}
	return enc, nil
}

func floatBitpix(hdu *HDU) int {
	if hdu.Bitpix == 32 || hdu.Float64 != nil {
		return -64
	}
	return -32
}

func encodeFloats(hdu *HDU, n, bitpix int) encoded {
	enc := encoded{bitpix: bitpix, bscale: 1, raw: make([]byte, n*abs(bitpix)/8)}
	for i := 0; i < n; i++ {
		v := hdu.physical(i)
		if bitpix == -32 {
			binary.BigEndian.PutUint32(enc.raw[i*4:], math.Float32bits(float32(v)))
		} else {
			binary.BigEndian.PutUint64(enc.raw[i*8:], math.Float64bits(v))
		}
	}
	return enc
}
