package fits

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type cardKind int

const (
	kindString cardKind = iota
	kindNumber
	kindBool
)

// Card is a single header keyword record.
type Card struct {
	Key     string
	Value   string
	Comment string
	kind    cardKind
}

// Header holds FITS header cards in file order with keyword lookup.
type Header struct {
	cards []Card
	index map[string]int
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{index: make(map[string]int)}
}

// Cards returns the header cards in order.
func (h *Header) Cards() []Card { return h.cards }

// Len returns the number of cards.
func (h *Header) Len() int { return len(h.cards) }

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.index[strings.ToUpper(key)]
	return ok
}

func (h *Header) set(key, value, comment string, kind cardKind) {
	key = strings.ToUpper(key)
	if i, ok := h.index[key]; ok {
		h.cards[i].Value = value
		h.cards[i].kind = kind
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.index[key] = len(h.cards)
	h.cards = append(h.cards, Card{Key: key, Value: value, Comment: comment, kind: kind})
}

// SetString sets a quoted string keyword.
func (h *Header) SetString(key, value, comment string) { h.set(key, value, comment, kindString) }

// SetFloat sets a floating point keyword.
func (h *Header) SetFloat(key string, value float64, comment string) {
	h.set(key, strconv.FormatFloat(value, 'G', -1, 64), comment, kindNumber)
}

// SetInt sets an integer keyword.
func (h *Header) SetInt(key string, value int, comment string) {
	h.set(key, strconv.Itoa(value), comment, kindNumber)
}

// SetBool sets a logical keyword.
func (h *Header) SetBool(key string, value bool, comment string) {
	v := "False"
	if value {
		v = "True"
	}
	h.set(key, v, comment, kindBool)
}

// Delete removes key if present.
func (h *Header) Delete(key string) {
	key = strings.ToUpper(key)
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.cards = append(h.cards[:i], h.cards[i+1:]...)
	delete(h.index, key)
	for k, j := range h.index {
		if j > i {
			h.index[k] = j - 1
		}
	}
}

// Merge copies every card of other into h, overwriting existing keys.
func (h *Header) Merge(other *Header) {
	if other == nil {
		return
	}
	for _, c := range other.cards {
		h.set(c.Key, c.Value, c.Comment, c.kind)
	}
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	out := NewHeader()
	out.Merge(h)
	return out
}

func (h *Header) GetString(key string) string {
	if i, ok := h.index[strings.ToUpper(key)]; ok {
		return h.cards[i].Value
	}
	return ""
}

func (h *Header) GetDouble(key string) (float64, bool) {
	i, ok := h.index[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	v := strings.Replace(strings.TrimSpace(h.cards[i].Value), "D", "E", 1)
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (h *Header) GetInt(key string) (int, bool) {
	i, ok := h.index[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.cards[i].Value))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *Header) GetBool(key string) (bool, bool) {
	i, ok := h.index[strings.ToUpper(key)]
	if !ok {
		return false, false
	}
	switch h.cards[i].Value {
	case "True":
		return true, true
	case "False":
		return false, true
	}
	return false, false
}

func (h *Header) GetDateTime(key string) (time.Time, bool) {
	v := strings.TrimSpace(h.GetString(key))
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Convenience accessors for the keywords the resampling pipeline reads.
func (h *Header) ExtName() string    { return h.GetString("EXTNAME") }
func (h *Header) BUnit() string      { return h.GetString("BUNIT") }
func (h *Header) Instrument() string { return h.GetString("INSTRUME") }
func (h *Header) Filter() string     { return h.GetString("FILTER") }

func (h *Header) ExtVer() int {
	if v, ok := h.GetInt("EXTVER"); ok {
		return v
	}
	return 1
}

func (h *Header) ExposureTime() (float64, bool) {
	if v, ok := h.GetDouble("EXPTIME"); ok {
		return v, true
	}
	return h.GetDouble("EXPOSURE")
}

func (h *Header) Gain() (float64, bool) {
	if v, ok := h.GetDouble("CCDGAIN"); ok {
		return v, true
	}
	return h.GetDouble("GAIN")
}

// formatCard renders one 80 character header record.
func formatCard(c Card) string {
	var value string
	switch c.kind {
	case kindString:
		s := strings.ReplaceAll(c.Value, "'", "''")
		if len(s) < 8 {
			s += strings.Repeat(" ", 8-len(s))
		}
		value = "'" + s + "'"
		value += strings.Repeat(" ", max(0, 20-len(value)))
	case kindBool:
		v := "F"
		if c.Value == "True" {
			v = "T"
		}
		value = fmt.Sprintf("%20s", v)
	default:
		value = fmt.Sprintf("%20s", c.Value)
	}
	rec := fmt.Sprintf("%-8s= %s", c.Key, value)
	if c.Comment != "" {
		rec += " / " + c.Comment
	}
	if len(rec) > recordSize {
		rec = rec[:recordSize]
	}
	return rec + strings.Repeat(" ", recordSize-len(rec))
}

func parseFitsValue(rawValue string) (string, cardKind) {
	if rawValue == "" {
		return "", kindString
	}
	if rawValue == "T" {
		return "True", kindBool
	}
	if rawValue == "F" {
		return "False", kindBool
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.ReplaceAll(strings.TrimRight(rawValue[1:endQuote], " "), "''", "'"), kindString
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'"), kindString
	}
	return rawValue, kindNumber
}
