package drizzle

import (
	"fmt"
	"strconv"
	"strings"

	"skydrizzle/pkg/tdriz"
)

// ParamRecord is the flat, per-run parameter set for one stage.
type ParamRecord struct {
	Stage       Stage
	Units       string
	WeightType  string
	Kernel      string
	PixFrac     float64
	FillValue   *float32
	StepSize    float64
	Bits        int
	CRBit       *int16
	Coeffs      string
	Build       bool
	ProcUnit    string
	WeightScale string
	Context     bool
}

// Single reports whether the record produces one output per exposure.
func (p ParamRecord) Single() bool { return p.Stage == StageSeparate }

// ProvenanceEnabled reports whether context planes beyond the first are
// tracked.
func (p ParamRecord) ProvenanceEnabled() bool { return p.Stage == StageFinal && p.Context }

// UseDistortion reports whether chip distortion terms are kept when the
// chip's linear plate scale is computed.
func (p ParamRecord) UseDistortion() bool {
	switch strings.ToUpper(strings.TrimSpace(p.Coeffs)) {
	case "", "INDEF", "NONE":
		return false
	}
	return true
}

// FillString renders the fill value the way product headers record it.
func (p ParamRecord) FillString() string {
	if p.FillValue == nil {
		return "INDEF"
	}
	return strconv.FormatFloat(float64(*p.FillValue), 'g', -1, 32)
}

// ChipWeightScale converts the weight scale option into a factor for a chip
// with the given exposure time.
func (p ParamRecord) ChipWeightScale(expTime float64) float64 {
	switch strings.ToLower(strings.TrimSpace(p.WeightScale)) {
	case "", "1":
		return 1
	case "exptime":
		return expTime
	case "expsq":
		return expTime * expTime
	}
	v, err := strconv.ParseFloat(p.WeightScale, 64)
	if err != nil {
		return 1
	}
	return v
}

// ResolveParams flattens cfg into the record for stage. The separate stage
// always works in count rate without rejection bits or error weighting.
func ResolveParams(cfg Config, stage Stage) (ParamRecord, error) {
	sc := cfg.Final
	if stage == StageSeparate {
		sc = cfg.Separate
	}
	if !sc.Enabled {
		return ParamRecord{}, fmt.Errorf("%w: %s", ErrStageDisabled, stage)
	}

	rec := ParamRecord{
		Stage:       stage,
		Kernel:      strings.ToLower(strings.TrimSpace(sc.Kernel)),
		FillValue:   sc.FillValue,
		Bits:        sc.Bits,
		Coeffs:      cfg.Coeffs,
		WeightScale: strings.TrimSpace(sc.WeightScale),
		Context:     cfg.Context,
	}

	if rec.Kernel == "" {
		return ParamRecord{}, &ConfigurationError{Field: "kernel", Reason: "required"}
	}
	if !tdriz.ValidKernel(rec.Kernel) {
		return ParamRecord{}, &ConfigurationError{Field: "kernel", Reason: fmt.Sprintf("unknown kernel %q", sc.Kernel)}
	}
	if sc.PixFrac == nil {
		return ParamRecord{}, &ConfigurationError{Field: "pixfrac", Reason: "required"}
	}
	if *sc.PixFrac <= 0 {
		return ParamRecord{}, &ConfigurationError{Field: "pixfrac", Reason: fmt.Sprintf("must be positive, got %g", *sc.PixFrac)}
	}
	rec.PixFrac = *sc.PixFrac
	if cfg.StepSize == nil {
		return ParamRecord{}, &ConfigurationError{Field: "stepsize", Reason: "required"}
	}
	if *cfg.StepSize <= 0 {
		return ParamRecord{}, &ConfigurationError{Field: "stepsize", Reason: fmt.Sprintf("must be positive, got %g", *cfg.StepSize)}
	}
	rec.StepSize = *cfg.StepSize
	if err := checkWeightScale(rec.WeightScale); err != nil {
		return ParamRecord{}, err
	}

	if stage == StageSeparate {
		rec.Units = UnitsRate
		rec.ProcUnit = "electrons"
		return rec, nil
	}

	rec.Units = strings.ToLower(strings.TrimSpace(sc.Units))
	switch rec.Units {
	case "":
		return ParamRecord{}, &ConfigurationError{Field: "final_units", Reason: "required"}
	case UnitsRate, UnitsCounts:
	default:
		return ParamRecord{}, &ConfigurationError{Field: "final_units", Reason: fmt.Sprintf("unknown unit %q", sc.Units)}
	}

	rec.WeightType = strings.ToUpper(strings.TrimSpace(sc.WeightType))
	switch rec.WeightType {
	case "", WeightERR, WeightIVM, WeightEXP:
	default:
		return ParamRecord{}, &ConfigurationError{Field: "final_wht_type", Reason: fmt.Sprintf("unknown weighting %q", sc.WeightType)}
	}

	rec.ProcUnit = strings.ToLower(strings.TrimSpace(cfg.ProcUnit))
	switch rec.ProcUnit {
	case "":
		rec.ProcUnit = "electrons"
	case "native", "electrons":
	default:
		return ParamRecord{}, &ConfigurationError{Field: "proc_unit", Reason: fmt.Sprintf("unknown unit %q", cfg.ProcUnit)}
	}

	rec.CRBit = cfg.CRBit
	rec.Build = cfg.Build
	return rec, nil
}

func checkWeightScale(v string) error {
	switch strings.ToLower(v) {
	case "", "exptime", "expsq":
		return nil
	}
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return &ConfigurationError{Field: "wt_scl", Reason: fmt.Sprintf("expected exptime, expsq or a number, got %q", v)}
	}
	return nil
}
