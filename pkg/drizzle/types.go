// Package drizzle orchestrates the resampling of multi-chip exposures onto a
// common output frame. It resolves run parameters, composes per-chip
// validity masks and weights, drives the accumulation kernel chip by chip,
// tracks provenance bit planes and flushes each completed output group to a
// ProductWriter.
package drizzle

import (
	"fmt"
	"path/filepath"
	"strings"

	"skydrizzle/pkg/wcs"
)

// Stage selects the output granularity of a run.
type Stage int

const (
	// StageSeparate produces one output per input exposure.
	StageSeparate Stage = iota
	// StageFinal produces a single combined output.
	StageFinal
)

func (s Stage) String() string {
	switch s {
	case StageSeparate:
		return "separate"
	case StageFinal:
		return "final"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ParseStage accepts "separate" or "final".
func ParseStage(name string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "separate", "single":
		return StageSeparate, nil
	case "final", "combine":
		return StageFinal, nil
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Photometric unit modes.
const (
	UnitsRate   = "cps"
	UnitsCounts = "counts"
)

// Weighting schemes. Anything other than ERR or IVM weighs every valid pixel
// equally.
const (
	WeightERR = "ERR"
	WeightIVM = "IVM"
	WeightEXP = "EXP"
)

// StageConfig holds the options of one resampling stage.
type StageConfig struct {
	Enabled     bool
	Units       string
	WeightType  string
	WeightScale string // "exptime", "expsq" or a number
	PixFrac     *float64
	Kernel      string
	FillValue   *float32 // nil leaves uncontributed pixels at zero
	Bits        int
}

// Config is the validated configuration consumed by ResolveParams.
type Config struct {
	Build    bool
	StepSize *float64
	Coeffs   string
	CRBit    *int16
	ProcUnit string // "native" or "electrons"
	Context  bool

	Separate StageConfig
	Final    StageConfig
}

// Exposure is one multi-chip input observation.
type Exposure struct {
	Name        string
	Chips       []*Chip
	NativeUnits string
	ExpTime     float64

	// User shift of this exposure in output pixels.
	ShiftX float64
	ShiftY float64

	OutputSingle  string
	OutputFinal   string
	OutputContext string
}

// Chip is one detector segment of an exposure.
type Chip struct {
	ExtName string
	ExtVer  int

	DataFile string
	SkyFile  string // sky-subtracted variant, preferred when it exists

	WCS     *wcs.Model
	ExpTime float64
	Gain    float64
	BUnit   string
	InUnits string // "cps" or "counts"

	DQFile     string
	DQExt      string
	StaticMask string
	CRMask     string
	ErrExt     string
	IVMFile    string

	Width  int
	Height int

	// UniqID is the 1-based position of the chip within its output group,
	// assigned while the group is processed.
	UniqID int

	// WeightScale is the per-chip weight factor derived from the stage
	// weight scale option.
	WeightScale float64
}

// Name identifies the chip as file[EXTNAME,EXTVER].
func (c *Chip) Name() string {
	return fmt.Sprintf("%s[%s,%d]", filepath.Base(c.DataFile), c.ExtName, c.ExtVer)
}

// GroupEntry is one chip together with its parent exposure.
type GroupEntry struct {
	Exposure *Exposure
	Chip     *Chip
}

// OutputGroup is the set of chips accumulated into one product.
type OutputGroup struct {
	Name    string
	Context string
	Entries []GroupEntry
	ExpTime float64 // total exposure time of the contributing exposures
}

// Expected is the number of contributors the group needs before it is
// flushed.
func (g *OutputGroup) Expected() int { return len(g.Entries) }

// PlanGroups splits the exposures into output groups for stage: one group
// per exposure for the separate stage, a single group for the final stage.
func PlanGroups(exposures []*Exposure, stage Stage) ([]*OutputGroup, error) {
	if len(exposures) == 0 {
		return nil, &ConfigurationError{Field: "inputs", Reason: "no exposures to process"}
	}
	for _, exp := range exposures {
		if len(exp.Chips) == 0 {
			return nil, &ConfigurationError{Field: "inputs", Reason: fmt.Sprintf("exposure %s has no chips", exp.Name)}
		}
	}

	if stage == StageSeparate {
		byName := make(map[string]*OutputGroup)
		var groups []*OutputGroup
		for _, exp := range exposures {
			g, ok := byName[exp.OutputSingle]
			if !ok {
				g = &OutputGroup{Name: exp.OutputSingle}
				byName[exp.OutputSingle] = g
				groups = append(groups, g)
			}
			g.ExpTime += exp.ExpTime
			for _, c := range exp.Chips {
				g.Entries = append(g.Entries, GroupEntry{Exposure: exp, Chip: c})
			}
		}
		return groups, nil
	}

	g := &OutputGroup{Name: exposures[0].OutputFinal, Context: exposures[0].OutputContext}
	for _, exp := range exposures {
		g.ExpTime += exp.ExpTime
		for _, c := range exp.Chips {
			g.Entries = append(g.Entries, GroupEntry{Exposure: exp, Chip: c})
		}
	}
	return []*OutputGroup{g}, nil
}

// TotalExpected sums the expected contributor counts of groups.
func TotalExpected(groups []*OutputGroup) int {
	n := 0
	for _, g := range groups {
		n += g.Expected()
	}
	return n
}
