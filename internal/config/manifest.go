package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"skydrizzle/pkg/drizzle"
	"skydrizzle/pkg/fits"
	"skydrizzle/pkg/wcs"
)

// FrameSection describes an output frame, either through the header of a
// template image or explicitly.
type FrameSection struct {
	Template string        `yaml:"template"`
	Ext      string        `yaml:"ext"`
	NAXIS    [2]int        `yaml:"naxis"`
	CRPix    [2]float64    `yaml:"crpix"`
	CRVal    [2]float64    `yaml:"crval"`
	CD       [2][2]float64 `yaml:"cd"`
	IDCScale float64       `yaml:"idcscale"`
}

func (f FrameSection) isZero() bool {
	return f.Template == "" && f.NAXIS == [2]int{} && f.CD == [2][2]float64{}
}

// OutputSection names the products and their frames. Single defaults to
// the final frame.
type OutputSection struct {
	Dir         string        `yaml:"dir"`
	FinalName   string        `yaml:"final_name"`
	ContextName string        `yaml:"context_name"`
	Final       FrameSection  `yaml:"final"`
	Single      *FrameSection `yaml:"single"`
}

func (o *OutputSection) applyDefaults() {
	if o.FinalName == "" {
		o.FinalName = "final_drz.fits"
	}
}

func (o *OutputSection) validate() error {
	if o.Final.isZero() {
		return &drizzle.ConfigurationError{Field: "output.final", Reason: "a template or an explicit frame is required"}
	}
	for name, f := range map[string]*FrameSection{"output.final": &o.Final, "output.single": o.Single} {
		if f == nil || f.Template != "" {
			continue
		}
		if f.NAXIS[0] <= 0 || f.NAXIS[1] <= 0 {
			return &drizzle.ConfigurationError{Field: name + ".naxis", Reason: "both axes must be positive"}
		}
		if f.CD[0][0]*f.CD[1][1]-f.CD[0][1]*f.CD[1][0] == 0 {
			return &drizzle.ConfigurationError{Field: name + ".cd", Reason: "matrix is singular"}
		}
	}
	return nil
}

// InputsSection is the exposure manifest.
type InputsSection struct {
	Dir       string          `yaml:"dir"`
	Exposures []ExposureEntry `yaml:"exposures"`
}

func (in *InputsSection) validate() error {
	if len(in.Exposures) == 0 {
		return &drizzle.ConfigurationError{Field: "inputs.exposures", Reason: "at least one exposure is required"}
	}
	seen := map[string]bool{}
	for i, e := range in.Exposures {
		if e.File == "" {
			return &drizzle.ConfigurationError{Field: fmt.Sprintf("inputs.exposures[%d].file", i), Reason: "required"}
		}
		if seen[e.Name] {
			return &drizzle.ConfigurationError{Field: fmt.Sprintf("inputs.exposures[%d].name", i), Reason: fmt.Sprintf("duplicate exposure %q", e.Name)}
		}
		seen[e.Name] = true
	}
	return nil
}

// ExposureEntry lists one exposure file and its chips.
type ExposureEntry struct {
	Name         string      `yaml:"name"`
	File         string      `yaml:"file"`
	SkyFile      string      `yaml:"sky_file"`
	ExpTime      *float64    `yaml:"exptime"`
	NativeUnits  string      `yaml:"native_units"`
	Shift        [2]float64  `yaml:"shift"`
	OutputSingle string      `yaml:"output_single"`
	OutputFinal  string      `yaml:"-"`
	Chips        []ChipEntry `yaml:"chips"`
}

// ChipEntry selects one science extension and its auxiliary inputs.
type ChipEntry struct {
	Ext        string   `yaml:"ext"`
	Ver        int      `yaml:"ver"`
	DQExt      string   `yaml:"dq_ext"`
	ErrExt     string   `yaml:"err_ext"`
	StaticMask string   `yaml:"static_mask"`
	CRMask     string   `yaml:"cr_mask"`
	IVMFile    string   `yaml:"ivm_file"`
	Gain       *float64 `yaml:"gain"`
	BUnit      string   `yaml:"bunit"`
	InUnits    string   `yaml:"in_units"`
}

func (e *ExposureEntry) applyDefaults(finalName string) {
	if e.Name == "" {
		base := filepath.Base(e.File)
		base = strings.TrimSuffix(base, filepath.Ext(base))
		e.Name = strings.TrimSuffix(strings.TrimSuffix(base, "_flt"), "_flc")
	}
	if e.OutputSingle == "" {
		e.OutputSingle = e.Name + "_single_sci.fits"
	}
	e.OutputFinal = finalName
	if len(e.Chips) == 0 {
		e.Chips = []ChipEntry{{}}
	}
	for i := range e.Chips {
		c := &e.Chips[i]
		if c.Ext == "" {
			c.Ext = "SCI"
		}
		if c.Ver == 0 {
			c.Ver = i + 1
		}
		if c.DQExt == "" {
			c.DQExt = "DQ"
		}
		if c.ErrExt == "" {
			c.ErrExt = "ERR"
		}
	}
}

// resolve makes a relative input path absolute against dir.
func resolve(dir, p string) string {
	if p == "" || dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// InputDir returns the directory input names resolve against.
func (c *Config) InputDir() string {
	if c.Inputs.Dir == "" {
		return c.dir
	}
	return resolve(c.dir, c.Inputs.Dir)
}

// OutputDir returns the directory products are written to.
func (c *Config) OutputDir() string {
	if c.Output.Dir == "" {
		return c.dir
	}
	return resolve(c.dir, c.Output.Dir)
}

// Exposures builds the exposure list, reading exposure time, units, gain
// and coordinate models from the headers of the inputs in store. Values
// given in the manifest take precedence over header values. Input names
// resolve against InputDir and product names against OutputDir.
func (c *Config) Exposures(store drizzle.ImageStore) ([]*drizzle.Exposure, error) {
	inDir, outDir := c.InputDir(), c.OutputDir()
	contextName := ""
	if c.Context == nil || *c.Context {
		contextName = c.Output.ContextName
		if contextName == "" {
			contextName = contextFor(c.Output.FinalName, c.Build)
		}
		contextName = resolve(outDir, contextName)
	}

	var out []*drizzle.Exposure
	for _, e := range c.Inputs.Exposures {
		e.File = resolve(inDir, e.File)
		e.SkyFile = resolve(inDir, e.SkyFile)
		e.OutputSingle = resolve(outDir, e.OutputSingle)
		e.OutputFinal = resolve(outDir, e.OutputFinal)
		e.Chips = append([]ChipEntry(nil), e.Chips...)
		for i := range e.Chips {
			ce := &e.Chips[i]
			ce.StaticMask = resolve(inDir, ce.StaticMask)
			ce.CRMask = resolve(inDir, ce.CRMask)
			ce.IVMFile = resolve(inDir, ce.IVMFile)
		}
		exp, err := buildExposure(store, e, contextName)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// contextFor names the provenance product of final. A built product keeps
// its provenance in the same file.
func contextFor(final string, build bool) string {
	if build {
		return final
	}
	ext := filepath.Ext(final)
	base := strings.TrimSuffix(final, ext)
	for _, suffix := range []string{"_sci", "_drz"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base + "_ctx" + ext
}

func buildExposure(store drizzle.ImageStore, e ExposureEntry, contextName string) (*drizzle.Exposure, error) {
	h, err := store.OpenForRead(e.File)
	if err != nil {
		return nil, &drizzle.InputAccessError{Chip: e.Name, Path: e.File, Err: err}
	}
	defer h.Close()

	primary, err := h.Extension("", 0)
	if err != nil {
		return nil, &drizzle.InputAccessError{Chip: e.Name, Path: e.File, Err: err}
	}

	exp := &drizzle.Exposure{
		Name:          e.Name,
		NativeUnits:   e.NativeUnits,
		ShiftX:        e.Shift[0],
		ShiftY:        e.Shift[1],
		OutputSingle:  e.OutputSingle,
		OutputFinal:   e.OutputFinal,
		OutputContext: contextName,
	}
	if e.ExpTime != nil {
		exp.ExpTime = *e.ExpTime
	} else if v, ok := primary.Header.ExposureTime(); ok {
		exp.ExpTime = v
	}

	for _, ce := range e.Chips {
		chip, err := buildChip(h, primary.Header, e, ce, exp.ExpTime)
		if err != nil {
			return nil, err
		}
		if exp.NativeUnits == "" {
			exp.NativeUnits = chip.BUnit
		}
		exp.Chips = append(exp.Chips, chip)
	}
	return exp, nil
}

func buildChip(h drizzle.ImageHandle, primary *fits.Header, e ExposureEntry, ce ChipEntry, expTime float64) (*drizzle.Chip, error) {
	chip := &drizzle.Chip{
		ExtName:    strings.ToUpper(ce.Ext),
		ExtVer:     ce.Ver,
		DataFile:   e.File,
		SkyFile:    e.SkyFile,
		ExpTime:    expTime,
		Gain:       1,
		BUnit:      ce.BUnit,
		InUnits:    ce.InUnits,
		DQFile:     e.File,
		DQExt:      ce.DQExt,
		StaticMask: ce.StaticMask,
		CRMask:     ce.CRMask,
		ErrExt:     ce.ErrExt,
		IVMFile:    ce.IVMFile,
	}

	sci, err := h.Extension(chip.ExtName, chip.ExtVer)
	if err != nil {
		return nil, &drizzle.InputAccessError{Chip: chip.Name(), Path: e.File, Err: err}
	}
	chip.Width, chip.Height = sci.Width(), sci.Height()

	chip.WCS, err = wcs.FromHeader(sci.Header, chip.Width, chip.Height)
	if err != nil {
		return nil, &drizzle.InputAccessError{Chip: chip.Name(), Path: e.File, Err: fmt.Errorf("reading coordinate model: %w", err)}
	}

	if chip.BUnit == "" {
		chip.BUnit = firstNonEmpty(sci.Header.BUnit(), primary.BUnit())
	}
	if ce.Gain != nil {
		chip.Gain = *ce.Gain
	} else if g, ok := sci.Header.Gain(); ok {
		chip.Gain = g
	} else if g, ok := primary.Gain(); ok {
		chip.Gain = g
	}
	if chip.InUnits == "" {
		chip.InUnits = inUnitsOf(chip.BUnit)
	}
	return chip, nil
}

// inUnitsOf classifies a BUNIT value as a rate or as integrated counts.
func inUnitsOf(bunit string) string {
	if strings.HasSuffix(strings.ToUpper(strings.TrimSpace(bunit)), "/S") {
		return drizzle.UnitsRate
	}
	return drizzle.UnitsCounts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// OutputWCS returns the output frame of stage.
func (c *Config) OutputWCS(store drizzle.ImageStore, stage drizzle.Stage) (*wcs.Model, error) {
	frame := c.Output.Final
	if stage == drizzle.StageSeparate && c.Output.Single != nil {
		frame = *c.Output.Single
	}
	if frame.Template == "" {
		m, err := wcs.NewModel(frame.CRPix, frame.CRVal, frame.CD, frame.NAXIS[0], frame.NAXIS[1])
		if err != nil {
			return nil, &drizzle.ConfigurationError{Field: "output", Reason: err.Error()}
		}
		m.IDCScale = frame.IDCScale
		return m, nil
	}

	template := resolve(c.InputDir(), frame.Template)
	h, err := store.OpenForRead(template)
	if err != nil {
		return nil, &drizzle.InputAccessError{Chip: "output", Path: template, Err: err}
	}
	defer h.Close()
	hdu, err := h.Extension(frame.Ext, 1)
	if err != nil {
		return nil, &drizzle.InputAccessError{Chip: "output", Path: template, Err: err}
	}

	w, ht := frame.NAXIS[0], frame.NAXIS[1]
	if w == 0 || ht == 0 {
		w, ht = hdu.Width(), hdu.Height()
	}
	m, err := wcs.FromHeader(hdu.Header, w, ht)
	if err != nil {
		return nil, &drizzle.ConfigurationError{Field: "output.template", Reason: err.Error()}
	}
	if frame.IDCScale != 0 {
		m.IDCScale = frame.IDCScale
	}
	return m, nil
}
