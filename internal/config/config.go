// Package config loads the YAML run configuration: drizzle parameters,
// output frame and the exposure manifest.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"skydrizzle/pkg/drizzle"
)

// maxConfigSize bounds the configuration file read by Load.
const maxConfigSize = 4 << 20

// Config mirrors the configuration file.
type Config struct {
	Build    bool     `yaml:"build"`
	StepSize *float64 `yaml:"stepsize"`
	Coeffs   string   `yaml:"coeffs"`
	CRBit    *int16   `yaml:"crbit"`
	ProcUnit string   `yaml:"proc_unit"`
	Context  *bool    `yaml:"context"`

	Separate SeparateSection `yaml:"driz_separate"`
	Combine  CombineSection  `yaml:"driz_combine"`
	Output   OutputSection   `yaml:"output"`
	Inputs   InputsSection   `yaml:"inputs"`

	// dir is the directory of the loaded file; relative paths resolve
	// against it.
	dir string
}

// SeparateSection configures the per-exposure stage.
type SeparateSection struct {
	Enabled *bool     `yaml:"driz_separate"`
	Units   string    `yaml:"driz_sep_units"`
	WtScl   string    `yaml:"driz_sep_wt_scl"`
	PixFrac *float64  `yaml:"driz_sep_pixfrac"`
	Kernel  string    `yaml:"driz_sep_kernel"`
	FillVal FillValue `yaml:"driz_sep_fillval"`
	Bits    int       `yaml:"driz_sep_bits"`
}

// CombineSection configures the final stage.
type CombineSection struct {
	Enabled    *bool     `yaml:"driz_combine"`
	WeightType string    `yaml:"final_wht_type"`
	Units      string    `yaml:"final_units"`
	WtScl      string    `yaml:"final_wt_scl"`
	PixFrac    *float64  `yaml:"final_pixfrac"`
	Kernel     string    `yaml:"final_kernel"`
	FillVal    FillValue `yaml:"final_fillval"`
	Bits       int       `yaml:"final_bits"`
}

// FillValue is a number or INDEF; INDEF and an empty value leave
// never-weighted pixels unfilled.
type FillValue struct {
	Value *float32
}

func (f *FillValue) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" || strings.EqualFold(s, "INDEF") || strings.EqualFold(s, "none") {
		f.Value = nil
		return nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return fmt.Errorf("line %d: fill value %q is neither a number nor INDEF", node.Line, node.Value)
	}
	fv := float32(v)
	f.Value = &fv
	return nil
}

func (f FillValue) MarshalYAML() (interface{}, error) {
	if f.Value == nil {
		return "INDEF", nil
	}
	return *f.Value, nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config %s: expected a .yaml or .yml file", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config %s is %d bytes, larger than %d", path, info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes a configuration document, rejecting unknown keys.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StepSize == nil {
		c.StepSize = floatPtr(10)
	}
	if c.ProcUnit == "" {
		c.ProcUnit = "native"
	}
	if c.Context == nil {
		c.Context = boolPtr(true)
	}

	s := &c.Separate
	if s.Enabled == nil {
		s.Enabled = boolPtr(true)
	}
	if s.WtScl == "" {
		s.WtScl = "exptime"
	}
	if s.PixFrac == nil {
		s.PixFrac = floatPtr(1)
	}
	if s.Kernel == "" {
		s.Kernel = "turbo"
	}

	f := &c.Combine
	if f.Enabled == nil {
		f.Enabled = boolPtr(true)
	}
	if f.WeightType == "" {
		f.WeightType = drizzle.WeightEXP
	}
	if f.Units == "" {
		f.Units = drizzle.UnitsRate
	}
	if f.WtScl == "" {
		f.WtScl = "exptime"
	}
	if f.PixFrac == nil {
		f.PixFrac = floatPtr(1)
	}
	if f.Kernel == "" {
		f.Kernel = "square"
	}

	c.Output.applyDefaults()
	for i := range c.Inputs.Exposures {
		c.Inputs.Exposures[i].applyDefaults(c.Output.FinalName)
	}
}

// Validate checks the drizzle parameters of every enabled stage and the
// manifest.
func (c *Config) Validate() error {
	dc := c.Drizzle()
	for _, stage := range []drizzle.Stage{drizzle.StageSeparate, drizzle.StageFinal} {
		if !c.StageEnabled(stage) {
			continue
		}
		if _, err := drizzle.ResolveParams(dc, stage); err != nil {
			return fmt.Errorf("%s stage: %w", stage, err)
		}
	}
	if err := c.Output.validate(); err != nil {
		return err
	}
	return c.Inputs.validate()
}

// StageEnabled reports whether stage is switched on.
func (c *Config) StageEnabled(stage drizzle.Stage) bool {
	if stage == drizzle.StageSeparate {
		return c.Separate.Enabled == nil || *c.Separate.Enabled
	}
	return c.Combine.Enabled == nil || *c.Combine.Enabled
}

// Drizzle converts the file into the parameter source of
// drizzle.ResolveParams.
func (c *Config) Drizzle() drizzle.Config {
	return drizzle.Config{
		Build:    c.Build,
		StepSize: c.StepSize,
		Coeffs:   c.Coeffs,
		CRBit:    c.CRBit,
		ProcUnit: c.ProcUnit,
		Context:  c.Context == nil || *c.Context,
		Separate: drizzle.StageConfig{
			Enabled:     c.StageEnabled(drizzle.StageSeparate),
			Units:       c.Separate.Units,
			WeightScale: c.Separate.WtScl,
			PixFrac:     c.Separate.PixFrac,
			Kernel:      c.Separate.Kernel,
			FillValue:   c.Separate.FillVal.Value,
			Bits:        c.Separate.Bits,
		},
		Final: drizzle.StageConfig{
			Enabled:     c.StageEnabled(drizzle.StageFinal),
			Units:       c.Combine.Units,
			WeightType:  c.Combine.WeightType,
			WeightScale: c.Combine.WtScl,
			PixFrac:     c.Combine.PixFrac,
			Kernel:      c.Combine.Kernel,
			FillValue:   c.Combine.FillVal.Value,
			Bits:        c.Combine.Bits,
		},
	}
}

// Dir returns the directory relative input and output paths resolve
// against.
func (c *Config) Dir() string { return c.dir }

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
