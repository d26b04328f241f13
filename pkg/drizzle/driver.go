package drizzle

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skydrizzle/pkg/tdriz"
	"skydrizzle/pkg/wcs"
)

// DriverState is the position of the driver in its run.
type DriverState int

const (
	StateIdle DriverState = iota
	StateForEachGroup
	StateForEachChip
	StateAccumulateChip
	StateFlushGroup
	StateDone
)

func (s DriverState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateForEachGroup:
		return "ForEachGroup"
	case StateForEachChip:
		return "ForEachChip"
	case StateAccumulateChip:
		return "AccumulateChip"
	case StateFlushGroup:
		return "FlushGroup"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("DriverState(%d)", int(s))
}

// Kernel is the accumulation primitive the driver invokes once per chip.
type Kernel interface {
	Accumulate(p *tdriz.Params) (tdriz.Result, error)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(p *tdriz.Params) (tdriz.Result, error)

func (f KernelFunc) Accumulate(p *tdriz.Params) (tdriz.Result, error) { return f(p) }

// DefaultKernel is the built-in accumulation kernel.
var DefaultKernel Kernel = KernelFunc(tdriz.Drizzle)

// Option configures a Driver.
type Option func(*Driver)

// WithMappingProvider replaces the native grid mapping.
func WithMappingProvider(p MappingProvider) Option {
	return func(d *Driver) { d.mapping = p }
}

// WithPrefetch loads up to n chips of a group concurrently before
// accumulation. Accumulation itself stays sequential.
func WithPrefetch(n int) Option {
	return func(d *Driver) { d.prefetch = n }
}

// WithRecorder registers a ledger for flushed products.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// WithPreview registers a sink for coverage previews.
func WithPreview(sink PreviewSink) Option {
	return func(d *Driver) { d.preview = sink }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(d *Driver) { d.runID = id }
}

// WithVersions adds entries to the versions block of every product.
func WithVersions(v map[string]string) Option {
	return func(d *Driver) {
		for k, val := range v {
			d.versions[k] = val
		}
	}
}

// Driver runs the resampling of a set of exposures. A Driver is not safe
// for concurrent Runs.
type Driver struct {
	store    ImageStore
	kernel   Kernel
	writer   ProductWriter
	mapping  MappingProvider
	recorder Recorder
	preview  PreviewSink
	prefetch int
	runID    string
	versions map[string]string
	log      *zap.Logger

	state DriverState
}

// NewDriver creates a driver reading inputs from store, accumulating with
// kernel and persisting through writer.
func NewDriver(store ImageStore, kernel Kernel, writer ProductWriter, opts ...Option) *Driver {
	d := &Driver{
		store:    store,
		kernel:   kernel,
		writer:   writer,
		versions: map[string]string{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.kernel == nil {
		d.kernel = DefaultKernel
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	return d
}

// State returns the current state.
func (d *Driver) State() DriverState { return d.state }

// RunID returns the identifier stamped into products.
func (d *Driver) RunID() string { return d.runID }

func (d *Driver) setState(s DriverState) {
	if d.state != s {
		d.log.Debug("driver state", zap.Stringer("from", d.state), zap.Stringer("to", s))
	}
	d.state = s
}

// GroupReport summarizes one flushed product.
type GroupReport struct {
	Name         string
	Contributors int
	NMiss        int
	NSkip        int
	BUnit        string
	Coverage     float64
}

// Report summarizes a run.
type Report struct {
	RunID         string
	Stage         Stage
	Planes        int
	Mapping       string
	KernelVersion string
	Groups        []GroupReport
	Warnings      []InputAccessWarning
}

// chipInput is everything a chip needs before its kernel call.
type chipInput struct {
	entry    GroupEntry
	source   string
	data     []float32
	width    int
	height   int
	weights  []float32
	pixRatio float64
	mapping  tdriz.Mapping
	warnings []InputAccessWarning
}

// Run processes every group of exposures for the stage of params. Groups are
// flushed in order; a failed write aborts the run and leaves earlier
// products in place.
func (d *Driver) Run(ctx context.Context, exposures []*Exposure, outWCS *wcs.Model, params ParamRecord) (*Report, error) {
	d.setState(StateIdle)

	groups, err := PlanGroups(exposures, params.Stage)
	if err != nil {
		return nil, err
	}
	if err := checkRun(groups, outWCS, params); err != nil {
		return nil, err
	}

	if !params.Single() && params.Build && d.store.Exists(groups[0].Name) {
		d.log.Info("removing previous output product", zap.String("product", groups[0].Name))
		if err := d.store.Remove(groups[0].Name); err != nil {
			return nil, &PersistenceError{Product: groups[0].Name, Err: err}
		}
	}

	ctxAcc := NewContextAccumulator(TotalExpected(groups), params.ProvenanceEnabled() && groups[0].Context != "")
	acc := NewAccumulationContext(outWCS.NAXIS1, outWCS.NAXIS2, ctxAcc.Planes())
	defer acc.Close()

	mapping := d.mapping
	if mapping == nil {
		mapping = NativeMapping{StepSize: params.StepSize}
	}
	flusher := NewOutputFlusher(d.writer, d.recorder, d.preview, d.log)

	report := &Report{RunID: d.runID, Stage: params.Stage, Planes: ctxAcc.Planes(), Mapping: mapping.Name()}
	d.log.Info("starting run",
		zap.String("run", d.runID), zap.Stringer("stage", params.Stage),
		zap.Int("groups", len(groups)), zap.Int("contributors", TotalExpected(groups)),
		zap.Int("planes", ctxAcc.Planes()), zap.String("mapping", mapping.Name()),
		zap.String("kernel", params.Kernel), zap.Float64("stepsize", params.StepSize))

	for _, g := range groups {
		d.setState(StateForEachGroup)
		gr, err := d.runGroup(ctx, g, outWCS, params, mapping, ctxAcc, acc, flusher, report)
		if err != nil {
			return report, err
		}
		report.Groups = append(report.Groups, gr)
	}

	d.setState(StateDone)
	return report, nil
}

func (d *Driver) runGroup(ctx context.Context, g *OutputGroup, outWCS *wcs.Model, params ParamRecord,
	mapping MappingProvider, ctxAcc *ContextAccumulator, acc *AccumulationContext,
	flusher *OutputFlusher, report *Report) (GroupReport, error) {
	var prefetched []*chipInput
	if d.prefetch > 1 {
		var err error
		if prefetched, err = d.prefetchGroup(ctx, g, outWCS, params, mapping); err != nil {
			return GroupReport{}, err
		}
	}

	masks := NewMaskCompositor(d.store, d.log)
	gr := GroupReport{Name: g.Name}
	var chips []ChipRecord
	var bunit string
	processed := 0

	for i, e := range g.Entries {
		d.setState(StateForEachChip)
		if err := ctx.Err(); err != nil {
			return gr, err
		}
		e.Chip.UniqID = i + 1

		var in *chipInput
		if prefetched != nil {
			in = prefetched[i]
		} else {
			var err error
			if in, err = d.loadChip(e, outWCS, params, mapping); err != nil {
				return gr, err
			}
		}
		report.Warnings = append(report.Warnings, in.warnings...)

		if params.Stage == StageFinal {
			w, err := masks.ApplyRejectionToDefectArray(e.Chip, params.CRBit)
			if err != nil {
				return gr, err
			}
			if w != nil {
				report.Warnings = append(report.Warnings, *w)
			}
		}

		d.setState(StateAccumulateChip)
		bunit = PropagatedUnit(e.Chip.BUnit, params.Units)
		plane, bit := ctxAcc.Assign(e.Chip.UniqID)

		expIn := 1.0
		if strings.EqualFold(e.Chip.InUnits, UnitsCounts) {
			expIn = e.Chip.ExpTime
		}
		kp := &tdriz.Params{
			Data:        in.data,
			Weights:     in.weights,
			Width:       in.width,
			Height:      in.height,
			OutSci:      acc.Sci.DataFloat32(),
			OutWht:      acc.Wht.DataFloat32(),
			OutCtx:      ctxAcc.PlaneSlice(acc, plane),
			OutWidth:    acc.Width,
			OutHeight:   acc.Height,
			UniqID:      bit,
			RowStart:    0,
			ColStep:     1,
			RowStep:     1,
			RowCount:    in.height,
			PixRatio:    in.pixRatio,
			ScaleX:      1,
			ScaleY:      1,
			Align:       "center",
			PixFrac:     params.PixFrac,
			Kernel:      params.Kernel,
			InUnits:     strings.ToLower(e.Chip.InUnits),
			ExpIn:       expIn,
			WeightScale: e.Chip.WeightScale,
			FillValue:   params.FillValue,
			Mapping:     in.mapping,
		}
		res, err := d.kernel.Accumulate(kp)
		if err != nil {
			return gr, fmt.Errorf("accumulating %s: %w", e.Chip.Name(), err)
		}
		report.KernelVersion = res.Version
		if res.NMiss > 0 {
			d.log.Warn("points outside the output image", zap.String("chip", e.Chip.Name()), zap.Int("nmiss", res.NMiss))
		}
		if res.NSkip > 0 {
			d.log.Info("input lines skipped completely", zap.String("chip", e.Chip.Name()), zap.Int("nskip", res.NSkip))
		}
		gr.NMiss += res.NMiss
		gr.NSkip += res.NSkip

		chips = append(chips, ChipRecord{
			Chip:          e.Chip.Name(),
			DataFile:      in.source,
			Exposure:      e.Exposure.Name,
			ExpTime:       e.Chip.ExpTime,
			WeightScale:   e.Chip.WeightScale,
			UniqID:        bit,
			Plane:         plane,
			KernelVersion: res.Version,
			NMiss:         res.NMiss,
			NSkip:         res.NSkip,
		})
		processed++
		d.log.Debug("accumulated chip", zap.String("chip", e.Chip.Name()), zap.String("source", in.source),
			zap.Int("plane", plane), zap.Int("bit", bit), zap.Float64("pixratio", in.pixRatio))

		if processed != g.Expected() {
			continue
		}

		d.setState(StateFlushGroup)
		last := g.Entries[len(g.Entries)-1]
		scale := groupScale{
			units:       params.Units,
			procUnit:    params.ProcUnit,
			nativeUnits: last.Exposure.NativeUnits,
			gain:        last.Chip.Gain,
			expScale:    g.ExpTime,
		}
		if params.Single() {
			scale.expScale = last.Chip.ExpTime
		}
		bunit = scale.apply(acc, bunit)

		versions := map[string]string{"tdriz": res.Version}
		for k, v := range d.versions {
			versions[k] = v
		}
		product := &Product{
			Name:        g.Name,
			ContextName: g.Context,
			Template:    g.Entries[0].Chip.DataFile,
			Chips:       chips,
			Params:      params,
			WCS:         outWCS,
			Single:      params.Single(),
			Build:       params.Build,
			BUnit:       bunit,
			Units:       params.Units,
			ExpTime:     scale.expScale,
			IDCScale:    last.Chip.WCS.IDCScale,
			Versions:    versions,
			RunID:       d.runID,
		}
		cov, err := flusher.Flush(ctx, product, acc)
		if err != nil {
			return gr, err
		}
		gr.Contributors = processed
		gr.BUnit = bunit
		if cov != nil {
			gr.Coverage = cov.Covered
		}
	}
	return gr, nil
}

// prefetchGroup loads every chip of g with at most d.prefetch loads in
// flight.
func (d *Driver) prefetchGroup(ctx context.Context, g *OutputGroup, outWCS *wcs.Model, params ParamRecord,
	mapping MappingProvider) ([]*chipInput, error) {
	inputs := make([]*chipInput, len(g.Entries))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.prefetch)
	for i, e := range g.Entries {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			in, err := d.loadChip(e, outWCS, params, mapping)
			if err != nil {
				return err
			}
			inputs[i] = in
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// loadChip reads the pixel data of a chip and prepares its mapping, pixel
// scale ratio and weights.
func (d *Driver) loadChip(e GroupEntry, outWCS *wcs.Model, params ParamRecord, mapping MappingProvider) (*chipInput, error) {
	chip := e.Chip
	in := &chipInput{entry: e, source: chip.DataFile}
	if chip.SkyFile != "" && d.store.Exists(chip.SkyFile) {
		in.source = chip.SkyFile
	}

	h, err := d.store.OpenForRead(in.source)
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: in.source, Err: err}
	}
	defer h.Close()
	sci, err := h.Extension(chip.ExtName, chip.ExtVer)
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: in.source, Err: err}
	}
	in.data = sci.AsFloat32()
	in.width, in.height = sci.Width(), sci.Height()
	if in.width*in.height == 0 || len(in.data) < in.width*in.height {
		return nil, &InputAccessError{Chip: chip.Name(), Path: in.source, Err: fmt.Errorf("no image data")}
	}
	if chip.Width == 0 || chip.Height == 0 {
		chip.Width, chip.Height = in.width, in.height
	}
	if chip.Width != in.width || chip.Height != in.height {
		return nil, &InputAccessError{Chip: chip.Name(), Path: in.source,
			Err: fmt.Errorf("image is %dx%d, expected %dx%d", in.width, in.height, chip.Width, chip.Height)}
	}

	mapped := *chip
	if !params.UseDistortion() {
		mapped.WCS = chip.WCS.Undistorted()
	}
	if in.mapping, err = mapping.ForChip(&mapped, e.Exposure, outWCS); err != nil {
		return nil, err
	}
	in.pixRatio = outWCS.PixelScale() / chip.WCS.Undistorted().PixelScale()

	masks := NewMaskCompositor(d.store, d.log)
	mask, err := masks.Compose(chip, params.Stage, params.Bits)
	if err != nil {
		return nil, err
	}
	in.warnings = mask.Warnings

	var src WeightSource
	switch params.WeightType {
	case WeightERR:
		// error arrays live with the calibrated input, not its sky-subtracted copy
		errHandle := h
		if in.source != chip.DataFile {
			eh, err := d.store.OpenForRead(chip.DataFile)
			if err != nil {
				in.warnings = append(in.warnings, d.warn(chip, "err", chip.DataFile, err.Error()))
				break
			}
			defer eh.Close()
			errHandle = eh
		}
		src.Err, in.warnings = d.readOptional(errHandle, chip, "err", chip.ErrExt, chip.ExtVer, in.warnings)
	case WeightIVM:
		if chip.IVMFile != "" && d.store.Exists(chip.IVMFile) {
			ivm, err := d.store.OpenForRead(chip.IVMFile)
			if err == nil {
				src.IVM, in.warnings = d.readOptional(ivm, chip, "ivm", "", 0, in.warnings)
				_ = ivm.Close()
			} else {
				in.warnings = append(in.warnings, d.warn(chip, "ivm", chip.IVMFile, err.Error()))
			}
		} else {
			in.warnings = append(in.warnings, d.warn(chip, "ivm", chip.IVMFile, "file not found"))
		}
	}
	var ok bool
	in.weights, ok = BuildWeights(mask.Valid, params.WeightType, src, in.pixRatio)
	if !ok {
		d.log.Warn("falling back to uniform weights", zap.String("chip", chip.Name()), zap.String("scheme", params.WeightType))
	}

	chip.WeightScale = params.ChipWeightScale(chip.ExpTime)
	return in, nil
}

func (d *Driver) readOptional(h ImageHandle, chip *Chip, kind, ext string, ver int, warnings []InputAccessWarning) ([]float32, []InputAccessWarning) {
	if kind == "err" && ext == "" {
		return nil, append(warnings, d.warn(chip, kind, chip.DataFile, "no error extension configured"))
	}
	hdu, err := h.Extension(ext, ver)
	if err != nil {
		return nil, append(warnings, d.warn(chip, kind, chip.DataFile, err.Error()))
	}
	return hdu.AsFloat32(), warnings
}

func (d *Driver) warn(chip *Chip, kind, path, reason string) InputAccessWarning {
	d.log.Warn("skipping weight source", zap.String("chip", chip.Name()), zap.String("mask", kind),
		zap.String("path", path), zap.String("reason", reason))
	return InputAccessWarning{Chip: chip.Name(), Mask: kind, Path: path, Reason: reason}
}

// checkRun rejects runs that would divide by a zero exposure time or gain,
// or that lack coordinate models.
func checkRun(groups []*OutputGroup, outWCS *wcs.Model, params ParamRecord) error {
	if outWCS == nil {
		return &ConfigurationError{Field: "output", Reason: "no output coordinate model"}
	}
	if outWCS.NAXIS1 <= 0 || outWCS.NAXIS2 <= 0 {
		return &ConfigurationError{Field: "output", Reason: fmt.Sprintf("invalid output size %dx%d", outWCS.NAXIS1, outWCS.NAXIS2)}
	}
	for _, g := range groups {
		if params.Units == UnitsCounts && !params.Single() && g.ExpTime <= 0 {
			return &ConfigurationError{Field: "exptime", Reason: fmt.Sprintf("group %s has no exposure time for counts output", g.Name)}
		}
		for _, e := range g.Entries {
			c := e.Chip
			switch {
			case c.WCS == nil:
				return &ConfigurationError{Field: "wcs", Reason: fmt.Sprintf("chip %s has no coordinate model", c.Name())}
			case strings.EqualFold(c.InUnits, UnitsCounts) && c.ExpTime <= 0:
				return &ConfigurationError{Field: "exptime", Reason: fmt.Sprintf("chip %s in counts has exposure time %g", c.Name(), c.ExpTime)}
			case params.Units == UnitsCounts && params.Single() && c.ExpTime <= 0:
				return &ConfigurationError{Field: "exptime", Reason: fmt.Sprintf("chip %s has exposure time %g for counts output", c.Name(), c.ExpTime)}
			case strings.EqualFold(params.ProcUnit, "native") && strings.HasPrefix(strings.ToLower(e.Exposure.NativeUnits), "counts") && c.Gain <= 0:
				return &ConfigurationError{Field: "gain", Reason: fmt.Sprintf("chip %s has gain %g", c.Name(), c.Gain)}
			}
		}
	}
	return nil
}
