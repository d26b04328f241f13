package drizzle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"skydrizzle/pkg/wcs"
)

// ChipRecord is the per-contributor metadata carried into product headers.
type ChipRecord struct {
	Chip          string
	DataFile      string
	Exposure      string
	ExpTime       float64
	WeightScale   float64
	UniqID        int
	Plane         int
	KernelVersion string
	NMiss         int
	NSkip         int
}

// Product is a completed group ready to be persisted. Sci, Wht and Ctx alias
// the shared accumulation buffers and are only valid during WriteProduct.
type Product struct {
	Name        string
	ContextName string
	Template    string // data file of the first chip in the group
	Width       int
	Height      int
	Sci         []float32
	Wht         []float32
	Ctx         [][]uint32
	Stats       ImageStats
	Chips       []ChipRecord
	Params      ParamRecord
	WCS         *wcs.Model
	Single      bool
	Build       bool
	BUnit       string // empty keeps the template's unit
	Units       string
	ExpTime     float64
	IDCScale    float64
	Versions    map[string]string
	RunID       string
}

// ProductWriter persists products.
type ProductWriter interface {
	WriteProduct(ctx context.Context, p *Product) error
}

// ProductRecord summarizes one flushed product for a Recorder.
type ProductRecord struct {
	RunID        string
	Name         string
	Stage        Stage
	Contributors int
	ExpTime      float64
	BUnit        string
	Units        string
	Kernel       string
	PixFrac      float64
	NMiss        int
	NSkip        int
	Coverage     float64
	FlushedAt    time.Time
}

// Recorder keeps a ledger of flushed products.
type Recorder interface {
	RecordProduct(ctx context.Context, rec ProductRecord) error
}

// PreviewSink receives the coverage preview JPEG of a product.
type PreviewSink func(product string, jpeg []byte) error

// OutputFlusher hands completed groups to the ProductWriter and resets the
// shared buffers afterwards.
type OutputFlusher struct {
	writer   ProductWriter
	recorder Recorder
	preview  PreviewSink
	log      *zap.Logger
}

func NewOutputFlusher(writer ProductWriter, recorder Recorder, preview PreviewSink, log *zap.Logger) *OutputFlusher {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutputFlusher{writer: writer, recorder: recorder, preview: preview, log: log}
}

// Flush writes p with the contents of acc and zeroes acc. A write failure is
// returned as *PersistenceError and leaves acc untouched. Preview and ledger
// failures are logged only.
func (f *OutputFlusher) Flush(ctx context.Context, p *Product, acc *AccumulationContext) (*CoverageAnalysis, error) {
	n := acc.Width * acc.Height
	p.Width, p.Height = acc.Width, acc.Height
	p.Sci = acc.Sci.DataFloat32()[:n]
	p.Wht = acc.Wht.DataFloat32()[:n]
	p.Ctx = acc.Ctx
	p.Stats = acc.SciStats()

	if err := f.writer.WriteProduct(ctx, p); err != nil {
		return nil, &PersistenceError{Product: p.Name, Err: err}
	}
	f.log.Info("wrote product", zap.String("product", p.Name),
		zap.Int("contributors", len(p.Chips)), zap.String("bunit", p.BUnit))

	cov := AnalyzeCoverage(acc)
	if f.preview != nil && cov != nil {
		jpg, err := RenderCoverageBytes(acc, cov, p.Name)
		if err == nil {
			err = f.preview(p.Name, jpg)
		}
		if err != nil {
			f.log.Warn("coverage preview failed", zap.String("product", p.Name), zap.Error(err))
		}
	}

	if f.recorder != nil {
		rec := ProductRecord{
			RunID:        p.RunID,
			Name:         p.Name,
			Stage:        p.Params.Stage,
			Contributors: len(p.Chips),
			ExpTime:      p.ExpTime,
			BUnit:        p.BUnit,
			Units:        p.Units,
			Kernel:       p.Params.Kernel,
			PixFrac:      p.Params.PixFrac,
			FlushedAt:    time.Now().UTC(),
		}
		if cov != nil {
			rec.Coverage = cov.Covered
		}
		for _, c := range p.Chips {
			rec.NMiss += c.NMiss
			rec.NSkip += c.NSkip
		}
		if err := f.recorder.RecordProduct(ctx, rec); err != nil {
			f.log.Warn("recording product failed", zap.String("product", p.Name), zap.Error(err))
		}
	}

	p.Sci, p.Wht, p.Ctx = nil, nil, nil
	acc.Reset()
	return cov, nil
}
