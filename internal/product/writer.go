// Package product persists drizzled products as FITS files.
package product

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"skydrizzle/pkg/drizzle"
	"skydrizzle/pkg/fits"
)

// Writer is a drizzle.ProductWriter storing products in Store. Built
// products are one multi-extension file; otherwise science, weight and
// provenance images go to separate files.
type Writer struct {
	Store drizzle.ImageStore
	Log   *zap.Logger
}

// Names returns the science, weight and provenance file names of an
// unbuilt product. A name ending in _sci keeps that suffix for the science
// file and swaps it for the other two.
func Names(name, contextName string) (sci, wht, ctx string) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(strings.TrimSuffix(name, ext), "_sci")
	return name, base + "_wht" + ext, contextName
}

func (w *Writer) logger() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

// WriteProduct writes p. It must not retain p's pixel buffers.
func (w *Writer) WriteProduct(ctx context.Context, p *drizzle.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := p.Width * p.Height; len(p.Sci) < n || len(p.Wht) < n {
		return fmt.Errorf("product %s: buffers smaller than %dx%d", p.Name, p.Width, p.Height)
	}

	primary := fits.NewEmptyHDU()
	primary.Header = w.templateHeader(p.Template)
	writeDrizzleKeywords(primary.Header, p)

	sci := w.imageHDU("SCI", p, p.Sci)
	sci.Header.SetString("BUNIT", p.BUnit, "units of the science image")
	if p.BUnit == "" {
		sci.Header.Delete("BUNIT")
		if u := primary.Header.BUnit(); u != "" {
			sci.Header.SetString("BUNIT", u, "units of the science image")
		}
	}
	writeStats(sci.Header, p.Stats)
	wht := w.imageHDU("WHT", p, p.Wht)

	withContext := p.ContextName != "" && len(p.Ctx) > 0
	if p.Build {
		hdus := []*fits.HDU{primary, sci, wht}
		if withContext {
			hdus = append(hdus, w.contextHDU(p))
		}
		if err := w.Store.Put(p.Name, &fits.File{HDUs: hdus}); err != nil {
			return fmt.Errorf("writing %s: %w", p.Name, err)
		}
		w.logger().Debug("wrote built product", zap.String("product", p.Name), zap.Int("extensions", len(hdus)))
		return nil
	}

	type part struct {
		name string
		hdu  *fits.HDU
	}
	sciName, whtName, ctxName := Names(p.Name, p.ContextName)
	files := []part{{sciName, sci}, {whtName, wht}}
	if withContext {
		files = append(files, part{ctxName, w.contextHDU(p)})
	}
	for _, f := range files {
		ph := fits.NewEmptyHDU()
		ph.Header = primary.Header.Clone()
		if err := w.Store.Put(f.name, &fits.File{HDUs: []*fits.HDU{ph, f.hdu}}); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
		w.logger().Debug("wrote product file", zap.String("product", p.Name), zap.String("file", f.name))
	}
	return nil
}

// templateHeader copies the primary header of the first contributing
// input; a missing template yields an empty header.
func (w *Writer) templateHeader(template string) *fits.Header {
	if template == "" || !w.Store.Exists(template) {
		return fits.NewHeader()
	}
	h, err := w.Store.OpenForRead(template)
	if err != nil {
		w.logger().Warn("cannot read template header", zap.String("template", template), zap.Error(err))
		return fits.NewHeader()
	}
	defer h.Close()
	hdu, err := h.Extension("", 0)
	if err != nil {
		return fits.NewHeader()
	}
	out := hdu.Header.Clone()
	for _, k := range []string{"EXTNAME", "EXTVER", "BZERO", "BSCALE"} {
		out.Delete(k)
	}
	return out
}

// imageHDU copies data, which aliases the shared accumulation buffers.
func (w *Writer) imageHDU(extName string, p *drizzle.Product, data []float32) *fits.HDU {
	pixels := append([]float32(nil), data[:p.Width*p.Height]...)
	hdu := fits.NewFloat32HDU(extName, 1, p.Width, p.Height, pixels)
	if p.WCS != nil {
		p.WCS.ToHeader(hdu.Header)
	}
	return hdu
}

// contextHDU stores the provenance bits as 32-bit integers, one plane per
// 32 contributors.
func (w *Writer) contextHDU(p *drizzle.Product) *fits.HDU {
	n := p.Width * p.Height
	data := make([]int32, 0, n*len(p.Ctx))
	for _, plane := range p.Ctx {
		for _, v := range plane[:n] {
			data = append(data, int32(v))
		}
	}
	axes := []int{p.Width, p.Height}
	if len(p.Ctx) > 1 {
		axes = append(axes, len(p.Ctx))
	}
	hdu := fits.NewInt32HDU("CTX", 1, 32, axes, data)
	if p.WCS != nil {
		p.WCS.ToHeader(hdu.Header)
	}
	return hdu
}

// writeDrizzleKeywords records the run and every contributing chip.
func writeDrizzleKeywords(h *fits.Header, p *drizzle.Product) {
	h.SetInt("NDRIZIM", len(p.Chips), "number of drizzled images")
	h.SetString("DRIZSTAG", p.Params.Stage.String(), "drizzle stage")
	h.SetString("RUNID", p.RunID, "drizzle run identifier")
	h.SetFloat("EXPTIME", p.ExpTime, "exposure time of the product")
	h.SetString("DRIZUNIT", p.Units, "output unit mode")
	if p.IDCScale != 0 {
		h.SetFloat("IDCSCALE", p.IDCScale, "reference plate scale")
	}

	for i, c := range p.Chips {
		pfx := fmt.Sprintf("D%03d", i+1)
		h.SetString(pfx+"VER", c.KernelVersion, "drizzle kernel version")
		h.SetString(pfx+"DATA", c.Chip, "input image")
		h.SetString(pfx+"SRC", filepath.Base(c.DataFile), "file the pixels were read from")
		h.SetString(pfx+"KERN", p.Params.Kernel, "drizzle kernel")
		h.SetFloat(pfx+"PIXF", p.Params.PixFrac, "drizzle pixfrac")
		h.SetString(pfx+"FVAL", p.Params.FillString(), "drizzle fill value")
		h.SetFloat(pfx+"WTSC", c.WeightScale, "weighting factor for input image")
		h.SetFloat(pfx+"EXPT", c.ExpTime, "exposure time of input image")
		h.SetString(pfx+"OUUN", p.Units, "units of the output image")
		h.SetInt(pfx+"CTXI", c.UniqID, "provenance bit")
		h.SetInt(pfx+"CTXP", c.Plane, "provenance plane")
	}

	keys := make([]string, 0, len(p.Versions))
	for k := range p.Versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		h.SetString(fmt.Sprintf("VERS%03d", i+1), k+" "+p.Versions[k], "software version")
	}
}

func writeStats(h *fits.Header, s drizzle.ImageStats) {
	h.SetFloat("DATAMIN", float64(s.Min), "minimum science value")
	h.SetFloat("DATAMAX", float64(s.Max), "maximum science value")
	h.SetFloat("DATAMEAN", s.Mean, "mean science value")
	h.SetFloat("DATASTD", s.Std, "standard deviation of science values")
}
