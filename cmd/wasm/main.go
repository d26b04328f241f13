//go:build js && wasm

package main

import (
	"context"
	"errors"
	"sort"
	"syscall/js"

	"skydrizzle/internal/config"
	"skydrizzle/internal/product"
	"skydrizzle/internal/version"
	"skydrizzle/pkg/drizzle"
	"skydrizzle/pkg/fits"
)

var lastPreview []byte

func main() {
	js.Global().Set("drizzleFITS", js.FuncOf(drizzleFITS))
	js.Global().Set("renderCoverage", js.FuncOf(renderCoverage))
	select {} // block forever
}

// drizzleFITS(files, configYAML) runs every enabled stage over the named
// FITS buffers and returns the products as {name: Uint8Array}.
func drizzleFITS(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 || args[0].Type() != js.TypeObject || args[1].Type() != js.TypeString {
		return errorResult("usage: drizzleFITS({name: Uint8Array}, configYAML)")
	}

	store := drizzle.NewMemStore()
	inputs := map[string]bool{}
	keys := js.Global().Get("Object").Call("keys", args[0])
	for i := 0; i < keys.Length(); i++ {
		name := keys.Index(i).String()
		jsBytes := args[0].Get(name)
		fileBytes := make([]byte, jsBytes.Get("length").Int())
		js.CopyBytesToGo(fileBytes, jsBytes)

		f, err := fits.ReadBytes(fileBytes)
		if err != nil {
			return errorResult("FITS parse error in " + name + ": " + err.Error())
		}
		if err := store.Put(name, f); err != nil {
			return errorResult(err.Error())
		}
		inputs[name] = true
	}

	cfg, err := config.Parse([]byte(args[1].String()))
	if err != nil {
		return errorResult("config error: " + err.Error())
	}
	exposures, err := cfg.Exposures(store)
	if err != nil {
		return errorResult(err.Error())
	}

	driver := drizzle.NewDriver(store, drizzle.DefaultKernel, &product.Writer{Store: store},
		drizzle.WithVersions(map[string]string{"skydrizzle": version.Version}),
		drizzle.WithPreview(func(_ string, jpeg []byte) error {
			lastPreview = jpeg
			return nil
		}))

	var reports []interface{}
	for _, stage := range []drizzle.Stage{drizzle.StageSeparate, drizzle.StageFinal} {
		params, err := drizzle.ResolveParams(cfg.Drizzle(), stage)
		if errors.Is(err, drizzle.ErrStageDisabled) {
			continue
		}
		if err != nil {
			return errorResult(err.Error())
		}
		outWCS, err := cfg.OutputWCS(store, stage)
		if err != nil {
			return errorResult(err.Error())
		}
		report, err := driver.Run(context.Background(), exposures, outWCS, params)
		if err != nil {
			return errorResult(stage.String() + " stage: " + err.Error())
		}
		reports = append(reports, reportResult(report))
	}

	products := map[string]interface{}{}
	names := store.Names()
	sort.Strings(names)
	for _, name := range names {
		if inputs[name] {
			continue
		}
		f, _ := store.Get(name)
		data, err := fits.Bytes(f)
		if err != nil {
			return errorResult("encoding " + name + ": " + err.Error())
		}
		uint8Array := js.Global().Get("Uint8Array").New(len(data))
		js.CopyBytesToJS(uint8Array, data)
		products[name] = uint8Array
	}

	return js.ValueOf(map[string]interface{}{
		"runId":    driver.RunID(),
		"products": products,
		"stages":   reports,
	})
}

func reportResult(r *drizzle.Report) interface{} {
	groups := make([]interface{}, len(r.Groups))
	for i, g := range r.Groups {
		groups[i] = map[string]interface{}{
			"name":         g.Name,
			"contributors": g.Contributors,
			"nmiss":        g.NMiss,
			"nskip":        g.NSkip,
			"bunit":        g.BUnit,
			"coverage":     g.Coverage,
		}
	}
	warnings := make([]interface{}, len(r.Warnings))
	for i, w := range r.Warnings {
		warnings[i] = w.String()
	}
	return map[string]interface{}{
		"stage":    r.Stage.String(),
		"planes":   r.Planes,
		"mapping":  r.Mapping,
		"groups":   groups,
		"warnings": warnings,
	}
}

// renderCoverage returns the coverage preview of the last flushed product.
func renderCoverage(this js.Value, args []js.Value) interface{} {
	if lastPreview == nil {
		return js.Null()
	}
	uint8Array := js.Global().Get("Uint8Array").New(len(lastPreview))
	js.CopyBytesToJS(uint8Array, lastPreview)
	return uint8Array
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}
