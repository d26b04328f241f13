package drizzle

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// BuildDQMask marks a pixel valid when it carries no defect flag outside the
// acceptable bits. A nil defect array leaves all npix pixels valid.
func BuildDQMask(dq []int32, bits int, npix int) []uint8 {
	valid := make([]uint8, npix)
	accept := ^int32(bits)
	for i := range valid {
		if dq == nil || i >= len(dq) || dq[i]&accept == 0 {
			valid[i] = 1
		}
	}
	return valid
}

// MaskResult is a composed validity mask plus the optional masks that had
// to be skipped.
type MaskResult struct {
	Valid    []uint8
	Warnings []InputAccessWarning
}

// MaskCompositor builds per-chip validity masks from the defect array and
// the optional static and cosmic-ray masks.
type MaskCompositor struct {
	store ImageStore
	log   *zap.Logger
}

func NewMaskCompositor(store ImageStore, log *zap.Logger) *MaskCompositor {
	if log == nil {
		log = zap.NewNop()
	}
	return &MaskCompositor{store: store, log: log}
}

// Compose returns the validity mask for chip. The cosmic-ray mask only
// applies to the final stage. Missing optional masks are skipped with a
// warning.
func (m *MaskCompositor) Compose(chip *Chip, stage Stage, bits int) (MaskResult, error) {
	npix := chip.Width * chip.Height
	dq, err := m.readDQ(chip)
	if err != nil {
		return MaskResult{}, err
	}
	var res MaskResult
	if dq != nil && len(dq) != npix {
		reason := fmt.Sprintf("defect array has %d pixels, chip has %d", len(dq), npix)
		m.log.Warn("skipping mask", zap.String("chip", chip.Name()), zap.String("mask", "dq"),
			zap.String("path", chip.DQFile), zap.String("reason", reason))
		res.Warnings = append(res.Warnings, InputAccessWarning{Chip: chip.Name(), Mask: "dq", Path: chip.DQFile, Reason: reason})
		dq = nil
	}
	res.Valid = BuildDQMask(dq, bits, npix)

	if w := m.merge(chip, "static", chip.StaticMask, res.Valid); w != nil {
		res.Warnings = append(res.Warnings, *w)
	}
	if stage == StageFinal {
		if w := m.merge(chip, "cr", chip.CRMask, res.Valid); w != nil {
			res.Warnings = append(res.Warnings, *w)
		}
	}
	return res, nil
}

func (m *MaskCompositor) readDQ(chip *Chip) ([]int32, error) {
	if chip.DQFile == "" || chip.DQExt == "" || !m.store.Exists(chip.DQFile) {
		return nil, nil
	}
	h, err := m.store.OpenForRead(chip.DQFile)
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.DQFile, Err: err}
	}
	defer h.Close()

	hdu, err := h.Extension(chip.DQExt, chip.ExtVer)
	if errors.Is(err, ErrNotFound) {
		m.log.Debug("no defect extension, all pixels valid",
			zap.String("chip", chip.Name()), zap.String("ext", chip.DQExt))
		return nil, nil
	}
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.DQFile, Err: err}
	}
	return hdu.AsInt32(), nil
}

// merge ANDs the mask stored at path into valid.
func (m *MaskCompositor) merge(chip *Chip, kind, path string, valid []uint8) *InputAccessWarning {
	if path == "" {
		return nil
	}
	warn := func(reason string) *InputAccessWarning {
		w := &InputAccessWarning{Chip: chip.Name(), Mask: kind, Path: path, Reason: reason}
		m.log.Warn("skipping mask", zap.String("chip", w.Chip), zap.String("mask", kind),
			zap.String("path", path), zap.String("reason", reason))
		return w
	}
	if !m.store.Exists(path) {
		return warn("file not found")
	}
	h, err := m.store.OpenForRead(path)
	if err != nil {
		return warn(err.Error())
	}
	defer h.Close()

	hdu, err := h.Extension("", 0)
	if err != nil {
		return warn(err.Error())
	}
	data := hdu.AsFloat32()
	if len(data) != len(valid) {
		return warn("mask shape does not match chip")
	}
	for i, v := range data {
		if v == 0 {
			valid[i] = 0
		}
	}
	return nil
}

// ApplyRejectionToDefectArray ORs crbit into the persisted defect array of
// chip wherever its cosmic-ray mask flags a pixel. Reapplying the same mask
// leaves the array unchanged. A chip without a cosmic-ray mask is left
// alone; a referenced mask that is missing, or a missing rejection bit,
// leaves the defect array untouched and returns a warning.
func (m *MaskCompositor) ApplyRejectionToDefectArray(chip *Chip, crbit *int16) (*InputAccessWarning, error) {
	warn := func(path, reason string) *InputAccessWarning {
		w := &InputAccessWarning{Chip: chip.Name(), Mask: "cr", Path: path, Reason: reason}
		m.log.Warn("not updating defect array", zap.String("chip", w.Chip),
			zap.String("path", path), zap.String("reason", reason))
		return w
	}
	if chip.CRMask == "" {
		return nil, nil
	}
	if !m.store.Exists(chip.CRMask) {
		return warn(chip.CRMask, "cosmic-ray mask not found"), nil
	}
	if crbit == nil {
		return warn(chip.CRMask, "no rejection bit configured"), nil
	}
	if chip.DQFile == "" || chip.DQExt == "" || !m.store.Exists(chip.DQFile) {
		return warn(chip.DQFile, "defect array not found"), nil
	}

	cr, err := m.store.OpenForRead(chip.CRMask)
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.CRMask, Err: err}
	}
	defer cr.Close()
	crHDU, err := cr.Extension("", 0)
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.CRMask, Err: err}
	}
	crData := crHDU.AsFloat32()

	h, err := m.store.OpenForUpdate(chip.DQFile)
	if err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.DQFile, Err: err}
	}
	hdu, err := h.Extension(chip.DQExt, chip.ExtVer)
	if err != nil {
		_ = h.Close()
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.DQFile, Err: err}
	}
	if hdu.Ints == nil {
		hdu.Ints = hdu.AsInt32()
		hdu.Float32, hdu.Float64 = nil, nil
		hdu.Bitpix, hdu.BZero, hdu.BScale = 16, 0, 1
	}
	if len(crData) != len(hdu.Ints) {
		_ = h.Close()
		return warn(chip.CRMask, "mask shape does not match defect array"), nil
	}

	bit := int32(*crbit)
	for i, v := range crData {
		if v == 0 {
			hdu.Ints[i] |= bit
		}
	}
	if err := h.Close(); err != nil {
		return nil, &InputAccessError{Chip: chip.Name(), Path: chip.DQFile, Err: err}
	}
	return nil, nil
}
