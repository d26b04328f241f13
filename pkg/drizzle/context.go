package drizzle

// contributorsPerPlane is the number of bits in one provenance plane.
const contributorsPerPlane = 32

// ContextAccumulator assigns provenance planes and bits to contributing
// chips. The running index only moves forward; an assigned slot is never
// reused within the run.
type ContextAccumulator struct {
	planes  int
	running int
	enabled bool
}

// NewContextAccumulator sizes the provenance planes for totalExpected
// contributors. With provenance disabled a single plane is used and bit ids
// wrap.
func NewContextAccumulator(totalExpected int, provenanceEnabled bool) *ContextAccumulator {
	planes := 1
	if provenanceEnabled && totalExpected > 0 {
		planes = (totalExpected-1)/contributorsPerPlane + 1
	}
	return &ContextAccumulator{planes: planes, enabled: provenanceEnabled}
}

// Planes returns the plane count fixed for the run.
func (c *ContextAccumulator) Planes() int { return c.planes }

// Running returns how many contributors have been assigned so far.
func (c *ContextAccumulator) Running() int { return c.running }

// Assign returns the plane index and the 1-based bit id for the chip with
// the given group-local uniqID, and advances the running index.
func (c *ContextAccumulator) Assign(uniqID int) (plane, bit int) {
	bit = (uniqID-1)%contributorsPerPlane + 1
	plane = c.running / contributorsPerPlane
	c.running++
	if c.planes == 1 {
		plane = 0
	}
	return plane, bit
}

// PlaneSlice returns the provenance plane the kernel ORs bits into.
func (c *ContextAccumulator) PlaneSlice(acc *AccumulationContext, plane int) []uint32 {
	return acc.Ctx[plane]
}
