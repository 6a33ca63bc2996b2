package kernelfit

import (
	"fmt"

	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// MaskedSolution is a StaticSolution variant that excludes flagged pixels
// from the design matrix. The build strategies (bit-plane mask, inclusion
// region, surrounding boxes) produce identical normal equations for the same
// effective set of excluded pixels and differ only in how that set is
// expressed.
type MaskedSolution struct {
	StaticSolution
}

// NewMaskedSolution prepares an unbuilt masked solution over the given basis.
func NewMaskedSolution(ids *IDSource, basis pixel.BasisSet, fitForBackground bool) *MaskedSolution {
	return &MaskedSolution{StaticSolution: *NewStaticSolution(ids, basis, fitForBackground)}
}

// BuildWithMask constructs the normal equations keeping only pixels of the
// usable sub-region whose mask value under bitmask is zero. The mask should
// already be grown by the kernel half-width (pixel.GrowMask) so that pixels
// whose convolved values are contaminated by a bad neighbour are excluded;
// growing is a caller-side preprocessing step, never done here.
func (s *MaskedSolution) BuildWithMask(template, science, varianceEstimate *pixel.Grid,
	mask *pixel.Mask, bitmask uint16) error {

	return s.buildMasked(template, science, varianceEstimate, func(good pixel.Region) ([]bool, int) {
		keep := make([]bool, 0, good.Area())
		nGood := 0
		for y := good.Y0; y < good.Y0+good.H; y++ {
			for x := good.X0; x < good.X0+good.W; x++ {
				ok := !mask.Excluded(x, y, bitmask)
				keep = append(keep, ok)
				if ok {
					nGood++
				}
			}
		}
		return keep, nGood
	})
}

// BuildWithBox constructs the normal equations from the up-to-four
// axis-aligned rectangles of the usable sub-region surrounding one excluded
// interior box (e.g. a bright-star footprint), concatenated top, bottom,
// left, right. maskBox is in the template's local coordinates.
func (s *MaskedSolution) BuildWithBox(template, science, varianceEstimate *pixel.Grid,
	maskBox pixel.Region) error {

	good := s.basis[0].ValidRegion(template.W, template.H)
	boxes := surroundingBoxes(good, maskBox)
	if len(boxes) == 0 {
		return fmt.Errorf("%w: mask box %+v leaves no usable pixels", ErrInvalidInput, maskBox)
	}
	for _, b := range boxes {
		monitoring.Logf("kernelfit: good pixel region %d,%d %dx%d", b.X0, b.Y0, b.W, b.H)
	}

	return s.buildMasked(template, science, varianceEstimate, func(good pixel.Region) ([]bool, int) {
		// order must follow box concatenation, so express the box selection
		// as a row-major keep slice only if the boxes tile in flatten order;
		// instead mark membership and rely on buildMasked's flatten order.
		keep := make([]bool, good.Area())
		nGood := 0
		i := 0
		for y := good.Y0; y < good.Y0+good.H; y++ {
			for x := good.X0; x < good.X0+good.W; x++ {
				for _, b := range boxes {
					if b.Contains(x, y) {
						keep[i] = true
						nGood++
						break
					}
				}
				i++
			}
		}
		return keep, nGood
	})
}

// BuildWithRegion constructs the normal equations keeping only pixels of the
// usable sub-region that also fall inside include, a caller-supplied
// rectangle in the template's local coordinates (e.g. a bounding box already
// shrunk past known-bad borders).
func (s *MaskedSolution) BuildWithRegion(template, science, varianceEstimate *pixel.Grid,
	include pixel.Region) error {

	return s.buildMasked(template, science, varianceEstimate, func(good pixel.Region) ([]bool, int) {
		keep := make([]bool, 0, good.Area())
		nGood := 0
		for y := good.Y0; y < good.Y0+good.H; y++ {
			for x := good.X0; x < good.X0+good.W; x++ {
				ok := include.Contains(x, y)
				keep = append(keep, ok)
				if ok {
					nGood++
				}
			}
		}
		return keep, nGood
	})
}

// Build is the unmasked-entry-point variant: it derives the exclusion set
// from the mask restricted to bitmask without spreading it. Spreading
// (dilating) the mask is an external, configurable preprocessing stage; when
// wanted, apply pixel.GrowMask first and call BuildWithMask.
func (s *MaskedSolution) Build(template, science, varianceEstimate *pixel.Grid,
	mask *pixel.Mask, bitmask uint16) error {
	return s.BuildWithMask(template, science, varianceEstimate, mask, bitmask)
}

// buildMasked shares the masked normal-equations construction: selector
// reports, for each pixel of the usable sub-region in row-major order,
// whether it survives.
func (s *MaskedSolution) buildMasked(template, science, varianceEstimate *pixel.Grid,
	selector func(good pixel.Region) ([]bool, int)) error {

	if err := checkVariance(varianceEstimate); err != nil {
		return err
	}
	if template.W != science.W || template.H != science.H ||
		template.W != varianceEstimate.W || template.H != varianceEstimate.H {
		return fmt.Errorf("%w: template %dx%d, science %dx%d, variance %dx%d must match",
			ErrInvalidInput, template.W, template.H, science.W, science.H,
			varianceEstimate.W, varianceEstimate.H)
	}

	good := s.basis[0].ValidRegion(template.W, template.H)
	if good.Area() == 0 {
		return fmt.Errorf("%w: kernel support leaves no usable pixels", ErrInvalidInput)
	}
	keep, nGood := selector(good)
	if nGood == 0 {
		return fmt.Errorf("%w: all pixels masked", ErrInvalidInput)
	}
	monitoring.Logf("kernelfit: masked build keeps %d of %d pixels", nGood, good.Area())

	sci := filterKept(science.FlattenRegion(good), keep)
	iv := filterKept(varianceEstimate.FlattenRegion(good), keep)
	for i, v := range iv {
		iv[i] = 1.0 / v
	}

	cols, err := convolvedColumns(template, s.basis, good, keep)
	if err != nil {
		return err
	}
	s.cMat, s.ivVec, s.iVec = assembleDesign(cols, iv, sci, s.fitForBackground)
	s.mMat, s.bVec = normalEquations(s.cMat, s.ivVec, s.iVec)
	return nil
}

// surroundingBoxes partitions good minus maskBox into up to four rectangles:
//
//	|---------------------|
//	|         Top         |
//	|......_________......|
//	|      |       |      |
//	|  L   |  Box  |  R   |
//	|......---------......|
//	|        Bottom       |
//	|---------------------|
//
// Degenerate rectangles (mask box touching an edge) are dropped.
func surroundingBoxes(good, maskBox pixel.Region) []pixel.Region {
	gx1, gy1 := good.X0, good.Y0
	gx2, gy2 := good.X0+good.W-1, good.Y0+good.H-1
	mx1, my1 := maskBox.X0, maskBox.Y0
	mx2, my2 := maskBox.X0+maskBox.W-1, maskBox.Y0+maskBox.H-1

	candidates := []pixel.Region{
		{X0: gx1, Y0: my2 + 1, W: gx2 - gx1 + 1, H: gy2 - my2},                                      // top
		{X0: gx1, Y0: gy1, W: gx2 - gx1 + 1, H: my1 - gy1},                                          // bottom
		{X0: gx1, Y0: max(my1, gy1), W: mx1 - gx1, H: min(my2, gy2) - max(my1, gy1) + 1},            // left
		{X0: mx2 + 1, Y0: max(my1, gy1), W: gx2 - mx2, H: min(my2, gy2) - max(my1, gy1) + 1},        // right
	}
	out := candidates[:0]
	for _, b := range candidates {
		if b.W > 0 && b.H > 0 {
			out = append(out, b)
		}
	}
	return out
}
