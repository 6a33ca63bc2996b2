package pixel

import "testing"

func TestGrowMaskDilates(t *testing.T) {
	m := NewMask(11, 11)
	m.Set(5, 5, MaskSat)

	grown := GrowMask(m, 2, FitExclusionBits)

	n := grown.CountExcluded(Region{W: 11, H: 11}, MaskBad)
	if n != 25 {
		t.Errorf("grown mask has %d excluded pixels, want 25", n)
	}
	if !grown.Excluded(3, 3, MaskBad) || !grown.Excluded(7, 7, MaskBad) {
		t.Error("corners of the dilation square are not set")
	}
	if grown.Excluded(2, 5, MaskBad) {
		t.Error("pixel beyond the dilation radius is set")
	}
	// input untouched
	if m.CountExcluded(Region{W: 11, H: 11}, MaskBad) != 0 {
		t.Error("GrowMask modified the input mask")
	}
}

func TestGrowMaskClipsAtEdges(t *testing.T) {
	m := NewMask(5, 5)
	m.Set(0, 0, MaskBad)
	grown := GrowMask(m, 2, MaskBad)
	if n := grown.CountExcluded(Region{W: 5, H: 5}, MaskBad); n != 9 {
		t.Errorf("edge dilation set %d pixels, want 9", n)
	}
}

func TestGrowMaskRespectsBitmask(t *testing.T) {
	m := NewMask(5, 5)
	m.Set(2, 2, MaskEdge)
	grown := GrowMask(m, 1, MaskSat)
	if n := grown.CountExcluded(Region{W: 5, H: 5}, MaskBad); n != 0 {
		t.Errorf("plane outside bitmask was spread: %d pixels set", n)
	}
}
