// Package pixel provides the image-plane primitives used by the kernel
// fitting engine: float64 pixel grids with origin offsets, bit-plane masks,
// fixed-support convolution kernels, basis-kernel sets and 2-D polynomial
// spatial functions.
package pixel

import (
	"fmt"
	"math"
)

// Region is a rectangular window into a grid, addressed in the grid's local
// pixel coordinates (0,0 = first stored pixel, independent of the grid's
// parent-frame origin).
type Region struct {
	X0, Y0 int
	W, H   int
}

// Contains reports whether the local pixel (x, y) lies inside the region.
func (r Region) Contains(x, y int) bool {
	return x >= r.X0 && x < r.X0+r.W && y >= r.Y0 && y < r.Y0+r.H
}

// Area returns the number of pixels in the region. Empty or inverted regions
// have area zero.
func (r Region) Area() int {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Grid is a 2-D array of float64 samples stored row-major, with an origin
// offset (X0, Y0) recording where the grid sits in its parent frame. The
// offset matters when a sub-image is cut from a larger exposure: local
// indexing is always zero-based, the origin is bookkeeping for callers.
type Grid struct {
	W, H   int
	X0, Y0 int
	Pix    []float64
}

// NewGrid allocates a zero-filled w x h grid with origin (0, 0).
func NewGrid(w, h int) *Grid {
	return &Grid{W: w, H: h, Pix: make([]float64, w*h)}
}

// NewGridFrom builds a grid from row-major data. The slice is used directly,
// not copied.
func NewGridFrom(w, h int, pix []float64) (*Grid, error) {
	if len(pix) != w*h {
		return nil, fmt.Errorf("pixel: data length %d does not match %dx%d grid", len(pix), w, h)
	}
	return &Grid{W: w, H: h, Pix: pix}, nil
}

// Idx returns the slice index of local pixel (x, y).
func (g *Grid) Idx(x, y int) int { return y*g.W + x }

// At returns the value at local pixel (x, y).
func (g *Grid) At(x, y int) float64 { return g.Pix[y*g.W+x] }

// Set assigns the value at local pixel (x, y).
func (g *Grid) Set(x, y int, v float64) { g.Pix[y*g.W+x] = v }

// Bounds returns the full local region of the grid.
func (g *Grid) Bounds() Region { return Region{W: g.W, H: g.H} }

// Fill sets every pixel to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Pix {
		g.Pix[i] = v
	}
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	out := &Grid{W: g.W, H: g.H, X0: g.X0, Y0: g.Y0, Pix: make([]float64, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// Crop materializes the region r as a new grid. The new grid's origin is
// shifted so it keeps addressing the same parent-frame pixels.
func (g *Grid) Crop(r Region) (*Grid, error) {
	if r.X0 < 0 || r.Y0 < 0 || r.X0+r.W > g.W || r.Y0+r.H > g.H || r.Area() == 0 {
		return nil, fmt.Errorf("pixel: crop region %+v outside %dx%d grid", r, g.W, g.H)
	}
	out := &Grid{W: r.W, H: r.H, X0: g.X0 + r.X0, Y0: g.Y0 + r.Y0, Pix: make([]float64, r.W*r.H)}
	for y := 0; y < r.H; y++ {
		src := g.Pix[(r.Y0+y)*g.W+r.X0 : (r.Y0+y)*g.W+r.X0+r.W]
		copy(out.Pix[y*r.W:(y+1)*r.W], src)
	}
	return out, nil
}

// FlattenRegion returns the pixels of region r concatenated row by row.
func (g *Grid) FlattenRegion(r Region) []float64 {
	out := make([]float64, 0, r.Area())
	for y := r.Y0; y < r.Y0+r.H; y++ {
		out = append(out, g.Pix[y*g.W+r.X0:y*g.W+r.X0+r.W]...)
	}
	return out
}

// Min returns the smallest pixel value. NaNs propagate.
func (g *Grid) Min() float64 {
	min := math.Inf(1)
	for _, v := range g.Pix {
		if math.IsNaN(v) {
			return math.NaN()
		}
		if v < min {
			min = v
		}
	}
	return min
}

// Median returns the median pixel value, used for constant-variance
// weighting. NaN pixels are skipped.
func (g *Grid) Median() float64 {
	vals := make([]float64, 0, len(g.Pix))
	for _, v := range g.Pix {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	// Selection via full sort; grids here are small candidate stamps.
	sortFloats(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return 0.5 * (vals[n/2-1] + vals[n/2])
}

func sortFloats(v []float64) {
	// insertion sort keeps this allocation-free for stamp-sized inputs
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

// MaskedGrid bundles an image grid with its per-pixel variance and an
// optional bit-plane mask. Var and Msk, when present, share the image's
// dimensions and origin.
type MaskedGrid struct {
	Im  *Grid
	Var *Grid
	Msk *Mask
}

// Clone deep-copies the image, variance and mask planes.
func (m MaskedGrid) Clone() MaskedGrid {
	out := MaskedGrid{Im: m.Im.Clone()}
	if m.Var != nil {
		out.Var = m.Var.Clone()
	}
	if m.Msk != nil {
		out.Msk = m.Msk.Clone()
	}
	return out
}
