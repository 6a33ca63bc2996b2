package pixel

import "fmt"

// Kernel is a fixed-support convolution filter. The center pixel (CtrX, CtrY)
// is the tap aligned with the output pixel during convolution.
type Kernel struct {
	W, H       int
	CtrX, CtrY int
	Coeffs     []float64
}

// NewKernel allocates a zero kernel of the given support with the center at
// the middle pixel.
func NewKernel(w, h int) *Kernel {
	return &Kernel{W: w, H: h, CtrX: w / 2, CtrY: h / 2, Coeffs: make([]float64, w*h)}
}

// At returns the tap value at kernel pixel (x, y).
func (k *Kernel) At(x, y int) float64 { return k.Coeffs[y*k.W+x] }

// Set assigns the tap value at kernel pixel (x, y).
func (k *Kernel) Set(x, y int, v float64) { k.Coeffs[y*k.W+x] = v }

// Sum returns the sum of all taps (the kernel's photometric normalization).
func (k *Kernel) Sum() float64 {
	s := 0.0
	for _, v := range k.Coeffs {
		s += v
	}
	return s
}

// Clone returns a deep copy of the kernel.
func (k *Kernel) Clone() *Kernel {
	out := &Kernel{W: k.W, H: k.H, CtrX: k.CtrX, CtrY: k.CtrY, Coeffs: make([]float64, len(k.Coeffs))}
	copy(out.Coeffs, k.Coeffs)
	return out
}

// ToGrid renders the kernel taps as a grid, for plotting or flux summing.
func (k *Kernel) ToGrid() *Grid {
	g := NewGrid(k.W, k.H)
	copy(g.Pix, k.Coeffs)
	return g
}

// ValidRegion returns the sub-region of a w x h image whose convolved values
// are free of edge effects: a border of CtrX (left), W-CtrX-1 (right), CtrY
// (top), H-CtrY-1 (bottom) pixels is excluded. For a width-5 kernel with
// center 2 on a width-100 image the usable columns are 2..97.
func (k *Kernel) ValidRegion(w, h int) Region {
	return Region{
		X0: k.CtrX,
		Y0: k.CtrY,
		W:  w - k.W + 1,
		H:  h - k.H + 1,
	}
}

// Convolve computes dst = src (*) k over the valid region of src and returns
// the kernel sum. Pixels outside the valid region are left at zero; callers
// crop to ValidRegion before using the result. dst must match src's
// dimensions.
func (k *Kernel) Convolve(dst, src *Grid) (float64, error) {
	if dst.W != src.W || dst.H != src.H {
		return 0, fmt.Errorf("pixel: convolve output %dx%d does not match input %dx%d",
			dst.W, dst.H, src.W, src.H)
	}
	if k.W > src.W || k.H > src.H {
		return 0, fmt.Errorf("pixel: kernel %dx%d larger than image %dx%d", k.W, k.H, src.W, src.H)
	}
	valid := k.ValidRegion(src.W, src.H)
	for i := range dst.Pix {
		dst.Pix[i] = 0
	}
	for y := valid.Y0; y < valid.Y0+valid.H; y++ {
		for x := valid.X0; x < valid.X0+valid.W; x++ {
			acc := 0.0
			for ky := 0; ky < k.H; ky++ {
				srow := (y + ky - k.CtrY) * src.W
				krow := ky * k.W
				for kx := 0; kx < k.W; kx++ {
					acc += k.Coeffs[krow+kx] * src.Pix[srow+x+kx-k.CtrX]
				}
			}
			dst.Pix[y*dst.W+x] = acc
		}
	}
	return k.Sum(), nil
}

// BasisSet is an ordered sequence of basis kernels. All members share the
// same support and center.
type BasisSet []*Kernel

// NewBasisSet validates that the kernels share dimensions and center.
func NewBasisSet(kernels ...*Kernel) (BasisSet, error) {
	if len(kernels) == 0 {
		return nil, fmt.Errorf("pixel: empty basis set")
	}
	k0 := kernels[0]
	for i, k := range kernels[1:] {
		if k.W != k0.W || k.H != k0.H || k.CtrX != k0.CtrX || k.CtrY != k0.CtrY {
			return nil, fmt.Errorf("pixel: basis kernel %d is %dx%d ctr (%d,%d), want %dx%d ctr (%d,%d)",
				i+1, k.W, k.H, k.CtrX, k.CtrY, k0.W, k0.H, k0.CtrX, k0.CtrY)
		}
	}
	return BasisSet(kernels), nil
}

// LinearCombination is a kernel defined as the coefficient-weighted sum of a
// basis set.
type LinearCombination struct {
	Basis  BasisSet
	Coeffs []float64
}

// NewLinearCombination pairs a basis with zeroed coefficients.
func NewLinearCombination(basis BasisSet) *LinearCombination {
	return &LinearCombination{Basis: basis, Coeffs: make([]float64, len(basis))}
}

// SetCoeffs replaces the basis coefficients.
func (lc *LinearCombination) SetCoeffs(c []float64) error {
	if len(c) != len(lc.Basis) {
		return fmt.Errorf("pixel: %d coefficients for %d basis kernels", len(c), len(lc.Basis))
	}
	copy(lc.Coeffs, c)
	return nil
}

// Render materializes the summed kernel.
func (lc *LinearCombination) Render() *Kernel {
	k0 := lc.Basis[0]
	out := &Kernel{W: k0.W, H: k0.H, CtrX: k0.CtrX, CtrY: k0.CtrY, Coeffs: make([]float64, k0.W*k0.H)}
	for i, b := range lc.Basis {
		c := lc.Coeffs[i]
		for j, v := range b.Coeffs {
			out.Coeffs[j] += c * v
		}
	}
	return out
}

// Sum renders the combination and returns its kernel sum (kSum).
func (lc *LinearCombination) Sum() float64 {
	return lc.Render().Sum()
}
