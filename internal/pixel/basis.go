package pixel

import (
	"fmt"
	"math"
)

// DeltaBasis builds the complete delta-function basis for a w x h kernel:
// one kernel per tap, ordered row by row. The fitted kernel is then fully
// free-form, which is the basis the smoothness regularizer is designed for.
func DeltaBasis(w, h int) BasisSet {
	basis := make(BasisSet, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			k := NewKernel(w, h)
			k.Set(x, y, 1.0)
			basis = append(basis, k)
		}
	}
	return basis
}

// AlardLuptonBasis builds the classic sum-of-Gaussians basis: for each width
// in sigmas, Gaussians modulated by polynomial terms x^i y^j with
// i+j <= degrees[g]. The first kernel is a plain Gaussian normalized to unit
// sum; every later kernel is rescaled to zero sum by subtracting a multiple
// of the first, so the fitted kernel's flux is carried entirely by the first
// coefficient.
func AlardLuptonBasis(w, h int, sigmas []float64, degrees []int) (BasisSet, error) {
	if len(sigmas) == 0 || len(sigmas) != len(degrees) {
		return nil, fmt.Errorf("pixel: %d sigmas with %d degrees", len(sigmas), len(degrees))
	}
	ctrX, ctrY := w/2, h/2
	var basis BasisSet
	for g, sig := range sigmas {
		if sig <= 0 {
			return nil, fmt.Errorf("pixel: non-positive gaussian sigma %f", sig)
		}
		for deg := 0; deg <= degrees[g]; deg++ {
			for yPow := 0; yPow <= deg; yPow++ {
				xPow := deg - yPow
				k := NewKernel(w, h)
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						dx := float64(x - ctrX)
						dy := float64(y - ctrY)
						gauss := math.Exp(-(dx*dx + dy*dy) / (2 * sig * sig))
						k.Set(x, y, gauss*math.Pow(dx, float64(xPow))*math.Pow(dy, float64(yPow)))
					}
				}
				basis = append(basis, k)
			}
		}
	}
	return renormalizeBasis(basis)
}

// renormalizeBasis scales the first kernel to unit sum and makes all later
// kernels zero-sum by subtracting a multiple of the first.
func renormalizeBasis(basis BasisSet) (BasisSet, error) {
	s0 := basis[0].Sum()
	if s0 == 0 {
		return nil, fmt.Errorf("pixel: first basis kernel has zero sum")
	}
	for i := range basis[0].Coeffs {
		basis[0].Coeffs[i] /= s0
	}
	for _, k := range basis[1:] {
		s := k.Sum()
		if s == 0 {
			continue
		}
		for i := range k.Coeffs {
			k.Coeffs[i] -= s * basis[0].Coeffs[i]
		}
	}
	return NewBasisSet(basis...)
}
