package pixel

import (
	"math"
	"testing"
)

func TestValidRegion(t *testing.T) {
	k := NewKernel(5, 5)
	r := k.ValidRegion(100, 80)
	if r.X0 != 2 || r.Y0 != 2 || r.W != 96 || r.H != 76 {
		t.Errorf("valid region = %+v, want {2 2 96 76}", r)
	}
}

func TestConvolveCenteredDelta(t *testing.T) {
	src := NewGrid(8, 8)
	for i := range src.Pix {
		src.Pix[i] = float64(i) * 0.5
	}
	k := NewKernel(3, 3)
	k.Set(1, 1, 1.0) // identity

	dst := NewGrid(8, 8)
	sum, err := k.Convolve(dst, src)
	if err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}
	if sum != 1.0 {
		t.Errorf("kernel sum = %v, want 1", sum)
	}
	valid := k.ValidRegion(8, 8)
	for y := valid.Y0; y < valid.Y0+valid.H; y++ {
		for x := valid.X0; x < valid.X0+valid.W; x++ {
			if dst.At(x, y) != src.At(x, y) {
				t.Fatalf("identity convolution changed pixel (%d,%d): %v != %v",
					x, y, dst.At(x, y), src.At(x, y))
			}
		}
	}
	// border stays zero
	if dst.At(0, 0) != 0 || dst.At(7, 7) != 0 {
		t.Error("pixels outside the valid region were written")
	}
}

func TestConvolveOffsetDeltaShifts(t *testing.T) {
	src := NewGrid(8, 8)
	src.Set(4, 4, 1.0)
	k := NewKernel(3, 3)
	k.Set(2, 1, 1.0) // one tap right of center

	dst := NewGrid(8, 8)
	if _, err := k.Convolve(dst, src); err != nil {
		t.Fatalf("Convolve failed: %v", err)
	}
	if dst.At(3, 4) != 1.0 {
		t.Errorf("shifted delta landed at the wrong place; dst(3,4) = %v", dst.At(3, 4))
	}
	if dst.At(4, 4) != 0 {
		t.Errorf("dst(4,4) = %v, want 0", dst.At(4, 4))
	}
}

func TestConvolveTooLargeKernel(t *testing.T) {
	k := NewKernel(9, 9)
	src := NewGrid(5, 5)
	dst := NewGrid(5, 5)
	if _, err := k.Convolve(dst, src); err == nil {
		t.Fatal("expected error for kernel larger than image")
	}
}

func TestAlardLuptonNormalization(t *testing.T) {
	basis, err := AlardLuptonBasis(11, 11, []float64{0.8, 2.0}, []int{2, 1})
	if err != nil {
		t.Fatalf("AlardLuptonBasis failed: %v", err)
	}
	// terms: degree<=2 gives 6, degree<=1 gives 3
	if len(basis) != 9 {
		t.Fatalf("basis has %d kernels, want 9", len(basis))
	}
	if s := basis[0].Sum(); math.Abs(s-1.0) > 1e-12 {
		t.Errorf("first kernel sum = %v, want 1", s)
	}
	for i, k := range basis[1:] {
		if s := k.Sum(); math.Abs(s) > 1e-10 {
			t.Errorf("kernel %d sum = %v, want 0", i+1, s)
		}
	}
}

func TestAlardLuptonBadArgs(t *testing.T) {
	if _, err := AlardLuptonBasis(7, 7, []float64{1.0}, []int{1, 2}); err == nil {
		t.Error("expected error for mismatched sigmas and degrees")
	}
	if _, err := AlardLuptonBasis(7, 7, []float64{-1.0}, []int{1}); err == nil {
		t.Error("expected error for non-positive sigma")
	}
}

func TestDeltaBasisCoversEveryTap(t *testing.T) {
	basis := DeltaBasis(3, 2)
	if len(basis) != 6 {
		t.Fatalf("basis has %d kernels, want 6", len(basis))
	}
	for i, k := range basis {
		if s := k.Sum(); s != 1.0 {
			t.Errorf("kernel %d sum = %v, want 1", i, s)
		}
		if k.Coeffs[i] != 1.0 {
			t.Errorf("kernel %d has its tap at the wrong index", i)
		}
	}
}

func TestNewBasisSetRejectsMixedDims(t *testing.T) {
	if _, err := NewBasisSet(NewKernel(3, 3), NewKernel(5, 5)); err == nil {
		t.Error("expected error for mixed kernel dimensions")
	}
	if _, err := NewBasisSet(); err == nil {
		t.Error("expected error for empty basis")
	}
}

func TestLinearCombinationRender(t *testing.T) {
	basis := DeltaBasis(3, 3)
	lc := NewLinearCombination(basis)
	coeffs := make([]float64, 9)
	coeffs[4] = 2.0
	coeffs[0] = -0.5
	if err := lc.SetCoeffs(coeffs); err != nil {
		t.Fatalf("SetCoeffs failed: %v", err)
	}
	k := lc.Render()
	if k.At(1, 1) != 2.0 || k.At(0, 0) != -0.5 {
		t.Errorf("rendered kernel taps wrong: center %v corner %v", k.At(1, 1), k.At(0, 0))
	}
	if s := lc.Sum(); math.Abs(s-1.5) > 1e-12 {
		t.Errorf("kSum = %v, want 1.5", s)
	}
}
