package kernelfit

import (
	"errors"
	"math"
	"testing"

	"github.com/transientlab/diffim/internal/pixel"
)

func TestStaticSolveRecoversKernelAndBackground(t *testing.T) {
	ids := &IDSource{}
	basis := pixel.DeltaBasis(3, 3)
	tmpl := testTemplate(16, 7)
	truth := trueKernel3()
	sci := scienceFrom(t, tmpl, truth, 1.0, 2.5, 0, 0)

	s := NewStaticSolution(ids, basis, true)
	if err := s.Build(tmpl, sci, unitVariance(tmpl)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := s.Solve(); err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if s.SolvedBy() == SolveNone {
		t.Fatal("solution reports NONE after a successful solve")
	}

	lc, err := s.Kernel()
	if err != nil {
		t.Fatalf("Kernel failed: %v", err)
	}
	fitted := lc.Render()
	for i, want := range truth.Coeffs {
		if math.Abs(fitted.Coeffs[i]-want) > 1e-8 {
			t.Errorf("tap %d = %v, want %v", i, fitted.Coeffs[i], want)
		}
	}
	if bg, _ := s.Background(); math.Abs(bg-2.5) > 1e-8 {
		t.Errorf("background = %v, want 2.5", bg)
	}
	if kSum, _ := s.KSum(); math.Abs(kSum-1.0) > 1e-8 {
		t.Errorf("kSum = %v, want 1", kSum)
	}
}

func TestStaticSolveScaledKernel(t *testing.T) {
	ids := &IDSource{}
	basis := pixel.DeltaBasis(3, 3)
	tmpl := testTemplate(16, 11)
	sci := scienceFrom(t, tmpl, trueKernel3(), 3.0, 0, 0, 0)

	s := NewStaticSolution(ids, basis, false)
	if err := s.Build(tmpl, sci, unitVariance(tmpl)); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := s.Solve(); err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if kSum, _ := s.KSum(); math.Abs(kSum-3.0) > 1e-8 {
		t.Errorf("kSum = %v, want 3", kSum)
	}
	if bg, _ := s.Background(); bg != 0 {
		t.Errorf("background = %v, want 0 when not fit", bg)
	}
}

func TestStaticBuildRejectsBadVariance(t *testing.T) {
	ids := &IDSource{}
	basis := pixel.DeltaBasis(3, 3)
	tmpl := testTemplate(8, 1)
	sci := testTemplate(8, 2)

	for name, v := range map[string]float64{
		"zero":     0.0,
		"negative": -1.0,
		"nan":      math.NaN(),
	} {
		variance := unitVariance(tmpl)
		variance.Pix[10] = v
		s := NewStaticSolution(ids, basis, true)
		if err := s.Build(tmpl, sci, variance); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s variance: got %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestStaticBuildRejectsMismatchedDims(t *testing.T) {
	ids := &IDSource{}
	s := NewStaticSolution(ids, pixel.DeltaBasis(3, 3), true)
	err := s.Build(testTemplate(8, 1), testTemplate(9, 1), unitVariance(testTemplate(8, 1)))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestStaticAccessorsBeforeSolve(t *testing.T) {
	ids := &IDSource{}
	s := NewStaticSolution(ids, pixel.DeltaBasis(3, 3), true)
	if _, err := s.Kernel(); !errors.Is(err, ErrNotSolved) {
		t.Errorf("Kernel: got %v, want ErrNotSolved", err)
	}
	if _, err := s.Background(); !errors.Is(err, ErrNotSolved) {
		t.Errorf("Background: got %v, want ErrNotSolved", err)
	}
	if _, err := s.KSum(); !errors.Is(err, ErrNotSolved) {
		t.Errorf("KSum: got %v, want ErrNotSolved", err)
	}
	if _, err := s.Coeffs(); !errors.Is(err, ErrNotSolved) {
		t.Errorf("Coeffs: got %v, want ErrNotSolved", err)
	}
}

func TestStaticSolveBeforeBuild(t *testing.T) {
	ids := &IDSource{}
	s := NewStaticSolution(ids, pixel.DeltaBasis(3, 3), true)
	if err := s.Solve(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}
