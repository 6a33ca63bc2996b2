package kernelfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// StaticSolution fits a single, spatially constant kernel (and optional
// constant background) for one candidate region by unregularized weighted
// least squares. Build constructs the normal equations; Solve produces the
// coefficients and renders the fitted kernel.
type StaticSolution struct {
	solution
	basis pixel.BasisSet

	cMat  *mat.Dense    // design matrix, one column per basis (+ background)
	iVec  *mat.VecDense // flattened science pixels
	ivVec *mat.VecDense // flattened inverse variance

	kernel     *pixel.LinearCombination
	background float64
	kSum       float64
}

// NewStaticSolution prepares an unbuilt solution over the given basis.
func NewStaticSolution(ids *IDSource, basis pixel.BasisSet, fitForBackground bool) *StaticSolution {
	return &StaticSolution{
		solution: newSolution(ids, fitForBackground),
		basis:    basis,
		kernel:   pixel.NewLinearCombination(basis),
	}
}

// checkVariance enforces the inverse-variance weighting precondition.
func checkVariance(varianceEstimate *pixel.Grid) error {
	min := varianceEstimate.Min()
	if math.IsNaN(min) {
		return fmt.Errorf("%w: variance contains NaN", ErrInvalidInput)
	}
	if min < 0 {
		return fmt.Errorf("%w: variance less than 0.0", ErrInvalidInput)
	}
	if min == 0 {
		return fmt.Errorf("%w: variance equals 0.0, cannot inverse variance weight", ErrInvalidInput)
	}
	return nil
}

// Build constructs the normal equations from the template, science and
// variance grids. The usable sub-region excludes a border of the basis
// kernel's half-width on each side, where convolved values are contaminated
// by edge effects.
func (s *StaticSolution) Build(template, science, varianceEstimate *pixel.Grid) error {
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
		return fmt.Errorf("%w: kernel support %dx%d leaves no usable pixels on %dx%d region",
			ErrInvalidInput, s.basis[0].W, s.basis[0].H, template.W, template.H)
	}

	sci := science.FlattenRegion(good)
	iv := varianceEstimate.FlattenRegion(good)
	for i, v := range iv {
		iv[i] = 1.0 / v
	}

	cols, err := convolvedColumns(template, s.basis, good, nil)
	if err != nil {
		return err
	}
	s.cMat, s.ivVec, s.iVec = assembleDesign(cols, iv, sci, s.fitForBackground)
	s.mMat, s.bVec = normalEquations(s.cMat, s.ivVec, s.iVec)
	return nil
}

// Solve solves the built system and extracts the kernel and background.
func (s *StaticSolution) Solve() error {
	if s.mMat != nil {
		r, c := s.mMat.Dims()
		monitoring.Logf("kernelfit: solving static system id=%d M is %dx%d", s.id, r, c)
	}
	if err := s.solve(); err != nil {
		return fmt.Errorf("unable to solve static kernel matrix: %w", err)
	}
	return s.setKernel()
}

// setKernel unpacks the solved coefficient vector into the fitted kernel and
// background, recomputing the kernel flux by rendering.
func (s *StaticSolution) setKernel() error {
	if s.solvedBy == SolveNone {
		return fmt.Errorf("%w: cannot make solution", ErrNotSolved)
	}
	nParams := s.aVec.Len()
	nBg := 0
	if s.fitForBackground {
		nBg = 1
	}
	if nParams != len(s.basis)+nBg {
		return fmt.Errorf("%w: %d coefficients for %d basis kernels and %d background terms",
			ErrInvalidSolution, nParams, len(s.basis), nBg)
	}
	coeffs := make([]float64, len(s.basis))
	for i := range coeffs {
		v := s.aVec.AtVec(i)
		if math.IsNaN(v) {
			return fmt.Errorf("%w: unable to determine kernel solution %d (nan)", ErrInvalidSolution, i)
		}
		coeffs[i] = v
	}
	if err := s.kernel.SetCoeffs(coeffs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSolution, err)
	}
	s.kSum = s.kernel.Sum()

	if s.fitForBackground {
		bg := s.aVec.AtVec(nParams - 1)
		if math.IsNaN(bg) {
			return fmt.Errorf("%w: unable to determine background solution %d (nan)",
				ErrInvalidSolution, nParams-1)
		}
		s.background = bg
	}
	return nil
}

// Kernel returns the fitted linear-combination kernel.
func (s *StaticSolution) Kernel() (*pixel.LinearCombination, error) {
	if s.solvedBy == SolveNone {
		return nil, fmt.Errorf("%w: cannot return kernel", ErrNotSolved)
	}
	return s.kernel, nil
}

// KernelImage renders the fitted kernel to a grid.
func (s *StaticSolution) KernelImage() (*pixel.Grid, error) {
	if s.solvedBy == SolveNone {
		return nil, fmt.Errorf("%w: cannot return image", ErrNotSolved)
	}
	return s.kernel.Render().ToGrid(), nil
}

// Background returns the fitted constant background (zero when not fit).
func (s *StaticSolution) Background() (float64, error) {
	if s.solvedBy == SolveNone {
		return 0, fmt.Errorf("%w: cannot return background", ErrNotSolved)
	}
	return s.background, nil
}

// KSum returns the fitted kernel's flux, computed by rendering and summing.
func (s *StaticSolution) KSum() (float64, error) {
	if s.solvedBy == SolveNone {
		return 0, fmt.Errorf("%w: cannot return ksum", ErrNotSolved)
	}
	return s.kSum, nil
}

// convolvedColumns convolves the template with each basis kernel and
// flattens the valid region into one column per basis. When keep is
// non-nil, only pixels with keep[i] true survive, in order.
func convolvedColumns(template *pixel.Grid, basis pixel.BasisSet, good pixel.Region, keep []bool) ([][]float64, error) {
	conv := pixel.NewGrid(template.W, template.H)
	cols := make([][]float64, len(basis))
	for i, bk := range basis {
		if _, err := bk.Convolve(conv, template); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		flat := conv.FlattenRegion(good)
		if keep != nil {
			flat = filterKept(flat, keep)
		}
		cols[i] = flat
	}
	return cols, nil
}

func filterKept(v []float64, keep []bool) []float64 {
	out := v[:0]
	for i, x := range v {
		if keep[i] {
			out = append(out, x)
		}
	}
	return out
}

// assembleDesign packs basis columns (plus an optional constant background
// column) into the design matrix and wraps the weight and target vectors.
func assembleDesign(cols [][]float64, iv, sci []float64, fitForBackground bool) (*mat.Dense, *mat.VecDense, *mat.VecDense) {
	nPix := len(sci)
	nParams := len(cols)
	if fitForBackground {
		nParams++
	}
	c := mat.NewDense(nPix, nParams, nil)
	for j, col := range cols {
		for i, v := range col {
			c.Set(i, j, v)
		}
	}
	if fitForBackground {
		for i := 0; i < nPix; i++ {
			c.Set(i, nParams-1, 1.0)
		}
	}
	return c, mat.NewVecDense(nPix, iv), mat.NewVecDense(nPix, sci)
}

// normalEquations forms M = C^T W C and b = C^T W y with W = diag(iv).
func normalEquations(c *mat.Dense, iv, y *mat.VecDense) (*mat.Dense, *mat.VecDense) {
	nPix, nParams := c.Dims()
	wc := mat.NewDense(nPix, nParams, nil)
	wy := mat.NewVecDense(nPix, nil)
	for i := 0; i < nPix; i++ {
		w := iv.AtVec(i)
		for j := 0; j < nParams; j++ {
			wc.Set(i, j, w*c.At(i, j))
		}
		wy.SetVec(i, w*y.AtVec(i))
	}
	m := mat.NewDense(nParams, nParams, nil)
	m.Mul(c.T(), wc)
	b := mat.NewVecDense(nParams, nil)
	b.MulVec(c.T(), wy)
	return m, b
}
