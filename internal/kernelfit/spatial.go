package kernelfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// SpatialSolution aggregates the local normal equations of many accepted
// candidates into one global system for a spatially-varying kernel model:
// each basis coefficient becomes a polynomial of image position sharing one
// spatial basis, and the background gets its own polynomial. When the first
// basis kernel is a flux-carrying term (Alard-Lupton or a PCA mean) its
// coefficient is held spatially constant.
type SpatialSolution struct {
	solution
	basis pixel.BasisSet

	kernelPoly *pixel.Poly2D
	bgPoly     *pixel.Poly2D

	constantFirstTerm bool
	nbases            int // number of basis kernels
	nkt               int // spatial terms per kernel coefficient
	nbt               int // spatial terms for the background (0 if not fit)
	nt                int // total free parameters

	kernelSpatial [][]float64 // per-basis spatial coefficients, nkt each
	kernelScalar  []float64   // fast path when nkt == 1
	bgCoeffs      []float64
	kSum          float64
}

// NewSpatialSolution sizes the global system. kernelDegree and bgDegree are
// the total degrees of the spatial polynomials for kernel coefficients and
// background.
func NewSpatialSolution(ids *IDSource, basis pixel.BasisSet, kernelDegree, bgDegree int,
	cfg *config.FitConfig) *SpatialSolution {

	s := &SpatialSolution{
		solution:   newSolution(ids, cfg.GetFitForBackground()),
		basis:      basis,
		kernelPoly: pixel.NewPoly2D(kernelDegree),
		nbases:     len(basis),
		nkt:        pixel.PolyNTerms(kernelDegree),
	}
	if cfg.GetKernelBasisSet() == "alard-lupton" || cfg.GetUsePcaForSpatialKernel() {
		s.constantFirstTerm = true
	}
	if s.fitForBackground {
		s.bgPoly = pixel.NewPoly2D(bgDegree)
		s.nbt = pixel.PolyNTerms(bgDegree)
	}
	if s.constantFirstTerm {
		s.nt = (s.nbases-1)*s.nkt + 1 + s.nbt
	} else {
		s.nt = s.nbases*s.nkt + s.nbt
	}
	s.mMat = mat.NewDense(s.nt, s.nt, nil)
	s.bVec = mat.NewVecDense(s.nt, nil)
	monitoring.Logf("kernelfit: spatial solution with nkt=%d nbt=%d nt=%d constant first term=%v",
		s.nkt, s.nbt, s.nt, s.constantFirstTerm)
	return s
}

// NParameters returns the total number of free parameters of the global
// system.
func (s *SpatialSolution) NParameters() int { return s.nt }

// ConstantFirstTerm reports whether the first basis coefficient is held
// spatially constant.
func (s *SpatialSolution) ConstantFirstTerm() bool { return s.constantFirstTerm }

// AddConstraint accumulates one candidate's local normal equations into the
// global system. qMat and wVec are the candidate's local outer-product
// matrix and vector; their dimension is nbases plus one when fitting for
// background. (x, y) is the candidate center, where the spatial basis is
// evaluated (coefficients are assumed constant over a single stamp).
//
// Only the upper triangle of each diagonal block is accumulated; Solve
// mirrors it once. Accumulating both halves would double-count.
func (s *SpatialSolution) AddConstraint(x, y float64, qMat *mat.Dense, wVec *mat.VecDense) error {
	dim := s.nbases
	if s.fitForBackground {
		dim++
	}
	if r, c := qMat.Dims(); r != dim || c != dim || wVec.Len() != dim {
		return fmt.Errorf("%w: constraint is %dx%d with vector %d, want %d",
			ErrInvalidInput, r, c, wVec.Len(), dim)
	}
	monitoring.Logf("kernelfit: adding candidate constraint at %.1f, %.1f", x, y)

	pK := s.kernelPoly.TermValues(x, y)
	var pB []float64
	if s.fitForBackground {
		pB = s.bgPoly.TermValues(x, y)
	}

	nkt, nbt := s.nkt, s.nbt
	m0, dm := 0, 0
	mb := s.nt - nbt // where the background terms start

	if s.constantFirstTerm {
		m0 = 1       // the first (non-spatial) term is filled in directly
		dm = nkt - 1 // later blocks shift down by the missing spatial terms

		s.mMat.Set(0, 0, s.mMat.At(0, 0)+qMat.At(0, 0))
		for m2 := 1; m2 < s.nbases; m2++ {
			for j := 0; j < nkt; j++ {
				col := m2*nkt - dm + j
				s.mMat.Set(0, col, s.mMat.At(0, col)+qMat.At(0, m2)*pK[j])
			}
		}
		s.bVec.SetVec(0, s.bVec.AtVec(0)+wVec.AtVec(0))

		if s.fitForBackground {
			for j := 0; j < nbt; j++ {
				col := mb + j
				s.mMat.Set(0, col, s.mMat.At(0, col)+qMat.At(0, s.nbases)*pB[j])
			}
		}
	}

	for m1 := m0; m1 < s.nbases; m1++ {
		row0 := m1*nkt - dm

		// diagonal kernel-kernel block, upper triangle only
		q11 := qMat.At(m1, m1)
		for i := 0; i < nkt; i++ {
			for j := i; j < nkt; j++ {
				s.mMat.Set(row0+i, row0+j, s.mMat.At(row0+i, row0+j)+q11*pK[i]*pK[j])
			}
		}

		// off-diagonal kernel-kernel blocks, full outer product
		for m2 := m1 + 1; m2 < s.nbases; m2++ {
			col0 := m2*nkt - dm
			q12 := qMat.At(m1, m2)
			for i := 0; i < nkt; i++ {
				for j := 0; j < nkt; j++ {
					s.mMat.Set(row0+i, col0+j, s.mMat.At(row0+i, col0+j)+q12*pK[i]*pK[j])
				}
			}
		}

		// kernel cross terms with background
		if s.fitForBackground {
			q1b := qMat.At(m1, s.nbases)
			for i := 0; i < nkt; i++ {
				for j := 0; j < nbt; j++ {
					s.mMat.Set(row0+i, mb+j, s.mMat.At(row0+i, mb+j)+q1b*pK[i]*pB[j])
				}
			}
		}

		w1 := wVec.AtVec(m1)
		for i := 0; i < nkt; i++ {
			s.bVec.SetVec(row0+i, s.bVec.AtVec(row0+i)+w1*pK[i])
		}
	}

	if s.fitForBackground {
		qbb := qMat.At(s.nbases, s.nbases)
		for i := 0; i < nbt; i++ {
			for j := i; j < nbt; j++ {
				s.mMat.Set(mb+i, mb+j, s.mMat.At(mb+i, mb+j)+qbb*pB[i]*pB[j])
			}
		}
		wb := wVec.AtVec(s.nbases)
		for i := 0; i < nbt; i++ {
			s.bVec.SetVec(mb+i, s.bVec.AtVec(mb+i)+wb*pB[i])
		}
	}
	return nil
}

// Solve mirrors the accumulated upper triangle into the lower, solves the
// global system and unpacks the spatial coefficients.
func (s *SpatialSolution) Solve() error {
	for i := 0; i < s.nt; i++ {
		for j := i + 1; j < s.nt; j++ {
			s.mMat.Set(j, i, s.mMat.At(i, j))
		}
	}
	if err := s.solve(); err != nil {
		return fmt.Errorf("unable to solve spatial kernel matrix: %w", err)
	}
	return s.setKernel()
}

// setKernel unpacks the solved vector into per-basis spatial coefficient
// lists (or scalars when the model is not spatially varying) and the
// background coefficients.
func (s *SpatialSolution) setKernel() error {
	cond, condErr := s.ConditionNumber(CondEigenvalue)
	if condErr != nil {
		cond = math.NaN()
	}

	if s.nkt == 1 {
		// not spatially varying; keep plain scalars for convolution speed
		s.kernelScalar = make([]float64, s.nbases)
		for i := 0; i < s.nbases; i++ {
			v := s.aVec.AtVec(i)
			if math.IsNaN(v) {
				return fmt.Errorf("%w: unable to determine spatial kernel solution %d (nan), condition number = %.3e",
					ErrInvalidSolution, i, cond)
			}
			s.kernelScalar[i] = v
		}
	} else {
		s.kernelSpatial = make([][]float64, s.nbases)
		idx := 0
		for i := 0; i < s.nbases; i++ {
			s.kernelSpatial[i] = make([]float64, s.nkt)
			if i == 0 && s.constantFirstTerm {
				v := s.aVec.AtVec(idx)
				if math.IsNaN(v) {
					return fmt.Errorf("%w: unable to determine spatial kernel solution %d (nan), condition number = %.3e",
						ErrInvalidSolution, idx, cond)
				}
				s.kernelSpatial[i][0] = v
				idx++
				continue
			}
			for j := 0; j < s.nkt; j++ {
				v := s.aVec.AtVec(idx)
				if math.IsNaN(v) {
					return fmt.Errorf("%w: unable to determine spatial kernel solution %d (nan), condition number = %.3e",
						ErrInvalidSolution, idx, cond)
				}
				s.kernelSpatial[i][j] = v
				idx++
			}
		}
	}

	s.bgCoeffs = make([]float64, max(s.nbt, 1))
	if s.fitForBackground {
		for i := 0; i < s.nbt; i++ {
			idx := s.nt - s.nbt + i
			v := s.aVec.AtVec(idx)
			if math.IsNaN(v) {
				return fmt.Errorf("%w: unable to determine spatial background solution %d (nan)",
					ErrInvalidSolution, idx)
			}
			s.bgCoeffs[i] = v
		}
		if err := s.bgPoly.SetCoeffs(s.bgCoeffs); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSolution, err)
		}
	}

	// kernel flux at the model origin, by rendering
	img, err := s.KernelAt(0, 0)
	if err != nil {
		return err
	}
	s.kSum = img.Sum()
	return nil
}

// KernelAt evaluates the spatial model at (x, y) and renders the local
// kernel.
func (s *SpatialSolution) KernelAt(x, y float64) (*pixel.Kernel, error) {
	if s.solvedBy == SolveNone {
		return nil, fmt.Errorf("%w: cannot return kernel image", ErrNotSolved)
	}
	lc := pixel.NewLinearCombination(s.basis)
	coeffs := make([]float64, s.nbases)
	if s.nkt == 1 {
		copy(coeffs, s.kernelScalar)
	} else {
		terms := s.kernelPoly.TermValues(x, y)
		for i := 0; i < s.nbases; i++ {
			acc := 0.0
			for j, t := range terms {
				acc += s.kernelSpatial[i][j] * t
			}
			coeffs[i] = acc
		}
	}
	if err := lc.SetCoeffs(coeffs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSolution, err)
	}
	return lc.Render(), nil
}

// BackgroundAt evaluates the fitted spatial background at (x, y); zero when
// the background was not fit.
func (s *SpatialSolution) BackgroundAt(x, y float64) (float64, error) {
	if s.solvedBy == SolveNone {
		return 0, fmt.Errorf("%w: cannot return background", ErrNotSolved)
	}
	if !s.fitForBackground {
		return 0, nil
	}
	return s.bgPoly.Eval(x, y), nil
}

// KSum returns the kernel flux of the model at the origin.
func (s *SpatialSolution) KSum() (float64, error) {
	if s.solvedBy == SolveNone {
		return 0, fmt.Errorf("%w: cannot return ksum", ErrNotSolved)
	}
	return s.kSum, nil
}
