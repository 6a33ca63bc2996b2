// Package kernelfit implements the kernel-solution engine for image
// differencing: it fits a spatially-varying convolution kernel (plus an
// additive background) that transforms a template image into a photometric
// match for a science image, by building and solving inverse-variance
// weighted linear least-squares systems per local candidate region and
// aggregating the accepted local systems into one global spatial model.
package kernelfit

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/monitoring"
)

// SolveMethod records how a kernel solution's linear system was solved.
type SolveMethod int

const (
	// SolveNone means the system has not been solved (or the solve failed).
	SolveNone SolveMethod = iota
	// SolveLU means a pivoted LU factorization succeeded.
	SolveLU
	// SolveEigen means the symmetric-eigendecomposition pseudo-inverse
	// fallback was used.
	SolveEigen
)

func (s SolveMethod) String() string {
	switch s {
	case SolveLU:
		return "LU"
	case SolveEigen:
		return "EIGENVECTOR"
	default:
		return "NONE"
	}
}

// ConditionType selects how a matrix condition number is computed.
type ConditionType string

const (
	CondEigenvalue ConditionType = "EIGENVALUE"
	CondSVD        ConditionType = "SVD"
)

// IDSource allocates process-unique, monotonically increasing solution
// identifiers. One IDSource is shared by all builders of a fitting session;
// ids are used for diagnostics and tie-breaking only.
type IDSource struct {
	n atomic.Int64
}

// Next returns the next solution id.
func (s *IDSource) Next() int64 { return s.n.Add(1) }

// luCondMax is the condition-number threshold beyond which the LU
// factorization is treated as non-invertible and the eigendecomposition
// fallback is used.
const luCondMax = 1e13

// SolveLinear solves M a = b for a square symmetric M. It first attempts a
// pivoted LU factorization; if M is judged non-invertible it falls back to a
// symmetric eigendecomposition, inverting the nonzero eigenvalues
// (pseudo-inverse). The returned method records which path produced the
// solution. If both fail the error wraps ErrSolveFailure and the method is
// SolveNone.
func SolveLinear(m *mat.Dense, b *mat.VecDense) (*mat.VecDense, SolveMethod, error) {
	n, c := m.Dims()
	if n != c || b.Len() != n {
		return nil, SolveNone, fmt.Errorf("%w: system is %dx%d with rhs %d", ErrInvalidInput, n, c, b.Len())
	}

	var lu mat.LU
	lu.Factorize(m)
	if cond := lu.Cond(); !math.IsInf(cond, 1) && !math.IsNaN(cond) && cond < luCondMax {
		a := mat.NewVecDense(n, nil)
		if err := lu.SolveVecTo(a, false, b); err == nil {
			return a, SolveLU, nil
		}
	}
	monitoring.Logf("kernelfit: unable to determine kernel via LU, trying eigenvalues")

	a, err := eigenPseudoSolve(m, b)
	if err != nil {
		monitoring.Logf("kernelfit: unable to determine kernel via eigenvalues")
		return nil, SolveNone, fmt.Errorf("%w: %v", ErrSolveFailure, err)
	}
	return a, SolveEigen, nil
}

// eigenPseudoSolve computes a = V diag(1/lambda) V^T b using a symmetric
// eigendecomposition, treating zero eigenvalues as zero in the inverse.
func eigenPseudoSolve(m *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	n, _ := m.Dims()
	var es mat.EigenSym
	if ok := es.Factorize(symmetrize(m), true); !ok {
		return nil, fmt.Errorf("eigendecomposition failed")
	}
	vals := es.Values(nil)
	for i, v := range vals {
		if v != 0 {
			vals[i] = 1.0 / v
		}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// a = V diag(inv) V^T b
	vtb := mat.NewVecDense(n, nil)
	vtb.MulVec(vecs.T(), b)
	for i := 0; i < n; i++ {
		vtb.SetVec(i, vtb.AtVec(i)*vals[i])
	}
	a := mat.NewVecDense(n, nil)
	a.MulVec(&vecs, vtb)
	return a, nil
}

// symmetrize builds a SymDense from the upper triangle of m averaged with
// the lower. The normal-equations matrices here are symmetric up to floating
// point roundoff.
func symmetrize(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

// MatrixConditionNumber computes the condition number of m under the given
// mode: the ratio of the largest to smallest eigenvalue (CondEigenvalue,
// valid for symmetric positive semi-definite m) or singular value (CondSVD).
// An unrecognized mode wraps ErrInvalidArgument.
func MatrixConditionNumber(m *mat.Dense, kind ConditionType) (float64, error) {
	switch kind {
	case CondEigenvalue:
		var es mat.EigenSym
		if ok := es.Factorize(symmetrize(m), false); !ok {
			return 0, fmt.Errorf("%w: eigendecomposition failed", ErrSolveFailure)
		}
		vals := es.Values(nil)
		eMin, eMax := vals[0], vals[0]
		for _, v := range vals[1:] {
			if v < eMin {
				eMin = v
			}
			if v > eMax {
				eMax = v
			}
		}
		monitoring.Logf("kernelfit: EIGENVALUE eMax / eMin = %.3e", eMax/eMin)
		return eMax / eMin, nil
	case CondSVD:
		var svd mat.SVD
		if ok := svd.Factorize(m, mat.SVDNone); !ok {
			return 0, fmt.Errorf("%w: svd failed", ErrSolveFailure)
		}
		vals := svd.Values(nil)
		sMin, sMax := vals[0], vals[0]
		for _, v := range vals[1:] {
			if v < sMin {
				sMin = v
			}
			if v > sMax {
				sMax = v
			}
		}
		monitoring.Logf("kernelfit: SVD sMax / sMin = %.3e", sMax/sMin)
		return sMax / sMin, nil
	default:
		return 0, fmt.Errorf("%w: condition number type %q (only EIGENVALUE, SVD allowed)", ErrInvalidArgument, kind)
	}
}
