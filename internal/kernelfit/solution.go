package kernelfit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// solution is the state shared by every kernel solution type: the normal
// equations M a = b, the solved coefficient vector, and the method that
// produced it. A solution is created unsolved (method NONE) and transitions
// to solved by solve(); re-solving replaces the coefficient vector.
type solution struct {
	id               int64
	mMat             *mat.Dense
	bVec             *mat.VecDense
	aVec             *mat.VecDense
	solvedBy         SolveMethod
	fitForBackground bool
}

func newSolution(ids *IDSource, fitForBackground bool) solution {
	return solution{id: ids.Next(), solvedBy: SolveNone, fitForBackground: fitForBackground}
}

// ID returns the process-unique solution identifier.
func (s *solution) ID() int64 { return s.id }

// SolvedBy reports which method produced the current coefficients.
func (s *solution) SolvedBy() SolveMethod { return s.solvedBy }

// M returns the normal-equations matrix, or nil before build.
func (s *solution) M() *mat.Dense { return s.mMat }

// B returns the normal-equations vector, or nil before build.
func (s *solution) B() *mat.VecDense { return s.bVec }

// Coeffs returns the solved coefficient vector.
func (s *solution) Coeffs() (*mat.VecDense, error) {
	if s.solvedBy == SolveNone {
		return nil, fmt.Errorf("%w: cannot return coefficients", ErrNotSolved)
	}
	return s.aVec, nil
}

// solve runs the linear solver on the stored system.
func (s *solution) solve() error {
	return s.solveSystem(s.mMat, s.bVec)
}

// solveSystem solves the given system, storing the result and method on s.
// Regularized solutions pass a modified matrix while keeping M intact.
func (s *solution) solveSystem(m *mat.Dense, b *mat.VecDense) error {
	if m == nil || b == nil {
		return fmt.Errorf("%w: solve called before build", ErrInvalidInput)
	}
	a, method, err := SolveLinear(m, b)
	s.solvedBy = method
	if err != nil {
		return err
	}
	s.aVec = a
	return nil
}

// ConditionNumber computes the condition number of the normal-equations
// matrix under the given mode.
func (s *solution) ConditionNumber(kind ConditionType) (float64, error) {
	if s.mMat == nil {
		return 0, fmt.Errorf("%w: no matrix built", ErrInvalidInput)
	}
	return MatrixConditionNumber(s.mMat, kind)
}
