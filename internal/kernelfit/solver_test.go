package kernelfit

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSolveLinearLU(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 1, 1, 3})
	b := mat.NewVecDense(2, []float64{1, 2})

	a, method, err := SolveLinear(m, b)
	if err != nil {
		t.Fatalf("SolveLinear failed: %v", err)
	}
	if method != SolveLU {
		t.Errorf("solved by %s, want LU", method)
	}
	// verify M a = b
	check := mat.NewVecDense(2, nil)
	check.MulVec(m, a)
	for i := 0; i < 2; i++ {
		if math.Abs(check.AtVec(i)-b.AtVec(i)) > 1e-12 {
			t.Errorf("(M a)[%d] = %v, want %v", i, check.AtVec(i), b.AtVec(i))
		}
	}
}

func TestSolveLinearEigenFallback(t *testing.T) {
	// singular: second row is zero
	m := mat.NewDense(2, 2, []float64{2, 0, 0, 0})
	b := mat.NewVecDense(2, []float64{4, 0})

	a, method, err := SolveLinear(m, b)
	if err != nil {
		t.Fatalf("SolveLinear failed: %v", err)
	}
	if method != SolveEigen {
		t.Errorf("solved by %s, want EIGENVECTOR", method)
	}
	if math.Abs(a.AtVec(0)-2.0) > 1e-12 {
		t.Errorf("a[0] = %v, want 2", a.AtVec(0))
	}
	// null-space component stays zero under the pseudo-inverse
	if math.Abs(a.AtVec(1)) > 1e-12 {
		t.Errorf("a[1] = %v, want 0", a.AtVec(1))
	}
}

func TestSolveLinearDimMismatch(t *testing.T) {
	m := mat.NewDense(2, 2, nil)
	b := mat.NewVecDense(3, nil)
	if _, _, err := SolveLinear(m, b); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestMatrixConditionNumber(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 0, 0, 1})

	cond, err := MatrixConditionNumber(m, CondEigenvalue)
	if err != nil {
		t.Fatalf("eigenvalue condition failed: %v", err)
	}
	if math.Abs(cond-4.0) > 1e-10 {
		t.Errorf("eigenvalue condition = %v, want 4", cond)
	}

	cond, err = MatrixConditionNumber(m, CondSVD)
	if err != nil {
		t.Fatalf("svd condition failed: %v", err)
	}
	if math.Abs(cond-4.0) > 1e-10 {
		t.Errorf("svd condition = %v, want 4", cond)
	}
}

func TestMatrixConditionNumberUnknownKind(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	if _, err := MatrixConditionNumber(m, ConditionType("DETERMINANT")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestIDSourceMonotonic(t *testing.T) {
	ids := &IDSource{}
	a, b := ids.Next(), ids.Next()
	if a != 1 || b != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", a, b)
	}
}
