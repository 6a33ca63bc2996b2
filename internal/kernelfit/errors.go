package kernelfit

import "errors"

// Error taxonomy for the fitting engine. Builder-level failures (bad input,
// solve failure, bad solution) are caught by the candidate visitors and
// converted into rejections; invalid-argument errors signal a setup defect
// and propagate to the caller.
var (
	// ErrInvalidInput marks unusable input data, e.g. a variance plane with
	// non-positive values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSolveFailure marks a linear system that neither LU nor the
	// eigendecomposition fallback could solve.
	ErrSolveFailure = errors.New("unable to determine kernel solution")

	// ErrInvalidSolution marks a solved system whose coefficients are
	// unusable (NaN entries or a size mismatch).
	ErrInvalidSolution = errors.New("invalid solution")

	// ErrNotSolved is returned by accessors called before a successful
	// solve.
	ErrNotSolved = errors.New("kernel not solved")

	// ErrInvalidArgument marks an unrecognized enum-like policy value.
	ErrInvalidArgument = errors.New("invalid argument")
)
