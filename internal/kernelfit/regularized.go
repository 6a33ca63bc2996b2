package kernelfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// RegularizedSolution extends StaticSolution with a quadratic smoothness
// penalty: the solved system is (M + lambda H) a = b for a penalty matrix H
// and a weight lambda chosen by policy. Intended for delta-function bases,
// where the unpenalized fit is free-form and noisy.
type RegularizedSolution struct {
	StaticSolution
	hMat   *mat.Dense
	cfg    *config.FitConfig
	lambda float64
}

// NewRegularizedSolution prepares an unbuilt regularized solution. hMat must
// be square with dimension len(basis); when fitting for background it is
// padded with a zero row and column so the background term is unpenalized.
func NewRegularizedSolution(ids *IDSource, basis pixel.BasisSet, fitForBackground bool,
	hMat *mat.Dense, cfg *config.FitConfig) (*RegularizedSolution, error) {
	hr, hc := hMat.Dims()
	if hr != hc || hr != len(basis) {
		return nil, fmt.Errorf("%w: penalty matrix is %dx%d for %d basis kernels",
			ErrInvalidInput, hr, hc, len(basis))
	}
	h := hMat
	if fitForBackground {
		padded := mat.NewDense(hr+1, hr+1, nil)
		for i := 0; i < hr; i++ {
			for j := 0; j < hr; j++ {
				padded.Set(i, j, hMat.At(i, j))
			}
		}
		h = padded
	}
	return &RegularizedSolution{
		StaticSolution: *NewStaticSolution(ids, basis, fitForBackground),
		hMat:           h,
		cfg:            cfg,
	}, nil
}

// Lambda returns the regularization weight chosen by the last Solve.
func (s *RegularizedSolution) Lambda() float64 { return s.lambda }

// RegularizedM returns M + lambda H when includeH is set, else M.
func (s *RegularizedSolution) RegularizedM(includeH bool) *mat.Dense {
	if !includeH {
		return s.mMat
	}
	return addScaled(s.mMat, s.lambda, s.hMat)
}

// Solve selects lambda per the configured policy, solves the penalized
// system and extracts the kernel and background.
func (s *RegularizedSolution) Solve() error {
	if s.cMat == nil {
		return fmt.Errorf("%w: solve called before build", ErrInvalidInput)
	}
	// keep M, b in sync with the design matrix
	s.mMat, s.bVec = normalEquations(s.cMat, s.ivVec, s.iVec)

	switch s.cfg.GetLambdaType() {
	case "absolute":
		s.lambda = s.cfg.GetLambdaValue()
	case "relative":
		hTrace := mat.Trace(s.hMat)
		if hTrace == 0 {
			return fmt.Errorf("%w: penalty matrix has zero trace", ErrInvalidInput)
		}
		s.lambda = mat.Trace(s.mMat) / hTrace * s.cfg.GetLambdaScaling()
	case "minimizeBiasedRisk":
		l, err := s.estimateRisk(s.cfg.GetMaxConditionNumber())
		if err != nil {
			return err
		}
		s.lambda = l
	case "minimizeUnbiasedRisk":
		l, err := s.estimateRisk(math.MaxFloat64)
		if err != nil {
			return err
		}
		s.lambda = l
	default:
		return fmt.Errorf("%w: lambda_type %q not recognized", ErrInvalidArgument, s.cfg.GetLambdaType())
	}
	monitoring.Logf("kernelfit: applying kernel regularization with lambda = %.2e", s.lambda)

	if err := s.solveSystem(addScaled(s.mMat, s.lambda, s.hMat), s.bVec); err != nil {
		return fmt.Errorf("unable to solve regularized kernel matrix: %w", err)
	}
	return s.setKernel()
}

// RiskCurve reruns the risk scan and returns the (lambda, risk) samples, for
// diagnostics plotting. Valid only after Build.
func (s *RegularizedSolution) RiskCurve(maxCond float64) ([]float64, []float64, error) {
	lambdas, err := s.lambdaSteps()
	if err != nil {
		return nil, nil, err
	}
	risks, err := s.scanRisks(lambdas, maxCond)
	if err != nil {
		return nil, nil, err
	}
	return lambdas, risks, nil
}

// estimateRisk scans the configured lambda grid and returns the lambda
// minimizing a generalized-cross-validation style risk estimate
//
//	risk(l) = a^T V V^T a + 2 (trace(V V^T (M + l H)^-1) - a^T M^+ b)
//
// where V comes from the SVD of the design matrix and M^+ is the
// eigen-truncated pseudo-inverse of M with eigenvalues beyond maxCond
// zeroed. Ties are broken by first occurrence in scan order.
func (s *RegularizedSolution) estimateRisk(maxCond float64) (float64, error) {
	lambdas, err := s.lambdaSteps()
	if err != nil {
		return 0, err
	}
	risks, err := s.scanRisks(lambdas, maxCond)
	if err != nil {
		return 0, err
	}
	best := 0
	for i, r := range risks {
		if r < risks[best] {
			best = i
		}
	}
	monitoring.Logf("kernelfit: minimum risk = %.3e at lambda = %.3e", risks[best], lambdas[best])
	return lambdas[best], nil
}

func (s *RegularizedSolution) scanRisks(lambdas []float64, maxCond float64) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(s.cMat, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: svd of design matrix failed", ErrSolveFailure)
	}
	var v mat.Dense
	svd.VTo(&v)
	nParams, _ := s.mMat.Dims()
	vvt := mat.NewDense(nParams, nParams, nil)
	vvt.Mul(&v, v.T())

	mInv, err := truncatedPseudoInverse(s.mMat, maxCond)
	if err != nil {
		return nil, err
	}
	mInvB := mat.NewVecDense(nParams, nil)
	mInvB.MulVec(mInv, s.bVec)

	risks := make([]float64, 0, len(lambdas))
	for _, l := range lambdas {
		mLambda := addScaled(s.mMat, l, s.hMat)
		a, _, err := SolveLinear(mLambda, s.bVec)
		if err != nil {
			return nil, fmt.Errorf("unable to solve regularized kernel matrix: %w", err)
		}

		vvta := mat.NewVecDense(nParams, nil)
		vvta.MulVec(vvt, a)
		term1 := mat.Dot(a, vvta)

		var mLambdaInv mat.Dense
		if err := mLambdaInv.Inverse(mLambda); err != nil {
			monitoring.Logf("kernelfit: risk scan skipping singular system at lambda = %.3e", l)
			risks = append(risks, math.Inf(1))
			continue
		}
		var smooth mat.Dense
		smooth.Mul(vvt, &mLambdaInv)
		term2a := mat.Trace(&smooth)

		term2b := mat.Dot(a, mInvB)

		risk := term1 + 2*(term2a-term2b)
		monitoring.Logf("kernelfit: lambda = %.3f, risk = %.5e", l, risk)
		risks = append(risks, risk)
	}
	return risks, nil
}

// truncatedPseudoInverse inverts the nonzero eigenvalues of m, zeroing any
// whose condition ratio eMax/e exceeds maxCond.
func truncatedPseudoInverse(m *mat.Dense, maxCond float64) (*mat.Dense, error) {
	var es mat.EigenSym
	if ok := es.Factorize(symmetrize(m), true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition failed", ErrSolveFailure)
	}
	vals := es.Values(nil)
	eMax := vals[0]
	for _, v := range vals[1:] {
		if v > eMax {
			eMax = v
		}
	}
	for i, v := range vals {
		switch {
		case v == 0:
		case eMax/v > maxCond:
			monitoring.Logf("kernelfit: truncating eigenvalue %d; %.5e / %.5e > %.5e", i, eMax, v, maxCond)
			vals[i] = 0
		default:
			vals[i] = 1.0 / v
		}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	n, _ := m.Dims()
	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*vals[j])
		}
	}
	inv := mat.NewDense(n, n, nil)
	inv.Mul(scaled, vecs.T())
	return inv, nil
}

// lambdaSteps builds the scan grid, inclusive of both bounds, with linear or
// log10 stepping.
func (s *RegularizedSolution) lambdaSteps() ([]float64, error) {
	const eps = 1e-12
	var lambdas []float64
	switch s.cfg.GetLambdaStepType() {
	case "linear":
		min, max, step := s.cfg.GetLambdaLinMin(), s.cfg.GetLambdaLinMax(), s.cfg.GetLambdaLinStep()
		if step <= 0 {
			return nil, fmt.Errorf("%w: lambda_lin_step must be positive", ErrInvalidArgument)
		}
		for l := min; l <= max+eps; l += step {
			lambdas = append(lambdas, l)
		}
	case "log":
		min, max, step := s.cfg.GetLambdaLogMin(), s.cfg.GetLambdaLogMax(), s.cfg.GetLambdaLogStep()
		if step <= 0 {
			return nil, fmt.Errorf("%w: lambda_log_step must be positive", ErrInvalidArgument)
		}
		for l := min; l <= max+eps; l += step {
			lambdas = append(lambdas, math.Pow(10, l))
		}
	default:
		return nil, fmt.Errorf("%w: lambda_step_type %q not recognized", ErrInvalidArgument, s.cfg.GetLambdaStepType())
	}
	if len(lambdas) == 0 {
		return nil, fmt.Errorf("%w: lambda scan bounds produce no values", ErrInvalidArgument)
	}
	return lambdas, nil
}

// addScaled returns m + scale*h without modifying the inputs.
func addScaled(m *mat.Dense, scale float64, h *mat.Dense) *mat.Dense {
	n, c := m.Dims()
	out := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j)+scale*h.At(i, j))
		}
	}
	return out
}

// ForwardDiffMatrix builds the smoothness penalty H = D^T D for a
// delta-function basis over a w x h tap grid, where D stacks second
// difference stencils (1, -2, 1) along rows and columns of the taps.
func ForwardDiffMatrix(w, h int) *mat.Dense {
	n := w * h
	type stencil struct {
		idx []int
	}
	var rows []stencil
	for y := 0; y < h; y++ {
		for x := 1; x < w-1; x++ {
			rows = append(rows, stencil{idx: []int{y*w + x - 1, y*w + x, y*w + x + 1}})
		}
	}
	for x := 0; x < w; x++ {
		for y := 1; y < h-1; y++ {
			rows = append(rows, stencil{idx: []int{(y-1)*w + x, y*w + x, (y+1)*w + x}})
		}
	}
	if len(rows) == 0 {
		// support too small for a second-difference stencil
		return mat.NewDense(n, n, nil)
	}
	d := mat.NewDense(len(rows), n, nil)
	for i, r := range rows {
		d.Set(i, r.idx[0], 1)
		d.Set(i, r.idx[1], -2)
		d.Set(i, r.idx[2], 1)
	}
	hMat := mat.NewDense(n, n, nil)
	hMat.Mul(d.T(), d)
	return hMat
}
