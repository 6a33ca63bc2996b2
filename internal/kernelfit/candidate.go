package kernelfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// CandidateStatus is the fitting driver's verdict on a candidate.
type CandidateStatus int

const (
	StatusUntried CandidateStatus = iota
	StatusGood
	StatusBad
)

func (s CandidateStatus) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusBad:
		return "BAD"
	default:
		return "UNTRIED"
	}
}

// Selector picks which of a candidate's retained solutions to use. Recent
// resolves to the PCA re-fit when present, else the original fit.
type Selector int

const (
	SelectOriginal Selector = iota
	SelectPCA
	SelectRecent
)

// CandidateSolution is the read surface shared by static and regularized
// per-candidate solutions.
type CandidateSolution interface {
	ID() int64
	SolvedBy() SolveMethod
	M() *mat.Dense
	B() *mat.VecDense
	Coeffs() (*mat.VecDense, error)
	ConditionNumber(ConditionType) (float64, error)
	Kernel() (*pixel.LinearCombination, error)
	KernelImage() (*pixel.Grid, error)
	Background() (float64, error)
	KSum() (float64, error)
}

// Candidate is one local image region used as a sample point for kernel
// fitting: template and science sub-images with variance (and optional
// masks), plus at most two retained solutions — the original direct fit and
// a PCA re-fit against a shared basis derived from earlier originals.
type Candidate struct {
	ID   int64
	X, Y float64 // center in the parent frame

	Template pixel.MaskedGrid
	Science  pixel.MaskedGrid

	status   CandidateStatus
	coreFlux float64 // rating: mean core S/N of the science stamp

	varianceEstimate *pixel.Grid
	built            bool

	solnOrig CandidateSolution
	solnPCA  CandidateSolution
}

// NewCandidate rates the candidate by its science-stamp core signal-to-noise
// and leaves it UNTRIED. A stamp whose statistics cannot be computed is
// marked BAD immediately.
func NewCandidate(x, y float64, template, science pixel.MaskedGrid, cfg *config.FitConfig) *Candidate {
	c := &Candidate{X: x, Y: y, Template: template, Science: science, status: StatusUntried}
	stats, err := pixel.ResidualStatsCore(science.Im, science.Var, cfg.GetCandidateCoreRadius())
	if err != nil {
		monitoring.Logf("kernelfit: unable to rate candidate at %.1f,%.1f: %v", x, y, err)
		c.status = StatusBad
		return c
	}
	c.coreFlux = stats.Mean
	return c
}

// Rating returns the candidate's core signal-to-noise rating.
func (c *Candidate) Rating() float64 { return c.coreFlux }

// Status returns the driver's verdict.
func (c *Candidate) Status() CandidateStatus { return c.status }

// SetStatus records the driver's verdict.
func (c *Candidate) SetStatus(s CandidateStatus) { c.status = s }

// IsBuilt reports whether at least one solution has been fitted.
func (c *Candidate) IsBuilt() bool { return c.built }

// Build fits a kernel solution for this candidate: the original slot on the
// first build, the PCA slot on any later build (the caller switches the
// basis to a PCA-derived one between passes). hMat, when non-nil, selects
// the regularized builder. A condition-number check failure marks the
// candidate BAD without error; data errors propagate for the visitor to
// catch.
func (c *Candidate) Build(ids *IDSource, basis pixel.BasisSet, hMat *mat.Dense, cfg *config.FitConfig) error {
	if c.Template.Var == nil || c.Science.Var == nil {
		return fmt.Errorf("%w: candidate stamps carry no variance planes", ErrInvalidInput)
	}
	// variance estimate comes from the sum of the image variances
	v := c.Science.Var.Clone()
	for i, tv := range c.Template.Var.Pix {
		v.Pix[i] += tv
	}
	if cfg.GetConstantVarianceWeighting() {
		varValue := v.Median()
		if math.IsNaN(varValue) || varValue <= 0 {
			varValue = 1.0
		}
		monitoring.Logf("kernelfit: candidate %d using constant variance of %.2f", c.ID, varValue)
		v.Fill(varValue)
	}
	c.varianceEstimate = v

	if err := c.buildKernelSolution(ids, basis, hMat, cfg); err != nil {
		return err
	}

	if cfg.GetIterateSingleKernel() && !cfg.GetConstantVarianceWeighting() && c.status != StatusBad {
		// second pass re-weighted by the first fit's difference-image
		// variance. The difference image is cropped to the kernel's valid
		// region, so its variance is embedded back into a stamp-sized grid;
		// border pixels keep the first-pass estimate and sit outside the
		// fitted region.
		diffim, err := c.DifferenceImage(SelectRecent)
		if err != nil {
			return err
		}
		v2 := c.varianceEstimate.Clone()
		x0 := diffim.Var.X0 - c.Science.Im.X0
		y0 := diffim.Var.Y0 - c.Science.Im.Y0
		for y := 0; y < diffim.Var.H; y++ {
			for x := 0; x < diffim.Var.W; x++ {
				v2.Set(x0+x, y0+y, diffim.Var.At(x, y))
			}
		}
		c.varianceEstimate = v2
		if err := c.buildKernelSolution(ids, basis, hMat, cfg); err != nil {
			return err
		}
	}

	c.built = true
	return nil
}

func (c *Candidate) buildKernelSolution(ids *IDSource, basis pixel.BasisSet, hMat *mat.Dense,
	cfg *config.FitConfig) error {

	var ctype ConditionType
	switch cfg.GetConditionNumberType() {
	case "SVD":
		ctype = CondSVD
	case "EIGENVALUE":
		ctype = CondEigenvalue
	default:
		return fmt.Errorf("%w: condition_number_type %q not recognized",
			ErrInvalidArgument, cfg.GetConditionNumberType())
	}

	var (
		soln  CandidateSolution
		solve func() error
	)
	if hMat != nil {
		reg, err := NewRegularizedSolution(ids, basis, cfg.GetFitForBackground(), hMat, cfg)
		if err != nil {
			return err
		}
		if err := reg.Build(c.Template.Im, c.Science.Im, c.varianceEstimate); err != nil {
			return err
		}
		soln, solve = reg, reg.Solve
	} else {
		st := NewStaticSolution(ids, basis, cfg.GetFitForBackground())
		if err := st.Build(c.Template.Im, c.Science.Im, c.varianceEstimate); err != nil {
			return err
		}
		soln, solve = st, st.Solve
	}

	if cfg.GetCheckConditionNumber() {
		cond, err := soln.ConditionNumber(ctype)
		if err != nil {
			return err
		}
		if cond > cfg.GetMaxConditionNumber() {
			monitoring.Logf("kernelfit: candidate %d solution has bad condition number %.3e", c.ID, cond)
			c.status = StatusBad
			return nil
		}
	}
	if err := solve(); err != nil {
		return err
	}

	if c.built {
		c.solnPCA = soln
	} else {
		c.solnOrig = soln
	}
	return nil
}

// Solution resolves a selector to a retained solution, with RECENT falling
// back from PCA to original.
func (c *Candidate) Solution(sel Selector) (CandidateSolution, error) {
	switch sel {
	case SelectOriginal:
		if c.solnOrig != nil {
			return c.solnOrig, nil
		}
		return nil, fmt.Errorf("%w: original kernel does not exist", ErrNotSolved)
	case SelectPCA:
		if c.solnPCA != nil {
			return c.solnPCA, nil
		}
		return nil, fmt.Errorf("%w: pca kernel does not exist", ErrNotSolved)
	case SelectRecent:
		if c.solnPCA != nil {
			return c.solnPCA, nil
		}
		if c.solnOrig != nil {
			return c.solnOrig, nil
		}
		return nil, fmt.Errorf("%w: no kernels exist", ErrNotSolved)
	default:
		return nil, fmt.Errorf("%w: selector %d", ErrInvalidArgument, sel)
	}
}

// Kernel returns the selected solution's fitted kernel.
func (c *Candidate) Kernel(sel Selector) (*pixel.LinearCombination, error) {
	s, err := c.Solution(sel)
	if err != nil {
		return nil, err
	}
	return s.Kernel()
}

// Background returns the selected solution's fitted background.
func (c *Candidate) Background(sel Selector) (float64, error) {
	s, err := c.Solution(sel)
	if err != nil {
		return 0, err
	}
	return s.Background()
}

// KSum returns the selected solution's kernel flux.
func (c *Candidate) KSum(sel Selector) (float64, error) {
	s, err := c.Solution(sel)
	if err != nil {
		return 0, err
	}
	return s.KSum()
}

// DifferenceImage convolves the template with the selected fitted kernel and
// subtracts it (and the background) from the science stamp.
func (c *Candidate) DifferenceImage(sel Selector) (pixel.MaskedGrid, error) {
	s, err := c.Solution(sel)
	if err != nil {
		return pixel.MaskedGrid{}, err
	}
	lc, err := s.Kernel()
	if err != nil {
		return pixel.MaskedGrid{}, err
	}
	bg, err := s.Background()
	if err != nil {
		return pixel.MaskedGrid{}, err
	}
	return pixel.ConvolveAndSubtract(c.Template, c.Science, lc.Render(), bg)
}
