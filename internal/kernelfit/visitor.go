package kernelfit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// CandidateVisitor is implemented by the per-candidate stages of the fitting
// driver. A returned error aborts the visit; data problems with a single
// candidate are recorded on the candidate instead.
type CandidateVisitor interface {
	ProcessCandidate(c *Candidate) error
}

// BuildSingleKernelVisitor fits each candidate it visits and judges the fit
// by the sigma-normalized residuals of the resulting difference image.
// Candidates that fail to build, produce undefined statistics, or exceed the
// residual limits are marked BAD; the rest GOOD.
type BuildSingleKernelVisitor struct {
	basis pixel.BasisSet
	hMat  *mat.Dense // nil disables regularization
	cfg   *config.FitConfig
	ids   *IDSource

	skipBuilt  bool
	nProcessed int
	nRejected  int
}

// NewBuildSingleKernelVisitor prepares a visitor for a first fitting pass;
// hMat may be nil when the basis needs no regularization.
func NewBuildSingleKernelVisitor(ids *IDSource, basis pixel.BasisSet, hMat *mat.Dense,
	cfg *config.FitConfig) *BuildSingleKernelVisitor {
	return &BuildSingleKernelVisitor{
		basis:     basis,
		hMat:      hMat,
		cfg:       cfg,
		ids:       ids,
		skipBuilt: true,
	}
}

// SetSkipBuilt controls whether already-fitted candidates are revisited.
// Clear it for re-fitting passes (PCA basis swap, re-judging after spatial
// rejection).
func (v *BuildSingleKernelVisitor) SetSkipBuilt(skip bool) { v.skipBuilt = skip }

// NProcessed returns the number of candidates fitted since the last Reset.
func (v *BuildSingleKernelVisitor) NProcessed() int { return v.nProcessed }

// NRejected returns the number of candidates marked BAD since the last Reset.
func (v *BuildSingleKernelVisitor) NRejected() int { return v.nRejected }

// Reset clears the processed and rejected counters for a new pass.
func (v *BuildSingleKernelVisitor) Reset() { v.nProcessed, v.nRejected = 0, 0 }

// ProcessCandidate fits one candidate. Build errors and residual-limit
// violations demote the candidate; only configuration defects are returned
// as errors.
func (v *BuildSingleKernelVisitor) ProcessCandidate(c *Candidate) error {
	if v.skipBuilt && c.IsBuilt() {
		return nil
	}
	v.nProcessed++
	monitoring.Logf("kernelfit: processing candidate %d at %.1f, %.1f", c.ID, c.X, c.Y)

	if err := c.Build(v.ids, v.basis, v.hMat, v.cfg); err != nil {
		if isConfigError(err) {
			return err
		}
		monitoring.Logf("kernelfit: unable to process candidate %d; exception caught: %v", c.ID, err)
		c.SetStatus(StatusBad)
		v.nRejected++
		return nil
	}
	if c.Status() == StatusBad {
		// condition number check failed inside the build
		v.nRejected++
		return nil
	}

	diffim, err := c.DifferenceImage(SelectRecent)
	if err != nil {
		monitoring.Logf("kernelfit: unable to difference candidate %d: %v", c.ID, err)
		c.SetStatus(StatusBad)
		v.nRejected++
		return nil
	}

	var stats pixel.Stats
	if v.cfg.GetUseCoreStats() {
		stats, err = pixel.ResidualStatsCore(diffim.Im, diffim.Var, v.cfg.GetCandidateCoreRadius())
	} else {
		stats, err = pixel.ResidualStats(diffim.Im, diffim.Var)
	}
	if err != nil || math.IsNaN(stats.Mean) || math.IsNaN(stats.RMS) {
		monitoring.Logf("kernelfit: candidate %d has undefined residuals, rejecting", c.ID)
		c.SetStatus(StatusBad)
		v.nRejected++
		return nil
	}

	if kSum, err := c.KSum(SelectRecent); err == nil {
		bg, _ := c.Background(SelectRecent)
		monitoring.Logf("kernelfit: candidate %d: ksum = %.3f, background = %.3f, mean = %.3f, rms = %.3f",
			c.ID, kSum, bg, stats.Mean, stats.RMS)
	}

	if !v.cfg.GetSingleKernelClipping() {
		c.SetStatus(StatusGood)
		return nil
	}
	switch {
	case math.Abs(stats.Mean) > v.cfg.GetCandidateResidualMeanMax():
		monitoring.Logf("kernelfit: candidate %d mean residual %.3f exceeds limit %.3f",
			c.ID, stats.Mean, v.cfg.GetCandidateResidualMeanMax())
		c.SetStatus(StatusBad)
		v.nRejected++
	case stats.RMS > v.cfg.GetCandidateResidualStdMax():
		monitoring.Logf("kernelfit: candidate %d residual rms %.3f exceeds limit %.3f",
			c.ID, stats.RMS, v.cfg.GetCandidateResidualStdMax())
		c.SetStatus(StatusBad)
		v.nRejected++
	default:
		c.SetStatus(StatusGood)
	}
	return nil
}

// KernelSumMode selects the KernelSumVisitor pass.
type KernelSumMode int

const (
	// KSumAggregate collects kernel fluxes from GOOD candidates.
	KSumAggregate KernelSumMode = iota
	// KSumReject demotes candidates whose flux is an outlier of the
	// aggregated distribution.
	KSumReject
)

// KernelSumVisitor rejects candidates whose kernel flux (photometric scaling)
// is inconsistent with the ensemble: run an aggregate pass over GOOD
// candidates, call ProcessKsumDistribution, then a reject pass.
type KernelSumVisitor struct {
	cfg  *config.FitConfig
	mode KernelSumMode

	kSums []float64

	kSumMean  float64
	kSumStd   float64
	dkSumMax  float64
	kSumNpts  int
	nRejected int
}

// NewKernelSumVisitor starts in aggregate mode.
func NewKernelSumVisitor(cfg *config.FitConfig) *KernelSumVisitor {
	return &KernelSumVisitor{cfg: cfg, mode: KSumAggregate}
}

// SetMode switches between the aggregate and reject passes.
func (v *KernelSumVisitor) SetMode(m KernelSumMode) { v.mode = m }

// Reset clears the aggregated distribution and counters.
func (v *KernelSumVisitor) Reset() {
	v.kSums = v.kSums[:0]
	v.kSumMean, v.kSumStd, v.dkSumMax = 0, 0, 0
	v.kSumNpts, v.nRejected = 0, 0
}

// NRejected returns the number of candidates demoted in reject passes.
func (v *KernelSumVisitor) NRejected() int { return v.nRejected }

// KSumMean returns the clipped mean kernel flux of the last aggregation.
func (v *KernelSumVisitor) KSumMean() float64 { return v.kSumMean }

// KSumStd returns the clipped standard deviation of the last aggregation.
func (v *KernelSumVisitor) KSumStd() float64 { return v.kSumStd }

// KSumNpts returns the number of fluxes aggregated.
func (v *KernelSumVisitor) KSumNpts() int { return v.kSumNpts }

// ProcessCandidate aggregates or rejects one candidate per the current mode.
func (v *KernelSumVisitor) ProcessCandidate(c *Candidate) error {
	switch v.mode {
	case KSumAggregate:
		if c.Status() != StatusGood {
			return nil
		}
		kSum, err := c.KSum(SelectRecent)
		if err != nil {
			return nil
		}
		v.kSums = append(v.kSums, kSum)
	case KSumReject:
		if c.Status() != StatusGood {
			return nil
		}
		kSum, err := c.KSum(SelectRecent)
		if err != nil {
			return nil
		}
		if math.Abs(kSum-v.kSumMean) > v.dkSumMax {
			monitoring.Logf("kernelfit: rejecting candidate %d; bad source kernel sum: %.3f (%.3f +/- %.3f)",
				c.ID, kSum, v.kSumMean, v.kSumStd)
			c.SetStatus(StatusBad)
			v.nRejected++
		}
	default:
		return fmt.Errorf("%w: kernel sum mode %d", ErrInvalidArgument, v.mode)
	}
	return nil
}

// ProcessKsumDistribution reduces the aggregated fluxes to a sigma-clipped
// mean and standard deviation and derives the rejection threshold. Must run
// between the aggregate and reject passes.
func (v *KernelSumVisitor) ProcessKsumDistribution() error {
	if len(v.kSums) == 0 {
		return fmt.Errorf("%w: no kernel sums aggregated", ErrInvalidInput)
	}
	if len(v.kSums) == 1 {
		monitoring.Logf("kernelfit: only one kernel candidate; standard deviation undefined")
		v.kSumMean, v.kSumStd = v.kSums[0], 0
	} else {
		v.kSumMean, v.kSumStd = clippedMeanStd(v.kSums, 3.0, 3)
	}
	v.kSumNpts = len(v.kSums)
	v.dkSumMax = v.cfg.GetMaxKsumSigma() * v.kSumStd
	monitoring.Logf("kernelfit: kernel sum: %.3f +/- %.3f from %d candidates",
		v.kSumMean, v.kSumStd, v.kSumNpts)
	return nil
}

// clippedMeanStd iteratively trims samples beyond nSigma of the running mean.
func clippedMeanStd(xs []float64, nSigma float64, iters int) (float64, float64) {
	work := append([]float64(nil), xs...)
	mean, std := meanStd(work)
	for it := 0; it < iters; it++ {
		if std == 0 {
			break
		}
		kept := work[:0]
		for _, x := range work {
			if math.Abs(x-mean) <= nSigma*std {
				kept = append(kept, x)
			}
		}
		if len(kept) == len(work) || len(kept) < 2 {
			break
		}
		work = kept
		mean, std = meanStd(work)
	}
	return mean, std
}

func meanStd(xs []float64) (float64, float64) {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// isConfigError reports whether err is a setup defect that should abort the
// visit rather than demote the candidate.
func isConfigError(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
