package kernelfit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// FitResult is the outcome of a full spatial kernel fit.
type FitResult struct {
	Spatial *SpatialSolution
	Basis   pixel.BasisSet // the basis actually fitted (PCA basis when enabled)

	NIterations int
	NGood       int
	KSumMean    float64
	KSumStd     float64
}

// FitSpatialKernel runs the whole pipeline over a populated cell set: fit
// the best candidate of each cell, reject misfits by residuals and by
// kernel-flux consistency, iterate until no candidate is rejected (or
// maxIter passes), optionally re-fit against a PCA-compressed basis, then
// aggregate the survivors into one spatially-varying solution.
func FitSpatialKernel(cells *CellSet, basis pixel.BasisSet, hMat *mat.Dense,
	cfg *config.FitConfig, maxIter int) (*FitResult, error) {

	if len(basis) == 0 {
		return nil, fmt.Errorf("%w: empty basis", ErrInvalidInput)
	}
	if maxIter <= 0 {
		maxIter = 3
	}
	ids := &IDSource{}
	res := &FitResult{Basis: basis}

	buildV := NewBuildSingleKernelVisitor(ids, basis, hMat, cfg)
	ksumV := NewKernelSumVisitor(cfg)

	for iter := 0; iter < maxIter; iter++ {
		res.NIterations = iter + 1
		buildV.Reset()
		if err := cells.VisitCandidates(buildV); err != nil {
			return nil, err
		}

		ksumV.Reset()
		ksumV.SetMode(KSumAggregate)
		if err := cells.VisitCandidates(ksumV); err != nil {
			return nil, err
		}
		if err := ksumV.ProcessKsumDistribution(); err != nil {
			return nil, fmt.Errorf("no usable kernel candidates: %w", err)
		}
		ksumV.SetMode(KSumReject)
		if err := cells.VisitCandidates(ksumV); err != nil {
			return nil, err
		}

		nRejected := buildV.NRejected() + ksumV.NRejected()
		monitoring.Logf("kernelfit: iteration %d processed %d candidates, rejected %d",
			iter+1, buildV.NProcessed(), nRejected)
		if nRejected == 0 {
			break
		}
	}
	res.KSumMean, res.KSumStd = ksumV.KSumMean(), ksumV.KSumStd()

	fitBasis := basis
	if cfg.GetUsePcaForSpatialKernel() {
		pca := NewKernelPCA(basis[0].W, basis[0].H)
		if err := cells.VisitCandidates(pca); err != nil {
			return nil, err
		}
		if err := pca.SubtractMean(); err != nil {
			return nil, fmt.Errorf("pca basis derivation failed: %w", err)
		}
		pcaBasis, err := pca.Basis(cfg.GetNumPcaComponents())
		if err != nil {
			return nil, fmt.Errorf("pca basis derivation failed: %w", err)
		}
		monitoring.Logf("kernelfit: refitting %d candidates against %d pca kernels",
			pca.NImages(), len(pcaBasis))

		refitV := NewBuildSingleKernelVisitor(ids, pcaBasis, nil, cfg)
		refitV.SetSkipBuilt(false)
		if err := cells.VisitCandidates(refitV); err != nil {
			return nil, err
		}
		fitBasis = pcaBasis
		res.Basis = pcaBasis
	}

	spatial := NewSpatialSolution(ids, fitBasis, cfg.GetSpatialKernelOrder(), cfg.GetSpatialBgOrder(), cfg)
	agg := &spatialConstraintVisitor{spatial: spatial}
	if err := cells.VisitCandidates(agg); err != nil {
		return nil, err
	}
	if agg.n == 0 {
		return nil, fmt.Errorf("%w: no good candidates to constrain the spatial fit", ErrInvalidInput)
	}
	res.NGood = agg.n
	monitoring.Logf("kernelfit: solving spatial model from %d candidates", agg.n)

	if err := spatial.Solve(); err != nil {
		return nil, err
	}
	res.Spatial = spatial
	return res, nil
}

// spatialConstraintVisitor feeds the local normal equations of GOOD
// candidates into the global spatial system.
type spatialConstraintVisitor struct {
	spatial *SpatialSolution
	n       int
}

func (v *spatialConstraintVisitor) ProcessCandidate(c *Candidate) error {
	if c.Status() != StatusGood {
		return nil
	}
	sol, err := c.Solution(SelectRecent)
	if err != nil {
		return nil
	}
	if err := v.spatial.AddConstraint(c.X, c.Y, sol.M(), sol.B()); err != nil {
		return err
	}
	v.n++
	return nil
}
