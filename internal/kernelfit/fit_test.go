package kernelfit

import (
	"errors"
	"math"
	"testing"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/pixel"
)

// populatedCells seeds a 3x3 cell grid with one candidate per cell, each a
// noisy stamp blurred by the same true kernel with a flat background.
func populatedCells(t *testing.T, cfg *config.FitConfig, background, noiseSigma float64) *CellSet {
	t.Helper()
	cells, err := NewCellSet(pixel.Region{X0: 0, Y0: 0, W: 300, H: 300}, 100, 100)
	if err != nil {
		t.Fatalf("NewCellSet failed: %v", err)
	}
	seed := int64(400)
	for _, y := range []float64{50, 150, 250} {
		for _, x := range []float64{50, 150, 250} {
			seed++
			c := makeTestCandidate(t, x, y, 24, 1.0, background, noiseSigma, seed, cfg)
			if err := cells.Insert(c); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
	}
	return cells
}

func TestFitSpatialKernelRecoversModel(t *testing.T) {
	cfg := &config.FitConfig{
		KernelBasisSet:     stringPtr("delta-function"),
		SpatialKernelOrder: intPtr(1),
		SpatialBgOrder:     intPtr(0),
		MaxKsumSigma:       floatPtr(100),
	}
	cells := populatedCells(t, cfg, 2.0, 0.5)

	res, err := FitSpatialKernel(cells, pixel.DeltaBasis(3, 3), nil, cfg, 3)
	if err != nil {
		t.Fatalf("FitSpatialKernel failed: %v", err)
	}
	if res.Spatial == nil {
		t.Fatal("result carries no spatial solution")
	}
	if res.NGood != 9 {
		t.Errorf("NGood = %d, want 9", res.NGood)
	}
	if res.NIterations < 1 {
		t.Errorf("NIterations = %d, want at least 1", res.NIterations)
	}
	if math.Abs(res.KSumMean-1.0) > 0.05 {
		t.Errorf("KSumMean = %v, want ~1", res.KSumMean)
	}

	truth := trueKernel3()
	for _, pos := range [][2]float64{{50, 50}, {150, 150}, {250, 250}} {
		k, err := res.Spatial.KernelAt(pos[0], pos[1])
		if err != nil {
			t.Fatalf("KernelAt(%v,%v) failed: %v", pos[0], pos[1], err)
		}
		for i, want := range truth.Coeffs {
			if math.Abs(k.Coeffs[i]-want) > 0.05 {
				t.Errorf("kernel at %v,%v tap %d = %v, want %v",
					pos[0], pos[1], i, k.Coeffs[i], want)
			}
		}
		bg, err := res.Spatial.BackgroundAt(pos[0], pos[1])
		if err != nil {
			t.Fatalf("BackgroundAt failed: %v", err)
		}
		if math.Abs(bg-2.0) > 0.3 {
			t.Errorf("background at %v,%v = %v, want ~2", pos[0], pos[1], bg)
		}
	}
}

func TestFitSpatialKernelWithPcaRefit(t *testing.T) {
	cfg := &config.FitConfig{
		KernelBasisSet:         stringPtr("delta-function"),
		UsePcaForSpatialKernel: boolPtr(true),
		NumPcaComponents:       intPtr(2),
		SpatialKernelOrder:     intPtr(1),
		SpatialBgOrder:         intPtr(0),
		MaxKsumSigma:           floatPtr(100),
	}
	cells := populatedCells(t, cfg, 0, 0.2)

	res, err := FitSpatialKernel(cells, pixel.DeltaBasis(3, 3), nil, cfg, 3)
	if err != nil {
		t.Fatalf("FitSpatialKernel failed: %v", err)
	}
	if len(res.Basis) != 3 {
		t.Errorf("fitted basis has %d kernels, want mean plus 2 components", len(res.Basis))
	}
	if !res.Spatial.ConstantFirstTerm() {
		t.Error("pca refit should hold the first term spatially constant")
	}
	kSum, err := res.Spatial.KSum()
	if err != nil {
		t.Fatalf("KSum failed: %v", err)
	}
	if math.Abs(kSum-1.0) > 0.1 {
		t.Errorf("model kSum = %v, want ~1", kSum)
	}
	// the re-fit replaced each candidate's recent solution
	for _, c := range cells.Candidates() {
		if c.Status() != StatusGood {
			continue
		}
		if _, err := c.Solution(SelectPCA); err != nil {
			t.Errorf("candidate %d has no pca solution: %v", c.ID, err)
		}
	}
}

func TestFitSpatialKernelEmptyBasis(t *testing.T) {
	cfg := &config.FitConfig{}
	cells := populatedCells(t, cfg, 0, 0)
	if _, err := FitSpatialKernel(cells, nil, nil, cfg, 3); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestFitSpatialKernelNoCandidates(t *testing.T) {
	cfg := &config.FitConfig{}
	cells, err := NewCellSet(pixel.Region{X0: 0, Y0: 0, W: 100, H: 100}, 50, 50)
	if err != nil {
		t.Fatalf("NewCellSet failed: %v", err)
	}
	if _, err := FitSpatialKernel(cells, pixel.DeltaBasis(3, 3), nil, cfg, 3); err == nil {
		t.Fatal("expected an error with no candidates")
	}
}
