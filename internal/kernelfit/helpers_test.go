package kernelfit

import (
	"math/rand"
	"testing"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/pixel"
)

func boolPtr(v bool) *bool        { return &v }
func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string  { return &v }

// trueKernel3 is the known 3x3 blurring kernel the synthetic science images
// are made with; its taps sum to one.
func trueKernel3() *pixel.Kernel {
	k := pixel.NewKernel(3, 3)
	copy(k.Coeffs, []float64{
		0.05, 0.10, 0.05,
		0.10, 0.40, 0.10,
		0.05, 0.10, 0.05,
	})
	return k
}

// testTemplate builds a deterministic pseudo-random template stamp.
func testTemplate(size int, seed int64) *pixel.Grid {
	rng := rand.New(rand.NewSource(seed))
	g := pixel.NewGrid(size, size)
	for i := range g.Pix {
		g.Pix[i] = 100.0 + 20.0*rng.Float64()
	}
	return g
}

// scienceFrom builds science = scale * (template (*) k) + background, with
// optional Gaussian noise of the given sigma.
func scienceFrom(t *testing.T, template *pixel.Grid, k *pixel.Kernel,
	scale, background, noiseSigma float64, seed int64) *pixel.Grid {
	t.Helper()
	conv := pixel.NewGrid(template.W, template.H)
	if _, err := k.Convolve(conv, template); err != nil {
		t.Fatalf("convolve failed: %v", err)
	}
	rng := rand.New(rand.NewSource(seed))
	sci := pixel.NewGrid(template.W, template.H)
	for i := range sci.Pix {
		sci.Pix[i] = scale*conv.Pix[i] + background
		if noiseSigma > 0 {
			sci.Pix[i] += rng.NormFloat64() * noiseSigma
		}
	}
	return sci
}

// unitVariance returns a variance grid of ones matching g.
func unitVariance(g *pixel.Grid) *pixel.Grid {
	v := pixel.NewGrid(g.W, g.H)
	v.Fill(1.0)
	return v
}

// makeTestCandidate builds a candidate whose science stamp is the template
// blurred by trueKernel3, scaled and offset.
func makeTestCandidate(t *testing.T, x, y float64, size int, scale, background,
	noiseSigma float64, seed int64, cfg *config.FitConfig) *Candidate {
	t.Helper()
	tmpl := testTemplate(size, seed)
	sci := scienceFrom(t, tmpl, trueKernel3(), scale, background, noiseSigma, seed+1000)
	return NewCandidate(x, y,
		pixel.MaskedGrid{Im: tmpl, Var: unitVariance(tmpl)},
		pixel.MaskedGrid{Im: sci, Var: unitVariance(sci)},
		cfg)
}
