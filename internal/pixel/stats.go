package pixel

import (
	"fmt"
	"math"
)

// Stats summarizes per-pixel residuals in units of sigma.
type Stats struct {
	Mean float64
	RMS  float64
	N    int
}

// ResidualStats computes the mean and rms of diff/sqrt(variance) over the
// whole grid. NaN pixels and pixels with non-positive variance are skipped;
// an empty sample is an error.
func ResidualStats(diff, variance *Grid) (Stats, error) {
	return residualStats(diff, variance, diff.Bounds())
}

// ResidualStatsCore restricts the statistics to a square core of half-width
// coreRadius around the grid center. A core that extends past the grid edge
// is clipped to the grid.
func ResidualStatsCore(diff, variance *Grid, coreRadius int) (Stats, error) {
	cx, cy := diff.W/2, diff.H/2
	r := Region{X0: cx - coreRadius, Y0: cy - coreRadius, W: 2*coreRadius + 1, H: 2*coreRadius + 1}
	if r.X0 < 0 {
		r.W += r.X0
		r.X0 = 0
	}
	if r.Y0 < 0 {
		r.H += r.Y0
		r.Y0 = 0
	}
	if r.X0+r.W > diff.W {
		r.W = diff.W - r.X0
	}
	if r.Y0+r.H > diff.H {
		r.H = diff.H - r.Y0
	}
	return residualStats(diff, variance, r)
}

func residualStats(diff, variance *Grid, r Region) (Stats, error) {
	if variance.W != diff.W || variance.H != diff.H {
		return Stats{}, fmt.Errorf("pixel: variance %dx%d does not match diff %dx%d",
			variance.W, variance.H, diff.W, diff.H)
	}
	var sum, sumSq float64
	n := 0
	for y := r.Y0; y < r.Y0+r.H; y++ {
		for x := r.X0; x < r.X0+r.W; x++ {
			d := diff.At(x, y)
			v := variance.At(x, y)
			if math.IsNaN(d) || math.IsNaN(v) || v <= 0 {
				continue
			}
			s := d / math.Sqrt(v)
			sum += s
			sumSq += s * s
			n++
		}
	}
	if n == 0 {
		return Stats{}, fmt.Errorf("pixel: no usable pixels for statistics in %+v", r)
	}
	mean := sum / float64(n)
	variance2 := sumSq/float64(n) - mean*mean
	if variance2 < 0 {
		variance2 = 0
	}
	return Stats{Mean: mean, RMS: math.Sqrt(variance2), N: n}, nil
}
