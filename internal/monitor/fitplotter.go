// Package monitor renders fit diagnostics to PNG files: residual quality
// over the candidate grid, the lambda-risk curve of a regularized solve, and
// kernel images as heatmaps.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/transientlab/diffim/internal/fitdb"
	"github.com/transientlab/diffim/internal/pixel"
	"github.com/transientlab/diffim/internal/security"
)

// FitPlotter writes diagnostic plots for one fit run into an output
// directory.
type FitPlotter struct {
	outputDir string
}

// NewFitPlotter creates the output directory if needed.
func NewFitPlotter(outputDir string) (*FitPlotter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &FitPlotter{outputDir: outputDir}, nil
}

// OutputDir returns the directory plots are written to.
func (fp *FitPlotter) OutputDir() string { return fp.outputDir }

// ResidualScatter plots candidate positions, marking accepted and rejected
// candidates separately, and a second panel of residual mean against rms.
func (fp *FitPlotter) ResidualScatter(recs []fitdb.CandidateRecord) error {
	pPos := plot.New()
	pPos.Title.Text = "Kernel Candidates"
	pPos.X.Label.Text = "x (pixels)"
	pPos.Y.Label.Text = "y (pixels)"

	var good, bad plotter.XYs
	for _, r := range recs {
		pt := plotter.XY{X: r.X, Y: r.Y}
		if r.Status == "GOOD" {
			good = append(good, pt)
		} else {
			bad = append(bad, pt)
		}
	}
	if len(good) > 0 {
		s, err := plotter.NewScatter(good)
		if err != nil {
			return err
		}
		pPos.Add(s)
		pPos.Legend.Add("good", s)
	}
	if len(bad) > 0 {
		s, err := plotter.NewScatter(bad)
		if err != nil {
			return err
		}
		s.GlyphStyle.Shape = draw.PyramidGlyph{}
		pPos.Add(s)
		pPos.Legend.Add("rejected", s)
	}
	pPos.Legend.Top = true
	if err := pPos.Save(8*vg.Inch, 8*vg.Inch, filepath.Join(fp.outputDir, "candidate_positions.png")); err != nil {
		return fmt.Errorf("save candidate positions plot: %w", err)
	}

	pRes := plot.New()
	pRes.Title.Text = "Candidate Residuals"
	pRes.X.Label.Text = "residual mean (sigma)"
	pRes.Y.Label.Text = "residual rms (sigma)"

	var resPts plotter.XYs
	for _, r := range recs {
		resPts = append(resPts, plotter.XY{X: r.ResidualMean, Y: r.ResidualRMS})
	}
	if len(resPts) > 0 {
		s, err := plotter.NewScatter(resPts)
		if err != nil {
			return err
		}
		pRes.Add(s)
	}
	if err := pRes.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(fp.outputDir, "candidate_residuals.png")); err != nil {
		return fmt.Errorf("save residuals plot: %w", err)
	}
	return nil
}

// RiskCurve plots the regularization risk scan.
func (fp *FitPlotter) RiskCurve(lambdas, risks []float64) error {
	if len(lambdas) != len(risks) {
		return fmt.Errorf("lambda and risk lengths differ: %d vs %d", len(lambdas), len(risks))
	}
	p := plot.New()
	p.Title.Text = "Regularization Risk"
	p.X.Label.Text = "lambda"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{}
	p.Y.Label.Text = "risk estimate"

	pts := make(plotter.XYs, 0, len(lambdas))
	for i := range lambdas {
		if lambdas[i] <= 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: lambdas[i], Y: risks[i]})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	file := filepath.Join(fp.outputDir, "risk_curve.png")
	if err := p.Save(10*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save risk curve: %w", err)
	}
	return nil
}

// KernelHeatmap renders a kernel image as a heatmap under the given name.
func (fp *FitPlotter) KernelHeatmap(name string, img *pixel.Grid) error {
	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "x (taps)"
	p.Y.Label.Text = "y (taps)"

	hm := plotter.NewHeatMap(gridXYZ{img}, palette.Heat(64, 1))
	p.Add(hm)

	file := filepath.Join(fp.outputDir, security.SanitizeFilename(name)+".png")
	if err := p.Save(6*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save kernel heatmap: %w", err)
	}
	return nil
}

// gridXYZ adapts a pixel.Grid to the plotter heatmap data interface.
type gridXYZ struct {
	g *pixel.Grid
}

func (a gridXYZ) Dims() (int, int)   { return a.g.W, a.g.H }
func (a gridXYZ) Z(c, r int) float64 { return a.g.At(c, r) }
func (a gridXYZ) X(c int) float64    { return float64(c) }
func (a gridXYZ) Y(r int) float64    { return float64(r) }

// MakePlotOutputDir returns a timestamped subdirectory for one run's plots.
func MakePlotOutputDir(baseDir, runID string) string {
	ts := time.Now().Format("20060102_150405")
	if runID != "" {
		return filepath.Join(baseDir, security.SanitizeFilename(runID), ts)
	}
	return filepath.Join(baseDir, ts)
}
