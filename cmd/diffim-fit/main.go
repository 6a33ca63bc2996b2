// Command diffim-fit runs the full kernel fitting pipeline on a synthetic
// template/science image pair: select candidates over a cell grid, fit
// per-candidate kernels with rejection, aggregate the survivors into a
// spatially-varying solution, then persist diagnostics and write plots.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"

	"github.com/transientlab/diffim/internal/config"
	"github.com/transientlab/diffim/internal/fitdb"
	"github.com/transientlab/diffim/internal/kernelfit"
	"github.com/transientlab/diffim/internal/monitor"
	"github.com/transientlab/diffim/internal/pixel"
	"github.com/transientlab/diffim/internal/version"
	"gonum.org/v1/gonum/mat"
)

var (
	configPath  = flag.String("config", "", "Path to fit policy JSON (defaults apply when empty)")
	dbPath      = flag.String("db", "fit_diagnostics.db", "Path to the diagnostics database")
	plotDir     = flag.String("plots", "plots", "Base directory for diagnostic plots")
	seed        = flag.Int64("seed", 42, "Seed for the synthetic scene")
	imageSize   = flag.Int("image-size", 512, "Synthetic image width and height in pixels")
	kernelSize  = flag.Int("kernel-size", 19, "Kernel support width and height in taps")
	stampSize   = flag.Int("stamp-size", 64, "Candidate stamp width and height in pixels")
	cellSize    = flag.Int("cell-size", 128, "Spatial cell width and height in pixels")
	nSources    = flag.Int("sources", 40, "Number of synthetic point sources")
	maxIter     = flag.Int("max-iter", 3, "Maximum rejection iterations")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("diffim-fit %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		os.Exit(0)
	}

	cfg := &config.FitConfig{}
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFitConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	basis, hMat, err := makeBasis(cfg, *kernelSize)
	if err != nil {
		log.Fatalf("failed to build kernel basis: %v", err)
	}
	log.Printf("fitting with %d %s basis kernels", len(basis), cfg.GetKernelBasisSet())

	template, science, sources := makeScene(*imageSize, *seed, *nSources)

	cells, err := kernelfit.NewCellSet(template.Im.Bounds(), *cellSize, *cellSize)
	if err != nil {
		log.Fatalf("failed to build cell set: %v", err)
	}
	nInserted := 0
	for _, src := range sources {
		c, ok := makeCandidate(src, template, science, *stampSize, cfg)
		if !ok {
			continue
		}
		if err := cells.Insert(c); err != nil {
			log.Printf("skipping candidate at %.0f,%.0f: %v", src.x, src.y, err)
			continue
		}
		nInserted++
	}
	log.Printf("inserted %d candidates into %d cells", nInserted, cells.NCells())

	res, err := kernelfit.FitSpatialKernel(cells, basis, hMat, cfg, *maxIter)
	if err != nil {
		log.Fatalf("spatial kernel fit failed: %v", err)
	}
	log.Printf("fit converged after %d iteration(s) with %d good candidates; ksum %.3f +/- %.3f",
		res.NIterations, res.NGood, res.KSumMean, res.KSumStd)

	database, err := fitdb.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open diagnostics database: %v", err)
	}
	defer database.Close()

	runID, err := database.RecordRun(cfg, cfg.GetKernelBasisSet(),
		res.NIterations, res.NGood, res.KSumMean, res.KSumStd)
	if err != nil {
		log.Fatalf("failed to record run: %v", err)
	}
	records := recordCandidates(database, runID, cells, cfg)

	if err := writePlots(runID, res, records, cells); err != nil {
		log.Fatalf("failed to write plots: %v", err)
	}
	log.Printf("run %s complete", runID)
}

// makeBasis builds the configured basis and, for the delta-function basis,
// its smoothness penalty.
func makeBasis(cfg *config.FitConfig, k int) (pixel.BasisSet, *mat.Dense, error) {
	switch cfg.GetKernelBasisSet() {
	case "delta-function":
		return pixel.DeltaBasis(k, k), kernelfit.ForwardDiffMatrix(k, k), nil
	default:
		basis, err := pixel.AlardLuptonBasis(k, k,
			[]float64{0.7, 1.5, 3.0}, []int{4, 3, 2})
		if err != nil {
			return nil, nil, err
		}
		return basis, nil, nil
	}
}

type source struct {
	x, y float64
	flux float64
}

// makeScene synthesizes a template full of point sources and a science image
// that is the template blurred by a Gaussian whose width drifts across the
// frame, plus a background offset and noise.
func makeScene(size int, seed int64, nSources int) (pixel.MaskedGrid, pixel.MaskedGrid, []source) {
	rng := rand.New(rand.NewSource(seed))

	const sky = 100.0
	tIm := pixel.NewGrid(size, size)
	var sources []source
	for i := 0; i < nSources; i++ {
		s := source{
			x:    40 + rng.Float64()*float64(size-80),
			y:    40 + rng.Float64()*float64(size-80),
			flux: 5000 + rng.Float64()*20000,
		}
		sources = append(sources, s)
		addGaussianSource(tIm, s, 1.8)
	}

	// science = template blurred by a kernel whose sigma drifts with x
	sIm := pixel.NewGrid(size, size)
	for _, s := range sources {
		sigma := 2.0 + 0.6*(s.x/float64(size))
		addGaussianSource(sIm, s, sigma)
	}
	const background = 7.5
	for i := range sIm.Pix {
		sIm.Pix[i] += background
	}

	tVar := pixel.NewGrid(size, size)
	sVar := pixel.NewGrid(size, size)
	for i := range tIm.Pix {
		tVar.Pix[i] = sky + math.Abs(tIm.Pix[i])
		sVar.Pix[i] = sky + math.Abs(sIm.Pix[i])
		tIm.Pix[i] += rng.NormFloat64() * math.Sqrt(tVar.Pix[i])
		sIm.Pix[i] += rng.NormFloat64() * math.Sqrt(sVar.Pix[i])
	}

	return pixel.MaskedGrid{Im: tIm, Var: tVar}, pixel.MaskedGrid{Im: sIm, Var: sVar}, sources
}

// addGaussianSource accumulates a normalized 2-D Gaussian of the source flux.
func addGaussianSource(g *pixel.Grid, s source, sigma float64) {
	r := int(math.Ceil(5 * sigma))
	cx, cy := int(s.x), int(s.y)
	norm := s.flux / (2 * math.Pi * sigma * sigma)
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if x < g.X0 || y < g.Y0 || x >= g.X0+g.W || y >= g.Y0+g.H {
				continue
			}
			dx, dy := float64(x)-s.x, float64(y)-s.y
			v := norm * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			g.Set(x, y, g.At(x, y)+v)
		}
	}
}

// makeCandidate crops matching stamps around a source; sources too close to
// the frame edge are skipped.
func makeCandidate(s source, template, science pixel.MaskedGrid, stamp int,
	cfg *config.FitConfig) (*kernelfit.Candidate, bool) {

	half := stamp / 2
	box := pixel.Region{X0: int(s.x) - half, Y0: int(s.y) - half, W: stamp, H: stamp}
	bounds := template.Im.Bounds()
	if box.X0 < bounds.X0 || box.Y0 < bounds.Y0 ||
		box.X0+box.W > bounds.X0+bounds.W || box.Y0+box.H > bounds.Y0+bounds.H {
		return nil, false
	}
	tIm, err := template.Im.Crop(box)
	if err != nil {
		return nil, false
	}
	tVar, _ := template.Var.Crop(box)
	sIm, _ := science.Im.Crop(box)
	sVar, _ := science.Var.Crop(box)
	tStamp := pixel.MaskedGrid{Im: tIm, Var: tVar}
	sStamp := pixel.MaskedGrid{Im: sIm, Var: sVar}
	return kernelfit.NewCandidate(s.x, s.y, tStamp, sStamp, cfg), true
}

// recordCandidates persists per-candidate outcomes and returns them for
// plotting.
func recordCandidates(database *fitdb.DB, runID string, cells *kernelfit.CellSet,
	cfg *config.FitConfig) []fitdb.CandidateRecord {

	var records []fitdb.CandidateRecord
	for _, c := range cells.Candidates() {
		rec := fitdb.CandidateRecord{
			RunID:       runID,
			CandidateID: c.ID,
			X:           c.X,
			Y:           c.Y,
			Status:      c.Status().String(),
		}
		if sol, err := c.Solution(kernelfit.SelectRecent); err == nil {
			rec.SolvedBy = sol.SolvedBy().String()
			if v, err := sol.KSum(); err == nil {
				rec.KSum = v
			}
			if v, err := sol.Background(); err == nil {
				rec.Background = v
			}
			if v, err := sol.ConditionNumber(kernelfit.CondEigenvalue); err == nil {
				rec.ConditionNumber = v
			}
			if diffim, err := c.DifferenceImage(kernelfit.SelectRecent); err == nil {
				if stats, err := pixel.ResidualStats(diffim.Im, diffim.Var); err == nil {
					rec.ResidualMean = stats.Mean
					rec.ResidualRMS = stats.RMS
					rec.ResidualN = int64(stats.N)
				}
			}
		}
		if err := database.RecordCandidate(rec); err != nil {
			log.Printf("failed to record candidate %d: %v", c.ID, err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func writePlots(runID string, res *kernelfit.FitResult, records []fitdb.CandidateRecord,
	cells *kernelfit.CellSet) error {

	fp, err := monitor.NewFitPlotter(monitor.MakePlotOutputDir(*plotDir, runID))
	if err != nil {
		return err
	}
	if err := fp.ResidualScatter(records); err != nil {
		return err
	}

	for _, pos := range []struct {
		name string
		x, y float64
	}{
		{"kernel_origin", 0, 0},
		{"kernel_center", float64(*imageSize) / 2, float64(*imageSize) / 2},
		{"kernel_far_corner", float64(*imageSize), float64(*imageSize)},
	} {
		k, err := res.Spatial.KernelAt(pos.x, pos.y)
		if err != nil {
			return err
		}
		if err := fp.KernelHeatmap(pos.name, k.ToGrid()); err != nil {
			return err
		}
	}

	// risk curve, when a regularized candidate solution is around
	for _, c := range cells.Candidates() {
		if c.Status() != kernelfit.StatusGood {
			continue
		}
		sol, err := c.Solution(kernelfit.SelectRecent)
		if err != nil {
			continue
		}
		reg, ok := sol.(*kernelfit.RegularizedSolution)
		if !ok {
			break
		}
		lambdas, risks, err := reg.RiskCurve(1e7)
		if err != nil {
			if errors.Is(err, kernelfit.ErrInvalidArgument) {
				return err
			}
			log.Printf("skipping risk curve: %v", err)
			break
		}
		if err := fp.RiskCurve(lambdas, risks); err != nil {
			return err
		}
		break
	}

	log.Printf("plots written to %s", fp.OutputDir())
	return nil
}
