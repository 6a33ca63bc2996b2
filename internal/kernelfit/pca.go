package kernelfit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// KernelPCA collects the fitted kernel images of GOOD candidates and reduces
// them to a compact basis: the mean kernel followed by the leading principal
// components of the mean-subtracted ensemble. Refitting candidates against
// this basis trades per-candidate freedom for noise suppression before the
// spatial fit.
type KernelPCA struct {
	w, h   int
	images [][]float64
	mean   []float64
}

// NewKernelPCA prepares a collector for kernels of the given size.
func NewKernelPCA(w, h int) *KernelPCA {
	return &KernelPCA{w: w, h: h}
}

// NImages returns the number of kernel images aggregated so far.
func (p *KernelPCA) NImages() int { return len(p.images) }

// ProcessCandidate aggregates the kernel image of a GOOD candidate,
// normalized to unit flux so bright and faint candidates weigh equally.
func (p *KernelPCA) ProcessCandidate(c *Candidate) error {
	if c.Status() != StatusGood {
		return nil
	}
	s, err := c.Solution(SelectOriginal)
	if err != nil {
		return nil
	}
	img, err := s.KernelImage()
	if err != nil {
		return nil
	}
	if img.W != p.w || img.H != p.h {
		return fmt.Errorf("%w: kernel image is %dx%d, want %dx%d",
			ErrInvalidInput, img.W, img.H, p.w, p.h)
	}
	kSum, err := s.KSum()
	if err != nil || kSum == 0 {
		return nil
	}
	pix := make([]float64, len(img.Pix))
	for i, v := range img.Pix {
		pix[i] = v / kSum
	}
	p.images = append(p.images, pix)
	return nil
}

// SubtractMean computes and removes the ensemble mean, retaining it as the
// first element of any basis built afterwards.
func (p *KernelPCA) SubtractMean() error {
	if len(p.images) == 0 {
		return fmt.Errorf("%w: no kernel images aggregated", ErrInvalidInput)
	}
	n := p.w * p.h
	p.mean = make([]float64, n)
	for _, img := range p.images {
		for i, v := range img {
			p.mean[i] += v
		}
	}
	for i := range p.mean {
		p.mean[i] /= float64(len(p.images))
	}
	for _, img := range p.images {
		for i := range img {
			img[i] -= p.mean[i]
		}
	}
	return nil
}

// Basis returns the mean kernel plus up to nComponents principal components
// of the mean-subtracted ensemble, ordered by decreasing singular value.
// SubtractMean must have run first.
func (p *KernelPCA) Basis(nComponents int) (pixel.BasisSet, error) {
	if p.mean == nil {
		return nil, fmt.Errorf("%w: mean not yet subtracted", ErrInvalidInput)
	}
	if nComponents < 0 {
		return nil, fmt.Errorf("%w: nComponents must be non-negative", ErrInvalidArgument)
	}
	n := p.w * p.h
	data := mat.NewDense(len(p.images), n, nil)
	for i, img := range p.images {
		data.SetRow(i, img)
	}

	var svd mat.SVD
	if ok := svd.Factorize(data, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: svd of kernel ensemble failed", ErrSolveFailure)
	}
	var v mat.Dense
	svd.VTo(&v)
	vals := svd.Values(nil)

	avail := len(vals)
	if nComponents > avail {
		monitoring.Logf("kernelfit: only %d principal components available, %d requested", avail, nComponents)
		nComponents = avail
	}

	kernels := make([]*pixel.Kernel, 0, nComponents+1)
	meanK := pixel.NewKernel(p.w, p.h)
	copy(meanK.Coeffs, p.mean)
	kernels = append(kernels, meanK)
	for j := 0; j < nComponents; j++ {
		k := pixel.NewKernel(p.w, p.h)
		for i := 0; i < n; i++ {
			k.Coeffs[i] = v.At(i, j)
		}
		kernels = append(kernels, k)
		monitoring.Logf("kernelfit: pca component %d has singular value %.5e", j, vals[j])
	}
	return pixel.NewBasisSet(kernels...)
}
