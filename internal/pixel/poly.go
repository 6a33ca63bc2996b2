package pixel

import "fmt"

// Poly2D is a 2-D polynomial of given total degree over image position, used
// as the spatial basis for kernel and background coefficients. Terms are
// ordered by total degree, then by descending x power within a degree:
// 1, x, y, x^2, xy, y^2, ...
type Poly2D struct {
	Degree int
	Coeffs []float64
}

// PolyNTerms returns the number of terms of a 2-D polynomial of the given
// total degree: (d+1)(d+2)/2.
func PolyNTerms(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

// NewPoly2D allocates a polynomial of the given degree with zero
// coefficients.
func NewPoly2D(degree int) *Poly2D {
	return &Poly2D{Degree: degree, Coeffs: make([]float64, PolyNTerms(degree))}
}

// SetCoeffs replaces the polynomial coefficients.
func (p *Poly2D) SetCoeffs(c []float64) error {
	if len(c) != len(p.Coeffs) {
		return fmt.Errorf("pixel: %d coefficients for degree-%d poly (want %d)",
			len(c), p.Degree, len(p.Coeffs))
	}
	copy(p.Coeffs, c)
	return nil
}

// TermValues evaluates every basis term at (x, y) in term order.
func (p *Poly2D) TermValues(x, y float64) []float64 {
	out := make([]float64, 0, len(p.Coeffs))
	for deg := 0; deg <= p.Degree; deg++ {
		for yPow := 0; yPow <= deg; yPow++ {
			xPow := deg - yPow
			out = append(out, powInt(x, xPow)*powInt(y, yPow))
		}
	}
	return out
}

// Eval evaluates the polynomial at (x, y).
func (p *Poly2D) Eval(x, y float64) float64 {
	acc := 0.0
	i := 0
	for deg := 0; deg <= p.Degree; deg++ {
		for yPow := 0; yPow <= deg; yPow++ {
			xPow := deg - yPow
			acc += p.Coeffs[i] * powInt(x, xPow) * powInt(y, yPow)
			i++
		}
	}
	return acc
}

func powInt(v float64, n int) float64 {
	out := 1.0
	for ; n > 0; n-- {
		out *= v
	}
	return out
}
