package pixel

import (
	"math"
	"testing"
)

func TestPolyNTerms(t *testing.T) {
	for _, tc := range []struct{ degree, want int }{
		{0, 1}, {1, 3}, {2, 6}, {3, 10},
	} {
		if got := PolyNTerms(tc.degree); got != tc.want {
			t.Errorf("PolyNTerms(%d) = %d, want %d", tc.degree, got, tc.want)
		}
	}
}

func TestTermValuesOrder(t *testing.T) {
	p := NewPoly2D(2)
	got := p.TermValues(2, 3)
	// 1, x, y, x^2, xy, y^2
	want := []float64{1, 2, 3, 4, 6, 9}
	if len(got) != len(want) {
		t.Fatalf("got %d terms, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPolyEval(t *testing.T) {
	p := NewPoly2D(2)
	// f = 1 + 2x + 3y + 4x^2 + 5xy + 6y^2
	if err := p.SetCoeffs([]float64{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("SetCoeffs failed: %v", err)
	}
	got := p.Eval(2, -1)
	want := 1.0 + 4 - 3 + 16 - 10 + 6
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Eval(2,-1) = %v, want %v", got, want)
	}
}

func TestPolySetCoeffsWrongLength(t *testing.T) {
	p := NewPoly2D(1)
	if err := p.SetCoeffs([]float64{1, 2}); err == nil {
		t.Fatal("expected error for wrong coefficient count")
	}
}
