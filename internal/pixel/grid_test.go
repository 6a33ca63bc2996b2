package pixel

import (
	"math"
	"testing"
)

func TestCropShiftsOrigin(t *testing.T) {
	g := NewGrid(10, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 10; x++ {
			g.Set(x, y, float64(y*10+x))
		}
	}
	sub, err := g.Crop(Region{X0: 2, Y0: 3, W: 4, H: 5})
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if sub.W != 4 || sub.H != 5 {
		t.Fatalf("cropped grid is %dx%d, want 4x5", sub.W, sub.H)
	}
	if sub.X0 != 2 || sub.Y0 != 3 {
		t.Errorf("cropped origin is (%d,%d), want (2,3)", sub.X0, sub.Y0)
	}
	if got := sub.At(0, 0); got != g.At(2, 3) {
		t.Errorf("sub.At(0,0) = %v, want %v", got, g.At(2, 3))
	}
	if got := sub.At(3, 4); got != g.At(5, 7) {
		t.Errorf("sub.At(3,4) = %v, want %v", got, g.At(5, 7))
	}
}

func TestCropNestedOriginAccumulates(t *testing.T) {
	g := NewGrid(20, 20)
	a, err := g.Crop(Region{X0: 5, Y0: 6, W: 10, H: 10})
	if err != nil {
		t.Fatalf("first crop failed: %v", err)
	}
	b, err := a.Crop(Region{X0: 2, Y0: 3, W: 4, H: 4})
	if err != nil {
		t.Fatalf("second crop failed: %v", err)
	}
	if b.X0 != 7 || b.Y0 != 9 {
		t.Errorf("nested crop origin is (%d,%d), want (7,9)", b.X0, b.Y0)
	}
}

func TestCropOutOfRange(t *testing.T) {
	g := NewGrid(5, 5)
	if _, err := g.Crop(Region{X0: 3, Y0: 3, W: 4, H: 4}); err == nil {
		t.Fatal("expected error cropping outside the grid")
	}
}

func TestFlattenRegionRowMajor(t *testing.T) {
	g := NewGrid(4, 3)
	for i := range g.Pix {
		g.Pix[i] = float64(i)
	}
	flat := g.FlattenRegion(Region{X0: 1, Y0: 1, W: 2, H: 2})
	want := []float64{5, 6, 9, 10}
	if len(flat) != len(want) {
		t.Fatalf("got %d values, want %d", len(flat), len(want))
	}
	for i := range want {
		if flat[i] != want[i] {
			t.Errorf("flat[%d] = %v, want %v", i, flat[i], want[i])
		}
	}
}

func TestMedian(t *testing.T) {
	g, err := NewGridFrom(5, 1, []float64{5, 1, 3, 2, 4})
	if err != nil {
		t.Fatal(err)
	}
	if got := g.Median(); got != 3 {
		t.Errorf("odd median = %v, want 3", got)
	}

	g2, _ := NewGridFrom(4, 1, []float64{4, 1, 3, 2})
	if got := g2.Median(); got != 2.5 {
		t.Errorf("even median = %v, want 2.5", got)
	}

	g3, _ := NewGridFrom(3, 1, []float64{math.NaN(), 2, 4})
	if got := g3.Median(); got != 3 {
		t.Errorf("median with NaN = %v, want 3", got)
	}
}

func TestMinPropagatesNaN(t *testing.T) {
	g, _ := NewGridFrom(3, 1, []float64{1, math.NaN(), 2})
	if got := g.Min(); !math.IsNaN(got) {
		t.Errorf("Min = %v, want NaN", got)
	}
}
