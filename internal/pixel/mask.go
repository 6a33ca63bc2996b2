package pixel

// Mask planes. A pixel with any plane set under the caller's chosen bitmask
// is excluded from fitting.
const (
	MaskBad uint16 = 1 << iota
	MaskSat
	MaskNoData
	MaskEdge
)

// FitExclusionBits is the default bitmask of planes that exclude a pixel
// from kernel fitting.
const FitExclusionBits = MaskBad | MaskSat | MaskNoData | MaskEdge

// Mask is a 2-D grid of bit-plane flags with the same origin convention as
// Grid.
type Mask struct {
	W, H   int
	X0, Y0 int
	Bits   []uint16
}

// NewMask allocates a cleared w x h mask.
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]uint16, w*h)}
}

// At returns the planes set at local pixel (x, y).
func (m *Mask) At(x, y int) uint16 { return m.Bits[y*m.W+x] }

// Set ors the given planes into local pixel (x, y).
func (m *Mask) Set(x, y int, planes uint16) { m.Bits[y*m.W+x] |= planes }

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := &Mask{W: m.W, H: m.H, X0: m.X0, Y0: m.Y0, Bits: make([]uint16, len(m.Bits))}
	copy(out.Bits, m.Bits)
	return out
}

// Excluded reports whether local pixel (x, y) carries any plane in bitmask.
func (m *Mask) Excluded(x, y int, bitmask uint16) bool {
	return m.Bits[y*m.W+x]&bitmask != 0
}

// CountExcluded returns the number of pixels in region r carrying any plane
// in bitmask.
func (m *Mask) CountExcluded(r Region, bitmask uint16) int {
	n := 0
	for y := r.Y0; y < r.Y0+r.H; y++ {
		for x := r.X0; x < r.X0+r.W; x++ {
			if m.Bits[y*m.W+x]&bitmask != 0 {
				n++
			}
		}
	}
	return n
}

// GrowMask returns a new mask in which every pixel within Chebyshev distance
// radius of a pixel carrying a plane in bitmask has MaskBad set. This is the
// "spreading" preprocessing step applied before masked fitting, so pixels
// whose convolved values are contaminated by a bad neighbour are excluded
// too. The input mask is not modified.
func GrowMask(m *Mask, radius int, bitmask uint16) *Mask {
	out := NewMask(m.W, m.H)
	out.X0, out.Y0 = m.X0, m.Y0
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.Bits[y*m.W+x]&bitmask == 0 {
				continue
			}
			for dy := -radius; dy <= radius; dy++ {
				yy := y + dy
				if yy < 0 || yy >= m.H {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					xx := x + dx
					if xx < 0 || xx >= m.W {
						continue
					}
					out.Bits[yy*m.W+xx] |= MaskBad
				}
			}
		}
	}
	return out
}
