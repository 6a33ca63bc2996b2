package kernelfit

import (
	"fmt"
	"sort"

	"github.com/transientlab/diffim/internal/monitoring"
	"github.com/transientlab/diffim/internal/pixel"
)

// CellSet partitions the image frame into a fixed grid of cells and holds
// each cell's candidates ordered by rating. Visits see at most the single
// best non-BAD candidate per cell, which keeps the spatial fit's constraints
// spread across the frame instead of clustered on the brightest region.
type CellSet struct {
	bounds       pixel.Region
	cellW, cellH int
	nx, ny       int
	cells        [][]*Candidate
	nextID       int64
}

// NewCellSet grids bounds into cells of cellW x cellH pixels; partial cells
// at the high edges are kept.
func NewCellSet(bounds pixel.Region, cellW, cellH int) (*CellSet, error) {
	if cellW <= 0 || cellH <= 0 {
		return nil, fmt.Errorf("%w: cell size %dx%d", ErrInvalidArgument, cellW, cellH)
	}
	if bounds.W <= 0 || bounds.H <= 0 {
		return nil, fmt.Errorf("%w: bounds %+v", ErrInvalidArgument, bounds)
	}
	nx := (bounds.W + cellW - 1) / cellW
	ny := (bounds.H + cellH - 1) / cellH
	return &CellSet{
		bounds: bounds,
		cellW:  cellW,
		cellH:  cellH,
		nx:     nx,
		ny:     ny,
		cells:  make([][]*Candidate, nx*ny),
	}, nil
}

// NCells returns the number of cells in the grid.
func (cs *CellSet) NCells() int { return cs.nx * cs.ny }

// Insert assigns the candidate an id, places it in the cell containing its
// center and keeps the cell sorted by descending rating.
func (cs *CellSet) Insert(c *Candidate) error {
	x, y := int(c.X), int(c.Y)
	if !cs.bounds.Contains(x, y) {
		return fmt.Errorf("%w: candidate at %.1f, %.1f outside bounds %+v",
			ErrInvalidInput, c.X, c.Y, cs.bounds)
	}
	cs.nextID++
	c.ID = cs.nextID
	i := (y-cs.bounds.Y0)/cs.cellH*cs.nx + (x-cs.bounds.X0)/cs.cellW
	cs.cells[i] = append(cs.cells[i], c)
	sort.SliceStable(cs.cells[i], func(a, b int) bool {
		return cs.cells[i][a].Rating() > cs.cells[i][b].Rating()
	})
	return nil
}

// VisitCandidates shows each cell's best non-BAD candidate to the visitor.
// Cells whose candidates are all BAD (or that are empty) are skipped.
func (cs *CellSet) VisitCandidates(v CandidateVisitor) error {
	for i, cell := range cs.cells {
		visited := false
		for _, c := range cell {
			if c.Status() == StatusBad {
				continue
			}
			if err := v.ProcessCandidate(c); err != nil {
				return err
			}
			visited = true
			break
		}
		if !visited && len(cell) > 0 {
			monitoring.Logf("kernelfit: cell %d has no usable candidates", i)
		}
	}
	return nil
}

// VisitAllCandidates shows every candidate, regardless of status, to the
// visitor. Used for re-judging passes.
func (cs *CellSet) VisitAllCandidates(v CandidateVisitor) error {
	for _, cell := range cs.cells {
		for _, c := range cell {
			if err := v.ProcessCandidate(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Candidates returns all candidates in cell-major, rating order.
func (cs *CellSet) Candidates() []*Candidate {
	var out []*Candidate
	for _, cell := range cs.cells {
		out = append(out, cell...)
	}
	return out
}
