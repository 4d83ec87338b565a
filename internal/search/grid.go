package search

import "github.com/evalforge/evalforge/internal/domain"

// Grid enumerates the full cartesian product of the discretized axes in
// a fixed deterministic order. Re-running produces the identical
// sequence.
type Grid struct {
	space domain.SearchSpace
	pts   [][]float64
	size  int
	idx   int
}

// NewGrid creates a grid strategy over the given space
func NewGrid(space domain.SearchSpace) *Grid {
	return &Grid{
		space: space,
		pts:   axisPoints(space),
		size:  space.Size(),
	}
}

// Size returns the total number of combinations
func (g *Grid) Size() int {
	return g.size
}

// Next implements Strategy
func (g *Grid) Next() (Combo, bool) {
	if g.idx >= g.size {
		return nil, false
	}
	c := comboAt(g.space, g.pts, g.idx)
	g.idx++
	return c, true
}

// Observe implements Strategy; grid ignores scores
func (g *Grid) Observe(Combo, float64) {}
