package search

import (
	"math/rand"

	"github.com/evalforge/evalforge/internal/domain"
)

// Random draws n distinct combos from the grid's combo set without
// replacement. When n is at least the grid size it degrades to the full
// grid, still without duplicates.
type Random struct {
	space domain.SearchSpace
	pts   [][]float64
	order []int
	idx   int
}

// NewRandom creates a random strategy drawing n samples with the given seed
func NewRandom(space domain.SearchSpace, n int, seed int64) *Random {
	size := space.Size()
	r := rand.New(rand.NewSource(seed))

	order := r.Perm(size)
	if n > 0 && n < size {
		order = order[:n]
	}

	return &Random{
		space: space,
		pts:   axisPoints(space),
		order: order,
	}
}

// Size returns the number of combos this strategy will yield
func (r *Random) Size() int {
	return len(r.order)
}

// Next implements Strategy
func (r *Random) Next() (Combo, bool) {
	if r.idx >= len(r.order) {
		return nil, false
	}
	c := comboAt(r.space, r.pts, r.order[r.idx])
	r.idx++
	return c, true
}

// Observe implements Strategy; random sampling ignores scores
func (r *Random) Observe(Combo, float64) {}
