// Package search generates parameter combinations for tuning jobs. It
// provides three strategies (grid, random, Bayesian) behind a common
// interface, plus the compatibility filter applied before a combo is
// dispatched to a model target.
package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/evalforge/evalforge/internal/domain"
)

// Combo is one concrete assignment of a value to every axis
type Combo map[string]float64

// Strategy produces a sequence of combos to evaluate. Next returns
// false when the strategy is exhausted. Observe feeds a completed
// trial's score back; grid and random ignore it.
type Strategy interface {
	Next() (Combo, bool)
	Observe(c Combo, score float64)
}

// axisPoints caches the discretized value sets for a space
func axisPoints(space domain.SearchSpace) [][]float64 {
	pts := make([][]float64, len(space.Axes))
	for i, a := range space.Axes {
		pts[i] = a.Points()
	}
	return pts
}

// comboAt decodes the idx-th combination of the grid enumeration:
// axis declaration order, values ascending, last axis fastest.
func comboAt(space domain.SearchSpace, pts [][]float64, idx int) Combo {
	c := make(Combo, len(space.Axes))
	for i := len(space.Axes) - 1; i >= 0; i-- {
		n := len(pts[i])
		c[space.Axes[i].Name] = pts[i][idx%n]
		idx /= n
	}
	return c
}

// comboKey renders a combo as a canonical string in axis order
func comboKey(space domain.SearchSpace, c Combo) string {
	var b strings.Builder
	for i, a := range space.Axes {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.FormatFloat(c[a.Name], 'g', -1, 64))
	}
	return b.String()
}

// normalize maps a combo into [0,1]^d using each axis's bounds
func normalize(space domain.SearchSpace, c Combo) []float64 {
	x := make([]float64, len(space.Axes))
	for i, a := range space.Axes {
		lo, hi := a.Bounds()
		if hi > lo {
			x[i] = (c[a.Name] - lo) / (hi - lo)
		}
	}
	return x
}

// ApplyProfile filters a combo against a target's declared supported
// parameters. Unsupported parameters are dropped, out-of-range values
// clamped to the nearest bound. Every change is recorded.
func ApplyProfile(c Combo, p *domain.TargetProfile) (Combo, []domain.Adjustment) {
	if p == nil {
		return c, nil
	}

	effective := make(Combo, len(c))
	var adjustments []domain.Adjustment

	for name, v := range c {
		r, ok := p.Supported[name]
		if !ok {
			adjustments = append(adjustments, domain.Adjustment{
				Param: name,
				Kind:  domain.AdjustDropped,
				From:  v,
			})
			continue
		}
		if r != nil && v < r.Min {
			adjustments = append(adjustments, domain.Adjustment{
				Param: name, Kind: domain.AdjustClamped, From: v, To: r.Min,
			})
			effective[name] = r.Min
			continue
		}
		if r != nil && v > r.Max {
			adjustments = append(adjustments, domain.Adjustment{
				Param: name, Kind: domain.AdjustClamped, From: v, To: r.Max,
			})
			effective[name] = r.Max
			continue
		}
		effective[name] = v
	}

	return effective, adjustments
}

// New constructs the strategy named by kind
func New(kind string, space domain.SearchSpace, opts Options) (Strategy, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	switch kind {
	case "grid", "":
		return NewGrid(space), nil
	case "random":
		return NewRandom(space, opts.NSamples, opts.Seed), nil
	case "bayes", "bayesian":
		return NewBayes(space, opts), nil
	}
	return nil, fmt.Errorf("unknown search strategy %q", kind)
}

// Options carries strategy-specific knobs
type Options struct {
	NSamples   int
	MaxTrials  int
	Seed       int64
	Candidates int
}
