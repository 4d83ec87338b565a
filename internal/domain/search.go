package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// AxisKind distinguishes continuous from discrete parameter axes
type AxisKind string

const (
	AxisContinuous AxisKind = "continuous"
	AxisDiscrete   AxisKind = "discrete"
)

// Axis is one tunable parameter dimension of a search space
type Axis struct {
	Name   string    `json:"name" yaml:"name"`
	Kind   AxisKind  `json:"kind" yaml:"kind"`
	Min    float64   `json:"min,omitempty" yaml:"min,omitempty"`
	Max    float64   `json:"max,omitempty" yaml:"max,omitempty"`
	Step   float64   `json:"step,omitempty" yaml:"step,omitempty"`
	Values []float64 `json:"values,omitempty" yaml:"values,omitempty"`
}

// Points returns the finite value set for the axis in ascending order.
// Continuous axes are discretized as floor((max-min)/step)+1 points.
func (a Axis) Points() []float64 {
	if a.Kind == AxisDiscrete {
		pts := make([]float64, len(a.Values))
		copy(pts, a.Values)
		sort.Float64s(pts)
		return pts
	}
	if a.Step <= 0 || a.Max < a.Min {
		return nil
	}
	n := int(math.Floor((a.Max-a.Min)/a.Step)) + 1
	pts := make([]float64, n)
	for i := range pts {
		pts[i] = a.Min + float64(i)*a.Step
	}
	return pts
}

// Bounds returns the lowest and highest point of the axis
func (a Axis) Bounds() (lo, hi float64) {
	pts := a.Points()
	if len(pts) == 0 {
		return 0, 0
	}
	return pts[0], pts[len(pts)-1]
}

// SearchSpace is an ordered list of parameter axes
type SearchSpace struct {
	Axes []Axis `json:"axes" yaml:"axes"`
}

// Validate checks that every axis resolves to a finite, non-empty value
// set and that the space as a whole is non-empty.
func (s SearchSpace) Validate() error {
	if len(s.Axes) == 0 {
		return fmt.Errorf("search space has no axes")
	}
	seen := make(map[string]bool, len(s.Axes))
	for _, a := range s.Axes {
		if a.Name == "" {
			return fmt.Errorf("axis with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate axis %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Points()) == 0 {
			return fmt.Errorf("axis %q resolves to an empty value set", a.Name)
		}
	}
	return nil
}

// Size returns the total number of combinations in the discretized space
func (s SearchSpace) Size() int {
	if len(s.Axes) == 0 {
		return 0
	}
	n := 1
	for _, a := range s.Axes {
		n *= len(a.Points())
	}
	return n
}

// AdjustmentKind says how a requested parameter was altered for a target
type AdjustmentKind string

const (
	AdjustDropped AdjustmentKind = "dropped"
	AdjustClamped AdjustmentKind = "clamped"
)

// Adjustment records one drop or clamp applied to a combo before dispatch
type Adjustment struct {
	Param string         `json:"param"`
	Kind  AdjustmentKind `json:"kind"`
	From  float64        `json:"from"`
	To    float64        `json:"to,omitempty"`
}

// CaseResult holds the outcome of a single evaluation case within a trial
type CaseResult struct {
	Case      string  `json:"case"`
	Score     float64 `json:"score"`
	Error     string  `json:"error,omitempty"`
	LatencyMs int64   `json:"latency_ms,omitempty"`
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// Trial is one concrete parameter assignment evaluated during a tuning job
type Trial struct {
	ID          string             `json:"id"`
	JobID       string             `json:"job_id"`
	Seq         int                `json:"seq"`
	Params      map[string]float64 `json:"params"`
	ModelTarget string             `json:"model_target"`
	Score       *float64           `json:"score"`
	Adjustments []Adjustment       `json:"adjustments,omitempty"`
	PerCase     []CaseResult       `json:"per_case,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// BestConfig tracks the highest-scoring trial seen so far within a run.
// Ties keep the earlier trial.
type BestConfig struct {
	Trial *Trial
}

// Observe updates the best config and reports whether t became the new
// best. Trials without a score never win.
func (b *BestConfig) Observe(t *Trial) bool {
	if t == nil || t.Score == nil {
		return false
	}
	if b.Trial == nil || *t.Score > *b.Trial.Score {
		b.Trial = t
		return true
	}
	return false
}

// ParamRange bounds a supported parameter for a model target
type ParamRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// TargetProfile declares which parameters a model target supports and
// within which ranges. A nil range means supported without bounds.
type TargetProfile struct {
	Target    string                 `json:"target" yaml:"target"`
	Supported map[string]*ParamRange `json:"supported" yaml:"supported"`
}
