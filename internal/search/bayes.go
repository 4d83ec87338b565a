package search

import (
	"math"
	"math/rand"

	"github.com/evalforge/evalforge/internal/domain"
)

const (
	defaultCandidates = 64
	initialRandom     = 3 // observations before the surrogate kicks in
	kernelLengthscale = 0.25
	kernelNoise       = 1e-4
	eiXi              = 0.01
)

// Bayes proposes combos sequentially using a Gaussian-process surrogate
// with an RBF kernel over the [0,1]-normalized axis space and an
// expected-improvement acquisition maximized over a random candidate
// set. When the surrogate fit degenerates, the iteration falls back to
// a uniform random unseen combo instead of aborting.
type Bayes struct {
	space      domain.SearchSpace
	pts        [][]float64
	size       int
	maxTrials  int
	candidates int
	rng        *rand.Rand

	seen     map[string]bool
	proposed int
	obsX     [][]float64
	obsY     []float64
}

// NewBayes creates a Bayesian strategy bounded by opts.MaxTrials
func NewBayes(space domain.SearchSpace, opts Options) *Bayes {
	maxTrials := opts.MaxTrials
	if maxTrials <= 0 {
		maxTrials = 20
	}
	candidates := opts.Candidates
	if candidates <= 0 {
		candidates = defaultCandidates
	}
	return &Bayes{
		space:      space,
		pts:        axisPoints(space),
		size:       space.Size(),
		maxTrials:  maxTrials,
		candidates: candidates,
		rng:        rand.New(rand.NewSource(opts.Seed)),
		seen:       make(map[string]bool),
	}
}

// Next implements Strategy
func (b *Bayes) Next() (Combo, bool) {
	if b.proposed >= b.maxTrials || len(b.seen) >= b.size {
		return nil, false
	}

	var c Combo
	if len(b.obsY) < initialRandom {
		c = b.randomUnseen()
	} else {
		c = b.acquire()
		if c == nil {
			c = b.randomUnseen()
		}
	}
	if c == nil {
		return nil, false
	}

	b.seen[comboKey(b.space, c)] = true
	b.proposed++
	return c, true
}

// Observe implements Strategy. Failed trials should be fed in with a
// low score so the optimizer does not re-propose their neighborhood.
func (b *Bayes) Observe(c Combo, score float64) {
	b.obsX = append(b.obsX, normalize(b.space, c))
	b.obsY = append(b.obsY, score)
}

// randomUnseen draws a uniform unseen combo, or nil if none remain
func (b *Bayes) randomUnseen() Combo {
	for attempt := 0; attempt < 4*b.size; attempt++ {
		c := comboAt(b.space, b.pts, b.rng.Intn(b.size))
		if !b.seen[comboKey(b.space, c)] {
			return c
		}
	}
	// Degenerate seen map; scan linearly
	for i := 0; i < b.size; i++ {
		c := comboAt(b.space, b.pts, i)
		if !b.seen[comboKey(b.space, c)] {
			return c
		}
	}
	return nil
}

// acquire fits the surrogate and returns the unseen candidate with the
// highest expected improvement. Returns nil when the fit fails.
func (b *Bayes) acquire() Combo {
	mean, std := meanStd(b.obsY)
	if std == 0 {
		std = 1
	}
	y := make([]float64, len(b.obsY))
	best := math.Inf(-1)
	for i, v := range b.obsY {
		y[i] = (v - mean) / std
		if y[i] > best {
			best = y[i]
		}
	}

	n := len(b.obsX)
	K := make([][]float64, n)
	for i := range K {
		K[i] = make([]float64, n)
		for j := range K[i] {
			K[i][j] = rbf(b.obsX[i], b.obsX[j])
		}
		K[i][i] += kernelNoise
	}

	L, ok := cholesky(K)
	if !ok {
		return nil
	}
	alpha := cholSolve(L, y)

	var bestCombo Combo
	bestEI := math.Inf(-1)
	for i := 0; i < b.candidates; i++ {
		c := b.randomUnseen()
		if c == nil {
			break
		}
		// randomUnseen does not mark candidates as seen; track locally
		// via the EI comparison only. Duplicate candidates just repeat
		// the same EI computation.
		x := normalize(b.space, c)

		kstar := make([]float64, n)
		for j := 0; j < n; j++ {
			kstar[j] = rbf(x, b.obsX[j])
		}

		mu := dot(kstar, alpha)
		v := forwardSolve(L, kstar)
		variance := rbf(x, x) - dot(v, v)
		if variance < 0 {
			variance = 0
		}
		sigma := math.Sqrt(variance)

		ei := expectedImprovement(mu, sigma, best)
		if ei > bestEI {
			bestEI = ei
			bestCombo = c
		}
	}
	return bestCombo
}

func expectedImprovement(mu, sigma, best float64) float64 {
	if sigma == 0 {
		if mu > best+eiXi {
			return mu - best - eiXi
		}
		return 0
	}
	z := (mu - best - eiXi) / sigma
	return (mu-best-eiXi)*normCDF(z) + sigma*normPDF(z)
}

func rbf(a, x []float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - x[i]
		d2 += d * d
	}
	return math.Exp(-d2 / (2 * kernelLengthscale * kernelLengthscale))
}

func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func normPDF(z float64) float64 {
	return math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
}

func meanStd(y []float64) (float64, float64) {
	if len(y) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range y {
		sum += v
	}
	mean := sum / float64(len(y))
	var ss float64
	for _, v := range y {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(y)))
}

// cholesky returns the lower-triangular factor of a symmetric
// positive-definite matrix, or ok=false if the matrix is not PD.
func cholesky(m [][]float64) ([][]float64, bool) {
	n := len(m)
	L := make([][]float64, n)
	for i := range L {
		L[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := m[i][j]
			for k := 0; k < j; k++ {
				sum -= L[i][k] * L[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil, false
				}
				L[i][i] = math.Sqrt(sum)
			} else {
				L[i][j] = sum / L[j][j]
			}
		}
	}
	return L, true
}

// forwardSolve solves L v = b for lower-triangular L
func forwardSolve(L [][]float64, b []float64) []float64 {
	n := len(b)
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= L[i][k] * v[k]
		}
		v[i] = sum / L[i][i]
	}
	return v
}

// cholSolve solves L L^T alpha = y
func cholSolve(L [][]float64, y []float64) []float64 {
	n := len(y)
	v := forwardSolve(L, y)
	alpha := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := v[i]
		for k := i + 1; k < n; k++ {
			sum -= L[k][i] * alpha[k]
		}
		alpha[i] = sum / L[i][i]
	}
	return alpha
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
