package matching

import (
	"math"
	"time"
)

// ScoreScale converts a fractional score into integer micro-points.
const ScoreScale = 1_000_000

// ScoringPolicy ranks a candidate cycle. Implementations must be pure
// functions of the graph, the cycle and now.
type ScoringPolicy interface {
	Score(g *Graph, c []int, now time.Time) Score
}

// Score is the outcome of scoring one cycle.
type Score struct {
	Micros     int64
	Confidence float64
}

// WeightedPolicy combines value fit, constraint fit, waiting time and explicit
// preference linearly.
type WeightedPolicy struct {
	ValueWeight      float64
	ConstraintWeight float64
	AgeWeight        float64
	PreferWeight     float64
	// AgeHorizon is the waiting time at which the age bonus saturates.
	AgeHorizon time.Duration
}

// DefaultPolicy returns the production weights.
func DefaultPolicy() WeightedPolicy {
	return WeightedPolicy{
		ValueWeight:      0.5,
		ConstraintWeight: 0.3,
		AgeWeight:        0.2,
		PreferWeight:     0.1,
		AgeHorizon:       72 * time.Hour,
	}
}

// Score implements ScoringPolicy.
func (p WeightedPolicy) Score(g *Graph, c []int, now time.Time) Score {
	n := len(c)
	if n == 0 {
		return Score{}
	}
	var valueFit, constraintFit, preferred float64
	oldest := g.nodes[c[0]].intent.CreatedAt
	for i := 0; i < n; i++ {
		from, to := c[i], c[(i+1)%n]
		e := g.edges[[2]int{from, to}]
		valueFit += e.valueFit
		constraintFit += e.constraintFit
		if e.preferred {
			preferred++
		}
		if created := g.nodes[from].intent.CreatedAt; created.Before(oldest) {
			oldest = created
		}
	}
	valueFit /= float64(n)
	constraintFit /= float64(n)
	preferred /= float64(n)

	age := 0.0
	if p.AgeHorizon > 0 && !oldest.IsZero() {
		waited := now.Sub(oldest)
		if waited > 0 {
			age = math.Min(1, float64(waited)/float64(p.AgeHorizon))
		}
	}

	raw := p.ValueWeight*valueFit + p.ConstraintWeight*constraintFit + p.AgeWeight*age + p.PreferWeight*preferred
	total := p.ValueWeight + p.ConstraintWeight + p.AgeWeight + p.PreferWeight
	confidence := 0.0
	if total > 0 {
		confidence = round4(raw / total)
	}
	return Score{
		Micros:     int64(math.Round(raw * ScoreScale)),
		Confidence: confidence,
	}
}

// valueSpread is (max - min) / max of the participants' offer values.
func valueSpread(g *Graph, c []int) float64 {
	if len(c) == 0 {
		return 0
	}
	lo, hi := g.nodes[c[0]].offerValue, g.nodes[c[0]].offerValue
	for _, idx := range c[1:] {
		v := g.nodes[idx].offerValue
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= 0 {
		return 0
	}
	return round4((hi - lo) / hi)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
