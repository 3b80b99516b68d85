package tuner

import (
	"math"
	"math/rand"

	"github.com/MaxHalford/eaopt"
)

type genome struct {
	genes []float64
	t     *tuner
}

// Evaluate returns the negated mean gain. A cancelled tuning run scores
// every remaining genome as worthless instead of failing the GA.
func (g *genome) Evaluate() (float64, error) {
	if g.t.ctx.Err() != nil {
		return math.Inf(1), nil
	}
	gain, err := g.t.meanGain(g.t.params(g.genes))
	if err != nil {
		if g.t.ctx.Err() != nil {
			return math.Inf(1), nil
		}
		return 0, err
	}
	return -gain, nil
}

func (g *genome) Mutate(rng *rand.Rand) {
	eaopt.MutNormalFloat64(g.genes, 0.5, rng)
	for i, v := range g.genes {
		g.genes[i] = math.Max(0, math.Min(1, v))
	}
}

func (g *genome) Crossover(other eaopt.Genome, rng *rand.Rand) {
	eaopt.CrossUniformFloat64(g.genes, other.(*genome).genes, rng)
}

func (g *genome) Clone() eaopt.Genome {
	return &genome{genes: append([]float64(nil), g.genes...), t: g.t}
}
