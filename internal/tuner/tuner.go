// Package tuner searches the ACO parameter space with a genetic algorithm.
//
// A genome holds alpha, beta, rho and the initial pheromone level scaled to
// [0, 1]. Its fitness is the mean composite gain the colony reaches on a
// sample of bus routes, negated so the GA can minimize it.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/MaxHalford/eaopt"
	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/network"
)

var ErrNoRoutes = errors.New("no bus routes to tune on")

// bound is the searched interval of one gene.
type bound struct {
	lo, hi float64
}

func (b bound) scale(g float64) float64 {
	return b.lo + g*(b.hi-b.lo)
}

type Config struct {
	Network *network.Network
	// Base supplies every parameter the GA does not search.
	Base aco.Params
	// RouteIDs restricts tuning to these routes; empty means every bus route.
	RouteIDs []string
	// SampleSize caps the routes evaluated per genome. Zero means all.
	SampleSize  int
	PopSize     uint
	Generations uint
	Seed        int64
	Logger      *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PopSize == 0 {
		c.PopSize = 12
	}
	if c.Generations == 0 {
		c.Generations = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Result struct {
	Params      aco.Params
	MeanGain    float64
	Routes      []string
	Generations uint
}

type tuner struct {
	ctx    context.Context
	base   aco.Params
	bounds [4]bound
	engine *aco.Engine
	routes []*eval.RouteContext
	seed   int64
	logger *slog.Logger
}

// Tune runs the GA and returns the best parameter set found. The result
// always passes aco.Params.Validate.
func Tune(ctx context.Context, cfg Config) (Result, error) {
	cfg.setDefaults()
	if err := cfg.Base.Validate(); err != nil {
		return Result{}, err
	}

	ids := cfg.RouteIDs
	if len(ids) == 0 {
		for _, id := range cfg.Network.RouteIDs() {
			if cfg.Network.IsBusRoute(id) {
				ids = append(ids, id)
			}
		}
	}
	ids = sample(ids, cfg.SampleSize, cfg.Seed)
	if len(ids) == 0 {
		return Result{}, ErrNoRoutes
	}

	ev := eval.New(cfg.Network, eval.Options{}).WithMaxNonLinearity(cfg.Base.MaxNonLinearity)
	t := &tuner{
		ctx:  ctx,
		base: cfg.Base,
		bounds: [4]bound{
			{0, 10},
			{0, 10},
			{0, 1},
			{cfg.Base.PheromoneMin, math.Min(50, cfg.Base.PheromoneMax)},
		},
		engine: aco.NewEngine(aco.Config{Logger: cfg.Logger, Workers: 1}),
		seed:   cfg.Seed,
		logger: cfg.Logger.With(slog.String("component", "tuner")),
	}
	for _, id := range ids {
		if !cfg.Network.IsBusRoute(id) {
			return Result{}, fmt.Errorf("route %s is not a bus route", id)
		}
		rc, err := ev.RouteContext(id, nil)
		if err != nil {
			return Result{}, err
		}
		t.routes = append(t.routes, rc)
	}

	gaConfig := eaopt.GAConfig{
		NPops:        1,
		PopSize:      cfg.PopSize,
		NGenerations: cfg.Generations,
		HofSize:      1,
		ParallelEval: true,
		Model: eaopt.ModGenerational{
			Selector:  eaopt.SelTournament{NContestants: 3},
			MutRate:   0.4,
			CrossRate: 0.7,
		},
		RNG: rand.New(rand.NewSource(cfg.Seed)),
	}
	ga, err := gaConfig.NewGA()
	if err != nil {
		return Result{}, err
	}
	ga.EarlyStop = func(*eaopt.GA) bool {
		return ctx.Err() != nil
	}
	ga.Callback = func(g *eaopt.GA) {
		t.logger.Debug("tuner generation",
			slog.Uint64("generation", uint64(g.Generations)),
			slog.Float64("mean_gain", -g.HallOfFame[0].Fitness))
	}

	if err := ga.Minimize(func(rng *rand.Rand) eaopt.Genome {
		return &genome{genes: eaopt.InitUnifFloat64(4, 0, 1, rng), t: t}
	}); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	best := ga.HallOfFame[0]
	params := t.params(best.Genome.(*genome).genes)
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	logging.LogOperation(t.logger, "aco_params_tuned",
		slog.Int("routes", len(ids)),
		slog.Uint64("generations", uint64(ga.Generations)),
		slog.Float64("mean_gain", -best.Fitness))

	return Result{
		Params:      params,
		MeanGain:    -best.Fitness,
		Routes:      ids,
		Generations: ga.Generations,
	}, nil
}

func (t *tuner) params(genes []float64) aco.Params {
	p := t.base
	p.Alpha = t.bounds[0].scale(genes[0])
	p.Beta = t.bounds[1].scale(genes[1])
	p.Rho = t.bounds[2].scale(genes[2])
	p.InitPheromone = t.bounds[3].scale(genes[3])
	return p
}

// meanGain runs the colony once per sampled route.
func (t *tuner) meanGain(p aco.Params) (float64, error) {
	var total float64
	for _, rc := range t.routes {
		res, err := t.engine.Optimize(t.ctx, aco.Run{
			Context: rc,
			Start:   rc.Route().StopIDs,
			Params:  p,
			Seed:    t.seed,
		})
		if err != nil && !errors.Is(err, aco.ErrNoImprovement) {
			return 0, err
		}
		total += res.Improvement()
	}
	return total / float64(len(t.routes)), nil
}

// sample returns up to n ids chosen deterministically for seed.
func sample(ids []string, n int, seed int64) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	if n <= 0 || n >= len(out) {
		return out
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	out = out[:n]
	sort.Strings(out)
	return out
}
