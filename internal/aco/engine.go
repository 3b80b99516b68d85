package aco

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/metrics"
	"routeopt.transitworks.org/internal/utils"
)

const (
	// InclusionRadiusM bounds the candidate stops around the start geometry.
	InclusionRadiusM = 250.0

	InitialSearchRadiusM = 500.0
	SearchRadiusStepM    = 500.0
	MaxSearchRadiusM     = 2000.0

	MaxStops = 100

	ConvergenceWindow  = 5
	DiversityThreshold = 0.2

	closeProbability = 0.5
	coneStartDeg     = 120.0
	coneEndDeg       = 40.0
)

// ErrNoImprovement means no candidate beat the starting sequence.
var ErrNoImprovement = errors.New("no improvement")

type Reason string

const (
	ReasonMaxGenerations Reason = "max_generations"
	ReasonStagnation     Reason = "stagnation"
	ReasonLowDiversity   Reason = "low_diversity"
	ReasonTimeout        Reason = "timeout"
)

// Generation is reported at every generation boundary.
type Generation struct {
	RouteID          string
	Generation       int
	TotalGenerations int
	BestSequence     []string
	BestPolyline     []utils.LatLon
	BestScore        eval.Scores
	Converged        bool
}

type Result struct {
	RouteID         string
	InitialSequence []string
	Initial         eval.RouteEvaluation
	BestSequence    []string
	Best            eval.RouteEvaluation
	Generations     int
	Reason          Reason
	Candidates      int
	// Pheromone holds every distinct trail level left at the end of the run.
	Pheromone []float64
}

// Improvement is the composite gain of the best sequence over the start.
func (r Result) Improvement() float64 {
	return r.Best.Scores.Composite - r.Initial.Scores.Composite
}

type Config struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// ExpectedGenerationTime times MaxGenerations caps the wall clock of a run.
	// Zero disables the cap.
	ExpectedGenerationTime time.Duration
	// Workers bounds the ants built in parallel. Zero means GOMAXPROCS.
	Workers int
}

type Engine struct {
	clock                  clock.Clock
	metrics                *metrics.Metrics
	logger                 *slog.Logger
	expectedGenerationTime time.Duration
	workers                int
}

func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{
		clock:                  cfg.Clock,
		metrics:                cfg.Metrics,
		logger:                 cfg.Logger.With(slog.String("component", "aco")),
		expectedGenerationTime: cfg.ExpectedGenerationTime,
		workers:                cfg.Workers,
	}
}

// Run describes one optimization of one route.
type Run struct {
	Context *eval.RouteContext
	// Start is the sequence to improve on; its first and last stops are kept.
	Start        []string
	Params       Params
	Seed         int64
	OnGeneration func(Generation)
}

type candidate struct {
	path  []int
	stops []string
	eval  eval.RouteEvaluation
}

// Optimize runs generations until convergence. The context is checked at
// generation boundaries only, so a cancelled run always finishes the
// generation in progress and then returns ctx.Err() without reporting it.
// When nothing beats the start, the result carries the start as best and the
// error is ErrNoImprovement.
func (e *Engine) Optimize(ctx context.Context, run Run) (Result, error) {
	rc := run.Context
	p := run.Params
	if rc == nil {
		return Result{}, errors.New("aco: nil route context")
	}
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	routeID := rc.Route().ID

	initial, err := rc.Evaluate(run.Start)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate start of %s: %w", routeID, err)
	}

	col, err := newColony(rc, run.Start, initial.Polyline, p)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		RouteID:         routeID,
		InitialSequence: run.Start,
		Initial:         initial,
		BestSequence:    run.Start,
		Best:            initial,
		Candidates:      len(col.ids),
	}

	tau := newPheromoneField(p)
	best := candidate{stops: run.Start, eval: initial}
	improved := false
	stale, same := 0, 0

	started := e.clock.Now()
	var deadline time.Time
	if e.expectedGenerationTime > 0 {
		deadline = started.Add(time.Duration(p.MaxGenerations) * e.expectedGenerationTime)
	}

	for gen := 1; gen <= p.MaxGenerations; gen++ {
		if err := ctx.Err(); err != nil {
			res.Pheromone = tau.snapshot()
			return res, err
		}
		genStarted := e.clock.Now()

		ants := e.generation(col, tau, run.Seed, gen, rc)

		var genBest *candidate
		distinct := map[string]struct{}{}
		valid := 0
		for _, c := range ants {
			if c == nil {
				continue
			}
			valid++
			distinct[strings.Join(c.stops, "\x00")] = struct{}{}
			if genBest == nil || c.eval.Scores.Composite > genBest.eval.Scores.Composite {
				genBest = c
			}
		}

		tau.evaporate(p.Rho)
		diversity := 1.0
		if genBest == nil {
			stale++
			same = 0
		} else {
			tau.deposit(genBest.path, genBest.eval.Scores.Composite)
			if genBest.eval.Scores.Composite > best.eval.Scores.Composite {
				best = *genBest
				improved = true
				stale = 0
			} else {
				stale++
			}
			if equalStops(genBest.stops, best.stops) {
				same++
			} else {
				same = 0
			}
			diversity = float64(len(distinct)) / float64(valid)
		}

		e.metrics.ObserveGeneration(clock.Since(e.clock, genStarted))
		res.Generations = gen
		res.BestSequence = best.stops
		res.Best = best.eval

		switch {
		case gen == p.MaxGenerations:
			res.Reason = ReasonMaxGenerations
		case stale >= ConvergenceWindow:
			res.Reason = ReasonStagnation
		case same >= ConvergenceWindow && diversity < DiversityThreshold:
			res.Reason = ReasonLowDiversity
		case !deadline.IsZero() && !e.clock.Now().Before(deadline):
			res.Reason = ReasonTimeout
		}

		if err := ctx.Err(); err != nil {
			res.Pheromone = tau.snapshot()
			return res, err
		}
		if run.OnGeneration != nil {
			run.OnGeneration(Generation{
				RouteID:          routeID,
				Generation:       gen,
				TotalGenerations: p.MaxGenerations,
				BestSequence:     best.stops,
				BestPolyline:     best.eval.Polyline,
				BestScore:        best.eval.Scores,
				Converged:        res.Reason != "",
			})
		}
		if res.Reason != "" {
			break
		}
	}

	res.Pheromone = tau.snapshot()
	e.logger.Debug("aco run finished",
		slog.String("route_id", routeID),
		slog.Int("generations", res.Generations),
		slog.String("reason", string(res.Reason)),
		slog.Int("candidates", res.Candidates),
		slog.Float64("score_before", initial.Scores.Composite),
		slog.Float64("score_after", res.Best.Scores.Composite))

	if !improved {
		return res, ErrNoImprovement
	}
	return res, nil
}

// generation builds and scores every ant. Slot i holds ant i, or nil when
// the ant was discarded.
func (e *Engine) generation(col *colony, tau *pheromoneField, seed int64, gen int, rc *eval.RouteContext) []*candidate {
	ants := make([]*candidate, col.params.NumAnts)

	var g errgroup.Group
	g.SetLimit(e.workers)
	for a := range ants {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(antSeed(seed, gen, a)))
			path := col.construct(rng, tau)
			if path == nil {
				return nil
			}
			stops := col.stopIDs(path)
			ev, err := rc.Evaluate(stops)
			if err != nil {
				// unreachable legs and the like only cost this ant
				return nil
			}
			ants[a] = &candidate{path: path, stops: stops, eval: ev}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.LogError(e.logger, "ant generation failed", err, slog.Int("generation", gen))
	}
	return ants
}

// antSeed derives an independent stream per (run seed, generation, ant) so
// results do not depend on goroutine scheduling.
func antSeed(seed int64, gen, ant int) int64 {
	x := uint64(seed)
	x ^= uint64(gen)*0x9e3779b97f4a7c15 + uint64(ant)*0xbf58476d1ce4e5b9
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return int64(x)
}

func equalStops(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortedUnion merges stop id lists without duplicates.
func sortedUnion(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
