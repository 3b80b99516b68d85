// Package scheduler runs optimization jobs over a list of routes, one route at
// a time, and commits improvements to the results cache.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/cache"
	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/metrics"
	"routeopt.transitworks.org/internal/network"
)

var (
	ErrWrongRouteType = errors.New("only bus routes can be optimized")
	ErrEmptyJob       = errors.New("no routes requested")
	ErrBusy           = errors.New("too many optimization jobs running")
)

const (
	// DefaultEpsilon is the composite gain a run must exceed to be kept.
	DefaultEpsilon = 1e-6
	DefaultMaxJobs = 4
)

// Optimizer searches a better sequence for one route.
type Optimizer interface {
	Optimize(ctx context.Context, run aco.Run) (aco.Result, error)
}

type Config struct {
	Network   *network.Network
	Evaluator *eval.Evaluator
	Cache     *cache.Cache
	Params    *aco.ParamStore
	Optimizer Optimizer
	Seed      int64
	Epsilon   float64
	MaxJobs   int
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Scheduler struct {
	net       *network.Network
	evaluator *eval.Evaluator
	cache     *cache.Cache
	params    *aco.ParamStore
	optimizer Optimizer
	seed      int64
	epsilon   float64
	jobs      *semaphore.Weighted
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Scheduler {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Params == nil {
		cfg.Params = aco.NewParamStore(aco.DefaultParams())
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = aco.NewEngine(aco.Config{Clock: cfg.Clock, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	return &Scheduler{
		net:       cfg.Network,
		evaluator: cfg.Evaluator,
		cache:     cfg.Cache,
		params:    cfg.Params,
		optimizer: cfg.Optimizer,
		seed:      cfg.Seed,
		epsilon:   cfg.Epsilon,
		jobs:      semaphore.NewWeighted(int64(cfg.MaxJobs)),
		logger:    cfg.Logger.With(slog.String("component", "scheduler")),
		metrics:   cfg.Metrics,
	}
}

type Job struct {
	ID       string
	RouteIDs []string
	// Restart optimizes from the original sequence even when an optimized
	// one is cached.
	Restart bool
	// Mode labels the job in metrics, e.g. "sync" or "stream".
	Mode string
}

type RouteFailure struct {
	RouteID string
	Err     error
}

type Summary struct {
	JobID         string
	Improved      []string
	NoImprovement []string
	Skipped       []string
	Failed        []RouteFailure
	Cancelled     bool
}

// Validate checks a route list before a job is started.
func (s *Scheduler) Validate(routeIDs []string) error {
	if len(routeIDs) == 0 {
		return ErrEmptyJob
	}
	for _, id := range routeIDs {
		if _, err := s.net.OriginalRoute(id); err != nil {
			return err
		}
	}
	return nil
}

// job is the progress state of one Run.
type job struct {
	id          string
	routes      []string
	itersPer    int
	evaluation  []RouteScore
	attempts    []int
	converged   []bool
	iterations  int
	earlyFinish bool
}

func (j *job) event(kind EventKind, index, routeIteration int) Event {
	completed := index
	total := len(j.routes) * j.itersPer
	iteration := completed*j.itersPer + routeIteration
	if iteration < j.iterations {
		iteration = j.iterations
	}
	j.iterations = iteration

	ev := Event{
		Kind:               kind,
		JobID:              j.id,
		Iteration:          iteration,
		TotalIterations:    total,
		RouteIteration:     routeIteration,
		IterationsPerRoute: j.itersPer,
		Progress:           float64(iteration) / float64(total),
		CurrentRouteIndex:  index,
		RoutesCount:        len(j.routes),
		AllRouteIDs:        j.routes,
		Evaluation:         append([]RouteScore(nil), j.evaluation...),
		OptimizeAttempts:   append([]int(nil), j.attempts...),
		ConvergedRoutes:    append([]bool(nil), j.converged...),
		AllConverged:       allTrue(j.converged),
	}
	if index < len(j.routes) {
		ev.CurrentRoute = j.routes[index]
	}
	return ev
}

// Run optimizes job.RouteIDs in order, calling emit from the calling
// goroutine. After ctx is done no further event is emitted, the route in
// progress is left untouched and ctx.Err() is returned; routes already
// finished stay committed.
func (s *Scheduler) Run(ctx context.Context, j Job, emit func(Event)) (Summary, error) {
	if err := s.Validate(j.RouteIDs); err != nil {
		return Summary{}, err
	}
	if !s.jobs.TryAcquire(1) {
		return Summary{}, ErrBusy
	}
	defer s.jobs.Release(1)

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Mode == "" {
		j.Mode = "sync"
	}
	if emit == nil {
		emit = func(Event) {}
	}
	send := func(ev Event) {
		if ctx.Err() == nil {
			emit(ev)
		}
	}

	params := s.params.Get()
	ev := s.evaluator.WithMaxNonLinearity(params.MaxNonLinearity)

	state := &job{
		id:         j.ID,
		routes:     j.RouteIDs,
		itersPer:   params.MaxGenerations,
		evaluation: make([]RouteScore, len(j.RouteIDs)),
		attempts:   make([]int, len(j.RouteIDs)),
		converged:  make([]bool, len(j.RouteIDs)),
	}
	for i, id := range j.RouteIDs {
		state.evaluation[i].RouteID = id
		state.attempts[i] = s.cache.Attempts(id)
	}

	logger := s.logger.With(slog.String("job_id", j.ID))
	logging.LogOperation(logger, "optimization_job_started",
		slog.Int("routes", len(j.RouteIDs)),
		slog.String("mode", j.Mode),
		slog.Int("num_ant", params.NumAnts),
		slog.Int("max_gen", params.MaxGenerations))

	summary := Summary{JobID: j.ID}
	for i, id := range j.RouteIDs {
		if err := ctx.Err(); err != nil {
			return s.cancelled(logger, j, summary, err)
		}

		if !s.net.IsBusRoute(id) {
			state.converged[i] = true
			summary.Skipped = append(summary.Skipped, id)
			s.metrics.RouteOutcome("wrong_route_type")
			logger.Warn("skipping route", slog.String("route_id", id), slog.String("reason", ErrWrongRouteType.Error()))

			e := state.event(EventWarning, i+1, 0)
			e.CurrentRoute, e.CurrentRouteIndex = id, i
			e.Converged = true
			e.ConvergedRoute = id
			e.Warning = fmt.Sprintf("WrongRouteType: route %s is not a bus route and was skipped", id)
			e.NoopRouteIDs = s.cache.NoImprovement()
			send(e)
			continue
		}

		result, err := s.optimizeRoute(ctx, ev, state, i, j.Restart, params, send)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return s.cancelled(logger, j, summary, ctx.Err())
			}
			state.converged[i] = true
			summary.Failed = append(summary.Failed, RouteFailure{RouteID: id, Err: err})
			s.metrics.RouteOutcome("failed")
			logging.LogError(logger, "route optimization failed", err, slog.String("route_id", id))

			e := state.event(EventWarning, i+1, 0)
			e.CurrentRoute, e.CurrentRouteIndex = id, i
			e.Converged = true
			e.ConvergedRoute = id
			e.Warning = fmt.Sprintf("route %s could not be optimized: %v", id, err)
			e.NoopRouteIDs = s.cache.NoImprovement()
			send(e)
			continue
		}

		switch result {
		case outcomeImproved:
			summary.Improved = append(summary.Improved, id)
		case outcomeNoImprovement:
			summary.NoImprovement = append(summary.NoImprovement, id)
		}
	}

	done := state.event(EventJobDone, len(j.RouteIDs), 0)
	done.CurrentRouteIndex = len(j.RouteIDs) - 1
	done.CurrentRoute = j.RouteIDs[len(j.RouteIDs)-1]
	done.Converged = true
	done.AllConverged = true
	done.EarlyCompletion = state.earlyFinish
	done.Message = "Optimization finished"
	done.NoopRouteIDs = s.cache.NoImprovement()
	send(done)

	s.metrics.JobFinished(j.Mode, "completed")
	logging.LogOperation(logger, "optimization_job_completed",
		slog.Int("improved", len(summary.Improved)),
		slog.Int("no_improvement", len(summary.NoImprovement)),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Int("failed", len(summary.Failed)))
	return summary, nil
}

func (s *Scheduler) cancelled(logger *slog.Logger, j Job, summary Summary, err error) (Summary, error) {
	summary.Cancelled = true
	s.metrics.JobFinished(j.Mode, "cancelled")
	logging.LogOperation(logger, "optimization_job_cancelled",
		slog.Int("improved", len(summary.Improved)),
		slog.String("cause", err.Error()))
	return summary, err
}

type outcome int

const (
	outcomeImproved outcome = iota
	outcomeNoImprovement
)

// optimizeRoute runs the optimizer on route i and commits the result.
func (s *Scheduler) optimizeRoute(ctx context.Context, ev *eval.Evaluator, state *job, i int, restart bool, params aco.Params, send func(Event)) (outcome, error) {
	id := state.routes[i]
	route, err := s.net.OriginalRoute(id)
	if err != nil {
		return 0, err
	}

	state.attempts[i] = s.cache.RecordAttempt(id)

	start := route.StopIDs
	if rec, ok := s.cache.Get(id); ok && !restart {
		start = rec.StopIDs
	}

	// Other routes are served as currently optimized.
	rc, err := ev.RouteContext(id, s.cache)
	if err != nil {
		return 0, err
	}
	original, err := rc.Evaluate(route.StopIDs)
	if err != nil {
		return 0, err
	}

	res, err := s.optimizer.Optimize(ctx, aco.Run{
		Context: rc,
		Start:   start,
		Params:  params,
		Seed:    s.seed,
		OnGeneration: func(g aco.Generation) {
			state.evaluation[i].Score = g.BestScore.Composite
			e := state.event(EventProgress, i, g.Generation)
			e.CurrentSequence = g.BestSequence
			e.CurrentPolyline = g.BestPolyline
			e.CurrentScore = g.BestScore
			e.Message = fmt.Sprintf("Optimizing route %s (route %d/%d, iteration %d/%d)",
				id, i+1, len(state.routes), g.Generation, g.TotalGenerations)
			send(e)
		},
	})
	if err != nil && !errors.Is(err, aco.ErrNoImprovement) {
		return 0, err
	}
	if res.Generations < params.MaxGenerations {
		state.earlyFinish = true
	}

	improved := err == nil && res.Best.Scores.Composite > res.Initial.Scores.Composite+s.epsilon
	if improved {
		storeErr := s.cache.Store(cache.Record{
			RouteID:     id,
			StopIDs:     res.BestSequence,
			Polyline:    res.Best.Polyline,
			LengthM:     res.Best.LengthM,
			ScoreBefore: original.Scores,
			ScoreAfter:  res.Best.Scores,
		})
		if storeErr != nil {
			if !errors.Is(storeErr, cache.ErrNotImproved) {
				return 0, storeErr
			}
			// An earlier optimization of this route scores higher and stays.
			improved = false
		}
	}

	state.converged[i] = true
	state.evaluation[i].Score = res.Best.Scores.Composite

	e := state.event(EventRouteDone, i+1, 0)
	e.CurrentRoute, e.CurrentRouteIndex = id, i
	e.CurrentSequence = res.BestSequence
	e.CurrentPolyline = res.Best.Polyline
	e.CurrentScore = res.Best.Scores
	e.Converged = true
	e.ConvergedRoute = id

	var result outcome
	if improved {
		result = outcomeImproved
		s.metrics.RouteOutcome("improved")
		e.Message = fmt.Sprintf("Route %s improved from %.2f to %.2f", id, res.Initial.Scores.Composite, res.Best.Scores.Composite)
		logging.LogOperation(s.logger, "route_optimization_completed",
			slog.String("route_id", id),
			slog.Int("generations", res.Generations),
			slog.String("reason", string(res.Reason)),
			slog.Float64("score_before", original.Scores.Composite),
			slog.Float64("score_after", res.Best.Scores.Composite))
	} else {
		result = outcomeNoImprovement
		s.cache.MarkNoImprovement(id)
		s.metrics.RouteOutcome("no_improvement")
		e.Message = fmt.Sprintf("Route %s has converged to optimal solution", id)
		e.Warning = fmt.Sprintf("NoImprovement: route %s reached optimal solution", id)
		logging.LogOperation(s.logger, "route_optimization_no_improvement",
			slog.String("route_id", id),
			slog.Int("generations", res.Generations),
			slog.Float64("score", res.Initial.Scores.Composite))
	}
	e.NoopRouteIDs = s.cache.NoImprovement()
	send(e)
	return result, nil
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return len(v) > 0
}
