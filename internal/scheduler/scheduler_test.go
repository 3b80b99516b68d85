package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/cache"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/network/networktest"
	"routeopt.transitworks.org/internal/scheduler"
	"routeopt.transitworks.org/internal/utils"
)

// fakeOptimizer reports generations like the engine does and improves each
// route by a fixed percentage.
type fakeOptimizer struct {
	gain        map[string]float64
	generations map[string]int
	started     chan string
	release     chan struct{}

	mu     sync.Mutex
	starts map[string][]string
}

func (f *fakeOptimizer) Optimize(ctx context.Context, run aco.Run) (aco.Result, error) {
	id := run.Context.Route().ID
	f.mu.Lock()
	if f.starts == nil {
		f.starts = map[string][]string{}
	}
	f.starts[id] = run.Start
	f.mu.Unlock()

	if f.started != nil {
		f.started <- id
	}
	if f.release != nil {
		<-f.release
	}

	initial, err := run.Context.Evaluate(run.Start)
	if err != nil {
		return aco.Result{}, err
	}
	res := aco.Result{RouteID: id, InitialSequence: run.Start, Initial: initial, BestSequence: run.Start, Best: initial}

	gens := run.Params.MaxGenerations
	if n, ok := f.generations[id]; ok {
		gens = n
	}
	for g := 1; g <= gens; g++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Generations = g
		if run.OnGeneration != nil {
			run.OnGeneration(aco.Generation{
				RouteID:          id,
				Generation:       g,
				TotalGenerations: run.Params.MaxGenerations,
				BestSequence:     res.BestSequence,
				BestPolyline:     res.Best.Polyline,
				BestScore:        res.Best.Scores,
				Converged:        g == gens,
			})
		}
	}

	pct := f.gain[id]
	if pct <= 0 {
		return res, aco.ErrNoImprovement
	}
	res.Best.Scores.Composite = initial.Scores.Composite * (1 + pct/100)
	return res, nil
}

func (f *fakeOptimizer) startOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[id]
}

type fixture struct {
	net   *network.Network
	cache *cache.Cache
	sched *scheduler.Scheduler
}

func newFixture(t *testing.T, opt scheduler.Optimizer, p aco.Params, maxJobs int) fixture {
	t.Helper()
	n := networktest.Network(t)
	c := cache.New(nil)
	s := scheduler.New(scheduler.Config{
		Network:   n,
		Evaluator: eval.New(n, eval.Options{}),
		Cache:     c,
		Params:    aco.NewParamStore(p),
		Optimizer: opt,
		Seed:      42,
		MaxJobs:   maxJobs,
	})
	return fixture{net: n, cache: c, sched: s}
}

func smallParams() aco.Params {
	p := aco.DefaultParams()
	p.NumAnts = 6
	p.MaxGenerations = 4
	return p
}

func collect(events *[]scheduler.Event) func(scheduler.Event) {
	return func(e scheduler.Event) { *events = append(*events, e) }
}

func assertCacheConsistent(t *testing.T, c *cache.Cache) {
	t.Helper()
	noop := map[string]bool{}
	for _, id := range c.NoImprovement() {
		noop[id] = true
	}
	for _, rec := range c.Records() {
		assert.Greater(t, rec.ScoreAfter.Composite, rec.ScoreBefore.Composite, rec.RouteID)
		assert.False(t, noop[rec.RouteID], "%s is both optimized and a no-op", rec.RouteID)
	}
}

func assertIterationsMonotonic(t *testing.T, events []scheduler.Event) {
	t.Helper()
	last := 0
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Iteration, last)
		assert.LessOrEqual(t, e.Iteration, e.TotalIterations)
		last = e.Iteration
	}
}

func TestSkipsNonBusRoutes(t *testing.T) {
	f := newFixture(t, nil, smallParams(), 0)
	var events []scheduler.Event

	summary, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R1_tram", "R2_bus"}}, collect(&events))
	require.NoError(t, err)

	assert.Equal(t, []string{"R1_tram"}, summary.Skipped)
	require.NotEmpty(t, events)
	first := events[0]
	assert.Equal(t, scheduler.EventWarning, first.Kind)
	assert.Equal(t, "R1_tram", first.ConvergedRoute)
	assert.Contains(t, first.Warning, "WrongRouteType")

	for _, id := range f.cache.RouteIDs() {
		assert.Equal(t, "R2_bus", id)
	}

	last := events[len(events)-1]
	assert.Equal(t, scheduler.EventJobDone, last.Kind)
	assert.True(t, last.AllConverged)
	assert.Equal(t, last.TotalIterations, last.Iteration)
	assert.Equal(t, []bool{true, true}, last.ConvergedRoutes)
	assert.Equal(t, []int{0, 1}, last.OptimizeAttempts)

	assertIterationsMonotonic(t, events)
	assertCacheConsistent(t, f.cache)
}

func TestAlreadyOptimalRouteIsNoop(t *testing.T) {
	p := smallParams()
	p.MaxGenerations = 10
	f := newFixture(t, nil, p, 0)
	var events []scheduler.Event

	summary, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R9_isolated"}}, collect(&events))
	require.NoError(t, err)

	assert.Equal(t, []string{"R9_isolated"}, summary.NoImprovement)
	assert.Equal(t, []string{"R9_isolated"}, f.cache.NoImprovement())
	assert.Empty(t, f.cache.RouteIDs())

	var done *scheduler.Event
	for i := range events {
		if events[i].Kind == scheduler.EventRouteDone {
			done = &events[i]
		}
	}
	require.NotNil(t, done)
	assert.True(t, done.Converged)
	assert.Equal(t, "R9_isolated", done.ConvergedRoute)
	assert.Contains(t, done.Warning, "NoImprovement")
	assert.Equal(t, []string{"R9_isolated"}, done.NoopRouteIDs)
	assert.True(t, events[len(events)-1].EarlyCompletion)

	assertIterationsMonotonic(t, events)
}

func TestCancelStopsAtGenerationBoundary(t *testing.T) {
	p := aco.DefaultParams()
	p.MaxGenerations = 300
	opt := &fakeOptimizer{
		gain:        map[string]float64{"R4_bus": 10, "R2_bus": 10},
		generations: map[string]int{"R4_bus": 1},
	}
	f := newFixture(t, opt, p, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []scheduler.Event
	progress := 0
	emit := func(e scheduler.Event) {
		events = append(events, e)
		if e.Kind == scheduler.EventProgress && e.CurrentRoute == "R2_bus" {
			progress++
			if progress == 5 {
				cancel()
			}
		}
	}

	summary, err := f.sched.Run(ctx, scheduler.Job{RouteIDs: []string{"R4_bus", "R2_bus", "R3_detour"}, Mode: "stream"}, emit)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)

	last := events[len(events)-1]
	assert.Equal(t, scheduler.EventProgress, last.Kind, "nothing is emitted after the cancel")
	assert.Equal(t, 5, last.RouteIteration)
	assert.Equal(t, 5, progress)

	assert.Equal(t, []string{"R4_bus"}, f.cache.RouteIDs(), "finished routes stay committed")
	assert.Empty(t, f.cache.NoImprovement())
	assertIterationsMonotonic(t, events)
}

func TestRankingAfterJob(t *testing.T) {
	opt := &fakeOptimizer{gain: map[string]float64{"R2_bus": 5, "R3_detour": 20, "R4_bus": 10}}
	f := newFixture(t, opt, smallParams(), 0)

	summary, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus", "R3_detour", "R4_bus"}}, nil)
	require.NoError(t, err)
	assert.Len(t, summary.Improved, 3)

	ranked := eval.RankImprovements(f.cache.Snapshot().Improvements(nil))
	require.Len(t, ranked, 3)
	assert.Equal(t, "R3_detour", ranked[0].RouteID)
	assert.Equal(t, "R4_bus", ranked[1].RouteID)
	assert.Equal(t, "R2_bus", ranked[2].RouteID)
	assert.InDelta(t, 20, ranked[0].Improvement, 1e-6)
	assertCacheConsistent(t, f.cache)
}

func TestReoptimizationStartsFromCachedSequence(t *testing.T) {
	opt := &fakeOptimizer{}
	f := newFixture(t, opt, smallParams(), 0)

	short := []string{networktest.StopID(3, 0), networktest.StopID(3, 2), networktest.StopID(3, 4)}
	polyline, _, err := f.net.RoutePolyline(short)
	require.NoError(t, err)
	require.NoError(t, f.cache.Store(cache.Record{
		RouteID:     "R2_bus",
		StopIDs:     short,
		Polyline:    polyline,
		ScoreBefore: eval.Scores{Composite: 10},
		ScoreAfter:  eval.Scores{Composite: 20},
	}))

	_, err = f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, short, opt.startOf("R2_bus"))
	assert.Equal(t, []string{"R2_bus"}, f.cache.RouteIDs(), "the stored route stands")
	assert.Empty(t, f.cache.NoImprovement())

	_, err = f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus"}, Restart: true}, nil)
	require.NoError(t, err)
	route, _ := f.net.OriginalRoute("R2_bus")
	assert.Equal(t, route.StopIDs, opt.startOf("R2_bus"))
	assert.Equal(t, 2, f.cache.Attempts("R2_bus"))
}

func TestRestartNeverReplacesABetterOptimization(t *testing.T) {
	opt := &fakeOptimizer{gain: map[string]float64{"R2_bus": 5}}
	f := newFixture(t, opt, smallParams(), 0)

	route, err := f.net.OriginalRoute("R2_bus")
	require.NoError(t, err)
	original, err := eval.New(f.net, eval.Options{}).EvaluateRoute("R2_bus", route.StopIDs, nil)
	require.NoError(t, err)
	polyline, _, err := f.net.RoutePolyline(route.StopIDs)
	require.NoError(t, err)

	best := original.Scores
	best.Composite *= 1.5
	require.NoError(t, f.cache.Store(cache.Record{
		RouteID:     "R2_bus",
		StopIDs:     route.StopIDs,
		Polyline:    polyline,
		ScoreBefore: original.Scores,
		ScoreAfter:  best,
	}))

	summary, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus"}, Restart: true}, nil)
	require.NoError(t, err)
	assert.Empty(t, summary.Improved, "a small gain does not beat the stored record")

	rec, ok := f.cache.Get("R2_bus")
	require.True(t, ok)
	assert.InDelta(t, best.Composite, rec.ScoreAfter.Composite, 1e-9)
	assert.Empty(t, f.cache.NoImprovement(), "the stored route is still served")
	assertCacheConsistent(t, f.cache)
}

func TestZeroMaxNonLinearityReachesEvaluator(t *testing.T) {
	scoreBefore := func(maxNonLinearity float64) eval.Scores {
		p := smallParams()
		p.MaxNonLinearity = maxNonLinearity
		f := newFixture(t, &fakeOptimizer{gain: map[string]float64{"R3_detour": 5}}, p, 0)
		_, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R3_detour"}}, nil)
		require.NoError(t, err)
		rec, ok := f.cache.Get("R3_detour")
		require.True(t, ok)
		return rec.ScoreBefore
	}

	assert.Equal(t, 100.0, scoreBefore(0).NonLinearity, "0 turns the ratio penalty off")
	assert.Less(t, scoreBefore(2).NonLinearity, 100.0)
}

func TestRunValidatesJob(t *testing.T) {
	f := newFixture(t, &fakeOptimizer{}, smallParams(), 0)

	_, err := f.sched.Run(context.Background(), scheduler.Job{}, nil)
	assert.ErrorIs(t, err, scheduler.ErrEmptyJob)

	_, err = f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus", "nope"}}, nil)
	assert.ErrorIs(t, err, network.ErrUnknownRoute)
}

func TestRunRejectsWhenBusy(t *testing.T) {
	opt := &fakeOptimizer{started: make(chan string, 1), release: make(chan struct{})}
	f := newFixture(t, opt, smallParams(), 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus"}}, nil)
		done <- err
	}()

	select {
	case <-opt.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never started")
	}

	_, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R4_bus"}}, nil)
	assert.ErrorIs(t, err, scheduler.ErrBusy)

	close(opt.release)
	assert.NoError(t, <-done)
}

func TestProgressEventsCarryGeometry(t *testing.T) {
	f := newFixture(t, &fakeOptimizer{gain: map[string]float64{"R2_bus": 1}}, smallParams(), 0)
	var events []scheduler.Event

	_, err := f.sched.Run(context.Background(), scheduler.Job{RouteIDs: []string{"R2_bus"}}, collect(&events))
	require.NoError(t, err)

	require.Len(t, events, smallParams().MaxGenerations+2)
	for _, e := range events[:smallParams().MaxGenerations] {
		assert.Equal(t, scheduler.EventProgress, e.Kind)
		assert.False(t, e.Terminal())
		assert.NotEmpty(t, e.CurrentSequence)
		assert.NotEmpty(t, e.CurrentPolyline)
		assert.Equal(t, "R2_bus", e.Evaluation[0].RouteID)
	}
	assert.Equal(t, scheduler.EventRouteDone, events[len(events)-2].Kind)
	assert.InDelta(t, 1.0, events[len(events)-1].Progress, 1e-12)

	// every committed polyline is a street path between consecutive stops
	rec, ok := f.cache.Get("R2_bus")
	require.True(t, ok)
	expected, _, err := f.net.RoutePolyline(rec.StopIDs)
	require.NoError(t, err)
	assert.Equal(t, expected, rec.Polyline)
	assert.Equal(t, utils.PolylineLength(expected), utils.PolylineLength(rec.Polyline))
}

func TestEventTerminal(t *testing.T) {
	assert.False(t, scheduler.Event{Kind: scheduler.EventProgress}.Terminal())
	for _, k := range []scheduler.EventKind{scheduler.EventWarning, scheduler.EventRouteDone, scheduler.EventJobDone} {
		assert.True(t, scheduler.Event{Kind: k}.Terminal(), string(k))
	}
	assert.False(t, errors.Is(scheduler.ErrBusy, scheduler.ErrEmptyJob))
}
