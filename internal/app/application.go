package app

import (
	"log/slog"
	"strings"

	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/appconf"
	"routeopt.transitworks.org/internal/cache"
	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/metrics"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/scheduler"
)

// Application holds the dependencies for our HTTP handlers, helpers,
// and middleware. The network and evaluator are read-only after startup;
// the cache and the parameter store are the only mutable state.
type Application struct {
	Config    appconf.Config
	Logger    *slog.Logger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	CityDB    *citydb.Client
	Network   *network.Network
	Evaluator *eval.Evaluator
	Cache     *cache.Cache
	Params    *aco.ParamStore
	Scheduler *scheduler.Scheduler
}

// Services wires the evaluator, results cache, parameter store and
// scheduler around an already built network. Nil logger, clock and metrics
// fall back to slog.Default, the real clock and no metrics.
func Services(cfg appconf.Config, n *network.Network, logger *slog.Logger, c clock.Clock, m *metrics.Metrics) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.RealClock{}
	}

	evaluator := eval.New(n, eval.Options{
		WalkRadiusM:     cfg.Evaluation.WalkRadiusM,
		TransferRadiusM: cfg.Evaluation.TransferRadiusM,
		Period:          cfg.Evaluation.Period,
	})
	results := cache.New(c)
	params := aco.NewParamStore(aco.DefaultParams())
	engine := aco.NewEngine(aco.Config{
		Clock:                  c,
		Metrics:                m,
		Logger:                 logger,
		ExpectedGenerationTime: cfg.ExpectedGenerationTime,
	})

	return &Application{
		Config:    cfg,
		Logger:    logger,
		Clock:     c,
		Metrics:   m,
		Network:   n,
		Evaluator: evaluator,
		Cache:     results,
		Params:    params,
		Scheduler: scheduler.New(scheduler.Config{
			Network:   n,
			Evaluator: evaluator,
			Cache:     results,
			Params:    params,
			Optimizer: engine,
			Seed:      cfg.Seed,
			MaxJobs:   cfg.MaxConcurrentJobs,
			Clock:     c,
			Logger:    logger,
			Metrics:   m,
		}),
	}
}

// CityName is the name clients pass in ?city=.
func (app *Application) CityName() string {
	if app.Network != nil && app.Network.Name != "" {
		return app.Network.Name
	}
	return app.Config.City
}

// ServesCity reports whether name selects the loaded city. Both the
// configured name and the name stored in the city database are accepted.
func (app *Application) ServesCity(name string) bool {
	name = strings.TrimSpace(name)
	return strings.EqualFold(name, app.Config.City) || strings.EqualFold(name, app.CityName())
}
