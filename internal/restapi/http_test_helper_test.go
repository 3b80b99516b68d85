package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/app"
	"routeopt.transitworks.org/internal/appconf"
	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/metrics"
	"routeopt.transitworks.org/internal/network/networktest"
	"routeopt.transitworks.org/internal/scheduler"
)

const testAPIKey = "TEST"

var testNow = time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)

// scriptedOptimizer stands in for the ACO engine. It reports generations at
// a fixed pace and improves each route by gain[routeID] percent; endless
// runs keep going until the context ends.
type scriptedOptimizer struct {
	gain    map[string]float64
	delay   time.Duration
	endless bool

	generations atomic.Int64
}

func (o *scriptedOptimizer) Optimize(ctx context.Context, run aco.Run) (aco.Result, error) {
	id := run.Context.Route().ID
	initial, err := run.Context.Evaluate(run.Start)
	if err != nil {
		return aco.Result{}, err
	}
	res := aco.Result{RouteID: id, InitialSequence: run.Start, Initial: initial, BestSequence: run.Start, Best: initial}

	for g := 1; o.endless || g <= run.Params.MaxGenerations; g++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if o.delay > 0 {
			time.Sleep(o.delay)
		}
		o.generations.Add(1)
		res.Generations = g
		if run.OnGeneration != nil {
			run.OnGeneration(aco.Generation{
				RouteID:          id,
				Generation:       g,
				TotalGenerations: run.Params.MaxGenerations,
				BestSequence:     res.BestSequence,
				BestPolyline:     res.Best.Polyline,
				BestScore:        res.Best.Scores,
				Converged:        !o.endless && g == run.Params.MaxGenerations,
			})
		}
	}

	pct := o.gain[id]
	if pct <= 0 {
		return res, aco.ErrNoImprovement
	}
	res.Best.Scores.Composite = initial.Scores.Composite * (1 + pct/100)
	return res, nil
}

func testConfig() appconf.Config {
	cfg := appconf.Default()
	cfg.Env = appconf.Test
	cfg.City = networktest.CityName
	cfg.ApiKeys = []string{testAPIKey}
	cfg.RateLimit = 1000
	cfg.SyncOptimizeTimeout = 30 * time.Second
	cfg.StreamIdleTimeout = 5 * time.Second
	cfg.AllowedOrigins = []string{"*"}
	return cfg
}

func testParams() aco.Params {
	p := aco.DefaultParams()
	p.NumAnts = 4
	p.MaxGenerations = 3
	return p
}

// createTestApiWith builds an API around the test network. A non-nil
// optimizer replaces the ACO engine.
func createTestApiWith(t *testing.T, cfg appconf.Config, opt scheduler.Optimizer) *RestAPI {
	t.Helper()
	n := networktest.Network(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := app.Services(cfg, n, logger, clock.NewMockClock(testNow), metrics.New())
	require.NoError(t, a.Params.Set(testParams()))

	if opt != nil {
		a.Scheduler = scheduler.New(scheduler.Config{
			Network:   a.Network,
			Evaluator: a.Evaluator,
			Cache:     a.Cache,
			Params:    a.Params,
			Optimizer: opt,
			Seed:      cfg.Seed,
			MaxJobs:   cfg.MaxConcurrentJobs,
			Clock:     a.Clock,
			Logger:    logger,
			Metrics:   a.Metrics,
		})
	}

	api := NewRestAPI(a)
	t.Cleanup(api.Shutdown)
	return api
}

func createTestApi(t *testing.T) *RestAPI {
	t.Helper()
	return createTestApiWith(t, testConfig(), nil)
}

func newTestServer(t *testing.T, api *RestAPI) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	api.SetRoutes(mux)
	server := httptest.NewServer(api.Handler(mux))
	t.Cleanup(server.Close)
	return server
}

// withKey appends the test API key to path.
func withKey(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "key=" + testAPIKey
}

// getJSON fetches path and decodes the body into out when out is non-nil.
func getJSON(t *testing.T, server *httptest.Server, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	return decodeBody(t, resp, out)
}

// postJSON posts body, a string or a value to marshal, to path.
func postJSON(t *testing.T, server *httptest.Server, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	case nil:
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return decodeBody(t, resp, out)
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) *http.Response {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// fieldErrorsBody is the envelope of a 400 validation failure.
type fieldErrorsBody struct {
	Code int    `json:"code"`
	Text string `json:"text"`
	Data struct {
		FieldErrors map[string][]string `json:"fieldErrors"`
	} `json:"data"`
}
