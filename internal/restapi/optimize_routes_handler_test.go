package restapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/models"
)

type geoJSONBody struct {
	Type     string `json:"type"`
	Features []struct {
		Geometry struct {
			Type string `json:"type"`
		} `json:"geometry"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"features"`
}

// featureIDs collects the route ids of the line features and the stop ids of
// the point features.
func (g geoJSONBody) featureIDs() (routes, stops []string) {
	for _, f := range g.Features {
		if id, ok := f.Properties["route_id"].(string); ok {
			routes = append(routes, id)
		}
		if id, ok := f.Properties["stop_id"].(string); ok {
			stops = append(stops, id)
		}
	}
	return routes, stops
}

type optimizeBody struct {
	JobID         string                 `json:"job_id"`
	GeoJSON       geoJSONBody            `json:"geojson"`
	Scores        eval.NetworkEvaluation `json:"scores"`
	NoImprovement []string               `json:"no_improvement"`
	Improved      []string               `json:"improved"`
	Skipped       []string               `json:"skipped"`
	TimedOut      bool                   `json:"timed_out"`
}

type optimizationsBody struct {
	GeoJSON geoJSONBody `json:"geojson"`
	Routes  []string    `json:"routes"`
}

func TestOptimizeRoutesCommitsAndResets(t *testing.T) {
	opt := &scriptedOptimizer{gain: map[string]float64{"R2_bus": 5, "R3_detour": 20, "R4_bus": 10}}
	api := createTestApiWith(t, testConfig(), opt)
	server := newTestServer(t, api)

	var body optimizeBody
	resp := postJSON(t, server, withKey("/optimize-routes"), models.OptimizeRoutesRequest{
		Routes: []string{"R1_tram", "R2_bus", "R3_detour", "R4_bus", "R9_isolated"},
	}, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEmpty(t, body.JobID)
	assert.False(t, body.TimedOut)
	assert.Equal(t, []string{"R2_bus", "R3_detour", "R4_bus"}, body.Improved)
	assert.Equal(t, []string{"R9_isolated"}, body.NoImprovement)
	assert.Equal(t, []string{"R1_tram"}, body.Skipped)
	assert.Equal(t, "FeatureCollection", body.GeoJSON.Type)
	routes, stops := body.GeoJSON.featureIDs()
	assert.ElementsMatch(t, []string{"R1_tram", "R2_bus", "R3_detour", "R4_bus", "R9_isolated"}, routes)
	assert.NotEmpty(t, stops)
	assert.Greater(t, body.Scores.Original.Composite, 0.0)

	t.Run("ranking orders by improvement", func(t *testing.T) {
		var ranked models.RankedRoutesResponse
		getJSON(t, server, withKey("/rank-route-improvements"), &ranked)
		require.Len(t, ranked.RankedRoutes, 3)
		assert.Equal(t, "R3_detour", ranked.RankedRoutes[0].RouteID)
		assert.Equal(t, "Northern Serpentine", ranked.RankedRoutes[0].RouteLongName)
		assert.InDelta(t, 20.0, ranked.RankedRoutes[0].Improvement, 1e-9)
		assert.Equal(t, "R4_bus", ranked.RankedRoutes[1].RouteID)
		assert.InDelta(t, 10.0, ranked.RankedRoutes[1].Improvement, 1e-9)
		assert.Equal(t, "R2_bus", ranked.RankedRoutes[2].RouteID)
		assert.InDelta(t, 5.0, ranked.RankedRoutes[2].Improvement, 1e-9)
	})

	t.Run("optimizations list the improved routes", func(t *testing.T) {
		var opts optimizationsBody
		getJSON(t, server, withKey("/get-optimizations"), &opts)
		assert.Equal(t, []string{"R2_bus", "R3_detour", "R4_bus"}, opts.Routes)
		routes, _ := opts.GeoJSON.featureIDs()
		assert.ElementsMatch(t, opts.Routes, routes)
		for _, f := range opts.GeoJSON.Features {
			if _, ok := f.Properties["route_id"]; ok {
				assert.Equal(t, true, f.Properties["optimized"])
			}
		}

		var noop models.RouteListResponse
		getJSON(t, server, withKey("/get-noop-routes"), &noop)
		assert.Equal(t, []string{"R9_isolated"}, noop.Routes)
	})

	t.Run("reset empties the results", func(t *testing.T) {
		var ok models.OKResponse
		resp := postJSON(t, server, withKey("/reset-optimizations"), nil, &ok)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, ok.OK)

		var opts optimizationsBody
		getJSON(t, server, withKey("/get-optimizations"), &opts)
		assert.Empty(t, opts.Routes)
		assert.Empty(t, opts.GeoJSON.Features)

		var noop models.RouteListResponse
		getJSON(t, server, withKey("/get-noop-routes"), &noop)
		assert.Empty(t, noop.Routes)

		var ranked models.RankedRoutesResponse
		getJSON(t, server, withKey("/rank-route-improvements"), &ranked)
		assert.Empty(t, ranked.RankedRoutes)

		var scores eval.NetworkEvaluation
		getJSON(t, server, withKey("/evaluate-network"), &scores)
		assert.Equal(t, scores.Original, scores.Optimized)
	})
}

func TestOptimizeRoutesRunsTheEngine(t *testing.T) {
	api := createTestApi(t)
	server := newTestServer(t, api)

	var body optimizeBody
	resp := postJSON(t, server, withKey("/optimize-routes"), map[string]interface{}{"routes": []string{"R3_detour"}}, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the route ends up in exactly one of the result sets
	assert.Len(t, append(body.Improved, body.NoImprovement...), 1)
	assert.Empty(t, body.Skipped)
	assert.Equal(t, len(body.Improved) == 1, len(api.Cache.RouteIDs()) == 1)
}

func TestOptimizeRoutesRejectsBadInput(t *testing.T) {
	api := createTestApiWith(t, testConfig(), &scriptedOptimizer{})
	server := newTestServer(t, api)

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"empty route list", withKey("/optimize-routes"), `{"routes":[]}`, http.StatusBadRequest},
		{"unknown route", withKey("/optimize-routes"), `{"routes":["R404"]}`, http.StatusBadRequest},
		{"malformed id", withKey("/optimize-routes"), `{"routes":["R2 bus"]}`, http.StatusBadRequest},
		{"invalid JSON", withKey("/optimize-routes"), `{"routes":`, http.StatusBadRequest},
		{"unknown field", withKey("/optimize-routes"), `{"routes":["R2_bus"],"speed":11}`, http.StatusBadRequest},
		{"unknown city", withKey("/optimize-routes?city=atlantis"), `{"routes":["R2_bus"]}`, http.StatusNotFound},
		{"missing key", "/optimize-routes", `{"routes":["R2_bus"]}`, http.StatusUnauthorized},
		{"wrong key", "/optimize-routes?key=nope", `{"routes":["R2_bus"]}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var envelope models.ResponseModel
			resp := postJSON(t, server, tt.path, tt.body, &envelope)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, tt.want, envelope.Code)
			assert.NotEmpty(t, envelope.Text)
		})
	}
	assert.Empty(t, api.Cache.RouteIDs())
}

func TestOptimizeRoutesAcceptsKnownCity(t *testing.T) {
	api := createTestApiWith(t, testConfig(), &scriptedOptimizer{gain: map[string]float64{"R2_bus": 3}})
	server := newTestServer(t, api)

	var body optimizeBody
	resp := postJSON(t, server, withKey("/optimize-routes?city=TESTVILLE"), `{"routes":["R2_bus"]}`, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"R2_bus"}, body.Improved)
}

func TestOptimizeRoutesTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.SyncOptimizeTimeout = 100 * time.Millisecond
	opt := &scriptedOptimizer{endless: true, delay: 5 * time.Millisecond, gain: map[string]float64{"R2_bus": 10}}
	api := createTestApiWith(t, cfg, opt)
	server := newTestServer(t, api)

	var body optimizeBody
	resp := postJSON(t, server, withKey("/optimize-routes"), `{"routes":["R2_bus","R4_bus"]}`, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, body.TimedOut)
	assert.Empty(t, body.Improved)
	assert.Empty(t, api.Cache.RouteIDs(), "the route in progress is not committed")
	assert.Greater(t, opt.generations.Load(), int64(0))
}

func TestOptimizeRoutesRestartKeepsBetterStoredRoute(t *testing.T) {
	opt := &scriptedOptimizer{gain: map[string]float64{"R2_bus": 10}}
	api := createTestApiWith(t, testConfig(), opt)
	server := newTestServer(t, api)

	var first optimizeBody
	resp := postJSON(t, server, withKey("/optimize-routes"), models.OptimizeRoutesRequest{Routes: []string{"R2_bus"}}, &first)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"R2_bus"}, first.Improved)
	firstRun, ok := api.Cache.Get("R2_bus")
	require.True(t, ok)

	stored := firstRun
	stored.ScoreAfter.Composite = firstRun.ScoreBefore.Composite * 1.5
	stored.ImprovementPct = 0
	require.NoError(t, api.Cache.Store(stored))
	stored, _ = api.Cache.Get("R2_bus")

	// Restarting from the original sequence gains 10% again, short of the stored 50%.
	var again optimizeBody
	resp = postJSON(t, server, withKey("/optimize-routes"), models.OptimizeRoutesRequest{
		Routes:  []string{"R2_bus"},
		Restart: true,
	}, &again)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, again.Improved)

	kept, ok := api.Cache.Get("R2_bus")
	require.True(t, ok)
	assert.Equal(t, stored.ScoreAfter.Composite, kept.ScoreAfter.Composite)
	assert.Equal(t, stored.UpdatedAt, kept.UpdatedAt)
	assert.Equal(t, 2, api.Cache.Attempts("R2_bus"))

	var noop models.RouteListResponse
	resp = getJSON(t, server, withKey("/get-noop-routes"), &noop)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, noop.Routes, "R2_bus", "the stored optimization is still served")
}
