package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"routeopt.transitworks.org/internal/models"
)

// streamFrame holds the fields of both frame kinds.
type streamFrame struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	Event           string   `json:"event"`
	JobID           string   `json:"job_id"`
	Iteration       int      `json:"iteration"`
	TotalIterations int      `json:"total_iterations"`
	Progress        float64  `json:"progress"`
	CurrentRoute    string   `json:"current_route"`
	ConvergedRoute  *string  `json:"converged_route"`
	AllConverged    bool     `json:"all_converged"`
	Warning         *string  `json:"warning"`
	NoopRouteIDs    []string `json:"noop_route_ids"`
	GeoJSON         *struct {
		Features []json.RawMessage `json:"features"`
	} `json:"geojson"`
}

func streamURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/optimize-live?" + query
}

func dialStream(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(streamURL(server, query), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readAll reads frames until the connection ends and returns them with the
// error that ended it.
func readAll(t *testing.T, conn *websocket.Conn) ([]streamFrame, error) {
	t.Helper()
	var frames []streamFrame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return frames, err
		}
		var f streamFrame
		require.NoError(t, json.Unmarshal(data, &f))
		frames = append(frames, f)
	}
}

func TestOptimizeLiveStreamsAJob(t *testing.T) {
	opt := &scriptedOptimizer{gain: map[string]float64{"R2_bus": 5}}
	api := createTestApiWith(t, testConfig(), opt)
	server := newTestServer(t, api)

	conn := dialStream(t, server, "route_ids=R1_tram,R2_bus&city=testville&key="+testAPIKey)
	frames, err := readAll(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream ends with a normal close, got %v", err)

	require.NotEmpty(t, frames)
	assert.Equal(t, models.StatusConnected, frames[0].Status)

	events := make([]string, 0, len(frames)-1)
	for _, f := range frames[1:] {
		events = append(events, f.Event)
	}
	assert.Equal(t, []string{"warning", "progress", "progress", "progress", "route_completed", "job_completed"}, events)

	warning := frames[1]
	require.NotNil(t, warning.Warning)
	assert.Contains(t, *warning.Warning, "WrongRouteType")
	assert.Equal(t, "R1_tram", warning.CurrentRoute)

	last := 0
	for _, f := range frames[1:] {
		assert.GreaterOrEqual(t, f.Iteration, last, "iterations never go backwards")
		assert.LessOrEqual(t, f.Iteration, f.TotalIterations)
		last = f.Iteration
		if f.Event == "progress" {
			assert.Equal(t, "R2_bus", f.CurrentRoute)
			require.NotNil(t, f.GeoJSON)
			assert.Len(t, f.GeoJSON.Features, 1)
		}
	}

	done := frames[len(frames)-1]
	assert.True(t, done.AllConverged)
	assert.Equal(t, done.TotalIterations, done.Iteration)
	assert.Equal(t, []string{"R2_bus"}, api.Cache.RouteIDs())
}

func TestOptimizeLiveRejectsBadInput(t *testing.T) {
	api := createTestApiWith(t, testConfig(), &scriptedOptimizer{})
	server := newTestServer(t, api)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"no routes", "route_ids=&key=" + testAPIKey, http.StatusBadRequest},
		{"unknown route", "route_ids=R2_bus,R404&key=" + testAPIKey, http.StatusBadRequest},
		{"unknown city", "route_ids=R2_bus&city=atlantis&key=" + testAPIKey, http.StatusNotFound},
		{"missing key", "route_ids=R2_bus", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(streamURL(server, tt.query), nil)
			if conn != nil {
				_ = conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Zero(t, testutil.ToFloat64(api.Metrics.ActiveSubscriptions))
}

func TestOptimizeLiveCancelsOnDisconnect(t *testing.T) {
	opt := &scriptedOptimizer{endless: true, delay: 2 * time.Millisecond, gain: map[string]float64{"R2_bus": 10, "R4_bus": 10}}
	api := createTestApiWith(t, testConfig(), opt)
	server := newTestServer(t, api)

	conn := dialStream(t, server, "route_ids=R2_bus,R4_bus&key="+testAPIKey)
	for i := 0; i < 5; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())

	cancelled := api.Metrics.OptimizationJobsTotal.WithLabelValues("stream", "cancelled")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(cancelled) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(api.Metrics.ActiveSubscriptions) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, api.Cache.RouteIDs(), "the route in progress is not committed")
	generations := opt.generations.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, generations, opt.generations.Load(), "no work continues after cancellation")
}

func TestOptimizeLiveIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StreamIdleTimeout = 150 * time.Millisecond
	opt := &scriptedOptimizer{endless: true, delay: 5 * time.Millisecond}
	api := createTestApiWith(t, cfg, opt)
	server := newTestServer(t, api)

	conn := dialStream(t, server, "route_ids=R2_bus&key="+testAPIKey)
	frames, err := readAll(t, conn)

	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "idle stream is closed as going away, got %v", err)
	require.NotEmpty(t, frames)
	assert.Equal(t, models.StatusConnected, frames[0].Status)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(api.Metrics.OptimizationJobsTotal.WithLabelValues("stream", "cancelled")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOptimizeLiveClientMessagesKeepStreamAlive(t *testing.T) {
	cfg := testConfig()
	cfg.StreamIdleTimeout = 150 * time.Millisecond
	// 40 generations of 10ms outlast the idle timeout several times over.
	opt := &scriptedOptimizer{delay: 10 * time.Millisecond, gain: map[string]float64{"R2_bus": 2}}
	api := createTestApiWith(t, cfg, opt)
	params := testParams()
	params.MaxGenerations = 40
	require.NoError(t, api.Params.Set(params))
	server := newTestServer(t, api)

	conn := dialStream(t, server, "route_ids=R2_bus&key="+testAPIKey)

	stop := make(chan struct{})
	pingerDone := make(chan struct{})
	go func() {
		defer close(pingerDone)
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	frames, err := readAll(t, conn)
	close(stop)
	<-pingerDone

	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.NotEmpty(t, frames)
	assert.Equal(t, "job_completed", frames[len(frames)-1].Event)
	assert.Equal(t, []string{"R2_bus"}, api.Cache.RouteIDs())
}

func TestOptimizeLiveRejectsForeignOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://planner.example.org"}
	api := createTestApiWith(t, cfg, &scriptedOptimizer{})
	server := newTestServer(t, api)

	header := http.Header{"Origin": {"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(streamURL(server, "route_ids=R2_bus&key="+testAPIKey), header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
