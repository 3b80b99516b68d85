package models

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/scheduler"
	"routeopt.transitworks.org/internal/utils"
)

const (
	StatusConnected = "connected"
	StatusError     = "error"
)

// Frame is one message on an optimization stream: a StatusFrame or a
// ProgressFrame.
type Frame interface {
	// Droppable reports whether a slow subscriber may lose the frame.
	Droppable() bool
}

// StatusFrame opens a stream ("connected") or reports a failure ("error").
type StatusFrame struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (StatusFrame) Droppable() bool { return false }

func ConnectedFrame(message string) StatusFrame {
	return StatusFrame{Status: StatusConnected, Message: message}
}

func ErrorFrame(message string) StatusFrame {
	return StatusFrame{Status: StatusError, Message: message}
}

// RouteScorePair encodes as a two element array [route_id, score].
type RouteScorePair struct {
	RouteID string
	Score   float64
}

func (p RouteScorePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.RouteID, p.Score})
}

func (p *RouteScorePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("route score pair: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.RouteID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Score)
}

// ProgressFrame carries one scheduler event.
type ProgressFrame struct {
	Event              string  `json:"event"`
	JobID              string  `json:"job_id"`
	Iteration          int     `json:"iteration"`
	TotalIterations    int     `json:"total_iterations"`
	Progress           float64 `json:"progress"`
	CurrentRoute       string  `json:"current_route"`
	CurrentRouteIndex  int     `json:"current_route_index"`
	RoutesCount        int     `json:"routes_count"`
	RouteIteration     int     `json:"route_iteration"`
	IterationsPerRoute int     `json:"iterations_per_route"`

	Evaluation       []RouteScorePair `json:"evaluation"`
	OptimizeAttempts []int            `json:"optimize_attempts"`
	AllRouteIDs      []string         `json:"all_route_ids"`

	Converged       bool     `json:"converged"`
	ConvergedRoute  *string  `json:"converged_route"`
	ConvergedRoutes []bool   `json:"converged_routes"`
	AllConverged    bool     `json:"all_converged"`
	Warning         *string  `json:"warning"`
	NoopRouteIDs    []string `json:"noop_route_ids"`
	EarlyCompletion bool     `json:"early_completion"`
	Message         string   `json:"message,omitempty"`

	CurrentScore *eval.Scores               `json:"current_score,omitempty"`
	GeoJSON      *geojson.FeatureCollection `json:"geojson,omitempty"`
}

func (f ProgressFrame) Droppable() bool {
	return f.Event == string(scheduler.EventProgress)
}

// NewProgressFrame converts ev. When the event carries a geometry it is drawn
// as a single route feature named after the original route in n.
func NewProgressFrame(ev scheduler.Event, n *network.Network) ProgressFrame {
	f := ProgressFrame{
		Event:              string(ev.Kind),
		JobID:              ev.JobID,
		Iteration:          ev.Iteration,
		TotalIterations:    ev.TotalIterations,
		Progress:           ev.Progress,
		CurrentRoute:       ev.CurrentRoute,
		CurrentRouteIndex:  ev.CurrentRouteIndex,
		RoutesCount:        ev.RoutesCount,
		RouteIteration:     ev.RouteIteration,
		IterationsPerRoute: ev.IterationsPerRoute,
		Evaluation:         make([]RouteScorePair, len(ev.Evaluation)),
		OptimizeAttempts:   nonNil(ev.OptimizeAttempts),
		AllRouteIDs:        nonNil(ev.AllRouteIDs),
		Converged:          ev.Converged,
		ConvergedRoutes:    nonNil(ev.ConvergedRoutes),
		AllConverged:       ev.AllConverged,
		NoopRouteIDs:       nonNil(ev.NoopRouteIDs),
		EarlyCompletion:    ev.EarlyCompletion,
		Message:            ev.Message,
	}
	for i, s := range ev.Evaluation {
		f.Evaluation[i] = RouteScorePair{RouteID: s.RouteID, Score: s.Score}
	}
	if ev.ConvergedRoute != "" {
		id := ev.ConvergedRoute
		f.ConvergedRoute = &id
	}
	if ev.Warning != "" {
		w := ev.Warning
		f.Warning = &w
	}
	if len(ev.CurrentPolyline) > 0 {
		scores := ev.CurrentScore
		f.CurrentScore = &scores
		g := RouteGeometry{
			RouteID:   ev.CurrentRoute,
			StopIDs:   ev.CurrentSequence,
			Polyline:  ev.CurrentPolyline,
			Optimized: true,
			Scores:    &scores,
		}
		if n != nil {
			if r, err := n.OriginalRoute(ev.CurrentRoute); err == nil {
				g.ShortName, g.LongName, g.Color, g.RouteType = r.ShortName, r.LongName, r.Color, r.Type
			}
		}
		g.LengthM = utils.PolylineLength(g.Polyline)
		f.GeoJSON = NewFeatureCollection([]RouteGeometry{g}, nil)
	}
	return f
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
