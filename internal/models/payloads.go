package models

import (
	"github.com/paulmach/orb/geojson"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/scheduler"
	"routeopt.transitworks.org/internal/utils"
)

// OptimizeRoutesRequest is the body of POST /optimize-routes.
type OptimizeRoutesRequest struct {
	Routes []string `json:"routes"`
	// Restart ignores cached optimizations and starts from the originals.
	Restart bool `json:"restart,omitempty"`
}

type RouteFailureModel struct {
	RouteID string `json:"route_id"`
	Error   string `json:"error"`
}

type OptimizeRoutesResponse struct {
	JobID         string                     `json:"job_id"`
	GeoJSON       *geojson.FeatureCollection `json:"geojson"`
	Scores        eval.NetworkEvaluation     `json:"scores"`
	NoImprovement []string                   `json:"no_improvement"`
	Improved      []string                   `json:"improved"`
	Skipped       []string                   `json:"skipped"`
	Failed        []RouteFailureModel        `json:"failed,omitempty"`
	TimedOut      bool                       `json:"timed_out"`
}

// NewOptimizeRoutesResponse combines a job summary with the network state
// read after the job.
func NewOptimizeRoutesResponse(summary scheduler.Summary, fc *geojson.FeatureCollection, scores eval.NetworkEvaluation, noop []string, timedOut bool) OptimizeRoutesResponse {
	resp := OptimizeRoutesResponse{
		JobID:         summary.JobID,
		GeoJSON:       fc,
		Scores:        scores,
		NoImprovement: nonNil(noop),
		Improved:      nonNil(summary.Improved),
		Skipped:       nonNil(summary.Skipped),
		TimedOut:      timedOut,
	}
	for _, f := range summary.Failed {
		resp.Failed = append(resp.Failed, RouteFailureModel{RouteID: f.RouteID, Error: f.Err.Error()})
	}
	return resp
}

type OptimizationsResponse struct {
	GeoJSON *geojson.FeatureCollection `json:"geojson"`
	Routes  []string                   `json:"routes"`
}

type RouteListResponse struct {
	Routes []string `json:"routes"`
}

func NewRouteListResponse(ids []string) RouteListResponse {
	return RouteListResponse{Routes: nonNil(ids)}
}

type RouteEvaluationResponse struct {
	RouteID   string      `json:"route_id"`
	Scores    eval.Scores `json:"scores"`
	Ridership []int       `json:"ridership"`
	StopIDs   []string    `json:"stop_ids"`
	// Polyline uses the encoded polyline algorithm format.
	Polyline  string  `json:"polyline"`
	LengthM   float64 `json:"length_m"`
	Optimized bool    `json:"optimized"`
}

func NewRouteEvaluationResponse(view network.RouteView, res eval.RouteEvaluation) RouteEvaluationResponse {
	return RouteEvaluationResponse{
		RouteID:   view.Route.ID,
		Scores:    res.Scores,
		Ridership: nonNil(res.Ridership),
		StopIDs:   nonNil(view.StopIDs),
		Polyline:  utils.EncodePolyline(res.Polyline),
		LengthM:   res.LengthM,
		Optimized: view.Optimized,
	}
}

type RankedRoutesResponse struct {
	RankedRoutes []eval.Improvement `json:"ranked_routes"`
}

// GridCell is one demand grid cell, keyed the way map layers expect.
type GridCell struct {
	Coordinates [2]float64 `json:"COORDINATES"`
	Population  float64    `json:"POPULATION"`
}

// NewGridCells lists every cell centre as [lng, lat] in cell order.
func NewGridCells(g *network.DemandGrid) []GridCell {
	cells := make([]GridCell, g.CellCount())
	for i := range cells {
		c := g.CellCenter(i)
		cells[i] = GridCell{
			Coordinates: [2]float64{c.Lon, c.Lat},
			Population:  g.Population(i),
		}
	}
	return cells
}
