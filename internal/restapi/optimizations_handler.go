package restapi

import (
	"log/slog"
	"net/http"

	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/models"
)

func (api *RestAPI) getOptimizationsHandler(w http.ResponseWriter, r *http.Request) {
	snap := api.Cache.Snapshot()
	ids := snap.RouteIDs()
	api.sendJSON(w, r, http.StatusOK, models.OptimizationsResponse{
		GeoJSON: models.RoutesCollection(api.Network, snap, ids, true),
		Routes:  ids,
	})
}

func (api *RestAPI) getNoopRoutesHandler(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, r, http.StatusOK, models.NewRouteListResponse(api.Cache.NoImprovement()))
}

// resetOptimizationsHandler drops every optimized route, the no-improvement
// set and the attempt counters. Jobs still running keep committing.
func (api *RestAPI) resetOptimizationsHandler(w http.ResponseWriter, r *http.Request) {
	before := len(api.Cache.RouteIDs())
	api.Cache.Reset()
	logging.LogOperation(logging.FromContext(r.Context()), "optimizations_reset",
		slog.Int("routes_cleared", before))
	api.sendJSON(w, r, http.StatusOK, models.OKResponse{OK: true})
}
