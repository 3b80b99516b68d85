package restapi

import (
	"net/http"

	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/models"
	"routeopt.transitworks.org/internal/utils"
)

// evaluateRouteHandler scores a route as currently served, against the rest
// of the network as currently served.
func (api *RestAPI) evaluateRouteHandler(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("route_id")
	if err := utils.ValidateID(routeID); err != nil {
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	snap := api.Cache.Snapshot()
	view, err := api.Network.Route(routeID, snap)
	if err != nil {
		api.errorResponse(w, r, err, true)
		return
	}

	res, err := api.evaluator().EvaluateRoute(routeID, view.StopIDs, snap)
	if err != nil {
		api.errorResponse(w, r, err, true)
		return
	}
	api.sendJSON(w, r, http.StatusOK, models.NewRouteEvaluationResponse(view, res))
}

func (api *RestAPI) evaluateNetworkHandler(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, r, http.StatusOK, api.evaluator().EvaluateNetwork(api.Cache.Snapshot()))
}

func (api *RestAPI) rankRouteImprovementsHandler(w http.ResponseWriter, r *http.Request) {
	items := api.Cache.Snapshot().Improvements(func(id string) string {
		if route, err := api.Network.OriginalRoute(id); err == nil {
			return route.DisplayName()
		}
		return id
	})
	ranked := eval.RankImprovements(items)
	api.sendJSON(w, r, http.StatusOK, models.RankedRoutesResponse{RankedRoutes: ranked})
}
