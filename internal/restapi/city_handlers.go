package restapi

import (
	"net/http"

	"routeopt.transitworks.org/internal/models"
)

func (api *RestAPI) gridHandler(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, r, http.StatusOK, models.NewGridCells(api.Network.Demand))
}

// getRoutesHandler draws the original network without stops.
func (api *RestAPI) getRoutesHandler(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, r, http.StatusOK, models.RoutesCollection(api.Network, nil, api.Network.RouteIDs(), false))
}

func (api *RestAPI) networkStatsHandler(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, r, http.StatusOK, api.Network.Stats())
}
