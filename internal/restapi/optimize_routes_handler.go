package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/models"
	"routeopt.transitworks.org/internal/scheduler"
	"routeopt.transitworks.org/internal/utils"
)

// evaluator is the shared evaluator with the current max_nonlinearity.
func (api *RestAPI) evaluator() *eval.Evaluator {
	return api.Evaluator.WithMaxNonLinearity(api.Params.Get().MaxNonLinearity)
}

// optimizeRoutesHandler runs a whole job inside the request. When the job
// outlives SyncOptimizeTimeout the routes finished so far are returned with
// timed_out set.
func (api *RestAPI) optimizeRoutesHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OptimizeRoutesRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.sendError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ids, err := utils.ParseIDList(strings.Join(req.Routes, ","))
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.Scheduler.Validate(ids); err != nil {
		api.errorResponse(w, r, err, false)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.Config.SyncOptimizeTimeout)
	defer cancel()

	summary, err := api.Scheduler.Run(ctx, scheduler.Job{ID: GetRequestID(r.Context()), RouteIDs: ids, Restart: req.Restart, Mode: "sync"}, nil)
	timedOut := false
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		timedOut = true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logging.LogOperation(logging.FromContext(r.Context()), "sync_optimization_abandoned",
			slog.String("job_id", summary.JobID))
		return
	default:
		api.errorResponse(w, r, err, false)
		return
	}

	snap := api.Cache.Snapshot()
	api.sendJSON(w, r, http.StatusOK, models.NewOptimizeRoutesResponse(
		summary,
		models.RoutesCollection(api.Network, snap, ids, true),
		api.evaluator().EvaluateNetwork(snap),
		snap.NoImprovement,
		timedOut,
	))
}
