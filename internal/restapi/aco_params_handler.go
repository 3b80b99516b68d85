package restapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/models"
)

// updateACOParamsHandler merges the posted fields into the current
// parameters. Nothing is applied unless the merged set is valid.
func (api *RestAPI) updateACOParamsHandler(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		api.sendError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	params, err := api.Params.Update(func(p *aco.Params) error {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		return dec.Decode(p)
	})
	if err != nil {
		var typeErr *json.UnmarshalTypeError
		var verr *aco.ValidationError
		switch {
		case errors.As(err, &verr):
			api.validationErrorResponse(w, r, verr.FieldErrors)
		case errors.As(err, &typeErr) && typeErr.Field != "":
			api.validationErrorResponse(w, r, map[string][]string{
				typeErr.Field: {"must be a " + typeErr.Type.String()},
			})
		case errors.Is(err, aco.ErrInvalidParams):
			api.errorResponse(w, r, err, false)
		default:
			api.sendError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		}
		return
	}

	logging.LogOperation(logging.FromContext(r.Context()), "aco_params_updated",
		slog.Int("num_ant", params.NumAnts),
		slog.Int("max_gen", params.MaxGenerations),
		slog.Float64("alpha", params.Alpha),
		slog.Float64("beta", params.Beta),
		slog.Float64("rho", params.Rho))
	api.sendJSON(w, r, http.StatusOK, models.OKResponse{OK: true})
}

func (api *RestAPI) acoParamsHandler(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, r, http.StatusOK, api.Params.Get())
}
