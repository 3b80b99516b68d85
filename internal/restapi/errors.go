package restapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/models"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/scheduler"
)

// invalidAPIKeyResponse sends a 401 Unauthorized response
func (api *RestAPI) invalidAPIKeyResponse(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusUnauthorized, "permission denied")
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(logging.FromContext(r.Context()), "request failed", err)

	response := models.NewResponse(http.StatusInternalServerError, nil, "internal server error", api.Clock)
	setJSONResponseType(&w)
	w.WriteHeader(http.StatusInternalServerError)
	if encoderErr := json.NewEncoder(w).Encode(response); encoderErr != nil {
		logging.LogError(api.logger, "failed to encode server error response", encoderErr)
	}
}

// validationErrorResponse sends a 400 Bad Request response with field-specific validation errors
func (api *RestAPI) validationErrorResponse(w http.ResponseWriter, r *http.Request, fieldErrors map[string][]string) {
	data := struct {
		FieldErrors map[string][]string `json:"fieldErrors"`
	}{
		FieldErrors: fieldErrors,
	}
	response := models.NewResponse(http.StatusBadRequest, data, "invalid parameters", api.Clock)

	setJSONResponseType(&w)
	w.WriteHeader(http.StatusBadRequest)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.LogError(api.logger, "failed to encode validation error response", err)
	}
}

// statusForError maps domain errors to HTTP status codes. Route ids that
// address a resource in the path get 404; everywhere else they are bad input.
func statusForError(err error, pathAddressed bool) int {
	switch {
	case errors.Is(err, network.ErrUnknownRoute), errors.Is(err, network.ErrUnknownStop):
		if pathAddressed {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrEmptyJob),
		errors.Is(err, aco.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse sends err with the status statusForError picks.
func (api *RestAPI) errorResponse(w http.ResponseWriter, r *http.Request, err error, pathAddressed bool) {
	code := statusForError(err, pathAddressed)
	if code == http.StatusInternalServerError {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendError(w, r, code, err.Error())
}
