package restapi

import (
	"encoding/json"
	"net/http"

	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/models"
)

func (api *RestAPI) sendResponse(w http.ResponseWriter, r *http.Request, response models.ResponseModel) {
	api.sendJSON(w, r, http.StatusOK, response)
}

// sendJSON writes a bare JSON payload. The optimizer endpoints answer with
// their payload directly; only errors and metadata use the envelope.
func (api *RestAPI) sendJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	setJSONResponseType(&w)
	w.WriteHeader(code)
	if _, err := w.Write(append(data, '\n')); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to write response", err)
	}
}

func (api *RestAPI) sendNotFound(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusNotFound, "resource not found")
}

func setJSONResponseType(w *http.ResponseWriter) {
	(*w).Header().Set("Content-Type", "application/json")
}

func (api *RestAPI) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	setJSONResponseType(&w)
	w.WriteHeader(code)

	response := models.ResponseModel{
		Code:        code,
		CurrentTime: models.ResponseCurrentTime(api.Clock),
		Text:        message,
		Version:     2,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.LogError(api.logger, "failed to encode error response", err)
	}
}
