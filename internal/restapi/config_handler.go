package restapi

import (
	"net/http"

	"routeopt.transitworks.org/internal/models"
)

func (api *RestAPI) configHandler(w http.ResponseWriter, r *http.Request) {
	entry := models.ConfigModel{
		Id:        "routeopt",
		Name:      "Transit Route Optimizer",
		City:      api.CityName(),
		Version:   models.BuildVersion(),
		ACOParams: api.Params.Get(),
		Evaluation: models.EvaluationModel{
			WalkRadiusM:     api.Config.Evaluation.WalkRadiusM,
			TransferRadiusM: api.Config.Evaluation.TransferRadiusM,
			Period:          api.Config.Evaluation.Period,
		},
		StreamIdleTimeoutS: api.Config.StreamIdleTimeout.Seconds(),
	}

	api.sendResponse(w, r, models.NewOKResponse(entry, api.Clock))
}
