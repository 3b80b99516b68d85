package webui

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/davecgh/go-spew/spew"
	"routeopt.transitworks.org/internal/appconf"
)

//go:embed debug_index.html
var templateFS embed.FS

var debugDataTypes = []string{"params", "cache", "noop", "attempts", "stats", "routes", "config"}

type debugData struct {
	Title string
	Pre   string
	Links []string
}

var dumper = spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true}

func writeDebugData(w http.ResponseWriter, title string, data interface{}) {
	content := dumper.Sdump(data)
	w.Header().Set("Content-Type", "text/html")
	tmpl, err := template.ParseFS(templateFS, "debug_index.html")
	if err != nil {
		slog.Error("failed to parse debug template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	err = tmpl.Execute(w, debugData{Title: title, Pre: content, Links: debugDataTypes})
	if err != nil {
		slog.Error("failed to execute debug template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (webUI *WebUI) debugIndexHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}

	var data interface{}
	var title string

	switch r.URL.Query().Get("dataType") {
	case "params":
		data = webUI.Params.Get()
		title = "ACO Parameters"
	case "cache":
		data = webUI.Cache.Records()
		title = "Optimized Routes"
	case "noop":
		data = webUI.Cache.NoImprovement()
		title = "Routes Without Improvement"
	case "attempts":
		data = webUI.Cache.Snapshot().Attempts
		title = "Optimization Attempts"
	case "stats":
		data = webUI.Network.Stats()
		title = "Network Stats"
	case "routes":
		routes := make(map[string]string)
		for _, id := range webUI.Network.RouteIDs() {
			if route, err := webUI.Network.OriginalRoute(id); err == nil {
				routes[id] = route.DisplayName()
			}
		}
		data = routes
		title = "Routes"
	case "config":
		cfg := webUI.Config
		cfg.ApiKeys = nil
		cfg.ExemptApiKeys = nil
		data = cfg
		title = "Configuration"
	default:
		data = map[string][]string{"Please use one of the following": debugDataTypes}
		title = "Choose a data type"
	}

	writeDebugData(w, title, data)
}
