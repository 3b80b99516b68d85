package restapi

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handlerFunc func(w http.ResponseWriter, r *http.Request)

func validateAPIKey(api *RestAPI, finalHandler handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.RequestHasInvalidAPIKey(r) {
			api.invalidAPIKeyResponse(w, r)
			return
		}
		finalHandler(w, r)
	})
}

// requireCity rejects requests for a city other than the loaded one. A
// missing ?city= means the loaded city.
func requireCity(api *RestAPI, next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if city := r.URL.Query().Get("city"); city != "" && !api.ServesCity(city) {
			api.sendError(w, r, http.StatusNotFound, fmt.Sprintf("unknown city %q", city))
			return
		}
		next(w, r)
	}
}

// handle registers an endpoint behind rate limiting, Cache-Control, the API
// key check and the city check.
func (api *RestAPI) handle(mux *http.ServeMux, pattern string, cacheSeconds int, h handlerFunc) {
	var handler http.Handler = validateAPIKey(api, requireCity(api, h))
	handler = CacheControlMiddleware(cacheSeconds, handler)
	if api.rateLimiter != nil {
		handler = api.rateLimiter.Handler()(handler)
	}
	mux.Handle(pattern, handler)
}

func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	// optimization
	api.handle(mux, "POST /optimize-routes", 0, api.optimizeRoutesHandler)
	api.handle(mux, "GET /optimize-live", 0, api.optimizeLiveHandler)
	api.handle(mux, "POST /reset-optimizations", 0, api.resetOptimizationsHandler)
	api.handle(mux, "POST /update-aco-params", 0, api.updateACOParamsHandler)
	api.handle(mux, "GET /aco-params", 0, api.acoParamsHandler)

	// results
	api.handle(mux, "GET /get-optimizations", 0, api.getOptimizationsHandler)
	api.handle(mux, "GET /get-noop-routes", 0, api.getNoopRoutesHandler)
	api.handle(mux, "GET /evaluate-route/{route_id}", 0, api.evaluateRouteHandler)
	api.handle(mux, "GET /evaluate-network", 0, api.evaluateNetworkHandler)
	api.handle(mux, "GET /rank-route-improvements", 0, api.rankRouteImprovementsHandler)

	// static city data
	api.handle(mux, "GET /grid", 300, api.gridHandler)
	api.handle(mux, "GET /get-routes", 300, api.getRoutesHandler)
	api.handle(mux, "GET /network-stats", 300, api.networkStatsHandler)
	api.handle(mux, "GET /config", 0, api.configHandler)

	mux.HandleFunc("GET /healthz", api.healthHandler)
	if api.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(api.Metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler wraps mux with the middleware shared by every endpoint.
func (api *RestAPI) Handler(mux *http.ServeMux) http.Handler {
	var handler http.Handler = MetricsHandler(api.Metrics)(mux)
	handler = NewCompressionMiddleware(DefaultCompressionConfig())(handler)
	handler = NewRequestLoggingMiddleware(api.logger)(handler)
	handler = RequestIDMiddleware(handler)
	return api.WithSecurityHeaders(handler)
}
