// Package restapi serves the route optimizer over HTTP: the request-response
// endpoints and the /optimize-live websocket stream.
package restapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"routeopt.transitworks.org/internal/app"
)

const (
	// streamWriteWait bounds the write of one frame to a subscriber.
	streamWriteWait = 10 * time.Second
	handshakeWait   = 10 * time.Second
	maxRequestBody  = 1 << 20
)

type RestAPI struct {
	*app.Application
	rateLimiter *RateLimitMiddleware
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewRestAPI creates a new RestAPI instance with initialized rate limiter
func NewRestAPI(a *app.Application) *RestAPI {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &RestAPI{
		Application: a,
		rateLimiter: NewRateLimitMiddleware(a.Config.RateLimit, time.Second, a.Config.ExemptApiKeys, a.Clock),
		logger:      logger.With(slog.String("component", "restapi")),
	}
	api.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeWait,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      api.checkOrigin,
	}
	return api
}

// Shutdown stops background work owned by the API.
func (api *RestAPI) Shutdown() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
}

// checkOrigin accepts same-host requests, requests without an Origin header
// and the configured origins. "*" allows everyone.
func (api *RestAPI) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if api.originAllowed(origin) {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
}

func (api *RestAPI) originAllowed(origin string) bool {
	for _, allowed := range api.Config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
