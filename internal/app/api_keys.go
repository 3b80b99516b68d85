package app

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyFromRequest reads the key from ?key= or, for websocket clients that
// cannot set query strings freely, the X-API-Key header.
func APIKeyFromRequest(r *http.Request) string {
	if key := r.URL.Query().Get("key"); key != "" {
		return key
	}
	return r.Header.Get("X-API-Key")
}

// RequestHasInvalidAPIKey is false for every request when no keys are configured.
func (app *Application) RequestHasInvalidAPIKey(r *http.Request) bool {
	if !app.Config.RequiresAPIKey() {
		return false
	}
	return app.IsInvalidAPIKey(APIKeyFromRequest(r))
}

func (app *Application) IsInvalidAPIKey(key string) bool {
	if key == "" {
		return true
	}
	for _, validKey := range app.Config.ApiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(validKey)) == 1 {
			return false
		}
	}
	return true
}
