package restapi

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type requestIDKey struct{}

const (
	requestIDHeader   = "X-Request-ID"
	maxRequestIDBytes = 128
)

// Client supplied ids are echoed back only when they are short and printable.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// RequestIDMiddleware tags every request with an id, taken from X-Request-ID
// when acceptable and generated otherwise. Optimization jobs started by the
// request reuse it as their job id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if len(id) > maxRequestIDBytes || !requestIDPattern.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the id set by RequestIDMiddleware, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
