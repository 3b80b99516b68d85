package restapi

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/time/rate"
	"routeopt.transitworks.org/internal/app"
	clockpkg "routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/models"
)

const (
	// limiterIdleTTL drops the token bucket of a key nobody used for a while.
	limiterIdleTTL = 10 * time.Minute
	maxTrackedKeys = 10000
	anonymousKey   = "__no_key__"
)

// RateLimitMiddleware gives every API key its own token bucket. Buckets live
// in an LRU whose entries expire limiterIdleTTL after their last request.
type RateLimitMiddleware struct {
	limit    rate.Limit
	every    time.Duration
	burst    int
	exempt   map[string]bool
	limiters gcache.Cache
	clock    clockpkg.Clock
}

// NewRateLimitMiddleware allows perInterval requests per interval and key,
// with bursts of perInterval. A negative perInterval disables limiting and
// zero rejects every request.
func NewRateLimitMiddleware(perInterval int, interval time.Duration, exemptKeys []string, clock clockpkg.Clock) *RateLimitMiddleware {
	if clock == nil {
		clock = clockpkg.RealClock{}
	}

	rl := &RateLimitMiddleware{
		burst:  perInterval,
		exempt: make(map[string]bool),
		clock:  clock,
	}
	switch {
	case perInterval < 0:
		rl.limit = rate.Inf
	case perInterval == 0:
		rl.limit = 0
	default:
		rl.every = interval / time.Duration(perInterval)
		rl.limit = rate.Every(rl.every)
	}
	for _, key := range exemptKeys {
		if key = strings.TrimSpace(key); key != "" {
			rl.exempt[key] = true
		}
	}
	rl.limiters = gcache.New(maxTrackedKeys).
		LRU().
		Expiration(limiterIdleTTL).
		Clock(clock).
		LoaderFunc(func(interface{}) (interface{}, error) {
			return rate.NewLimiter(rl.limit, rl.burst), nil
		}).
		Build()
	return rl
}

func (rl *RateLimitMiddleware) Handler() func(http.Handler) http.Handler {
	return rl.rateLimitHandler
}

// limiterFor returns the key's bucket and pushes its expiry forward.
func (rl *RateLimitMiddleware) limiterFor(apiKey string) *rate.Limiter {
	v, err := rl.limiters.Get(apiKey)
	if err != nil {
		// The loader never fails; fall back to an untracked bucket.
		return rate.NewLimiter(rl.limit, rl.burst)
	}
	limiter := v.(*rate.Limiter)
	_ = rl.limiters.Set(apiKey, limiter)
	return limiter
}

func (rl *RateLimitMiddleware) rateLimitHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := app.APIKeyFromRequest(r)
		if apiKey == "" {
			apiKey = anonymousKey
		}
		if rl.exempt[apiKey] {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiterFor(apiKey).Allow() {
			rl.sendRateLimitExceeded(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole number of seconds until the next token.
func (rl *RateLimitMiddleware) retryAfter() int {
	switch rl.limit {
	case 0:
		return int(time.Hour.Seconds())
	case rate.Inf:
		return 1
	}
	return int(math.Max(1, math.Ceil(rl.every.Seconds())))
}

func (rl *RateLimitMiddleware) sendRateLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)

	body := models.ResponseModel{
		Code:        http.StatusTooManyRequests,
		CurrentTime: models.ResponseCurrentTime(rl.clock),
		Text:        "Rate limit exceeded. Please try again later.",
		Version:     2,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode rate limit response", slog.String("error", err.Error()))
	}
}

// tracked reports how many keys currently hold a bucket.
func (rl *RateLimitMiddleware) tracked() int {
	return rl.limiters.Len(true)
}

// Stop releases every bucket. It is safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.limiters.Purge()
}
