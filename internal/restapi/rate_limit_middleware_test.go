package restapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"routeopt.transitworks.org/internal/clock"
)

func limitedHandler(rl *RateLimitMiddleware) http.Handler {
	return rl.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/grid?key="+key, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_SeparateBucketsPerKey(t *testing.T) {
	rl := NewRateLimitMiddleware(1, time.Hour, nil, clock.NewMockClock(testNow))
	defer rl.Stop()
	h := limitedHandler(rl)

	assert.Equal(t, http.StatusOK, hit(h, "a").Code)
	assert.Equal(t, http.StatusOK, hit(h, "b").Code)

	w := hit(h, "a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3600", w.Header().Get("Retry-After"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 2, rl.tracked())
}

func TestRateLimitMiddleware_ExemptKeys(t *testing.T) {
	rl := NewRateLimitMiddleware(1, time.Hour, []string{" ops "}, clock.NewMockClock(testNow))
	defer rl.Stop()
	h := limitedHandler(rl)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "ops").Code)
	}
	assert.Equal(t, 0, rl.tracked())
}

func TestRateLimitMiddleware_ZeroAndNegativeLimits(t *testing.T) {
	closed := NewRateLimitMiddleware(0, time.Second, nil, nil)
	defer closed.Stop()
	assert.Equal(t, http.StatusTooManyRequests, hit(limitedHandler(closed), "a").Code)

	open := NewRateLimitMiddleware(-1, time.Second, nil, nil)
	defer open.Stop()
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, hit(limitedHandler(open), "a").Code)
	}
}

func TestRateLimitMiddleware_IdleBucketsExpire(t *testing.T) {
	mock := clock.NewMockClock(testNow)
	rl := NewRateLimitMiddleware(1, time.Hour, nil, mock)
	defer rl.Stop()
	h := limitedHandler(rl)

	assert.Equal(t, http.StatusOK, hit(h, "a").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "a").Code)

	mock.Advance(limiterIdleTTL + time.Minute)
	assert.Equal(t, 0, rl.tracked(), "an idle bucket is dropped")
	assert.Equal(t, http.StatusOK, hit(h, "a").Code, "a fresh bucket starts full")
}

func TestRateLimitMiddleware_Stop(t *testing.T) {
	rl := NewRateLimitMiddleware(5, time.Second, nil, nil)
	hit(limitedHandler(rl), "a")
	assert.Equal(t, 1, rl.tracked())

	rl.Stop()
	rl.Stop()
	assert.Equal(t, 0, rl.tracked())
}
