package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	require.Equal(t, "1", res.Header().Get("Retry-After"))
}

func TestRateLimiterSeparatesCallers(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	for _, hex := range []string{"0x01", "0x02"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/escrows", nil)
		req = req.WithContext(WithCaller(req.Context(), common.HexToAddress(hex)))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, hex)
	}
}

func TestRateLimiterForwardedFor(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	reqA.Header.Set("X-Forwarded-For", "10.0.0.1, 192.168.0.1")
	reqB := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	reqB.Header.Set("X-Forwarded-For", "10.0.0.2")

	for _, req := range []*http.Request{reqA, reqB} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code)
	}
	require.Equal(t, "10.0.0.1", clientID(reqA))
}

func TestRateLimiterDisabledAndEviction(t *testing.T) {
	open := NewRateLimiter(RateLimit{}, nil).Middleware(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		open.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, res.Code)
	}

	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("a")
	require.Len(t, limiter.visitors, 1)
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("b")
	require.Len(t, limiter.visitors, 1)
	_, ok := limiter.visitors["b"]
	require.True(t, ok)
}
