package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"milestonemarket/gateway/auth"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(caller.Hex()))
	})
}

func TestAuthDisabledReadsCallerHeader(t *testing.T) {
	handler := NewAuthenticator(AuthConfig{}, nil).Middleware()(callerEcho())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	req.Header.Set(CallerHeader, alice.Hex())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, alice.Hex(), res.Body.String())

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/escrows", nil))
	require.Equal(t, "anonymous", res.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	req.Header.Set(CallerHeader, "bob")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAuthEnabledRequiresToken(t *testing.T) {
	tokenCfg := auth.Config{HMACSecret: "secret", Issuer: "escrowd"}
	authn := NewAuthenticator(AuthConfig{Enabled: true, Token: tokenCfg, OptionalPaths: []string{"/healthz"}}, nil)
	handler := authn.Middleware()(callerEcho())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/escrows", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "anonymous", res.Body.String())

	token, err := auth.Issue(tokenCfg, alice, nil, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(CallerHeader, "0x00000000000000000000000000000000000000b2")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, alice.Hex(), res.Body.String(), "header is ignored once tokens are required")

	req = httptest.NewRequest(http.MethodPost, "/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAuthScopes(t *testing.T) {
	tokenCfg := auth.Config{HMACSecret: "secret"}
	handler := NewAuthenticator(AuthConfig{Enabled: true, Token: tokenCfg}, nil).Middleware("admin")(callerEcho())

	plain, err := auth.Issue(tokenCfg, alice, []string{"escrow"}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/clock/advance", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)

	admin, err := auth.Issue(tokenCfg, alice, []string{"admin"}, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, res.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, "abc-123", seen)
}

func TestObservabilityLogsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := NewObservability(ObservabilityConfig{Enabled: true, LogRequests: true, MetricsPrefix: "test"}, logger)

	router := chi.NewRouter()
	router.Use(obs.Middleware)
	router.Get("/v1/escrows/{address}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", obs.MetricsHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/0xabc", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(httptest.NewRecorder(), req)

	logged := buf.String()
	require.Contains(t, logged, `"route":"/v1/escrows/{address}"`)
	require.Contains(t, logged, `"status":404`)
	require.NotContains(t, logged, "secret-token")

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, res.Body.String(), `test_requests_total{method="GET",route="/v1/escrows/{address}",status="404"} 1`)
}

func TestCORS(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/escrows", nil)
	req.Header.Set("Origin", "https://app.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://app.example", res.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), CallerHeader)
}
