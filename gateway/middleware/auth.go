package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/crypto"
	"milestonemarket/gateway/auth"
)

// CallerHeader carries the acting address when authentication is disabled.
const CallerHeader = "X-Caller-Address"

type AuthConfig struct {
	Enabled       bool
	Token         auth.Config
	OptionalPaths []string
}

type contextKey string

const (
	contextKeyCaller contextKey = "escrow.caller"
	contextKeyScopes contextKey = "escrow.scopes"
)

// CallerFrom returns the authenticated caller stored on the request context.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	return caller, ok && caller != (common.Address{})
}

// ScopesFrom returns the token scopes stored on the request context.
func ScopesFrom(ctx context.Context) []string {
	scopes, _ := ctx.Value(contextKeyScopes).([]string)
	return scopes
}

// WithCaller stores the caller on the context.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// Middleware resolves the caller for every request. With authentication
// disabled the caller is read from CallerHeader; otherwise a bearer token is
// required except on optional paths, where a token is still honoured when
// present.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				raw := strings.TrimSpace(r.Header.Get(CallerHeader))
				if raw == "" {
					next.ServeHTTP(w, r)
					return
				}
				caller, err := crypto.ParseAddress(raw)
				if err != nil {
					writeProblem(w, http.StatusBadRequest, "invalid caller header")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				if a.isOptional(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				writeProblem(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			principal, err := auth.Parse(a.cfg.Token, tokenString)
			if err != nil {
				a.logger.Warn("token validation failed", "path", r.URL.Path, "error", err)
				writeProblem(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !principal.HasScopes(requiredScopes...) {
				writeProblem(w, http.StatusForbidden, "insufficient scope")
				return
			}
			ctx := WithCaller(r.Context(), principal.Caller)
			ctx = context.WithValue(ctx, contextKeyScopes, principal.Scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeProblem(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
