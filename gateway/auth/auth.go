package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"milestonemarket/crypto"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Caller common.Address
	Scopes []string
}

// Config holds the shared HMAC secret and the expected registered claims.
type Config struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

func (c Config) secret() ([]byte, error) {
	secret := strings.TrimSpace(c.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	return []byte(secret), nil
}

func (c Config) scopeClaim() string {
	if c.ScopeClaim == "" {
		return "scope"
	}
	return c.ScopeClaim
}

// Issue signs an HS256 token whose subject is the caller address.
func Issue(cfg Config, caller common.Address, scopes []string, ttl time.Duration) (string, error) {
	secret, err := cfg.secret()
	if err != nil {
		return "", err
	}
	if caller == (common.Address{}) {
		return "", errors.New("caller required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": caller.Hex(),
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	if len(scopes) > 0 {
		claims[cfg.scopeClaim()] = strings.Join(scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Parse validates a token and extracts the principal.
func Parse(cfg Config, tokenString string) (*Principal, error) {
	secret, err := cfg.secret()
	if err != nil {
		return nil, err
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	caller, err := crypto.ParseAddress(sub)
	if err != nil {
		return nil, fmt.Errorf("subject %q is not an address", sub)
	}
	if caller == (common.Address{}) {
		return nil, errors.New("subject is the zero address")
	}
	return &Principal{Caller: caller, Scopes: extractScopes(claims, cfg.scopeClaim())}, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasScopes reports whether every required scope is present.
func (p *Principal) HasScopes(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(p.Scopes))
	for _, scope := range p.Scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}
