package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// tokenConfig drives the core.token guard: a Bearer JWT signed with the
// shared HMAC secret, optionally pinned to an issuer and audience.
type tokenConfig struct {
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer,omitempty"`
	Audience string `json:"audience,omitempty"`
}

func permitToken(_ context.Context, _ *Gate, config []byte, r *http.Request) error {
	var cfg tokenConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("invalid token guard config: %w", err)
	}
	if cfg.Secret == "" {
		return fmt.Errorf("token guard config is missing secret")
	}

	raw := bearerToken(r)
	if raw == "" {
		return Denied("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return Denied("invalid token: %v", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
