package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	oidclib "github.com/coreos/go-oidc/v3/oidc"
)

// oidcConfig drives the core.oidc guard: a Bearer token verified against the
// issuer's published keys, optionally requiring a scope claim.
type oidcConfig struct {
	Issuer        string `json:"issuer"`
	ClientID      string `json:"client_id,omitempty"`
	RequiredScope string `json:"required_scope,omitempty"`
}

func permitOIDC(ctx context.Context, gate *Gate, config []byte, r *http.Request) error {
	var cfg oidcConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("invalid oidc guard config: %w", err)
	}
	if cfg.Issuer == "" {
		return fmt.Errorf("oidc guard config is missing issuer")
	}

	raw := bearerToken(r)
	if raw == "" {
		return Denied("missing bearer token")
	}

	provider, err := gate.provider(ctx, cfg.Issuer)
	if err != nil {
		return err
	}

	verifierCfg := &oidclib.Config{ClientID: cfg.ClientID}
	if cfg.ClientID == "" {
		verifierCfg.SkipClientIDCheck = true
	}

	token, err := provider.Verifier(verifierCfg).Verify(ctx, raw)
	if err != nil {
		return Denied("invalid token: %v", err)
	}

	if cfg.RequiredScope != "" {
		var claims struct {
			Scope string `json:"scope"`
		}
		if err := token.Claims(&claims); err != nil {
			return Denied("token carries no scope claim")
		}
		for _, s := range strings.Fields(claims.Scope) {
			if s == cfg.RequiredScope {
				return nil
			}
		}
		return Denied("token is missing scope %s", cfg.RequiredScope)
	}
	return nil
}
