package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyConfig drives the core.apikey guard: the presented key must match one
// of the stored bcrypt digests. Keys are never stored in the clear.
type apiKeyConfig struct {
	HeaderName string   `json:"header_name,omitempty"`
	KeyDigests []string `json:"key_digests"`
}

const defaultAPIKeyHeader = "X-Api-Key"

func permitAPIKey(_ context.Context, _ *Gate, config []byte, r *http.Request) error {
	var cfg apiKeyConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("invalid apikey guard config: %w", err)
	}
	if len(cfg.KeyDigests) == 0 {
		return fmt.Errorf("apikey guard config has no key_digests")
	}

	header := cfg.HeaderName
	if header == "" {
		header = defaultAPIKeyHeader
	}

	key := r.Header.Get(header)
	if key == "" {
		return Denied("missing API key header %s", header)
	}
	for _, digest := range cfg.KeyDigests {
		if bcrypt.CompareHashAndPassword([]byte(digest), []byte(key)) == nil {
			return nil
		}
	}
	return Denied("API key not recognized")
}
