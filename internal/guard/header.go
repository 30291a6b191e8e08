package guard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
)

// headerConfig drives the core.header guard: the request must carry the named
// header with exactly the configured value.
type headerConfig struct {
	HeaderName  string `json:"header_name"`
	HeaderValue string `json:"header_value"`
}

func permitHeader(_ context.Context, _ *Gate, config []byte, r *http.Request) error {
	var cfg headerConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("invalid header guard config: %w", err)
	}
	if cfg.HeaderName == "" {
		return fmt.Errorf("header guard config is missing header_name")
	}

	got := r.Header.Get(cfg.HeaderName)
	if got == "" {
		return Denied("missing required header %s", cfg.HeaderName)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.HeaderValue)) != 1 {
		return Denied("header %s does not match", cfg.HeaderName)
	}
	return nil
}
