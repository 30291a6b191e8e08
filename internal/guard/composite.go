package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// compositeConfig drives the core.composite guard: the request is permitted
// when any member guard permits it.
type compositeConfig struct {
	Guards []struct {
		PulpType string          `json:"pulp_type"`
		Config   json.RawMessage `json:"config"`
	} `json:"guards"`
}

func permitComposite(ctx context.Context, gate *Gate, config []byte, r *http.Request) error {
	var cfg compositeConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("invalid composite guard config: %w", err)
	}
	if len(cfg.Guards) == 0 {
		return fmt.Errorf("composite guard config has no members")
	}

	var lastDenial error
	for _, member := range cfg.Guards {
		err := gate.permitTyped(ctx, member.PulpType, member.Config, r)
		if err == nil {
			return nil
		}
		var perm *PermissionError
		if !errors.As(err, &perm) {
			return err
		}
		lastDenial = err
	}
	return lastDenial
}
