package models

import (
	"time"

	"github.com/google/uuid"
)

// Content guard pulp_type discriminators implemented by internal/guard.
const (
	GuardTypeHeader    = "core.header"
	GuardTypeToken     = "core.token"
	GuardTypeAPIKey    = "core.apikey"
	GuardTypeOIDC      = "core.oidc"
	GuardTypeComposite = "core.composite"
)

// ContentGuard is the opaque permit check attached to a distribution. Config
// is a JSON document interpreted per pulp_type by the guard gate.
type ContentGuard struct {
	ID        uuid.UUID `json:"id"`
	DomainID  uuid.UUID `json:"domain_id"`
	Name      string    `json:"name"`
	PulpType  string    `json:"pulp_type"`
	Config    []byte    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
