package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultDomainName backs single-tenant deployments. When DOMAIN_ENABLED is
// off every query is scoped to this domain.
const DefaultDomainName = "default"

type Domain struct {
	ID                      uuid.UUID `json:"id"`
	Name                    string    `json:"name"`
	StorageBackend          string    `json:"storage_backend"`
	RedirectToObjectStorage bool      `json:"redirect_to_object_storage"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// AppStatus is one heartbeat row per live content-serving process.
type AppStatus struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}
