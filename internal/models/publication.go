package models

import (
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	ID        uuid.UUID  `json:"id"`
	DomainID  uuid.UUID  `json:"domain_id"`
	Name      string     `json:"name"`
	PulpType  string     `json:"pulp_type"`
	RemoteID  *uuid.UUID `json:"remote_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// pullThroughTypes names the repository types that accept content discovered
// through a pull-through fetch.
var pullThroughTypes = map[string]bool{
	"core.file": true,
}

// RegisterPullThroughType marks a repository pulp_type as accepting
// pull-through content.
func RegisterPullThroughType(pulpType string) {
	pullThroughTypes[pulpType] = true
}

// PullThroughSupported reports whether fetched content may be attached to
// this repository.
func (r *Repository) PullThroughSupported() bool {
	return pullThroughTypes[r.PulpType]
}

// RepositoryVersion is an immutable numbered snapshot of a repository's
// content set.
type RepositoryVersion struct {
	ID           uuid.UUID `json:"id"`
	RepositoryID uuid.UUID `json:"repository_id"`
	Number       int64     `json:"number"`
	Complete     bool      `json:"complete"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publication is a frozen, curated view over one repository version.
// Checkpoint publications are addressable by their creation timestamp.
type Publication struct {
	ID                  uuid.UUID `json:"id"`
	RepositoryVersionID uuid.UUID `json:"repository_version_id"`
	PassThrough         bool      `json:"pass_through"`
	Complete            bool      `json:"complete"`
	Checkpoint          bool      `json:"checkpoint"`
	CreatedAt           time.Time `json:"created_at"`

	RepositoryVersion *RepositoryVersion `json:"repository_version,omitempty"`
}

// PublishedArtifact places a ContentArtifact at a relative path inside a
// publication.
type PublishedArtifact struct {
	ID                uuid.UUID `json:"id"`
	PublicationID     uuid.UUID `json:"publication_id"`
	ContentArtifactID uuid.UUID `json:"content_artifact_id"`
	RelativePath      string    `json:"relative_path"`
	CreatedAt         time.Time `json:"created_at"`

	ContentArtifact *ContentArtifact `json:"content_artifact,omitempty"`
}
