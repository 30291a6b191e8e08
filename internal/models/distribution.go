package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Distribution pulp_type discriminators known to the core. Plugin types
// register their own detail constructors via RegisterDistributionDetail.
const (
	DistributionTypeGeneric = "core.generic"
	DistributionTypeFile    = "core.file"
	// DistributionTypeArtifact serves raw artifacts for internal use and is
	// excluded from every directory listing.
	DistributionTypeArtifact = "core.artifact"
)

// Distribution is a mount point: a base path plus exactly one serving source
// (publication, repository, repository version, or remote).
type Distribution struct {
	ID                  uuid.UUID  `json:"id"`
	DomainID            uuid.UUID  `json:"domain_id"`
	Name                string     `json:"name"`
	PulpType            string     `json:"pulp_type"`
	BasePath            string     `json:"base_path"`
	Checkpoint          bool       `json:"checkpoint"`
	Hidden              bool       `json:"hidden"`
	ContentGuardID      *uuid.UUID `json:"content_guard_id,omitempty"`
	RemoteID            *uuid.UUID `json:"remote_id,omitempty"`
	PublicationID       *uuid.UUID `json:"publication_id,omitempty"`
	RepositoryID        *uuid.UUID `json:"repository_id,omitempty"`
	RepositoryVersionID *uuid.UUID `json:"repository_version_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`

	// Relations loaded by the distribution queries; nil when the foreign key
	// is null.
	Domain            *Domain            `json:"domain,omitempty"`
	ContentGuard      *ContentGuard      `json:"content_guard,omitempty"`
	Remote            *Remote            `json:"remote,omitempty"`
	Publication       *Publication       `json:"publication,omitempty"`
	Repository        *Repository        `json:"repository,omitempty"`
	RepositoryVersion *RepositoryVersion `json:"repository_version,omitempty"`
}

// HandlerResponse is a fully formed response a distribution detail may return
// from ContentHandler instead of a ContentArtifact.
type HandlerResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// DistributionDetail supplies the per-type capability hooks the dispatcher
// consumes. The base type answers nils so plain distributions fall through
// to the publication/version/remote ladder.
type DistributionDetail interface {
	// ContentHandler may claim relPath before the normal ladder runs. It
	// returns a ContentArtifact (the gateway serves or streams it), a
	// HandlerResponse (sent as-is), or nils to continue.
	ContentHandler(ctx context.Context, relPath string) (*ContentArtifact, *HandlerResponse, error)
	// ContentHandlerListDirectory contributes extra names to the directory
	// listing of relPath.
	ContentHandlerListDirectory(ctx context.Context, relPath string) ([]string, error)
	// ContentHeadersFor lets the type add or override response headers for
	// relPath.
	ContentHeadersFor(relPath string) map[string]string
	// ServeFromPublication reports whether the type forbids serving straight
	// from a repository version when no publication exists.
	ServeFromPublication() bool
}

type distributionDetailFunc func(*Distribution) DistributionDetail

var distributionDetails = map[string]distributionDetailFunc{}

// RegisterDistributionDetail installs the detail constructor for a
// distribution pulp_type.
func RegisterDistributionDetail(pulpType string, f func(*Distribution) DistributionDetail) {
	distributionDetails[pulpType] = f
}

// Detail casts the row to its detail view. Unknown types behave like the
// base type.
func (d *Distribution) Detail() DistributionDetail {
	if f, ok := distributionDetails[d.PulpType]; ok {
		return f(d)
	}
	return baseDistributionDetail{}
}

type baseDistributionDetail struct{}

func (baseDistributionDetail) ContentHandler(context.Context, string) (*ContentArtifact, *HandlerResponse, error) {
	return nil, nil, nil
}

func (baseDistributionDetail) ContentHandlerListDirectory(context.Context, string) ([]string, error) {
	return nil, nil
}

func (baseDistributionDetail) ContentHeadersFor(string) map[string]string { return nil }

func (baseDistributionDetail) ServeFromPublication() bool { return false }
