package content

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/storage"
)

// The store interfaces mirror the queries internal/repository implements.
// The handler depends on them rather than on *sql.DB so tests can run on
// in-memory fakes.

type DistributionStore interface {
	GetDomainByName(ctx context.Context, name string) (*models.Domain, error)
	FindByBasePaths(ctx context.Context, domainID uuid.UUID, basePaths []string) (*models.Distribution, error)
	CountByBasePathPrefix(ctx context.Context, domainID uuid.UUID, prefix string) (int, error)
	ListableBasePaths(ctx context.Context, domainID uuid.UUID, prefix string, hideGuarded bool) ([]string, error)
}

type PublicationStore interface {
	LatestCompletePublication(ctx context.Context, versionID uuid.UUID) (*models.Publication, error)
	LatestCompletePublicationForRepository(ctx context.Context, repositoryID uuid.UUID) (*models.Publication, error)
	LatestCompleteVersion(ctx context.Context, repositoryID uuid.UUID) (*models.RepositoryVersion, error)
	CheckpointPublicationAtOrBefore(ctx context.Context, repositoryID uuid.UUID, ts time.Time) (*models.Publication, error)
	CheckpointTimestamps(ctx context.Context, repositoryID uuid.UUID) ([]time.Time, error)
	PublishedContentArtifact(ctx context.Context, publicationID uuid.UUID, relPath string) (*models.ContentArtifact, error)
	PublishedArtifactExists(ctx context.Context, publicationID uuid.UUID, relPath string) (bool, error)
	ListPublishedRows(ctx context.Context, publicationID uuid.UUID, prefix string) ([]models.ListingRow, error)
}

type ContentStore interface {
	VersionContentArtifact(ctx context.Context, repositoryID uuid.UUID, number int64, relPath string) (*models.ContentArtifact, error)
	VersionContentArtifactExists(ctx context.Context, repositoryID uuid.UUID, number int64, relPath string) (bool, error)
	ListVersionRows(ctx context.Context, repositoryID uuid.UUID, number int64, prefix string) ([]models.ListingRow, error)
	ContentAddedAt(ctx context.Context, repositoryID uuid.UUID, number int64, contentIDs []uuid.UUID) (map[uuid.UUID]time.Time, error)
	RemoteArtifactSizes(ctx context.Context, contentArtifactIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	RemoteArtifactsFor(ctx context.Context, contentArtifactID uuid.UUID, failedCutoff time.Time) ([]*models.RemoteArtifact, error)
	FindRemoteArtifactByURL(ctx context.Context, remoteID uuid.UUID, url string) (*models.RemoteArtifact, error)
}

type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact *models.Artifact) (*models.Artifact, bool, error)
	SaveContentWithArtifacts(ctx context.Context, content *models.Content, artifacts map[string]*models.Artifact) ([]*models.ContentArtifact, error)
	UpdateContentArtifactArtifact(ctx context.Context, contentArtifactID, artifactID uuid.UUID) error
	InsertRemoteArtifact(ctx context.Context, ra *models.RemoteArtifact) (bool, error)
	MarkRemoteArtifactFailed(ctx context.Context, remoteArtifactID uuid.UUID, at time.Time) error
	AttachContentToRepository(ctx context.Context, repositoryID, contentID uuid.UUID) error
}

// Stores bundles the four store dependencies for the handler constructor.
type Stores struct {
	Distributions DistributionStore
	Publications  PublicationStore
	Contents      ContentStore
	Artifacts     ArtifactStore
}

// BackendResolver yields the storage backend serving a domain's artifacts.
type BackendResolver func(ctx context.Context, domain *models.Domain) (storage.Backend, error)
