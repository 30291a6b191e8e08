package models

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is one deduplicated binary in storage, addressed by its sha256.
// File is the storage-relative path under the domain's backend.
type Artifact struct {
	ID                  uuid.UUID `json:"id"`
	DomainID            uuid.UUID `json:"domain_id"`
	File                string    `json:"file"`
	Size                int64     `json:"size"`
	MD5                 *string   `json:"md5,omitempty"`
	SHA1                *string   `json:"sha1,omitempty"`
	SHA224              *string   `json:"sha224,omitempty"`
	SHA256              string    `json:"sha256"`
	SHA384              *string   `json:"sha384,omitempty"`
	SHA512              *string   `json:"sha512,omitempty"`
	TimestampOfInterest time.Time `json:"timestamp_of_interest"`
	CreatedAt           time.Time `json:"created_at"`
}

// Content is one logical unit (a package, an index file) that may span
// several artifacts. NaturalKey is the per-type uniqueness handle used to
// converge concurrent pull-through saves onto a single row.
type Content struct {
	ID         uuid.UUID `json:"id"`
	DomainID   uuid.UUID `json:"domain_id"`
	PulpType   string    `json:"pulp_type"`
	NaturalKey string    `json:"natural_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// ContentArtifact joins a Content to an optional Artifact under a relative
// path. A nil ArtifactID means the binary has not been fetched yet and must
// be streamed from one of the RemoteArtifacts.
type ContentArtifact struct {
	ID           uuid.UUID  `json:"id"`
	ContentID    uuid.UUID  `json:"content_id"`
	ArtifactID   *uuid.UUID `json:"artifact_id,omitempty"`
	RelativePath string     `json:"relative_path"`
	CreatedAt    time.Time  `json:"created_at"`

	Artifact *Artifact `json:"artifact,omitempty"`
}

// RemoteArtifact holds the coordinates to fetch one ContentArtifact's binary
// from one Remote. FailedAt marks the mirror bad until the failure cooldown
// elapses. Expected digests/size, when present, are validated during download.
type RemoteArtifact struct {
	ID                uuid.UUID  `json:"id"`
	ContentArtifactID uuid.UUID  `json:"content_artifact_id"`
	RemoteID          uuid.UUID  `json:"remote_id"`
	URL               string     `json:"url"`
	Size              *int64     `json:"size,omitempty"`
	MD5               *string    `json:"md5,omitempty"`
	SHA1              *string    `json:"sha1,omitempty"`
	SHA224            *string    `json:"sha224,omitempty"`
	SHA256            *string    `json:"sha256,omitempty"`
	SHA384            *string    `json:"sha384,omitempty"`
	SHA512            *string    `json:"sha512,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`

	Remote          *Remote          `json:"remote,omitempty"`
	ContentArtifact *ContentArtifact `json:"content_artifact,omitempty"`
}

// ListingRow is one directory-listing candidate: a published or
// version-member relative path plus the metadata the HTML renderer shows.
// ArtifactSize is nil for on-demand entries whose size must come from a
// RemoteArtifact instead.
type ListingRow struct {
	RelativePath      string
	CreatedAt         time.Time
	ContentID         uuid.UUID
	ContentArtifactID uuid.UUID
	ArtifactSize      *int64
}

// ExpectedDigests returns the digests the upstream bytes must hash to,
// keyed by algorithm name. Empty map means nothing to validate against.
func (ra *RemoteArtifact) ExpectedDigests() map[string]string {
	digests := make(map[string]string)
	for algo, value := range map[string]*string{
		"md5":    ra.MD5,
		"sha1":   ra.SHA1,
		"sha224": ra.SHA224,
		"sha256": ra.SHA256,
		"sha384": ra.SHA384,
		"sha512": ra.SHA512,
	} {
		if value != nil && *value != "" {
			digests[algo] = *value
		}
	}
	return digests
}
