package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/contentstor/contentstor/internal/models"
)

type ContentRepository struct {
	db *sql.DB
}

func NewContentRepository(db *sql.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

const contentArtifactJoinColumns = `
	ca.content_artifact_id, ca.content_id, ca.artifact_id, ca.relative_path, ca.created_at,
	a.artifact_id, a.domain_id, a.file, a.size, a.md5, a.sha1, a.sha224,
	a.sha256, a.sha384, a.sha512, a.timestamp_of_interest, a.created_at`

// versionMembership restricts repository_content rows to those active in
// version $2 of repository $1.
const versionMembership = `
	rc.repository_id = $1
	AND rc.version_added <= $2
	AND (rc.version_removed IS NULL OR rc.version_removed > $2)`

// VersionContentArtifact resolves relPath among the content of version
// `number` of the repository. ErrMultipleMatches when more than one content
// unit claims the path; the caller turns that into a server error rather
// than guessing.
func (r *ContentRepository) VersionContentArtifact(ctx context.Context, repositoryID uuid.UUID, number int64, relPath string) (*models.ContentArtifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contentArtifactJoinColumns+`
		 FROM content_artifacts ca
		 JOIN repository_content rc ON rc.content_id = ca.content_id
		 LEFT JOIN artifacts a ON a.artifact_id = ca.artifact_id
		 WHERE `+versionMembership+` AND ca.relative_path = $3
		 LIMIT 2`,
		repositoryID, number, relPath,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query version content %q: %w", relPath, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	ca, err := scanContentArtifactWithArtifact(rows)
	if err != nil {
		return nil, err
	}
	if rows.Next() {
		return nil, ErrMultipleMatches
	}
	return ca, rows.Err()
}

// VersionContentArtifactExists probes for relPath without loading it.
func (r *ContentRepository) VersionContentArtifactExists(ctx context.Context, repositoryID uuid.UUID, number int64, relPath string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM content_artifacts ca
			JOIN repository_content rc ON rc.content_id = ca.content_id
			WHERE `+versionMembership+` AND ca.relative_path = $3
		 )`, repositoryID, number, relPath,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe version content %q: %w", relPath, err)
	}
	return exists, nil
}

// ListVersionRows returns the content-artifact paths under prefix that are
// members of version `number`, with listing metadata.
func (r *ContentRepository) ListVersionRows(ctx context.Context, repositoryID uuid.UUID, number int64, prefix string) ([]models.ListingRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ca.relative_path, ca.created_at, ca.content_id, ca.content_artifact_id, a.size
		 FROM content_artifacts ca
		 JOIN repository_content rc ON rc.content_id = ca.content_id
		 LEFT JOIN artifacts a ON a.artifact_id = ca.artifact_id
		 WHERE `+versionMembership+` AND ca.relative_path LIKE $3 || '%'`,
		repositoryID, number, escapeLike(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list version content under %q: %w", prefix, err)
	}
	defer rows.Close()
	return collectListingRows(rows)
}

// ContentAddedAt returns, for each given content unit active in version
// `number`, the time its membership row was created. Listings re-stamp entry
// dates with these so a file shows when it entered the repository.
func (r *ContentRepository) ContentAddedAt(ctx context.Context, repositoryID uuid.UUID, number int64, contentIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	if len(contentIDs) == 0 {
		return map[uuid.UUID]time.Time{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT rc.content_id, rc.created_at
		 FROM repository_content rc
		 WHERE `+versionMembership+` AND rc.content_id = ANY($3)`,
		repositoryID, number, pq.Array(contentIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[uuid.UUID]time.Time, len(contentIDs))
	for rows.Next() {
		var id uuid.UUID
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		dates[id] = at
	}
	return dates, rows.Err()
}

// RemoteArtifactSizes returns known upstream sizes for on-demand content
// artifacts, keyed by content artifact id.
func (r *ContentRepository) RemoteArtifactSizes(ctx context.Context, contentArtifactIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	if len(contentArtifactIDs) == 0 {
		return map[uuid.UUID]int64{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT content_artifact_id, size FROM remote_artifacts
		 WHERE content_artifact_id = ANY($1) AND size IS NOT NULL`,
		pq.Array(contentArtifactIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote sizes: %w", err)
	}
	defer rows.Close()

	sizes := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			return nil, err
		}
		sizes[id] = size
	}
	return sizes, rows.Err()
}

// RemoteArtifactsFor returns the fetch candidates for a content artifact,
// remotes loaded, alternate sources first, skipping mirrors that failed
// after the cooldown cutoff.
func (r *ContentRepository) RemoteArtifactsFor(ctx context.Context, contentArtifactID uuid.UUID, failedCutoff time.Time) ([]*models.RemoteArtifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ra.remote_artifact_id, ra.content_artifact_id, ra.remote_id, ra.url, ra.size,
			ra.md5, ra.sha1, ra.sha224, ra.sha256, ra.sha384, ra.sha512, ra.failed_at, ra.created_at,
			rm.remote_id, rm.domain_id, rm.name, rm.pulp_type, rm.url, rm.policy,
			rm.ca_cert, rm.client_cert, rm.client_key, rm.tls_validation, rm.proxy_url,
			rm.username, rm.password, rm.headers, rm.total_timeout, rm.connect_timeout,
			rm.rate_limit, rm.acs_priority, rm.created_at, rm.updated_at
		 FROM remote_artifacts ra
		 JOIN remotes rm ON rm.remote_id = ra.remote_id
		 WHERE ra.content_artifact_id = $1
		   AND (ra.failed_at IS NULL OR ra.failed_at < $2)
		 ORDER BY rm.acs_priority DESC, ra.created_at ASC`,
		contentArtifactID, failedCutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.RemoteArtifact
	for rows.Next() {
		var ra models.RemoteArtifact
		var rm models.Remote
		err := rows.Scan(
			&ra.ID, &ra.ContentArtifactID, &ra.RemoteID, &ra.URL, &ra.Size,
			&ra.MD5, &ra.SHA1, &ra.SHA224, &ra.SHA256, &ra.SHA384, &ra.SHA512, &ra.FailedAt, &ra.CreatedAt,
			&rm.ID, &rm.DomainID, &rm.Name, &rm.PulpType, &rm.URL, &rm.Policy,
			&rm.CACert, &rm.ClientCert, &rm.ClientKey, &rm.TLSValidation, &rm.ProxyURL,
			&rm.Username, &rm.Password, &rm.Headers, &rm.TotalTimeout, &rm.ConnectTimeout,
			&rm.RateLimit, &rm.ACSPriority, &rm.CreatedAt, &rm.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		ra.Remote = &rm
		out = append(out, &ra)
	}
	return out, rows.Err()
}

// FindRemoteArtifactByURL looks up the remote artifact a pull-through
// distribution created for url on an earlier request, with its content
// artifact and artifact loaded.
func (r *ContentRepository) FindRemoteArtifactByURL(ctx context.Context, remoteID uuid.UUID, url string) (*models.RemoteArtifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ra.remote_artifact_id, ra.content_artifact_id, ra.remote_id, ra.url, ra.size,
			ra.md5, ra.sha1, ra.sha224, ra.sha256, ra.sha384, ra.sha512, ra.failed_at, ra.created_at,
			`+contentArtifactJoinColumns+`
		 FROM remote_artifacts ra
		 JOIN content_artifacts ca ON ca.content_artifact_id = ra.content_artifact_id
		 LEFT JOIN artifacts a ON a.artifact_id = ca.artifact_id
		 WHERE ra.remote_id = $1 AND ra.url = $2
		 ORDER BY ra.created_at ASC
		 LIMIT 1`,
		remoteID, url,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote artifact by url: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	var ra models.RemoteArtifact
	var ca models.ContentArtifact
	var art nullableArtifact
	err = rows.Scan(
		&ra.ID, &ra.ContentArtifactID, &ra.RemoteID, &ra.URL, &ra.Size,
		&ra.MD5, &ra.SHA1, &ra.SHA224, &ra.SHA256, &ra.SHA384, &ra.SHA512, &ra.FailedAt, &ra.CreatedAt,
		&ca.ID, &ca.ContentID, &ca.ArtifactID, &ca.RelativePath, &ca.CreatedAt,
		&art.id, &art.domainID, &art.file, &art.size, &art.md5, &art.sha1, &art.sha224,
		&art.sha256, &art.sha384, &art.sha512, &art.timestampOfInterest, &art.createdAt,
	)
	if err != nil {
		return nil, err
	}
	ca.Artifact = art.toModel()
	ra.ContentArtifact = &ca
	return &ra, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nullableArtifact buffers the LEFT JOINed artifact columns, all NULL when
// the content artifact is on-demand.
type nullableArtifact struct {
	id                  uuid.NullUUID
	domainID            uuid.NullUUID
	file                sql.NullString
	size                sql.NullInt64
	md5                 sql.NullString
	sha1                sql.NullString
	sha224              sql.NullString
	sha256              sql.NullString
	sha384              sql.NullString
	sha512              sql.NullString
	timestampOfInterest sql.NullTime
	createdAt           sql.NullTime
}

func (n *nullableArtifact) toModel() *models.Artifact {
	if !n.id.Valid {
		return nil
	}
	return &models.Artifact{
		ID:                  n.id.UUID,
		DomainID:            n.domainID.UUID,
		File:                n.file.String,
		Size:                n.size.Int64,
		MD5:                 nullableString(n.md5),
		SHA1:                nullableString(n.sha1),
		SHA224:              nullableString(n.sha224),
		SHA256:              n.sha256.String,
		SHA384:              nullableString(n.sha384),
		SHA512:              nullableString(n.sha512),
		TimestampOfInterest: n.timestampOfInterest.Time,
		CreatedAt:           n.createdAt.Time,
	}
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func scanContentArtifactWithArtifact(row rowScanner) (*models.ContentArtifact, error) {
	var ca models.ContentArtifact
	var art nullableArtifact
	err := row.Scan(
		&ca.ID, &ca.ContentID, &ca.ArtifactID, &ca.RelativePath, &ca.CreatedAt,
		&art.id, &art.domainID, &art.file, &art.size, &art.md5, &art.sha1, &art.sha224,
		&art.sha256, &art.sha384, &art.sha512, &art.timestampOfInterest, &art.createdAt,
	)
	if err != nil {
		return nil, err
	}
	ca.Artifact = art.toModel()
	return &ca, nil
}
