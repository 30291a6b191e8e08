package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contentstor/contentstor/internal/models"
)

type PublicationRepository struct {
	db *sql.DB
}

func NewPublicationRepository(db *sql.DB) *PublicationRepository {
	return &PublicationRepository{db: db}
}

// LatestCompletePublication returns the newest complete publication built
// from the given repository version.
func (r *PublicationRepository) LatestCompletePublication(ctx context.Context, versionID uuid.UUID) (*models.Publication, error) {
	var p models.Publication
	err := r.db.QueryRowContext(ctx,
		`SELECT publication_id, repository_version_id, pass_through, complete, checkpoint, created_at
		 FROM publications
		 WHERE repository_version_id = $1 AND complete = true
		 ORDER BY created_at DESC
		 LIMIT 1`, versionID,
	).Scan(&p.ID, &p.RepositoryVersionID, &p.PassThrough, &p.Complete, &p.Checkpoint, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest publication: %w", err)
	}
	return &p, nil
}

// LatestCompletePublicationForRepository returns the newest complete
// publication across all of the repository's versions, preferring the
// highest version, with that version loaded.
func (r *PublicationRepository) LatestCompletePublicationForRepository(ctx context.Context, repositoryID uuid.UUID) (*models.Publication, error) {
	var p models.Publication
	var v models.RepositoryVersion
	err := r.db.QueryRowContext(ctx,
		`SELECT p.publication_id, p.repository_version_id, p.pass_through, p.complete,
			p.checkpoint, p.created_at,
			v.version_id, v.repository_id, v.number, v.complete, v.created_at
		 FROM publications p
		 JOIN repository_versions v ON v.version_id = p.repository_version_id
		 WHERE v.repository_id = $1 AND p.complete = true
		 ORDER BY v.number DESC, p.created_at DESC
		 LIMIT 1`, repositoryID,
	).Scan(&p.ID, &p.RepositoryVersionID, &p.PassThrough, &p.Complete,
		&p.Checkpoint, &p.CreatedAt,
		&v.ID, &v.RepositoryID, &v.Number, &v.Complete, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query repository publication: %w", err)
	}
	p.RepositoryVersion = &v
	return &p, nil
}

// LatestCompleteVersion returns the repository's newest complete version.
func (r *PublicationRepository) LatestCompleteVersion(ctx context.Context, repositoryID uuid.UUID) (*models.RepositoryVersion, error) {
	var v models.RepositoryVersion
	err := r.db.QueryRowContext(ctx,
		`SELECT version_id, repository_id, number, complete, created_at
		 FROM repository_versions
		 WHERE repository_id = $1 AND complete = true
		 ORDER BY number DESC
		 LIMIT 1`, repositoryID,
	).Scan(&v.ID, &v.RepositoryID, &v.Number, &v.Complete, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest version: %w", err)
	}
	return &v, nil
}

// CheckpointPublicationAtOrBefore returns the newest complete checkpoint
// publication of the repository created at or before ts, with its repository
// version loaded for serving.
func (r *PublicationRepository) CheckpointPublicationAtOrBefore(ctx context.Context, repositoryID uuid.UUID, ts time.Time) (*models.Publication, error) {
	var p models.Publication
	var v models.RepositoryVersion
	err := r.db.QueryRowContext(ctx,
		`SELECT p.publication_id, p.repository_version_id, p.pass_through, p.complete,
			p.checkpoint, p.created_at,
			v.version_id, v.repository_id, v.number, v.complete, v.created_at
		 FROM publications p
		 JOIN repository_versions v ON v.version_id = p.repository_version_id
		 WHERE v.repository_id = $1 AND p.checkpoint = true AND p.complete = true
		   AND p.created_at <= $2
		 ORDER BY p.created_at DESC
		 LIMIT 1`, repositoryID, ts,
	).Scan(&p.ID, &p.RepositoryVersionID, &p.PassThrough, &p.Complete,
		&p.Checkpoint, &p.CreatedAt,
		&v.ID, &v.RepositoryID, &v.Number, &v.Complete, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint publication: %w", err)
	}
	p.RepositoryVersion = &v
	return &p, nil
}

// CheckpointTimestamps lists the creation times of all complete checkpoint
// publications of the repository, oldest first.
func (r *PublicationRepository) CheckpointTimestamps(ctx context.Context, repositoryID uuid.UUID) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.created_at
		 FROM publications p
		 JOIN repository_versions v ON v.version_id = p.repository_version_id
		 WHERE v.repository_id = $1 AND p.checkpoint = true AND p.complete = true
		 ORDER BY p.created_at ASC`, repositoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var timestamps []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		timestamps = append(timestamps, ts)
	}
	return timestamps, rows.Err()
}

// PublishedContentArtifact resolves relPath inside a publication to its
// content artifact, artifact row included when the binary is local.
func (r *PublicationRepository) PublishedContentArtifact(ctx context.Context, publicationID uuid.UUID, relPath string) (*models.ContentArtifact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contentArtifactJoinColumns+`
		 FROM published_artifacts pa
		 JOIN content_artifacts ca ON ca.content_artifact_id = pa.content_artifact_id
		 LEFT JOIN artifacts a ON a.artifact_id = ca.artifact_id
		 WHERE pa.publication_id = $1 AND pa.relative_path = $2`,
		publicationID, relPath,
	)
	ca, err := scanContentArtifactWithArtifact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query published artifact %q: %w", relPath, err)
	}
	return ca, nil
}

// PublishedArtifactExists reports whether relPath is published, without
// loading the row. Used for the index.html probe on directory requests.
func (r *PublicationRepository) PublishedArtifactExists(ctx context.Context, publicationID uuid.UUID, relPath string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM published_artifacts
			WHERE publication_id = $1 AND relative_path = $2
		 )`, publicationID, relPath,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe published artifact %q: %w", relPath, err)
	}
	return exists, nil
}

// ListPublishedRows returns every published path under prefix with listing
// metadata. ArtifactSize is nil for on-demand entries.
func (r *PublicationRepository) ListPublishedRows(ctx context.Context, publicationID uuid.UUID, prefix string) ([]models.ListingRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT pa.relative_path, pa.created_at, ca.content_id, ca.content_artifact_id, a.size
		 FROM published_artifacts pa
		 JOIN content_artifacts ca ON ca.content_artifact_id = pa.content_artifact_id
		 LEFT JOIN artifacts a ON a.artifact_id = ca.artifact_id
		 WHERE pa.publication_id = $1 AND pa.relative_path LIKE $2 || '%'`,
		publicationID, escapeLike(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list published paths under %q: %w", prefix, err)
	}
	defer rows.Close()
	return collectListingRows(rows)
}

func collectListingRows(rows *sql.Rows) ([]models.ListingRow, error) {
	var out []models.ListingRow
	for rows.Next() {
		var lr models.ListingRow
		if err := rows.Scan(&lr.RelativePath, &lr.CreatedAt, &lr.ContentID, &lr.ContentArtifactID, &lr.ArtifactSize); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}
