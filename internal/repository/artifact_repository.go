package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contentstor/contentstor/internal/models"
)

type ArtifactRepository struct {
	db *sql.DB
}

func NewArtifactRepository(db *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// SaveArtifact inserts the artifact row, or returns the row another request
// saved first. created reports whether this call inserted it; when false the
// caller owns disposing of its duplicate file. A lost row on the second look
// means orphan cleanup removed it between our insert and fetch, so the
// insert is retried once.
func (r *ArtifactRepository) SaveArtifact(ctx context.Context, artifact *models.Artifact) (*models.Artifact, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		saved, err := r.insertArtifact(ctx, artifact)
		if err == nil {
			return saved, true, nil
		}
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("failed to insert artifact: %w", err)
		}

		existing, err := r.FindArtifactBySHA256(ctx, artifact.DomainID, artifact.SHA256)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if err := r.TouchArtifact(ctx, existing.ID); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("artifact %s kept disappearing between insert and fetch", artifact.SHA256)
}

func (r *ArtifactRepository) insertArtifact(ctx context.Context, a *models.Artifact) (*models.Artifact, error) {
	saved := *a
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO artifacts (domain_id, file, size, md5, sha1, sha224, sha256, sha384, sha512)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING artifact_id, timestamp_of_interest, created_at`,
		a.DomainID, a.File, a.Size, a.MD5, a.SHA1, a.SHA224, a.SHA256, a.SHA384, a.SHA512,
	).Scan(&saved.ID, &saved.TimestampOfInterest, &saved.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *ArtifactRepository) FindArtifactBySHA256(ctx context.Context, domainID uuid.UUID, sha256 string) (*models.Artifact, error) {
	var a models.Artifact
	err := r.db.QueryRowContext(ctx,
		`SELECT artifact_id, domain_id, file, size, md5, sha1, sha224, sha256, sha384, sha512,
			timestamp_of_interest, created_at
		 FROM artifacts WHERE domain_id = $1 AND sha256 = $2`,
		domainID, sha256,
	).Scan(&a.ID, &a.DomainID, &a.File, &a.Size, &a.MD5, &a.SHA1, &a.SHA224, &a.SHA256,
		&a.SHA384, &a.SHA512, &a.TimestampOfInterest, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact by digest: %w", err)
	}
	return &a, nil
}

// TouchArtifact refreshes the artifact's interest timestamp so orphan
// cleanup keeps its hands off a row that is being served.
func (r *ArtifactRepository) TouchArtifact(ctx context.Context, artifactID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE artifacts SET timestamp_of_interest = CURRENT_TIMESTAMP WHERE artifact_id = $1`,
		artifactID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch artifact: %w", err)
	}
	return nil
}

// SaveContentWithArtifacts creates the content unit plus one content
// artifact per relative path, in one transaction. When a parallel request
// already saved the same unit, the existing row is fetched by natural key
// and any content artifacts still missing their artifact are upserted to
// point at ours. Returns the content unit's content artifacts either way.
func (r *ArtifactRepository) SaveContentWithArtifacts(ctx context.Context, content *models.Content, artifacts map[string]*models.Artifact) ([]*models.ContentArtifact, error) {
	cas, err := r.insertContentWithArtifacts(ctx, content, artifacts)
	if err == nil {
		return cas, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to save content: %w", err)
	}

	// A parallel request saved the content first.
	existing, err := r.findContentByNaturalKey(ctx, content.DomainID, content.PulpType, content.NaturalKey)
	if err != nil {
		return nil, err
	}
	*content = *existing

	cas, err = r.ContentArtifactsOf(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	if len(cas) > 0 && !anyArtifactMissing(cas) {
		return cas, nil
	}
	for relPath, artifact := range artifacts {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO content_artifacts (content_id, artifact_id, relative_path)
			 VALUES ($1, $2, $3)
			 ON CONFLICT ON CONSTRAINT content_artifacts_path_key
			 DO UPDATE SET artifact_id = EXCLUDED.artifact_id`,
			existing.ID, artifact.ID, relPath,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert content artifact %q: %w", relPath, err)
		}
	}
	return r.ContentArtifactsOf(ctx, existing.ID)
}

func (r *ArtifactRepository) insertContentWithArtifacts(ctx context.Context, content *models.Content, artifacts map[string]*models.Artifact) ([]*models.ContentArtifact, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO content (domain_id, pulp_type, natural_key)
		 VALUES ($1, $2, $3)
		 RETURNING content_id, created_at`,
		content.DomainID, content.PulpType, content.NaturalKey,
	).Scan(&content.ID, &content.CreatedAt)
	if err != nil {
		return nil, err
	}

	var cas []*models.ContentArtifact
	for relPath, artifact := range artifacts {
		ca := &models.ContentArtifact{
			ContentID:    content.ID,
			ArtifactID:   &artifact.ID,
			RelativePath: relPath,
			Artifact:     artifact,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO content_artifacts (content_id, artifact_id, relative_path)
			 VALUES ($1, $2, $3)
			 RETURNING content_artifact_id, created_at`,
			ca.ContentID, artifact.ID, relPath,
		).Scan(&ca.ID, &ca.CreatedAt)
		if err != nil {
			return nil, err
		}
		cas = append(cas, ca)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cas, nil
}

func (r *ArtifactRepository) findContentByNaturalKey(ctx context.Context, domainID uuid.UUID, pulpType, naturalKey string) (*models.Content, error) {
	var c models.Content
	err := r.db.QueryRowContext(ctx,
		`SELECT content_id, domain_id, pulp_type, natural_key, created_at
		 FROM content WHERE domain_id = $1 AND pulp_type = $2 AND natural_key = $3`,
		domainID, pulpType, naturalKey,
	).Scan(&c.ID, &c.DomainID, &c.PulpType, &c.NaturalKey, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query content by natural key: %w", err)
	}
	return &c, nil
}

// ContentArtifactsOf loads all content artifacts of a content unit with
// their artifact rows.
func (r *ArtifactRepository) ContentArtifactsOf(ctx context.Context, contentID uuid.UUID) ([]*models.ContentArtifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contentArtifactJoinColumns+`
		 FROM content_artifacts ca
		 LEFT JOIN artifacts a ON a.artifact_id = ca.artifact_id
		 WHERE ca.content_id = $1
		 ORDER BY ca.relative_path`,
		contentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query content artifacts: %w", err)
	}
	defer rows.Close()

	var cas []*models.ContentArtifact
	for rows.Next() {
		ca, err := scanContentArtifactWithArtifact(rows)
		if err != nil {
			return nil, err
		}
		cas = append(cas, ca)
	}
	return cas, rows.Err()
}

func anyArtifactMissing(cas []*models.ContentArtifact) bool {
	for _, ca := range cas {
		if ca.ArtifactID == nil {
			return true
		}
	}
	return false
}

// UpdateContentArtifactArtifact points an on-demand content artifact at the
// artifact that was just downloaded.
func (r *ArtifactRepository) UpdateContentArtifactArtifact(ctx context.Context, contentArtifactID, artifactID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE content_artifacts SET artifact_id = $2 WHERE content_artifact_id = $1`,
		contentArtifactID, artifactID,
	)
	if err != nil {
		return fmt.Errorf("failed to update content artifact: %w", err)
	}
	return nil
}

// InsertRemoteArtifact records the fetch coordinates for a content artifact.
// created is false when a parallel request already saved the same pair.
func (r *ArtifactRepository) InsertRemoteArtifact(ctx context.Context, ra *models.RemoteArtifact) (bool, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO remote_artifacts (content_artifact_id, remote_id, url, size, md5, sha1, sha224, sha256, sha384, sha512)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING remote_artifact_id, created_at`,
		ra.ContentArtifactID, ra.RemoteID, ra.URL, ra.Size,
		ra.MD5, ra.SHA1, ra.SHA224, ra.SHA256, ra.SHA384, ra.SHA512,
	).Scan(&ra.ID, &ra.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert remote artifact: %w", err)
	}
	return true, nil
}

// MarkRemoteArtifactFailed stamps the mirror as bad so it is skipped until
// the failure cooldown elapses.
func (r *ArtifactRepository) MarkRemoteArtifactFailed(ctx context.Context, remoteArtifactID uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE remote_artifacts SET failed_at = $2 WHERE remote_artifact_id = $1`,
		remoteArtifactID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark remote artifact failed: %w", err)
	}
	return nil
}

// AttachContentToRepository adds the content unit to a new complete version
// of the repository. Best effort: when another request holds the
// repository's version lock, or the content is already a member, nothing
// happens. Version numbering is serialized with a transaction-scoped
// advisory lock on the repository id.
func (r *ArtifactRepository) AttachContentToRepository(ctx context.Context, repositoryID, contentID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var locked bool
	err = tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1::text, 0))`,
		repositoryID,
	).Scan(&locked)
	if err != nil {
		return fmt.Errorf("failed to acquire repository lock: %w", err)
	}
	if !locked {
		return nil
	}

	var member bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM repository_content
			WHERE repository_id = $1 AND content_id = $2 AND version_removed IS NULL
		 )`, repositoryID, contentID,
	).Scan(&member)
	if err != nil {
		return fmt.Errorf("failed to probe repository membership: %w", err)
	}
	if member {
		return tx.Commit()
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM repository_versions WHERE repository_id = $1`,
		repositoryID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute next version number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO repository_versions (repository_id, number, complete) VALUES ($1, $2, true)`,
		repositoryID, next,
	)
	if err != nil {
		return fmt.Errorf("failed to create repository version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO repository_content (repository_id, content_id, version_added) VALUES ($1, $2, $3)`,
		repositoryID, contentID, next,
	)
	if err != nil {
		return fmt.Errorf("failed to add content to repository: %w", err)
	}

	return tx.Commit()
}
