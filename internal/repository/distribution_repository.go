package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/contentstor/contentstor/internal/models"
)

type DistributionRepository struct {
	db *sql.DB
}

func NewDistributionRepository(db *sql.DB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

const distributionColumns = `
	d.distribution_id, d.domain_id, d.name, d.pulp_type, d.base_path,
	d.checkpoint, d.hidden, d.content_guard_id, d.remote_id, d.publication_id,
	d.repository_id, d.repository_version_id, d.created_at, d.updated_at`

// GetDomainByName resolves a domain row; single-tenant deployments always ask
// for "default".
func (r *DistributionRepository) GetDomainByName(ctx context.Context, name string) (*models.Domain, error) {
	var d models.Domain
	err := r.db.QueryRowContext(ctx,
		`SELECT domain_id, name, storage_backend, redirect_to_object_storage, created_at, updated_at
		 FROM domains WHERE name = $1`, name,
	).Scan(&d.ID, &d.Name, &d.StorageBackend, &d.RedirectToObjectStorage, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query domain %q: %w", name, err)
	}
	return &d, nil
}

// FindByBasePaths returns the single distribution whose base_path is among
// basePaths, with its serving relations loaded. ErrNotFound when no row
// matches; ErrMultipleMatches can not happen because base_path is unique per
// domain and the candidates are ancestors of one request path.
func (r *DistributionRepository) FindByBasePaths(ctx context.Context, domainID uuid.UUID, basePaths []string) (*models.Distribution, error) {
	if len(basePaths) == 0 {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT`+distributionColumns+`
		 FROM distributions d
		 WHERE d.domain_id = $1 AND d.base_path = ANY($2)`,
		domainID, pq.Array(basePaths),
	)
	distro, err := scanDistribution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match distribution: %w", err)
	}
	if err := r.loadRelations(ctx, distro); err != nil {
		return nil, err
	}
	return distro, nil
}

// CountByBasePathPrefix reports how many distributions live under the prefix.
// Used to decide between listing, redirect, and 404 for partial paths.
func (r *DistributionRepository) CountByBasePathPrefix(ctx context.Context, domainID uuid.UUID, prefix string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM distributions
		 WHERE domain_id = $1 AND base_path LIKE $2 || '%'`,
		domainID, escapeLike(prefix),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count distributions under %q: %w", prefix, err)
	}
	return n, nil
}

// ListableBasePaths returns the base paths under prefix that may appear in a
// directory listing: artifact-type and hidden distributions are excluded, and
// guarded ones too when hideGuarded is set.
func (r *DistributionRepository) ListableBasePaths(ctx context.Context, domainID uuid.UUID, prefix string, hideGuarded bool) ([]string, error) {
	query := `SELECT base_path FROM distributions
		 WHERE domain_id = $1 AND base_path LIKE $2 || '%'
		   AND pulp_type <> $3 AND hidden = false`
	args := []interface{}{domainID, escapeLike(prefix), models.DistributionTypeArtifact}
	if hideGuarded {
		query += ` AND content_guard_id IS NULL`
	}
	query += ` ORDER BY base_path`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list base paths under %q: %w", prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func scanDistribution(row *sql.Row) (*models.Distribution, error) {
	var d models.Distribution
	err := row.Scan(
		&d.ID, &d.DomainID, &d.Name, &d.PulpType, &d.BasePath,
		&d.Checkpoint, &d.Hidden, &d.ContentGuardID, &d.RemoteID, &d.PublicationID,
		&d.RepositoryID, &d.RepositoryVersionID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// loadRelations populates the foreign rows the dispatcher consumes. One query
// per set relation; distributions rarely have more than two set.
func (r *DistributionRepository) loadRelations(ctx context.Context, d *models.Distribution) error {
	var domain models.Domain
	err := r.db.QueryRowContext(ctx,
		`SELECT domain_id, name, storage_backend, redirect_to_object_storage, created_at, updated_at
		 FROM domains WHERE domain_id = $1`, d.DomainID,
	).Scan(&domain.ID, &domain.Name, &domain.StorageBackend, &domain.RedirectToObjectStorage,
		&domain.CreatedAt, &domain.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to load domain: %w", err)
	}
	d.Domain = &domain

	if d.ContentGuardID != nil {
		var g models.ContentGuard
		err := r.db.QueryRowContext(ctx,
			`SELECT guard_id, domain_id, name, pulp_type, config, created_at, updated_at
			 FROM content_guards WHERE guard_id = $1`, *d.ContentGuardID,
		).Scan(&g.ID, &g.DomainID, &g.Name, &g.PulpType, &g.Config, &g.CreatedAt, &g.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to load content guard: %w", err)
		}
		d.ContentGuard = &g
	}

	if d.RemoteID != nil {
		remote, err := r.getRemote(ctx, *d.RemoteID)
		if err != nil {
			return fmt.Errorf("failed to load remote: %w", err)
		}
		d.Remote = remote
	}

	if d.PublicationID != nil {
		pub, err := r.getPublication(ctx, *d.PublicationID)
		if err != nil {
			return fmt.Errorf("failed to load publication: %w", err)
		}
		d.Publication = pub
	}

	if d.RepositoryID != nil {
		var repo models.Repository
		err := r.db.QueryRowContext(ctx,
			`SELECT repository_id, domain_id, name, pulp_type, remote_id, created_at, updated_at
			 FROM repositories WHERE repository_id = $1`, *d.RepositoryID,
		).Scan(&repo.ID, &repo.DomainID, &repo.Name, &repo.PulpType, &repo.RemoteID,
			&repo.CreatedAt, &repo.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to load repository: %w", err)
		}
		d.Repository = &repo
	}

	if d.RepositoryVersionID != nil {
		version, err := r.getRepositoryVersion(ctx, *d.RepositoryVersionID)
		if err != nil {
			return fmt.Errorf("failed to load repository version: %w", err)
		}
		d.RepositoryVersion = version
	}

	return nil
}

func (r *DistributionRepository) getRemote(ctx context.Context, id uuid.UUID) (*models.Remote, error) {
	var m models.Remote
	err := r.db.QueryRowContext(ctx,
		`SELECT remote_id, domain_id, name, pulp_type, url, policy,
			ca_cert, client_cert, client_key, tls_validation, proxy_url,
			username, password, headers, total_timeout, connect_timeout,
			rate_limit, acs_priority, created_at, updated_at
		 FROM remotes WHERE remote_id = $1`, id,
	).Scan(&m.ID, &m.DomainID, &m.Name, &m.PulpType, &m.URL, &m.Policy,
		&m.CACert, &m.ClientCert, &m.ClientKey, &m.TLSValidation, &m.ProxyURL,
		&m.Username, &m.Password, &m.Headers, &m.TotalTimeout, &m.ConnectTimeout,
		&m.RateLimit, &m.ACSPriority, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *DistributionRepository) getPublication(ctx context.Context, id uuid.UUID) (*models.Publication, error) {
	var p models.Publication
	var v models.RepositoryVersion
	err := r.db.QueryRowContext(ctx,
		`SELECT p.publication_id, p.repository_version_id, p.pass_through, p.complete,
			p.checkpoint, p.created_at,
			v.version_id, v.repository_id, v.number, v.complete, v.created_at
		 FROM publications p
		 JOIN repository_versions v ON v.version_id = p.repository_version_id
		 WHERE p.publication_id = $1`, id,
	).Scan(&p.ID, &p.RepositoryVersionID, &p.PassThrough, &p.Complete,
		&p.Checkpoint, &p.CreatedAt,
		&v.ID, &v.RepositoryID, &v.Number, &v.Complete, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.RepositoryVersion = &v
	return &p, nil
}

func (r *DistributionRepository) getRepositoryVersion(ctx context.Context, id uuid.UUID) (*models.RepositoryVersion, error) {
	var v models.RepositoryVersion
	err := r.db.QueryRowContext(ctx,
		`SELECT version_id, repository_id, number, complete, created_at
		 FROM repository_versions WHERE version_id = $1`, id,
	).Scan(&v.ID, &v.RepositoryID, &v.Number, &v.Complete, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// escapeLike neutralizes LIKE metacharacters in user-derived prefixes.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
