package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// migrationLockID is arbitrary but must stay consistent so concurrent
// gateway processes serialize their migration runs.
const migrationLockID = 424242001

// RunMigrations creates the metadata schema. Statements are idempotent so the
// gateway can run them on every start.
func RunMigrations(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Acquiring migration lock...")
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec("SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Printf("Failed to release migration lock: %v", err)
		}
	}()

	migrations := []string{
		// Domains scope every other row. The default domain is seeded by
		// InitializeDefaultData.
		`CREATE TABLE IF NOT EXISTS domains (
			domain_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) UNIQUE NOT NULL,
			storage_backend VARCHAR(50) NOT NULL DEFAULT 'filesystem',
			redirect_to_object_storage BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS content_guards (
			guard_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			domain_id UUID NOT NULL REFERENCES domains(domain_id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			pulp_type VARCHAR(100) NOT NULL,
			config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(domain_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS remotes (
			remote_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			domain_id UUID NOT NULL REFERENCES domains(domain_id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			pulp_type VARCHAR(100) NOT NULL DEFAULT 'core.file',
			url TEXT NOT NULL,
			policy VARCHAR(20) NOT NULL DEFAULT 'immediate',
			ca_cert TEXT,
			client_cert TEXT,
			client_key TEXT,
			tls_validation BOOLEAN NOT NULL DEFAULT true,
			proxy_url TEXT,
			username TEXT,
			password TEXT,
			headers JSONB,
			total_timeout BIGINT,
			connect_timeout BIGINT,
			rate_limit INTEGER,
			acs_priority INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(domain_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS repositories (
			repository_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			domain_id UUID NOT NULL REFERENCES domains(domain_id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			pulp_type VARCHAR(100) NOT NULL DEFAULT 'core.file',
			remote_id UUID REFERENCES remotes(remote_id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(domain_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS repository_versions (
			version_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			repository_id UUID NOT NULL REFERENCES repositories(repository_id) ON DELETE CASCADE,
			number BIGINT NOT NULL,
			complete BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(repository_id, number)
		)`,

		`CREATE TABLE IF NOT EXISTS publications (
			publication_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			repository_version_id UUID NOT NULL REFERENCES repository_versions(version_id) ON DELETE CASCADE,
			pass_through BOOLEAN NOT NULL DEFAULT false,
			complete BOOLEAN NOT NULL DEFAULT false,
			checkpoint BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_publications_checkpoint
			ON publications(checkpoint, created_at)`,

		// Artifacts are deduplicated binaries; sha256 is the content address.
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			domain_id UUID NOT NULL REFERENCES domains(domain_id) ON DELETE CASCADE,
			file TEXT NOT NULL,
			size BIGINT NOT NULL,
			md5 VARCHAR(32),
			sha1 VARCHAR(40),
			sha224 VARCHAR(56),
			sha256 VARCHAR(64) NOT NULL,
			sha384 VARCHAR(96),
			sha512 VARCHAR(128),
			timestamp_of_interest TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT artifacts_domain_sha256_key UNIQUE(domain_id, sha256)
		)`,

		`CREATE TABLE IF NOT EXISTS content (
			content_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			domain_id UUID NOT NULL REFERENCES domains(domain_id) ON DELETE CASCADE,
			pulp_type VARCHAR(100) NOT NULL,
			natural_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT content_natural_key_key UNIQUE(domain_id, pulp_type, natural_key)
		)`,

		`CREATE TABLE IF NOT EXISTS content_artifacts (
			content_artifact_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			content_id UUID NOT NULL REFERENCES content(content_id) ON DELETE CASCADE,
			artifact_id UUID REFERENCES artifacts(artifact_id) ON DELETE SET NULL,
			relative_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT content_artifacts_path_key UNIQUE(content_id, relative_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_artifacts_relative_path
			ON content_artifacts(relative_path)`,

		`CREATE TABLE IF NOT EXISTS remote_artifacts (
			remote_artifact_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			content_artifact_id UUID NOT NULL REFERENCES content_artifacts(content_artifact_id) ON DELETE CASCADE,
			remote_id UUID NOT NULL REFERENCES remotes(remote_id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			size BIGINT,
			md5 VARCHAR(32),
			sha1 VARCHAR(40),
			sha224 VARCHAR(56),
			sha256 VARCHAR(64),
			sha384 VARCHAR(96),
			sha512 VARCHAR(128),
			failed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT remote_artifacts_ca_remote_key UNIQUE(content_artifact_id, remote_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_artifacts_remote_url
			ON remote_artifacts(remote_id, url)`,

		// Membership intervals: content is in version N of its repository iff
		// version_added <= N < coalesce(version_removed, infinity).
		`CREATE TABLE IF NOT EXISTS repository_content (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			repository_id UUID NOT NULL REFERENCES repositories(repository_id) ON DELETE CASCADE,
			content_id UUID NOT NULL REFERENCES content(content_id) ON DELETE CASCADE,
			version_added BIGINT NOT NULL,
			version_removed BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(repository_id, content_id, version_added)
		)`,

		`CREATE TABLE IF NOT EXISTS published_artifacts (
			published_artifact_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			publication_id UUID NOT NULL REFERENCES publications(publication_id) ON DELETE CASCADE,
			content_artifact_id UUID NOT NULL REFERENCES content_artifacts(content_artifact_id) ON DELETE CASCADE,
			relative_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT published_artifacts_path_key UNIQUE(publication_id, relative_path)
		)`,

		`CREATE TABLE IF NOT EXISTS distributions (
			distribution_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			domain_id UUID NOT NULL REFERENCES domains(domain_id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			pulp_type VARCHAR(100) NOT NULL DEFAULT 'core.generic',
			base_path TEXT NOT NULL,
			checkpoint BOOLEAN NOT NULL DEFAULT false,
			hidden BOOLEAN NOT NULL DEFAULT false,
			content_guard_id UUID REFERENCES content_guards(guard_id) ON DELETE SET NULL,
			remote_id UUID REFERENCES remotes(remote_id) ON DELETE SET NULL,
			publication_id UUID REFERENCES publications(publication_id) ON DELETE SET NULL,
			repository_id UUID REFERENCES repositories(repository_id) ON DELETE SET NULL,
			repository_version_id UUID REFERENCES repository_versions(version_id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT distributions_base_path_key UNIQUE(domain_id, base_path),
			UNIQUE(domain_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_distributions_base_path
			ON distributions(base_path)`,

		// One heartbeat row per live content-serving process.
		`CREATE TABLE IF NOT EXISTS app_status (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) UNIQUE NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations complete")
	return nil
}
