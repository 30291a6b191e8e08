package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/contentstor/contentstor/internal/config"
)

// ObjectURLOptions carries the response overrides baked into a presigned
// URL. Method distinguishes GET from HEAD where the signature covers it.
type ObjectURLOptions struct {
	ContentDisposition string
	ContentType        string
	Method             string
}

// Backend stores and serves artifact files for a deployment.
type Backend interface {
	// Kind returns the provider identifier, one of the config.Storage*
	// constants.
	Kind() string
	// LocalPath returns the absolute path of the object on disk. ok is
	// false for object storage backends.
	LocalPath(name string) (string, bool)
	// PutFile moves the local file at src into the backend under name. The
	// source file is consumed on success.
	PutFile(ctx context.Context, name, src string) error
	// Open streams the object for proxying through the app.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Exists reports whether the object is present.
	Exists(ctx context.Context, name string) (bool, error)
	// PresignedURL returns a time-limited URL for the object with the
	// response overrides applied. Backends without URL support return an
	// error.
	PresignedURL(ctx context.Context, name string, opts ObjectURLOptions) (string, error)
}

// ArtifactPath returns the backend-relative location for an artifact,
// sharded by digest prefix.
func ArtifactPath(sha256 string) string {
	return path.Join("artifact", sha256[:2], sha256[2:])
}

// New builds the backend named by the configuration.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageFilesystem:
		return NewFileBackend(cfg.MediaRoot)
	case config.StorageS3:
		return NewS3Backend(ctx, cfg)
	case config.StorageAzure:
		return NewAzureBackend(cfg)
	case config.StorageGCS:
		return NewGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
