package config

import (
	"fmt"
	"strings"
	"time"
)

// Config carries every tunable the gateway reads at startup. Components receive
// it (or the slice of it they need) by value; nothing reads the environment
// after Load returns.
type Config struct {
	BindAddress string
	OpsAddress  string
	Environment string
	LogLevel    string

	DatabaseURL string
	RedisURL    string

	// Content serving
	ContentPathPrefix        string
	DomainEnabled            bool
	HideGuardedDistributions bool

	// Response cache
	CacheEnabled bool
	CacheTTL     time.Duration

	// On-demand fetching
	RemoteFetchFailureCooldown time.Duration
	WorkingDirectory           string

	// Default storage backend (per-domain rows override when DomainEnabled)
	StorageBackend          string
	RedirectToObjectStorage bool
	MediaRoot               string
	PresignedURLExpiry      time.Duration

	// S3
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSBucket          string
	AWSEndpoint        string

	// Azure Blob
	AzureConnectionString string
	AzureAccountName      string
	AzureAccountKey       string
	AzureContainer        string

	// Google Cloud Storage
	GCSBucket          string
	GCSCredentialsFile string

	CORSAllowedOrigins []string
	HeartbeatInterval  time.Duration
}

// Storage backend identifiers. The shape of an artifact response is selected
// by comparing against these, so they double as the storage_backend values
// accepted on domain rows.
const (
	StorageFilesystem = "filesystem"
	StorageS3         = "s3"
	StorageAzure      = "azure"
	StorageGCS        = "gcs"
)

func Load() (*Config, error) {
	LoadEnvOnce()

	cfg := &Config{
		BindAddress: GetEnvWithFallback("BIND_ADDRESS", ":8080"),
		OpsAddress:  GetEnvWithFallback("OPS_ADDRESS", ":9090"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),
		LogLevel:    GetEnvWithFallback("LOG_LEVEL", "info"),

		DatabaseURL: GetEnvWithFallback("DATABASE_URL", "postgresql://localhost:5432/contentstor?sslmode=disable"),
		RedisURL:    GetEnvWithFallback("REDIS_URL", "redis://localhost:6379/0"),

		ContentPathPrefix:        GetEnvWithFallback("CONTENT_PATH_PREFIX", "/pulp/content/"),
		DomainEnabled:            GetEnvBool("DOMAIN_ENABLED", false),
		HideGuardedDistributions: GetEnvBool("HIDE_GUARDED_DISTRIBUTIONS", false),

		CacheEnabled: GetEnvBool("CACHE_ENABLED", false),
		CacheTTL:     GetEnvDuration("CACHE_TTL", 600*time.Second),

		RemoteFetchFailureCooldown: GetEnvDuration("REMOTE_CONTENT_FETCH_FAILURE_COOLDOWN", 300*time.Second),
		WorkingDirectory:           GetEnvWithFallback("WORKING_DIRECTORY", "/var/lib/contentstor/tmp"),

		StorageBackend:          GetEnvWithFallback("STORAGE_BACKEND", StorageFilesystem),
		RedirectToObjectStorage: GetEnvBool("REDIRECT_TO_OBJECT_STORAGE", true),
		MediaRoot:               GetEnvWithFallback("MEDIA_ROOT", "/var/lib/contentstor/media"),
		PresignedURLExpiry:      GetEnvDuration("STORAGE_URL_EXPIRY", time.Hour),

		AWSRegion:          GetEnvWithFallback("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     GetEnvWithFallback("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: GetEnvWithFallback("AWS_SECRET_ACCESS_KEY", ""),
		AWSBucket:          GetEnvWithFallback("AWS_BUCKET", ""),
		AWSEndpoint:        GetEnvWithFallback("AWS_ENDPOINT", ""),

		AzureConnectionString: GetEnvWithFallback("AZURE_CONNECTION_STRING", ""),
		AzureAccountName:      GetEnvWithFallback("AZURE_ACCOUNT_NAME", ""),
		AzureAccountKey:       GetEnvWithFallback("AZURE_ACCOUNT_KEY", ""),
		AzureContainer:        GetEnvWithFallback("AZURE_CONTAINER", ""),

		GCSBucket:          GetEnvWithFallback("GCS_BUCKET", ""),
		GCSCredentialsFile: GetEnvWithFallback("GCS_CREDENTIALS_FILE", ""),

		HeartbeatInterval: GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
	}

	if origins := GetEnvWithFallback("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	if file := GetEnvWithFallback("CONTENT_SETTINGS_FILE", ""); file != "" {
		if err := cfg.applySettingsFile(file); err != nil {
			return nil, fmt.Errorf("loading settings file %s: %w", file, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.ContentPathPrefix, "/") {
		return fmt.Errorf("CONTENT_PATH_PREFIX must start with '/', got %q", c.ContentPathPrefix)
	}
	if !strings.HasSuffix(c.ContentPathPrefix, "/") {
		c.ContentPathPrefix += "/"
	}
	switch c.StorageBackend {
	case StorageFilesystem, StorageS3, StorageAzure, StorageGCS:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	return nil
}

// IsDevelopment reports whether the gateway runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development" || c.Environment == "dev"
}
