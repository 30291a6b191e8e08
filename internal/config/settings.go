package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// settingsFile is the optional YAML overlay referenced by CONTENT_SETTINGS_FILE.
// Only keys present in the file override the environment-derived values, so a
// partial file is fine. Pointer fields distinguish "absent" from zero values.
type settingsFile struct {
	ContentPathPrefix          *string  `yaml:"content_path_prefix"`
	DomainEnabled              *bool    `yaml:"domain_enabled"`
	HideGuardedDistributions   *bool    `yaml:"hide_guarded_distributions"`
	CacheEnabled               *bool    `yaml:"cache_enabled"`
	CacheTTLSeconds            *int     `yaml:"cache_ttl_seconds"`
	RemoteFetchFailureCooldown *int     `yaml:"remote_content_fetch_failure_cooldown"`
	StorageBackend             *string  `yaml:"storage_backend"`
	RedirectToObjectStorage    *bool    `yaml:"redirect_to_object_storage"`
	MediaRoot                  *string  `yaml:"media_root"`
	WorkingDirectory           *string  `yaml:"working_directory"`
	CORSAllowedOrigins         []string `yaml:"cors_allowed_origins"`
}

func (c *Config) applySettingsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sf settingsFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return err
	}

	if sf.ContentPathPrefix != nil {
		c.ContentPathPrefix = *sf.ContentPathPrefix
	}
	if sf.DomainEnabled != nil {
		c.DomainEnabled = *sf.DomainEnabled
	}
	if sf.HideGuardedDistributions != nil {
		c.HideGuardedDistributions = *sf.HideGuardedDistributions
	}
	if sf.CacheEnabled != nil {
		c.CacheEnabled = *sf.CacheEnabled
	}
	if sf.CacheTTLSeconds != nil {
		c.CacheTTL = time.Duration(*sf.CacheTTLSeconds) * time.Second
	}
	if sf.RemoteFetchFailureCooldown != nil {
		c.RemoteFetchFailureCooldown = time.Duration(*sf.RemoteFetchFailureCooldown) * time.Second
	}
	if sf.StorageBackend != nil {
		c.StorageBackend = *sf.StorageBackend
	}
	if sf.RedirectToObjectStorage != nil {
		c.RedirectToObjectStorage = *sf.RedirectToObjectStorage
	}
	if sf.MediaRoot != nil {
		c.MediaRoot = *sf.MediaRoot
	}
	if sf.WorkingDirectory != nil {
		c.WorkingDirectory = *sf.WorkingDirectory
	}
	if len(sf.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = sf.CORSAllowedOrigins
	}
	return nil
}
