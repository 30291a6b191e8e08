package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("CONTENT_PATH_PREFIX")
	os.Unsetenv("CACHE_ENABLED")
	os.Unsetenv("CONTENT_SETTINGS_FILE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ContentPathPrefix != "/pulp/content/" {
		t.Errorf("Expected default prefix /pulp/content/, got %q", cfg.ContentPathPrefix)
	}
	if cfg.CacheEnabled {
		t.Error("Cache should be disabled by default")
	}
	if cfg.RemoteFetchFailureCooldown != 300*time.Second {
		t.Errorf("Expected 5m cooldown, got %s", cfg.RemoteFetchFailureCooldown)
	}
	if cfg.StorageBackend != StorageFilesystem {
		t.Errorf("Expected filesystem backend, got %q", cfg.StorageBackend)
	}

	t.Log("✓ Default configuration test passed")
}

func TestLoadPrefixNormalization(t *testing.T) {
	os.Setenv("CONTENT_PATH_PREFIX", "/content")
	defer os.Unsetenv("CONTENT_PATH_PREFIX")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ContentPathPrefix != "/content/" {
		t.Errorf("Expected trailing slash appended, got %q", cfg.ContentPathPrefix)
	}

	t.Log("✓ Prefix normalization test passed")
}

func TestLoadRejectsBadBackend(t *testing.T) {
	os.Setenv("STORAGE_BACKEND", "tape")
	defer os.Unsetenv("STORAGE_BACKEND")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unknown storage backend")
	}

	t.Log("✓ Bad backend rejection test passed")
}

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		value    string
		expected time.Duration
	}{
		{"", 42 * time.Second},
		{"90", 90 * time.Second},
		{"2m", 2 * time.Minute},
		{"nonsense", 42 * time.Second},
	}

	for _, tc := range cases {
		if tc.value == "" {
			os.Unsetenv("TEST_DURATION")
		} else {
			os.Setenv("TEST_DURATION", tc.value)
		}
		got := GetEnvDuration("TEST_DURATION", 42*time.Second)
		if got != tc.expected {
			t.Errorf("TEST_DURATION=%q: expected %s, got %s", tc.value, tc.expected, got)
		}
	}
	os.Unsetenv("TEST_DURATION")

	t.Log("✓ Duration parsing test passed")
}

func TestSettingsFileOverlay(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "settings.yaml")
	content := []byte("cache_enabled: true\ncache_ttl_seconds: 120\ncontent_path_prefix: /mirror/\n")
	if err := os.WriteFile(file, content, 0o644); err != nil {
		t.Fatalf("Failed to write settings file: %v", err)
	}

	os.Setenv("CONTENT_SETTINGS_FILE", file)
	defer os.Unsetenv("CONTENT_SETTINGS_FILE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.CacheEnabled {
		t.Error("Settings file should have enabled the cache")
	}
	if cfg.CacheTTL != 120*time.Second {
		t.Errorf("Expected 120s TTL from settings file, got %s", cfg.CacheTTL)
	}
	if cfg.ContentPathPrefix != "/mirror/" {
		t.Errorf("Expected /mirror/ prefix from settings file, got %q", cfg.ContentPathPrefix)
	}

	t.Log("✓ Settings file overlay test passed")
}
