package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	envOnce   sync.Once
	envLoaded bool
)

// LoadEnvOnce loads the .env file only once during the application lifecycle.
// This prevents multiple packages from trying to load the same file.
func LoadEnvOnce() {
	envOnce.Do(func() {
		loadEnvironment()
	})
}

func loadEnvironment() {
	// Try to load .env from multiple possible locations
	envPaths := []string{
		".env",
		"../.env",
		"../../.env",
		filepath.Join(os.Getenv("APP_ROOT"), ".env"),
	}

	var loaded bool
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				log.Printf("Environment loaded from: %s", path)
				loaded = true
				break
			}
		}
	}

	if !loaded {
		if isContainerEnvironment() {
			log.Println("Running in container - using environment variables")
		} else if isDevelopment() {
			log.Println("Warning: .env file not found - using environment variables or defaults")
		}
	}

	envLoaded = true
}

// isContainerEnvironment detects if we're running in a container.
func isContainerEnvironment() bool {
	indicators := []string{
		"/.dockerenv",        // Docker
		"/run/.containerenv", // Podman
	}
	for _, indicator := range indicators {
		if _, err := os.Stat(indicator); err == nil {
			return true
		}
	}

	containerEnvVars := []string{
		"KUBERNETES_SERVICE_HOST",
		"DOCKER_CONTAINER",
		"CONTAINER_ID",
	}
	for _, envVar := range containerEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	// Critical env vars already set usually means a container deployment
	return os.Getenv("DATABASE_URL") != "" && os.Getenv("BIND_ADDRESS") != ""
}

func isDevelopment() bool {
	env := os.Getenv("ENVIRONMENT")
	return env == "" || env == "development" || env == "dev"
}

// GetEnvWithFallback gets an environment variable with a fallback value.
func GetEnvWithFallback(key, fallback string) string {
	LoadEnvOnce()

	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// MustGetEnv gets an environment variable or exits if not found.
func MustGetEnv(key string) string {
	LoadEnvOnce()

	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("Required environment variable %s is not set", key)
	}
	return value
}

// GetEnvBool gets an environment variable as boolean with fallback.
func GetEnvBool(key string, fallback bool) bool {
	LoadEnvOnce()

	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value == "true" || value == "1" || value == "yes" || value == "on"
}

// GetEnvInt gets an environment variable as int with fallback.
func GetEnvInt(key string, fallback int) int {
	LoadEnvOnce()

	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: %s=%q is not an integer, using %d", key, value, fallback)
		return fallback
	}
	return n
}

// GetEnvDuration gets an environment variable as a duration with fallback.
// Accepts either a Go duration string ("5m") or a plain number of seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	LoadEnvOnce()

	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Warning: %s=%q is not a duration, using %s", key, value, fallback)
	return fallback
}

// IsEnvLoaded returns whether the environment has been loaded.
func IsEnvLoaded() bool {
	return envLoaded
}
