package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestArtifactPathSharding(t *testing.T) {
	sha := "ab56b4d92b40713acc5af89985d4b786a1b3c9e5f2a0d1c8e7b6a5d4c3b2a1f0"
	if got := ArtifactPath(sha); got != "artifact/ab/"+sha[2:] {
		t.Errorf("Unexpected artifact path %q", got)
	}
	t.Log("✓ Artifact path test passed")
}

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "spool")
	if err := os.WriteFile(src, []byte("artifact body"), 0644); err != nil {
		t.Fatalf("Failed to write spool: %v", err)
	}

	const name = "artifact/ab/cdef"
	if err := backend.PutFile(ctx, name, src); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("PutFile must consume the source file")
	}

	exists, err := backend.Exists(ctx, name)
	if err != nil || !exists {
		t.Errorf("Expected object to exist, got %v, %v", exists, err)
	}

	body, err := backend.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer body.Close()
	got, _ := io.ReadAll(body)
	if string(got) != "artifact body" {
		t.Errorf("Body mismatch: %q", got)
	}

	local, ok := backend.LocalPath(name)
	if !ok {
		t.Fatal("Filesystem backend must expose local paths")
	}
	if _, err := os.Stat(local); err != nil {
		t.Errorf("Local path does not exist: %v", err)
	}

	if _, err := backend.PresignedURL(ctx, name, ObjectURLOptions{}); err == nil {
		t.Errorf("Filesystem backend must not issue URLs")
	}
	t.Log("✓ File backend round trip test passed")
}
