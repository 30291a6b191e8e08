package cache

import (
	"context"
	"testing"
	"time"
)

// fakeClient is an in-memory Client for tests.
type fakeClient struct {
	data map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string][]byte)}
}

func (f *fakeClient) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeClient) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func (f *fakeClient) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

// TestFindBaseKeyReturnsFirstCached tests that the probe picks the deepest
// cached ancestor in one pass
func TestFindBaseKeyReturnsFirstCached(t *testing.T) {
	client := newFakeClient()
	rc := NewResponseCache(client, time.Minute)
	ctx := context.Background()

	if err := rc.SetGuardFlag(ctx, "foo/bar", false); err != nil {
		t.Fatalf("Failed to set guard flag: %v", err)
	}
	if err := rc.SetGuardFlag(ctx, "foo", false); err != nil {
		t.Fatalf("Failed to set guard flag: %v", err)
	}

	found, err := rc.FindBaseKey(ctx, []string{"foo/bar/baz", "foo/bar", "foo"})
	if err != nil {
		t.Fatalf("FindBaseKey failed: %v", err)
	}
	if found != "foo/bar" {
		t.Errorf("Expected foo/bar, got %q", found)
	}
	t.Log("✓ Base key probe test passed")
}

// TestFindBaseKeyMiss tests that an unknown path reports a miss
func TestFindBaseKeyMiss(t *testing.T) {
	rc := NewResponseCache(newFakeClient(), time.Minute)

	found, err := rc.FindBaseKey(context.Background(), []string{"nope/deeper", "nope"})
	if err != nil {
		t.Fatalf("FindBaseKey failed: %v", err)
	}
	if found != "" {
		t.Errorf("Expected miss, got %q", found)
	}
	t.Log("✓ Base key miss test passed")
}

// TestGuardFlagLifecycle tests the three guard flag states
func TestGuardFlagLifecycle(t *testing.T) {
	rc := NewResponseCache(newFakeClient(), time.Minute)
	ctx := context.Background()

	flag, err := rc.GuardFlag(ctx, "base")
	if err != nil {
		t.Fatalf("GuardFlag failed: %v", err)
	}
	if flag != "" {
		t.Errorf("Expected unknown flag, got %q", flag)
	}
	if !GuardCheckRequired(flag) {
		t.Errorf("Unknown flag must force a guard check")
	}

	if err := rc.SetGuardFlag(ctx, "base", true); err != nil {
		t.Fatalf("SetGuardFlag failed: %v", err)
	}
	flag, _ = rc.GuardFlag(ctx, "base")
	if flag != "True" {
		t.Errorf("Expected True, got %q", flag)
	}
	if !GuardCheckRequired(flag) {
		t.Errorf("Guarded distribution must always be checked")
	}

	if err := rc.SetGuardFlag(ctx, "base", false); err != nil {
		t.Fatalf("SetGuardFlag failed: %v", err)
	}
	flag, _ = rc.GuardFlag(ctx, "base")
	if flag != "False" {
		t.Errorf("Expected False, got %q", flag)
	}
	if GuardCheckRequired(flag) {
		t.Errorf("Unguarded distribution may skip the check")
	}
	t.Log("✓ Guard flag lifecycle test passed")
}

// TestResponseRoundTrip tests caching and replaying a plain response
func TestResponseRoundTrip(t *testing.T) {
	rc := NewResponseCache(newFakeClient(), time.Minute)
	ctx := context.Background()

	entryKey := EntryKey("GET", "/pulp/content/foo/bar.txt", "")
	entry := &Entry{
		Type:    EntryTypePlain,
		Status:  200,
		Headers: map[string]string{"Content-Type": "text/plain"},
		Body:    []byte("hello"),
	}
	if err := rc.AddResponse(ctx, "foo", entryKey, entry); err != nil {
		t.Fatalf("AddResponse failed: %v", err)
	}

	got, err := rc.GetResponse(ctx, "foo", entryKey)
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a cache hit")
	}
	if got.Status != 200 || string(got.Body) != "hello" {
		t.Errorf("Entry mismatch: %+v", got)
	}
	if got.Headers["Content-Type"] != "text/plain" {
		t.Errorf("Headers not preserved: %+v", got.Headers)
	}
	t.Log("✓ Response round trip test passed")
}

// TestGetResponseMiss tests that a cold key is a miss, not an error
func TestGetResponseMiss(t *testing.T) {
	rc := NewResponseCache(newFakeClient(), time.Minute)

	got, err := rc.GetResponse(context.Background(), "foo", EntryKey("GET", "/x", ""))
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected miss, got %+v", got)
	}
	t.Log("✓ Response miss test passed")
}

// TestBaseKeyDomainScoping tests that multi-tenant keys carry the domain
func TestBaseKeyDomainScoping(t *testing.T) {
	if got := BaseKey("", "foo/bar"); got != "foo/bar" {
		t.Errorf("Expected bare base path, got %q", got)
	}
	if got := BaseKey("acme", "foo/bar"); got != "acme:foo/bar" {
		t.Errorf("Expected domain-scoped key, got %q", got)
	}
	t.Log("✓ Base key scoping test passed")
}
