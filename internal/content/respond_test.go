package content

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"testing"

	"github.com/contentstor/contentstor/internal/config"
	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/storage"
)

// fakeObjectBackend presigns URLs the way an object store would, encoding the
// response overrides into the query string.
type fakeObjectBackend struct{}

func (fakeObjectBackend) Kind() string { return config.StorageS3 }

func (fakeObjectBackend) LocalPath(string) (string, bool) { return "", false }

func (fakeObjectBackend) PutFile(context.Context, string, string) error { return nil }

func (fakeObjectBackend) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("redirecting backend must not be proxied")
}

func (fakeObjectBackend) Exists(context.Context, string) (bool, error) { return true, nil }

func (fakeObjectBackend) PresignedURL(_ context.Context, name string, opts storage.ObjectURLOptions) (string, error) {
	q := url.Values{}
	q.Set("response-content-disposition", opts.ContentDisposition)
	q.Set("response-content-type", opts.ContentType)
	return "https://bucket.s3.example/" + name + "?" + q.Encode(), nil
}

func TestObjectStorageRedirectsToSignedURL(t *testing.T) {
	g := newTestGateway(t, newFakeStore())
	g.store.domain.RedirectToObjectStorage = true
	g.handler.backendFor = func(context.Context, *models.Domain) (storage.Backend, error) {
		return fakeObjectBackend{}, nil
	}
	publishedFixture(t, g, "file/s3", map[string]string{"pkgs/bar.txt": "s3 body"})

	resp := g.get(t, "/pulp/content/file/s3/pkgs/bar.txt", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302 to the signed URL, got %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("Bad Location header: %v", err)
	}
	if loc.Host != "bucket.s3.example" {
		t.Errorf("Redirect points at %q", loc.Host)
	}
	if cd := loc.Query().Get("response-content-disposition"); cd != `attachment;filename=bar.txt` {
		t.Errorf("Signed URL disposition mismatch: %q", cd)
	}
	if got := resp.Header.Get("X-PULP-ARTIFACT-SIZE"); got != "7" {
		t.Errorf("Expected artifact size header 7, got %q", got)
	}
	t.Log("✓ Object storage redirect test passed")
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header string
		size   int64
		start  int64
		stop   int64
	}{
		{"bytes=0-4", 100, 0, 5},
		{"bytes=10-", 100, 10, 100},
		{"bytes=-10", 100, 90, 100},
		{"bytes=-200", 100, 0, 100},
		{"bytes=0-499", 100, 0, 100},
		{"bytes=5-", -1, 5, math.MaxInt64},
	}
	for _, c := range cases {
		rng, err := parseRange(c.header, c.size)
		if err != nil {
			t.Errorf("parseRange(%q, %d) failed: %v", c.header, c.size, err)
			continue
		}
		if rng.Start != c.start || rng.Stop != c.stop {
			t.Errorf("parseRange(%q, %d) = [%d, %d), want [%d, %d)",
				c.header, c.size, rng.Start, rng.Stop, c.start, c.stop)
		}
	}
	t.Log("✓ Range parsing test passed")
}

func TestParseRangeNoHeader(t *testing.T) {
	rng, err := parseRange("", 100)
	if err != nil || rng != nil {
		t.Errorf("No header must mean no range, got %v, %v", rng, err)
	}
	t.Log("✓ No-header range test passed")
}

func TestParseRangeRejects(t *testing.T) {
	cases := []struct {
		header string
		size   int64
	}{
		{"bytes=100-", 100},
		{"bytes=200-300", 100},
		{"bytes=5-2", 100},
		{"bytes=abc-def", 100},
		{"bytes=0-4,10-14", 100},
		{"items=0-4", 100},
		{"bytes=-10", -1},
	}
	for _, c := range cases {
		_, err := parseRange(c.header, c.size)
		var rangeErr *RangeError
		if !errors.As(err, &rangeErr) {
			t.Errorf("parseRange(%q, %d) should reject, got %v", c.header, c.size, err)
			continue
		}
		if c.size >= 0 {
			if rangeErr.Size == nil || *rangeErr.Size != c.size {
				t.Errorf("parseRange(%q, %d) lost the size: %+v", c.header, c.size, rangeErr)
			}
		}
	}
	t.Log("✓ Range rejection test passed")
}

func TestContentRangeHeader(t *testing.T) {
	rng := &byteRange{Start: 2, Stop: 6}
	if got := rng.contentRange(10); got != "bytes 2-5/10" {
		t.Errorf("Expected inclusive last byte on the wire, got %q", got)
	}
	if rng.length() != 4 {
		t.Errorf("Expected length 4, got %d", rng.length())
	}
	t.Log("✓ Content-Range formatting test passed")
}
