package content

import (
	"net/http"
	"testing"
)

func TestCopyUpstreamHeadersDropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("ETag", `"abc"`)
	src.Set("Content-Length", "123")
	src.Set("Content-Encoding", "gzip")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "keep-alive")

	dst := http.Header{}
	copyUpstreamHeaders(dst, src)

	if dst.Get("Content-Type") != "application/json" || dst.Get("ETag") != `"abc"` {
		t.Errorf("End-to-end headers must be copied: %v", dst)
	}
	for _, name := range []string{"Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection"} {
		if dst.Get(name) != "" {
			t.Errorf("Hop-by-hop header %s must not be proxied", name)
		}
	}
	t.Log("✓ Hop-by-hop filtering test passed")
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"pkg/readme.html": "text/html",
		"data.json":       "application/json",
		"archive.bin":     "application/octet-stream",
		"no-extension":    "application/octet-stream",
	}
	for relPath, want := range cases {
		got := contentTypeFor(relPath)
		if got != want && !hasMIMEPrefix(got, want) {
			t.Errorf("contentTypeFor(%q) = %q, want %q", relPath, got, want)
		}
	}
	t.Log("✓ Content type test passed")
}

// hasMIMEPrefix tolerates charset parameters the platform MIME table adds.
func hasMIMEPrefix(got, want string) bool {
	return len(got) >= len(want) && got[:len(want)] == want
}

func TestAttachmentDisposition(t *testing.T) {
	if got := attachmentDisposition("dir/sub/file.rpm"); got != "attachment;filename=file.rpm" {
		t.Errorf("Unexpected disposition %q", got)
	}
	t.Log("✓ Disposition test passed")
}
