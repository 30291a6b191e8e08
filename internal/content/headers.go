package content

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/contentstor/contentstor/internal/models"
)

// artifactSizeHeader tells clients the full artifact size regardless of the
// effective Content-Length (ranges, encodings).
const artifactSizeHeader = "X-PULP-ARTIFACT-SIZE"

// hopByHopHeaders must not be proxied from an upstream response; their scope
// is a single transport hop.
var hopByHopHeaders = map[string]bool{
	"Connection":         true,
	"Content-Encoding":   true,
	"Content-Length":     true,
	"Keep-Alive":         true,
	"Public":             true,
	"Proxy-Authenticate": true,
	"Transfer-Encoding":  true,
	"Upgrade":            true,
}

// copyUpstreamHeaders proxies every non-hop-by-hop upstream header into the
// downstream response.
func copyUpstreamHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// contentTypeFor maps a relative path to its MIME type by extension, falling
// back to octet-stream for unknown binaries.
func contentTypeFor(relPath string) string {
	ext := strings.ToLower(path.Ext(relPath))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// responseHeadersFor builds the base headers for serving relPath through the
// given distribution: MIME type first, then the distribution detail's
// overrides.
func responseHeadersFor(distro *models.Distribution, relPath string) map[string]string {
	headers := map[string]string{
		"Content-Type": contentTypeFor(relPath),
	}
	for name, value := range distro.Detail().ContentHeadersFor(relPath) {
		headers[name] = value
	}
	return headers
}

// attachmentDisposition names the served file for download clients.
func attachmentDisposition(relPath string) string {
	return "attachment;filename=" + path.Base(relPath)
}
