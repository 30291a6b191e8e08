package content

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contentstor/contentstor/internal/cache"
	"github.com/contentstor/contentstor/internal/config"
	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/storage"
)

// byteRange is a half-open interval [Start, Stop) of artifact bytes.
type byteRange struct {
	Start int64
	Stop  int64
}

func (r *byteRange) length() int64 { return r.Stop - r.Start }

// contentRange formats the Content-Range value for a range of a total-sized
// body. The wire header carries an inclusive last byte.
func (r *byteRange) contentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.Stop-1, total)
}

// parseRange interprets an RFC 7233 single byte range against a body of the
// given size (size < 0 when unknown). nil means the request had no Range
// header. Malformed or unsatisfiable specs return a *RangeError.
func parseRange(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	rangeErr := func() error {
		if size >= 0 {
			s := size
			return &RangeError{Size: &s}
		}
		return &RangeError{}
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, rangeErr()
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, rangeErr()
	}

	// Suffix form: bytes=-N is the final N bytes.
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size < 0 {
			return nil, rangeErr()
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return &byteRange{Start: start, Stop: size}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, rangeErr()
	}

	stop := int64(math.MaxInt64)
	if last != "" {
		end, err := strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, rangeErr()
		}
		stop = end + 1
	}

	if size >= 0 {
		if start >= size {
			return nil, rangeErr()
		}
		if stop > size {
			stop = size
		}
	} else if stop == math.MaxInt64 {
		// Open-ended against an unknown size resolves when headers arrive.
		return &byteRange{Start: start, Stop: stop}, nil
	}
	return &byteRange{Start: start, Stop: stop}, nil
}

// serveArtifact answers a request for a ContentArtifact whose binary is
// local. The response shape depends on the domain's storage
// backend: local files stream inline, object storage redirects to a
// presigned URL unless the domain proxies.
func (h *Handler) serveArtifact(c *gin.Context, domain *models.Domain, distro *models.Distribution, ca *models.ContentArtifact, relPath string) (*cache.Entry, error) {
	artifact := ca.Artifact
	if artifact == nil {
		return nil, fmt.Errorf("content artifact %s has no local artifact", ca.ID)
	}

	ctx := c.Request.Context()
	backend, err := h.backendFor(ctx, domain)
	if err != nil {
		return nil, err
	}

	headers := responseHeadersFor(distro, relPath)
	headers[artifactSizeHeader] = strconv.FormatInt(artifact.Size, 10)

	rng, err := parseRange(c.GetHeader("Range"), artifact.Size)
	if err != nil {
		return nil, err
	}

	// Object storage with redirects enabled answers with a presigned URL.
	if backend.Kind() != config.StorageFilesystem && domain.RedirectToObjectStorage {
		url, err := backend.PresignedURL(ctx, artifact.File, signedURLOptions(backend.Kind(), relPath, c.Request.Method))
		if err != nil {
			return nil, err
		}
		h.metrics.AddArtifactSize(artifact.Size)
		for name, value := range headers {
			if name != "Content-Type" {
				c.Header(name, value)
			}
		}
		c.Redirect(http.StatusFound, url)
		if rng == nil {
			return &cache.Entry{Type: cache.EntryTypeRedirect, Status: http.StatusFound, RedirectTo: url, Headers: headers}, nil
		}
		return nil, nil
	}

	headers["Content-Disposition"] = attachmentDisposition(relPath)

	if local, ok := backend.LocalPath(artifact.File); ok {
		if err := h.streamLocalFile(c, local, artifact.Size, headers, rng); err != nil {
			return nil, err
		}
		if rng == nil {
			return &cache.Entry{Type: cache.EntryTypePath, Status: http.StatusOK, Path: local, Headers: headers}, nil
		}
		return nil, nil
	}

	// Non-redirecting object storage: proxy the body through the app.
	body, err := backend.Open(ctx, artifact.File)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if err := h.streamReader(c, body, artifact.Size, headers, rng); err != nil {
		return nil, err
	}
	return nil, nil
}

// signedURLOptions carries the response overrides into the presigned URL. S3
// accepts content-type and disposition as query overrides; Azure bakes them
// into the SAS; GCS signatures cover neither.
func signedURLOptions(kind, relPath, method string) storage.ObjectURLOptions {
	opts := storage.ObjectURLOptions{Method: method}
	if kind == config.StorageS3 || kind == config.StorageAzure {
		opts.ContentDisposition = attachmentDisposition(relPath)
		opts.ContentType = contentTypeFor(relPath)
	}
	return opts
}

func (h *Handler) streamLocalFile(c *gin.Context, path string, size int64, headers map[string]string, rng *byteRange) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact file: %w", err)
	}
	defer file.Close()
	return h.streamReader(c, file, size, headers, rng)
}

// streamReader sends size bytes from r, honoring the optional range. The
// artifacts-size counter advances by the effective Content-Length.
func (h *Handler) streamReader(c *gin.Context, r io.Reader, size int64, headers map[string]string, rng *byteRange) error {
	status := http.StatusOK
	length := size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.length()
		headers["Content-Range"] = rng.contentRange(size)
		if rng.Start > 0 {
			if seeker, ok := r.(io.Seeker); ok {
				if _, err := seeker.Seek(rng.Start, io.SeekStart); err != nil {
					return fmt.Errorf("failed to seek artifact file: %w", err)
				}
			} else if _, err := io.CopyN(io.Discard, r, rng.Start); err != nil {
				return fmt.Errorf("failed to skip to range start: %w", err)
			}
		}
	}

	for name, value := range headers {
		c.Header(name, value)
	}
	c.Header("Content-Length", strconv.FormatInt(length, 10))
	c.Status(status)
	h.metrics.AddArtifactSize(length)

	if c.Request.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(c.Writer, r, length); err != nil {
		// The body is underway; nothing can be resent.
		return errAborted
	}
	return nil
}

// buildArtifactEntry computes the cache entry a future request for the saved
// artifact would produce, without writing anything. The on-demand streamer
// attaches it so the next hit behaves like a local-artifact hit.
func (h *Handler) buildArtifactEntry(ctx context.Context, domain *models.Domain, distro *models.Distribution, artifact *models.Artifact, relPath string) (*cache.Entry, error) {
	backend, err := h.backendFor(ctx, domain)
	if err != nil {
		return nil, err
	}

	headers := responseHeadersFor(distro, relPath)
	headers[artifactSizeHeader] = strconv.FormatInt(artifact.Size, 10)

	if backend.Kind() != config.StorageFilesystem && domain.RedirectToObjectStorage {
		url, err := backend.PresignedURL(ctx, artifact.File, signedURLOptions(backend.Kind(), relPath, http.MethodGet))
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Type: cache.EntryTypeRedirect, Status: http.StatusFound, RedirectTo: url, Headers: headers}, nil
	}

	headers["Content-Disposition"] = attachmentDisposition(relPath)
	if local, ok := backend.LocalPath(artifact.File); ok {
		return &cache.Entry{Type: cache.EntryTypePath, Status: http.StatusOK, Path: local, Headers: headers}, nil
	}
	return nil, nil
}
