package content

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/contentstor/contentstor/internal/cache"
	"github.com/contentstor/contentstor/internal/download"
	"github.com/contentstor/contentstor/internal/models"
)

// streamWithFallback walks the mirror ladder for an on-demand content
// artifact: remote artifacts in alternate-content-source order,
// mirrors inside the failure cooldown excluded. Failures before the first
// byte reaches the client move to the next mirror; anything later is final.
func (h *Handler) streamWithFallback(c *gin.Context, domain *models.Domain, distro *models.Distribution, ca *models.ContentArtifact) (*cache.Entry, error) {
	ctx := c.Request.Context()
	cutoff := time.Now().Add(-h.cfg.RemoteFetchFailureCooldown)
	remoteArtifacts, err := h.contents.RemoteArtifactsFor(ctx, ca.ID, cutoff)
	if err != nil {
		return nil, err
	}

	for _, ra := range remoteArtifacts {
		entry, sent, err := h.streamRemoteArtifact(c, domain, distro, ca, ra, true)
		if err == nil {
			return entry, nil
		}
		if !sent && download.IsPreStream(err) {
			h.metrics.IncMirrorFailure()
			logrus.WithFields(logrus.Fields{
				"url":    ra.URL,
				"remote": ra.Remote.Name,
			}).Warnf("mirror failed before streaming, trying next: %v", err)
			continue
		}
		return nil, err
	}
	return nil, pathNotResolved("no remote source for %q could be reached", ca.RelativePath)
}

// streamRemoteArtifact proxies one upstream source to the client while
// optionally persisting the bytes. sent reports whether response
// headers (and possibly body bytes) went out before the error, which makes
// retrying against another mirror impossible.
func (h *Handler) streamRemoteArtifact(c *gin.Context, domain *models.Domain, distro *models.Distribution, ca *models.ContentArtifact, ra *models.RemoteArtifact, saveArtifact bool) (entry *cache.Entry, sent bool, err error) {
	ctx := c.Request.Context()
	remote := ra.Remote

	knownSize := int64(-1)
	if ra.Size != nil {
		knownSize = *ra.Size
	}
	rng, err := parseRange(c.GetHeader("Range"), knownSize)
	if err != nil {
		return nil, false, err
	}

	spool := saveArtifact && remote.Policy != models.PolicyStreamed
	dl, err := download.New(remote, ra, download.Options{
		Spool:    spool,
		SpoolDir: h.cfg.WorkingDirectory,
	})
	if err != nil {
		return nil, false, err
	}

	isGET := c.Request.Method == http.MethodGet
	var seen int64

	result, err := dl.Run(ctx, download.Callbacks{
		OnHeaders: func(status int, header http.Header) error {
			copyUpstreamHeaders(c.Writer.Header(), header)

			upstreamLen := int64(-1)
			if cl := header.Get("Content-Length"); cl != "" {
				if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
					upstreamLen = n
				}
			}

			if rng != nil {
				status = http.StatusPartialContent
				if upstreamLen >= 0 && rng.Stop > upstreamLen {
					rng.Stop = upstreamLen
				}
				if rng.Stop != math.MaxInt64 {
					c.Writer.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
				}
				if upstreamLen >= 0 {
					c.Writer.Header().Set("Content-Range", rng.contentRange(upstreamLen))
				}
			} else if upstreamLen >= 0 {
				c.Writer.Header().Set("Content-Length", strconv.FormatInt(upstreamLen, 10))
			}

			if upstreamLen >= 0 && header.Get("Content-Encoding") == "" {
				c.Writer.Header().Set(artifactSizeHeader, strconv.FormatInt(upstreamLen, 10))
				h.metrics.AddArtifactSize(upstreamLen)
			}

			c.Writer.WriteHeader(status)
			sent = true
			return nil
		},
		OnData: func(chunk []byte) error {
			if isGET {
				lo, hi := int64(0), int64(len(chunk))
				if rng != nil {
					if lo = rng.Start - seen; lo < 0 {
						lo = 0
					}
					if rest := rng.Stop - seen; rest < hi {
						hi = rest
					}
				}
				if hi > lo {
					if _, werr := c.Writer.Write(chunk[lo:hi]); werr != nil {
						return werr
					}
				}
			}
			seen += int64(len(chunk))
			return nil
		},
	})

	if err != nil {
		if download.IsValidationFailure(err) {
			h.failValidatedStream(c, ra, err)
			return nil, true, errAborted
		}
		if sent {
			logrus.WithField("url", ra.URL).Errorf("upstream failed mid-stream: %v", err)
			abortConnection(c)
			return nil, true, errAborted
		}
		h.metrics.IncUpstreamFailure()
		return nil, false, err
	}

	// Persistence and cache attachment must survive a client disconnect so a
	// half-saved artifact is never left behind.
	if result.Path != "" {
		shielded := context.WithoutCancel(ctx)
		saved, err := h.persistDownload(shielded, c.Request, domain, distro, remote, ra, ca, result)
		if err != nil {
			logrus.WithField("url", ra.URL).Errorf("failed to persist downloaded artifact: %v", err)
			return nil, true, nil
		}
		h.metrics.IncPullThroughSave()
		if rng == nil && len(saved) > 0 {
			if primary, ok := saved[ca.RelativePath]; ok && primary.Artifact != nil {
				if e, err := h.buildArtifactEntry(shielded, domain, distro, primary.Artifact, primary.RelativePath); err == nil {
					entry = e
				}
			}
		}
	}
	return entry, true, nil
}

// failValidatedStream handles a digest or size mismatch discovered after the
// body was already forwarded: the mirror is stamped bad for the cooldown and
// the client connection is torn down hard so no clean EOF is seen.
func (h *Handler) failValidatedStream(c *gin.Context, ra *models.RemoteArtifact, err error) {
	h.metrics.IncChecksumFailure()
	logrus.WithFields(logrus.Fields{
		"url":    ra.URL,
		"remote": ra.Remote.Name,
	}).Errorf("aborting response: %v", err)

	if ra.ID != uuid.Nil {
		shielded := context.WithoutCancel(c.Request.Context())
		if merr := h.artifacts.MarkRemoteArtifactFailed(shielded, ra.ID, time.Now()); merr != nil {
			logrus.Errorf("failed to mark mirror %s bad: %v", ra.URL, merr)
		}
	}
	abortConnection(c)
}

// abortConnection force-closes the client TCP connection with SO_LINGER set
// to (on=1, time=0) so the close sends RST instead of FIN: the client sees an
// aborted transfer, never a truncated-but-clean EOF.
func abortConnection(c *gin.Context) {
	hijacker, ok := c.Writer.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()
}
