package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contentstor/contentstor/internal/cache"
	"github.com/contentstor/contentstor/internal/config"
	"github.com/contentstor/contentstor/internal/download"
	"github.com/contentstor/contentstor/internal/guard"
	"github.com/contentstor/contentstor/internal/logger"
	"github.com/contentstor/contentstor/internal/metrics"
	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/repository"
)

// Handler is the request-dispatch engine: it resolves paths to
// distributions, authorizes through content guards, and serves artifacts
// from publications, repository versions, or upstream remotes.
type Handler struct {
	cfg        *config.Config
	log        *logger.Logger
	gate       *guard.Gate
	cache      *cache.ResponseCache
	metrics    *metrics.Registry
	distros    DistributionStore
	pubs       PublicationStore
	contents   ContentStore
	artifacts  ArtifactStore
	backendFor BackendResolver
}

// NewHandler wires the dispatch engine. rc may be nil when the response
// cache is disabled.
func NewHandler(cfg *config.Config, log *logger.Logger, gate *guard.Gate, rc *cache.ResponseCache, m *metrics.Registry, stores Stores, backendFor BackendResolver) *Handler {
	return &Handler{
		cfg:        cfg,
		log:        log,
		gate:       gate,
		cache:      rc,
		metrics:    m,
		distros:    stores.Distributions,
		pubs:       stores.Publications,
		contents:   stores.Contents,
		artifacts:  stores.Artifacts,
		backendFor: backendFor,
	}
}

// Register mounts the content routes on the gin engine. Only GET and HEAD
// exist; gin answers 404 for the rest, and the bare prefix redirects to its
// slashed form.
func (h *Handler) Register(r *gin.Engine) {
	prefix := strings.TrimSuffix(h.cfg.ContentPathPrefix, "/")
	redirectRoot := func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, h.cfg.ContentPathPrefix)
	}
	r.GET(prefix, redirectRoot)
	r.HEAD(prefix, redirectRoot)
	r.GET(prefix+"/*path", h.Handle)
	r.HEAD(prefix+"/*path", h.Handle)
}

// dispatchResult carries what the dispatcher learned for the cache layer:
// the response entry to memoize and the distribution's base path plus guard
// presence for the guard flag.
type dispatchResult struct {
	entry    *cache.Entry
	basePath string
	guarded  bool
}

// Handle serves one content request: cache probe, auth gate, dispatch.
func (h *Handler) Handle(c *gin.Context) {
	h.metrics.IncRequests()

	raw := c.Param("path")
	endsSlash := strings.HasSuffix(raw, "/")
	p := strings.Trim(raw, "/")

	domainName := models.DefaultDomainName
	displayDomain := ""
	if h.cfg.DomainEnabled {
		if p == "" {
			h.writeError(c, pathNotResolved("no domain name in path"))
			return
		}
		seg, rest, _ := strings.Cut(p, "/")
		domainName, displayDomain, p = seg, seg, rest
	}

	ctx := c.Request.Context()
	domain, err := h.distros.GetDomainByName(ctx, domainName)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(c, pathNotResolved("unknown domain %q", domainName))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	var entryKey string
	if h.cache != nil {
		candidates := BasePathCandidates(p)
		keys := make([]string, len(candidates))
		for i, bp := range candidates {
			keys[i] = cache.BaseKey(displayDomain, bp)
		}
		entryKey = cache.EntryKey(c.Request.Method, c.Request.URL.Path, c.Request.URL.RawQuery)

		baseKey, cerr := h.cache.FindBaseKey(ctx, keys)
		if cerr != nil {
			h.log.Warn("response cache probe failed", cerr)
		} else if baseKey != "" {
			basePath := ""
			for i, k := range keys {
				if k == baseKey {
					basePath = candidates[i]
					break
				}
			}
			if err := h.cachedGuardGate(ctx, c.Request, domain, baseKey, basePath); err != nil {
				h.writeError(c, err)
				return
			}
			if entry, gerr := h.cache.GetResponse(ctx, baseKey, entryKey); gerr == nil && entry != nil && c.GetHeader("Range") == "" {
				if h.replayEntry(c, entry) {
					h.metrics.IncCacheHit()
					h.metrics.IncResponses()
					return
				}
			}
			h.metrics.IncCacheMiss()
		}
	}

	dr, err := h.dispatch(c, domain, displayDomain, p, endsSlash)

	if h.cache != nil && dr != nil && dr.basePath != "" {
		bk := cache.BaseKey(displayDomain, dr.basePath)
		if serr := h.cache.SetGuardFlag(ctx, bk, dr.guarded); serr != nil {
			h.log.Debug("failed to record guard flag", serr)
		}
		if err == nil && dr.entry != nil && c.GetHeader("Range") == "" {
			if aerr := h.cache.AddResponse(ctx, bk, entryKey, dr.entry); aerr != nil {
				h.log.Debug("failed to cache response", aerr)
			}
		}
	}

	if err != nil {
		h.writeError(c, err)
		return
	}
	h.metrics.IncResponses()
}

// cachedGuardGate runs the auth check guarding cached responses: a recorded
// "no guard" flag may skip the full check, anything else resolves the
// distribution and runs its guard before the cache may answer.
func (h *Handler) cachedGuardGate(ctx context.Context, r *http.Request, domain *models.Domain, baseKey, basePath string) error {
	flag, err := h.cache.GuardFlag(ctx, baseKey)
	if err != nil {
		flag = ""
	}
	if !cache.GuardCheckRequired(flag) {
		return nil
	}

	distro, err := h.distros.FindByBasePaths(ctx, domain.ID, []string{basePath})
	if errors.Is(err, repository.ErrNotFound) {
		// The cached base path no longer names a distribution; the normal
		// dispatch will answer.
		return nil
	}
	if err != nil {
		return err
	}

	if err := h.gate.Permit(ctx, distro.ContentGuard, r); err != nil {
		var perm *guard.PermissionError
		if errors.As(err, &perm) {
			h.metrics.IncGuardRejection()
		}
		return err
	}
	if serr := h.cache.SetGuardFlag(ctx, baseKey, distro.ContentGuard != nil); serr != nil {
		h.log.Debug("failed to record guard flag", serr)
	}
	return nil
}

// dispatch runs the resolve, guard, serve ladder. The returned
// dispatchResult is non-nil once a distribution resolved, even on error, so
// the cache layer can record the guard flag.
func (h *Handler) dispatch(c *gin.Context, domain *models.Domain, displayDomain, p string, endsSlash bool) (*dispatchResult, error) {
	ctx := c.Request.Context()

	res, err := h.resolvePath(ctx, domain, p, endsSlash)
	if err != nil {
		return nil, err
	}
	switch {
	case res.RedirectTo != "":
		return &dispatchResult{entry: h.redirectEntry(c, h.contentURL(displayDomain, res.RedirectTo))}, nil
	case res.Distribution == nil:
		entries := make([]listEntry, 0, len(res.ListingChildren))
		for _, name := range res.ListingChildren {
			entries = append(entries, listEntry{Name: name, IsDir: true})
		}
		html, err := renderListing(c.Request.URL.Path, entries, false)
		if err != nil {
			return nil, err
		}
		return &dispatchResult{entry: h.htmlEntry(c, html)}, nil
	}

	distro := res.Distribution
	dr := &dispatchResult{basePath: distro.BasePath, guarded: distro.ContentGuard != nil}

	if err := h.gate.Permit(ctx, distro.ContentGuard, c.Request); err != nil {
		var perm *guard.PermissionError
		if errors.As(err, &perm) {
			h.metrics.IncGuardRejection()
		}
		return dr, err
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(p, distro.BasePath), "/")

	// A distribution root without the trailing slash canonicalizes first.
	if rel == "" && !endsSlash {
		dr.entry = h.redirectEntry(c, h.contentURL(displayDomain, distro.BasePath+"/"))
		return dr, nil
	}

	detail := distro.Detail()

	// The detail type may claim the path before the normal ladder runs.
	hookCA, hookResp, err := detail.ContentHandler(ctx, rel)
	if err != nil {
		return dr, err
	}
	if hookResp != nil {
		dr.entry = h.handlerResponseEntry(c, hookResp)
		return dr, nil
	}
	if hookCA != nil {
		dr.entry, err = h.serveOrStream(c, domain, distro, hookCA, rel)
		return dr, err
	}

	pub := distro.Publication
	version := distro.RepositoryVersion
	repo := distro.Repository

	if distro.Checkpoint {
		if rel == "" {
			entries, err := h.checkpointListing(ctx, distro)
			if err != nil {
				return dr, err
			}
			html, err := renderListing(c.Request.URL.Path, entries, true)
			if err != nil {
				return dr, err
			}
			dr.entry = h.htmlEntry(c, html)
			return dr, nil
		}
		cres, err := h.resolveCheckpoint(ctx, distro, rel)
		if err != nil {
			return dr, err
		}
		if cres.redirectTo != "" {
			dr.entry = h.redirectEntry(c, h.contentURL(displayDomain, distro.BasePath+"/"+cres.redirectTo))
			return dr, nil
		}
		pub = cres.publication
		version = pub.RepositoryVersion
		rel = cres.relPath
	} else if pub == nil && version == nil && repo != nil {
		// A bare repository serves its newest complete publication, or the
		// newest version when nothing was ever published.
		p, perr := h.pubs.LatestCompletePublicationForRepository(ctx, repo.ID)
		switch {
		case perr == nil:
			pub = p
		case errors.Is(perr, repository.ErrNotFound):
			v, verr := h.pubs.LatestCompleteVersion(ctx, repo.ID)
			if verr == nil {
				version = v
			} else if !errors.Is(verr, repository.ErrNotFound) {
				return dr, verr
			}
		default:
			return dr, perr
		}
	}
	if pub != nil && pub.RepositoryVersion != nil {
		version = pub.RepositoryVersion
	}

	switch {
	case pub != nil:
		dr.entry, err = h.servePublication(c, domain, displayDomain, distro, pub, version, rel, endsSlash)
	case version != nil && !detail.ServeFromPublication():
		dr.entry, err = h.serveVersion(c, domain, displayDomain, distro, version, rel, endsSlash)
	case version != nil:
		// The detail type only serves published content.
		p, perr := h.pubs.LatestCompletePublication(ctx, version.ID)
		if perr == nil {
			dr.entry, err = h.servePublication(c, domain, displayDomain, distro, p, version, rel, endsSlash)
		} else if errors.Is(perr, repository.ErrNotFound) {
			err = errNoMatch
		} else {
			return dr, perr
		}
	default:
		err = errNoMatch
	}

	if !errors.Is(err, errNoMatch) {
		return dr, err
	}

	if distro.Remote != nil {
		dr.entry, err = h.serveRemote(c, domain, distro, rel)
		return dr, err
	}
	return dr, pathNotResolved("%q was not found in distribution %q", rel, distro.BasePath)
}

// servePublication answers rel from a publication: index.html
// substitution, directory listing, the published artifact, then the
// pass-through version content.
func (h *Handler) servePublication(c *gin.Context, domain *models.Domain, displayDomain string, distro *models.Distribution, pub *models.Publication, version *models.RepositoryVersion, rel string, endsSlash bool) (*cache.Entry, error) {
	ctx := c.Request.Context()

	idx := path.Join(rel, "index.html")
	haveIndex, err := h.pubs.PublishedArtifactExists(ctx, pub.ID, idx)
	if err != nil {
		return nil, err
	}
	if !haveIndex && pub.PassThrough && version != nil {
		haveIndex, err = h.contents.VersionContentArtifactExists(ctx, version.RepositoryID, version.Number, idx)
		if err != nil {
			return nil, err
		}
	}
	if haveIndex {
		if rel != "" && !endsSlash {
			return h.redirectEntry(c, h.contentURL(displayDomain, distro.BasePath+"/"+rel+"/")), nil
		}
		rel = idx
	}

	if !haveIndex {
		entries, err := h.buildListing(ctx, distro, listingSource{publication: pub, version: version}, rel)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			if rel != "" && !endsSlash {
				return h.redirectEntry(c, h.contentURL(displayDomain, distro.BasePath+"/"+rel+"/")), nil
			}
			html, err := renderListing(c.Request.URL.Path, entries, true)
			if err != nil {
				return nil, err
			}
			return h.htmlEntry(c, html), nil
		}
	}

	ca, err := h.pubs.PublishedContentArtifact(ctx, pub.ID, rel)
	if err == nil {
		return h.serveOrStream(c, domain, distro, ca, rel)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if pub.PassThrough && version != nil {
		ca, err := h.contents.VersionContentArtifact(ctx, version.RepositoryID, version.Number, rel)
		if err == nil {
			return h.serveOrStream(c, domain, distro, ca, rel)
		}
		if errors.Is(err, repository.ErrMultipleMatches) {
			h.log.Error(fmt.Sprintf("multiple content artifacts match %q in repository version %d", rel, version.Number), err)
			return nil, err
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, errNoMatch
}

// serveVersion mirrors the publication branch over a repository version's
// raw content artifacts.
func (h *Handler) serveVersion(c *gin.Context, domain *models.Domain, displayDomain string, distro *models.Distribution, version *models.RepositoryVersion, rel string, endsSlash bool) (*cache.Entry, error) {
	ctx := c.Request.Context()

	idx := path.Join(rel, "index.html")
	haveIndex, err := h.contents.VersionContentArtifactExists(ctx, version.RepositoryID, version.Number, idx)
	if err != nil {
		return nil, err
	}
	if haveIndex {
		if rel != "" && !endsSlash {
			return h.redirectEntry(c, h.contentURL(displayDomain, distro.BasePath+"/"+rel+"/")), nil
		}
		rel = idx
	} else {
		entries, err := h.buildListing(ctx, distro, listingSource{version: version}, rel)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			if rel != "" && !endsSlash {
				return h.redirectEntry(c, h.contentURL(displayDomain, distro.BasePath+"/"+rel+"/")), nil
			}
			html, err := renderListing(c.Request.URL.Path, entries, true)
			if err != nil {
				return nil, err
			}
			return h.htmlEntry(c, html), nil
		}
	}

	ca, err := h.contents.VersionContentArtifact(ctx, version.RepositoryID, version.Number, rel)
	if err == nil {
		return h.serveOrStream(c, domain, distro, ca, rel)
	}
	if errors.Is(err, repository.ErrMultipleMatches) {
		h.log.Error(fmt.Sprintf("multiple content artifacts match %q in repository version %d", rel, version.Number), err)
		return nil, err
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return nil, errNoMatch
}

// serveRemote is the pull-through branch: a previously fetched
// RemoteArtifact serves its local artifact or streams single-shot; an
// unknown path builds ephemeral rows and persists when the remote's content
// type claims it.
func (h *Handler) serveRemote(c *gin.Context, domain *models.Domain, distro *models.Distribution, rel string) (*cache.Entry, error) {
	ctx := c.Request.Context()
	remote := distro.Remote
	detail := remote.Detail()

	url := detail.RemoteArtifactURL(rel, c.Request)
	if url == "" {
		return nil, pathNotResolved("remote %q cannot serve %q", remote.Name, rel)
	}

	ra, err := h.contents.FindRemoteArtifactByURL(ctx, remote.ID, url)
	if err == nil {
		ra.Remote = remote
		ca := ra.ContentArtifact
		if ca.Artifact != nil {
			if distro.Repository != nil && distro.Repository.PullThroughSupported() {
				if aerr := h.artifacts.AttachContentToRepository(ctx, distro.Repository.ID, ca.ContentID); aerr != nil {
					h.log.Warn("failed to attach pull-through content to repository", aerr)
				}
			}
			return h.serveArtifact(c, domain, distro, ca, ca.RelativePath)
		}
		entry, _, serr := h.streamRemoteArtifact(c, domain, distro, ca, ra, true)
		return entry, mapRemoteError(serr, url)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	contentType := detail.RemoteArtifactContentType(rel)
	ephemeralCA := &models.ContentArtifact{RelativePath: rel}
	ephemeralRA := &models.RemoteArtifact{RemoteID: remote.ID, URL: url, Remote: remote}
	entry, _, serr := h.streamRemoteArtifact(c, domain, distro, ephemeralCA, ephemeralRA, contentType != nil)
	return entry, mapRemoteError(serr, url)
}

// mapRemoteError converts pre-stream upstream failures of the pull-through
// branch into client-facing HTTP errors carrying the upstream status.
func mapRemoteError(err error, url string) error {
	if err == nil {
		return nil
	}
	var statusErr *download.StatusError
	if errors.As(err, &statusErr) {
		return &UpstreamError{Status: statusErr.Status, URL: url}
	}
	var connErr *download.ConnectionError
	if errors.As(err, &connErr) || errors.Is(err, download.ErrUnsupportedDigests) {
		return &UpstreamError{Status: http.StatusBadGateway, URL: url}
	}
	return err
}

func (h *Handler) serveOrStream(c *gin.Context, domain *models.Domain, distro *models.Distribution, ca *models.ContentArtifact, rel string) (*cache.Entry, error) {
	if ca.Artifact != nil {
		return h.serveArtifact(c, domain, distro, ca, rel)
	}
	return h.streamWithFallback(c, domain, distro, ca)
}

// contentURL builds an absolute content path: prefix, optional domain
// segment, then p.
func (h *Handler) contentURL(displayDomain, p string) string {
	u := h.cfg.ContentPathPrefix
	if displayDomain != "" {
		u += displayDomain + "/"
	}
	return u + p
}

func (h *Handler) redirectEntry(c *gin.Context, location string) *cache.Entry {
	c.Redirect(http.StatusMovedPermanently, location)
	return &cache.Entry{Type: cache.EntryTypeRedirect, Status: http.StatusMovedPermanently, RedirectTo: location}
}

// htmlEntry writes a listing page. HEAD answers with the content type and no
// body.
func (h *Handler) htmlEntry(c *gin.Context, html string) *cache.Entry {
	c.Header("Content-Type", "text/html;charset=utf-8")
	c.Status(http.StatusOK)
	if c.Request.Method != http.MethodHead {
		io.WriteString(c.Writer, html)
	}
	return &cache.Entry{
		Type:    cache.EntryTypePlain,
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "text/html;charset=utf-8"},
		Body:    []byte(html),
	}
}

// handlerResponseEntry writes a response the distribution detail built
// itself.
func (h *Handler) handlerResponseEntry(c *gin.Context, resp *models.HandlerResponse) *cache.Entry {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	for name, value := range resp.Headers {
		c.Header(name, value)
	}
	c.Status(status)
	if c.Request.Method != http.MethodHead && len(resp.Body) > 0 {
		c.Writer.Write(resp.Body)
	}
	return &cache.Entry{Type: cache.EntryTypePlain, Status: status, Headers: resp.Headers, Body: resp.Body}
}

// replayEntry writes a cached response. false means the entry could not be
// replayed (a path entry whose file vanished) and the request must dispatch
// normally.
func (h *Handler) replayEntry(c *gin.Context, entry *cache.Entry) bool {
	switch entry.Type {
	case cache.EntryTypeRedirect:
		for name, value := range entry.Headers {
			c.Header(name, value)
		}
		c.Redirect(entry.Status, entry.RedirectTo)
		return true

	case cache.EntryTypePlain:
		for name, value := range entry.Headers {
			c.Header(name, value)
		}
		c.Status(entry.Status)
		if c.Request.Method != http.MethodHead && len(entry.Body) > 0 {
			c.Writer.Write(entry.Body)
		}
		return true

	case cache.EntryTypePath:
		file, err := os.Open(entry.Path)
		if err != nil {
			return false
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			return false
		}
		for name, value := range entry.Headers {
			c.Header(name, value)
		}
		c.Header("Content-Length", strconv.FormatInt(info.Size(), 10))
		c.Status(entry.Status)
		h.metrics.AddArtifactSize(info.Size())
		if c.Request.Method != http.MethodHead {
			io.Copy(c.Writer, file)
		}
		return true
	}
	return false
}

// writeError maps dispatch errors onto the HTTP surface.
func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, errAborted) {
		c.Abort()
		return
	}

	var pathErr *PathError
	if errors.As(err, &pathErr) {
		c.JSON(http.StatusNotFound, gin.H{"error": pathErr.Reason})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	var perm *guard.PermissionError
	if errors.As(err, &perm) {
		c.JSON(http.StatusForbidden, gin.H{"error": perm.Reason})
		return
	}

	var rangeErr *RangeError
	if errors.As(err, &rangeErr) {
		contentRange := "bytes */*"
		if rangeErr.Size != nil {
			contentRange = fmt.Sprintf("bytes */%d", *rangeErr.Size)
		}
		c.Header("Content-Range", contentRange)
		c.Status(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		c.JSON(upstreamErr.Status, gin.H{"error": upstreamErr.Error()})
		return
	}

	h.log.Error("request failed", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
