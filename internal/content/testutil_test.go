package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/contentstor/contentstor/internal/config"
	"github.com/contentstor/contentstor/internal/guard"
	"github.com/contentstor/contentstor/internal/logger"
	"github.com/contentstor/contentstor/internal/metrics"
	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/repository"
	"github.com/contentstor/contentstor/internal/storage"
)

// fakeStore is an in-memory implementation of the four store interfaces so
// the dispatcher can run against fixtures instead of Postgres.
type fakeStore struct {
	mu sync.Mutex

	domain  *models.Domain
	distros []*models.Distribution

	latestPubByRepo    map[uuid.UUID]*models.Publication
	latestVerByRepo    map[uuid.UUID]*models.RepositoryVersion
	latestPubByVersion map[uuid.UUID]*models.Publication
	checkpoints        map[uuid.UUID][]*models.Publication

	// publicationID -> relPath -> content artifact
	published map[uuid.UUID]map[string]*models.ContentArtifact
	// repositoryID -> relPath -> content artifacts (len > 1 models ambiguity)
	versionContent map[uuid.UUID]map[string][]*models.ContentArtifact
	addedAt        map[uuid.UUID]time.Time

	// contentArtifactID -> mirrors in fallback order
	remoteArtifacts map[uuid.UUID][]*models.RemoteArtifact
	raByURL         map[string]*models.RemoteArtifact

	savedArtifacts []*models.Artifact
	artifactBySHA  map[string]*models.Artifact
	savedContent   []*models.Content
	savedCAs       []*models.ContentArtifact
	insertedRAs    []*models.RemoteArtifact
	failedRAs      []uuid.UUID
	attached       [][2]uuid.UUID
	updatedCAs     map[uuid.UUID]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		domain:             &models.Domain{ID: uuid.New(), Name: models.DefaultDomainName},
		latestPubByRepo:    make(map[uuid.UUID]*models.Publication),
		latestVerByRepo:    make(map[uuid.UUID]*models.RepositoryVersion),
		latestPubByVersion: make(map[uuid.UUID]*models.Publication),
		checkpoints:        make(map[uuid.UUID][]*models.Publication),
		published:          make(map[uuid.UUID]map[string]*models.ContentArtifact),
		versionContent:     make(map[uuid.UUID]map[string][]*models.ContentArtifact),
		addedAt:            make(map[uuid.UUID]time.Time),
		remoteArtifacts:    make(map[uuid.UUID][]*models.RemoteArtifact),
		raByURL:            make(map[string]*models.RemoteArtifact),
		artifactBySHA:      make(map[string]*models.Artifact),
		updatedCAs:         make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeStore) addPublished(pubID uuid.UUID, relPath string, ca *models.ContentArtifact) {
	if f.published[pubID] == nil {
		f.published[pubID] = make(map[string]*models.ContentArtifact)
	}
	f.published[pubID][relPath] = ca
}

func (f *fakeStore) addVersionContent(repoID uuid.UUID, relPath string, ca *models.ContentArtifact) {
	if f.versionContent[repoID] == nil {
		f.versionContent[repoID] = make(map[string][]*models.ContentArtifact)
	}
	f.versionContent[repoID][relPath] = append(f.versionContent[repoID][relPath], ca)
}

// DistributionStore

func (f *fakeStore) GetDomainByName(_ context.Context, name string) (*models.Domain, error) {
	if name != f.domain.Name {
		return nil, repository.ErrNotFound
	}
	return f.domain, nil
}

func (f *fakeStore) FindByBasePaths(_ context.Context, _ uuid.UUID, basePaths []string) (*models.Distribution, error) {
	for _, bp := range basePaths {
		for _, d := range f.distros {
			if d.BasePath == bp {
				return d, nil
			}
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) CountByBasePathPrefix(_ context.Context, _ uuid.UUID, prefix string) (int, error) {
	n := 0
	for _, d := range f.distros {
		if strings.HasPrefix(d.BasePath, prefix) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListableBasePaths(_ context.Context, _ uuid.UUID, prefix string, hideGuarded bool) ([]string, error) {
	var out []string
	for _, d := range f.distros {
		if !strings.HasPrefix(d.BasePath, prefix) || d.Hidden {
			continue
		}
		if d.PulpType == models.DistributionTypeArtifact {
			continue
		}
		if hideGuarded && d.ContentGuard != nil {
			continue
		}
		out = append(out, d.BasePath)
	}
	return out, nil
}

// PublicationStore

func (f *fakeStore) LatestCompletePublication(_ context.Context, versionID uuid.UUID) (*models.Publication, error) {
	if p, ok := f.latestPubByVersion[versionID]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) LatestCompletePublicationForRepository(_ context.Context, repositoryID uuid.UUID) (*models.Publication, error) {
	if p, ok := f.latestPubByRepo[repositoryID]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) LatestCompleteVersion(_ context.Context, repositoryID uuid.UUID) (*models.RepositoryVersion, error) {
	if v, ok := f.latestVerByRepo[repositoryID]; ok {
		return v, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) CheckpointPublicationAtOrBefore(_ context.Context, repositoryID uuid.UUID, ts time.Time) (*models.Publication, error) {
	var best *models.Publication
	for _, p := range f.checkpoints[repositoryID] {
		if p.CreatedAt.After(ts) {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (f *fakeStore) CheckpointTimestamps(_ context.Context, repositoryID uuid.UUID) ([]time.Time, error) {
	var out []time.Time
	for _, p := range f.checkpoints[repositoryID] {
		out = append(out, p.CreatedAt)
	}
	return out, nil
}

func (f *fakeStore) PublishedContentArtifact(_ context.Context, publicationID uuid.UUID, relPath string) (*models.ContentArtifact, error) {
	if ca, ok := f.published[publicationID][relPath]; ok {
		return ca, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) PublishedArtifactExists(_ context.Context, publicationID uuid.UUID, relPath string) (bool, error) {
	_, ok := f.published[publicationID][relPath]
	return ok, nil
}

func (f *fakeStore) ListPublishedRows(_ context.Context, publicationID uuid.UUID, prefix string) ([]models.ListingRow, error) {
	var rows []models.ListingRow
	for relPath, ca := range f.published[publicationID] {
		if !strings.HasPrefix(relPath, prefix) {
			continue
		}
		rows = append(rows, listingRowFor(relPath, ca))
	}
	return rows, nil
}

// ContentStore

func (f *fakeStore) VersionContentArtifact(_ context.Context, repositoryID uuid.UUID, _ int64, relPath string) (*models.ContentArtifact, error) {
	cas := f.versionContent[repositoryID][relPath]
	switch len(cas) {
	case 0:
		return nil, repository.ErrNotFound
	case 1:
		return cas[0], nil
	default:
		return nil, repository.ErrMultipleMatches
	}
}

func (f *fakeStore) VersionContentArtifactExists(_ context.Context, repositoryID uuid.UUID, _ int64, relPath string) (bool, error) {
	return len(f.versionContent[repositoryID][relPath]) > 0, nil
}

func (f *fakeStore) ListVersionRows(_ context.Context, repositoryID uuid.UUID, _ int64, prefix string) ([]models.ListingRow, error) {
	var rows []models.ListingRow
	for relPath, cas := range f.versionContent[repositoryID] {
		if !strings.HasPrefix(relPath, prefix) {
			continue
		}
		for _, ca := range cas {
			rows = append(rows, listingRowFor(relPath, ca))
		}
	}
	return rows, nil
}

func (f *fakeStore) ContentAddedAt(_ context.Context, _ uuid.UUID, _ int64, contentIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time)
	for _, id := range contentIDs {
		if at, ok := f.addedAt[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

func (f *fakeStore) RemoteArtifactSizes(_ context.Context, contentArtifactIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64)
	for _, id := range contentArtifactIDs {
		for _, ra := range f.remoteArtifacts[id] {
			if ra.Size != nil {
				out[id] = *ra.Size
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) RemoteArtifactsFor(_ context.Context, contentArtifactID uuid.UUID, failedCutoff time.Time) ([]*models.RemoteArtifact, error) {
	var out []*models.RemoteArtifact
	for _, ra := range f.remoteArtifacts[contentArtifactID] {
		if ra.FailedAt != nil && ra.FailedAt.After(failedCutoff) {
			continue
		}
		out = append(out, ra)
	}
	return out, nil
}

func (f *fakeStore) FindRemoteArtifactByURL(_ context.Context, remoteID uuid.UUID, url string) (*models.RemoteArtifact, error) {
	if ra, ok := f.raByURL[remoteID.String()+"|"+url]; ok {
		return ra, nil
	}
	return nil, repository.ErrNotFound
}

// ArtifactStore

func (f *fakeStore) SaveArtifact(_ context.Context, artifact *models.Artifact) (*models.Artifact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.artifactBySHA[artifact.SHA256]; ok {
		return existing, false, nil
	}
	saved := *artifact
	saved.ID = uuid.New()
	f.artifactBySHA[artifact.SHA256] = &saved
	f.savedArtifacts = append(f.savedArtifacts, &saved)
	return &saved, true, nil
}

func (f *fakeStore) SaveContentWithArtifacts(_ context.Context, content *models.Content, artifacts map[string]*models.Artifact) ([]*models.ContentArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedContent = append(f.savedContent, content)
	var cas []*models.ContentArtifact
	for relPath, artifact := range artifacts {
		id := artifact.ID
		ca := &models.ContentArtifact{
			ID:           uuid.New(),
			ContentID:    content.ID,
			ArtifactID:   &id,
			RelativePath: relPath,
			Artifact:     artifact,
		}
		f.savedCAs = append(f.savedCAs, ca)
		cas = append(cas, ca)
	}
	return cas, nil
}

func (f *fakeStore) UpdateContentArtifactArtifact(_ context.Context, contentArtifactID, artifactID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedCAs[contentArtifactID] = artifactID
	return nil
}

func (f *fakeStore) InsertRemoteArtifact(_ context.Context, ra *models.RemoteArtifact) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertedRAs = append(f.insertedRAs, ra)
	return true, nil
}

func (f *fakeStore) MarkRemoteArtifactFailed(_ context.Context, remoteArtifactID uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedRAs = append(f.failedRAs, remoteArtifactID)
	return nil
}

func (f *fakeStore) AttachContentToRepository(_ context.Context, repositoryID, contentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, [2]uuid.UUID{repositoryID, contentID})
	return nil
}

func listingRowFor(relPath string, ca *models.ContentArtifact) models.ListingRow {
	row := models.ListingRow{
		RelativePath:      relPath,
		CreatedAt:         ca.CreatedAt,
		ContentID:         ca.ContentID,
		ContentArtifactID: ca.ID,
	}
	if ca.Artifact != nil {
		size := ca.Artifact.Size
		row.ArtifactSize = &size
	}
	return row
}

// testGateway bundles a handler wired to fakes with the HTTP server the
// tests drive requests through.
type testGateway struct {
	store   *fakeStore
	handler *Handler
	backend storage.Backend
	cfg     *config.Config
	server  *httptest.Server
}

func newTestGateway(t *testing.T, store *fakeStore) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		ContentPathPrefix:          "/pulp/content/",
		StorageBackend:             config.StorageFilesystem,
		MediaRoot:                  t.TempDir(),
		WorkingDirectory:           t.TempDir(),
		RemoteFetchFailureCooldown: 5 * time.Minute,
		CacheTTL:                   time.Minute,
	}
	backend, err := storage.NewFileBackend(cfg.MediaRoot)
	if err != nil {
		t.Fatalf("Failed to build file backend: %v", err)
	}

	h := NewHandler(
		cfg,
		logger.NewWithLevel("test", "error"),
		guard.NewGate(),
		nil,
		metrics.New(),
		Stores{Distributions: store, Publications: store, Contents: store, Artifacts: store},
		func(_ context.Context, _ *models.Domain) (storage.Backend, error) { return backend, nil },
	)

	engine := gin.New()
	h.Register(engine)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &testGateway{store: store, handler: h, backend: backend, cfg: cfg, server: server}
}

// get performs a GET without following redirects.
func (g *testGateway) get(t *testing.T, path string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, g.server.URL+path, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

// putArtifact writes body into the media root and returns the artifact row
// pointing at it.
func (g *testGateway) putArtifact(t *testing.T, body string) *models.Artifact {
	t.Helper()
	sum := sha256Hex(body)
	name := storage.ArtifactPath(sum)
	local, _ := g.backend.LocalPath(name)
	writeFile(t, local, body)
	return &models.Artifact{
		ID:       uuid.New(),
		DomainID: g.store.domain.ID,
		File:     name,
		Size:     int64(len(body)),
		SHA256:   sum,
	}
}

func sha256Hex(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}
