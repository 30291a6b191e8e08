package content

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/contentstor/contentstor/internal/models"
)

// waitFor polls until check passes; persistence runs shielded after the body
// is sent, so store assertions may race the handler briefly.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func fileRemote(g *testGateway, baseURL, policy string) *models.Remote {
	return &models.Remote{
		ID:       uuid.New(),
		DomainID: g.store.domain.ID,
		Name:     "upstream",
		PulpType: models.RemoteTypeFile,
		URL:      baseURL,
		Policy:   policy,
	}
}

// onDemandFixture wires a published distribution whose content artifact has
// no local binary, only a mirror list.
func onDemandFixture(t *testing.T, g *testGateway, basePath string, relPath string, mirrors []*models.RemoteArtifact) *models.ContentArtifact {
	t.Helper()
	distro, pub := publishedFixture(t, g, basePath, nil)
	_ = distro

	ca := &models.ContentArtifact{
		ID:           uuid.New(),
		ContentID:    uuid.New(),
		RelativePath: relPath,
	}
	g.store.addPublished(pub.ID, relPath, ca)
	for _, ra := range mirrors {
		ra.ContentArtifactID = ca.ID
		g.store.remoteArtifacts[ca.ID] = append(g.store.remoteArtifacts[ca.ID], ra)
	}
	return ca
}

func TestOnDemandStreamPersistsArtifact(t *testing.T) {
	const body = "on demand payload"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, body)
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	sum := sha256Hex(body)
	remote := fileRemote(g, upstream.URL, models.PolicyOnDemand)
	ca := onDemandFixture(t, g, "file/od", "pkg.txt", []*models.RemoteArtifact{{
		ID:     uuid.New(),
		URL:    upstream.URL + "/pkg.txt",
		SHA256: &sum,
		Remote: remote,
	}})

	resp := g.get(t, "/pulp/content/file/od/pkg.txt", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if string(got) != body {
		t.Errorf("Body mismatch: %q", got)
	}
	if size := resp.Header.Get("X-PULP-ARTIFACT-SIZE"); size != "17" {
		t.Errorf("Expected artifact size 17, got %q", size)
	}

	waitFor(t, "artifact save", func() bool {
		g.store.mu.Lock()
		defer g.store.mu.Unlock()
		return len(g.store.savedArtifacts) == 1
	})
	g.store.mu.Lock()
	saved := g.store.savedArtifacts[0]
	boundTo, bound := g.store.updatedCAs[ca.ID]
	g.store.mu.Unlock()

	if saved.SHA256 != sum {
		t.Errorf("Saved artifact digest mismatch: %s", saved.SHA256)
	}
	if !bound || boundTo != saved.ID {
		t.Errorf("Content artifact not bound to saved artifact")
	}
	if local, _ := g.backend.LocalPath(saved.File); !fileExists(local) {
		t.Errorf("Artifact file missing from media root: %s", local)
	}

	// With the artifact bound, a re-request serves the stored copy with the
	// same bytes and size header.
	ca.ArtifactID = &saved.ID
	ca.Artifact = saved
	resp = g.get(t, "/pulp/content/file/od/pkg.txt", nil)
	defer resp.Body.Close()
	again, _ := io.ReadAll(resp.Body)
	if string(again) != body {
		t.Errorf("Re-request body mismatch: %q", again)
	}
	if size := resp.Header.Get("X-PULP-ARTIFACT-SIZE"); size != "17" {
		t.Errorf("Re-request artifact size header mismatch: %q", size)
	}
	t.Log("✓ On-demand persist test passed")
}

func TestConcurrentOnDemandFetchesSaveOnce(t *testing.T) {
	const body = "raced payload"
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		io.WriteString(w, body)
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	sum := sha256Hex(body)
	remote := fileRemote(g, upstream.URL, models.PolicyOnDemand)
	onDemandFixture(t, g, "file/race", "pkg.txt", []*models.RemoteArtifact{{
		ID:     uuid.New(),
		URL:    upstream.URL + "/pkg.txt",
		SHA256: &sum,
		Remote: remote,
	}})

	// Both requests are in flight against the upstream before either can
	// finish, so both reach the persister with the same bytes.
	bodies := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(g.server.URL + "/pulp/content/file/race/pkg.txt")
			if err != nil {
				bodies <- "request error: " + err.Error()
				return
			}
			defer resp.Body.Close()
			got, _ := io.ReadAll(resp.Body)
			bodies <- string(got)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if got := <-bodies; got != body {
			t.Errorf("Client %d body mismatch: %q", i, got)
		}
	}

	waitFor(t, "both persists", func() bool {
		g.store.mu.Lock()
		defer g.store.mu.Unlock()
		return len(g.store.insertedRAs) == 2
	})
	g.store.mu.Lock()
	saved := len(g.store.savedArtifacts)
	g.store.mu.Unlock()
	if saved != 1 {
		t.Errorf("Expected exactly one artifact row, got %d", saved)
	}

	// The losing download's spool file must be cleaned up.
	entries, err := os.ReadDir(g.cfg.WorkingDirectory)
	if err != nil {
		t.Fatalf("Failed to read spool dir: %v", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("Leftover spool file: %s", e.Name())
		}
	}
	t.Log("✓ Concurrent fetch test passed")
}

func TestStreamedPolicySavesNothing(t *testing.T) {
	const body = "streamed payload"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, body)
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	remote := fileRemote(g, upstream.URL, models.PolicyStreamed)
	onDemandFixture(t, g, "file/streamed", "pkg.txt", []*models.RemoteArtifact{{
		ID:     uuid.New(),
		URL:    upstream.URL + "/pkg.txt",
		Remote: remote,
	}})

	resp := g.get(t, "/pulp/content/file/streamed/pkg.txt", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != body {
		t.Errorf("Body mismatch: %q", got)
	}

	time.Sleep(100 * time.Millisecond)
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	if len(g.store.savedArtifacts) != 0 {
		t.Errorf("Streamed policy must not save artifacts, saved %d", len(g.store.savedArtifacts))
	}
	t.Log("✓ Streamed policy test passed")
}

func TestMirrorFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "second mirror")
	}))
	defer good.Close()

	g := newTestGateway(t, newFakeStore())
	onDemandFixture(t, g, "file/mirrors", "pkg.txt", []*models.RemoteArtifact{
		{ID: uuid.New(), URL: bad.URL + "/pkg.txt", Remote: fileRemote(g, bad.URL, models.PolicyStreamed)},
		{ID: uuid.New(), URL: good.URL + "/pkg.txt", Remote: fileRemote(g, good.URL, models.PolicyStreamed)},
	})

	resp := g.get(t, "/pulp/content/file/mirrors/pkg.txt", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from fallback mirror, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "second mirror" {
		t.Errorf("Body mismatch: %q", got)
	}
	if n := g.handler.metrics.Snapshot().MirrorFailures; n != 1 {
		t.Errorf("Expected 1 mirror failure, got %d", n)
	}
	t.Log("✓ Mirror fallback test passed")
}

func TestAllMirrorsFailingIs404(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	g := newTestGateway(t, newFakeStore())
	onDemandFixture(t, g, "file/dead", "pkg.txt", []*models.RemoteArtifact{
		{ID: uuid.New(), URL: bad.URL + "/pkg.txt", Remote: fileRemote(g, bad.URL, models.PolicyStreamed)},
	})

	resp := g.get(t, "/pulp/content/file/dead/pkg.txt", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 when every mirror fails, got %d", resp.StatusCode)
	}
	t.Log("✓ Exhausted mirrors test passed")
}

func TestCooldownSkipsFailedMirror(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "healthy")
	}))
	defer good.Close()

	g := newTestGateway(t, newFakeStore())
	recent := time.Now().Add(-time.Minute)
	onDemandFixture(t, g, "file/cooldown", "pkg.txt", []*models.RemoteArtifact{
		{ID: uuid.New(), URL: "http://127.0.0.1:1/pkg.txt", FailedAt: &recent, Remote: fileRemote(g, "http://127.0.0.1:1", models.PolicyStreamed)},
		{ID: uuid.New(), URL: good.URL + "/pkg.txt", Remote: fileRemote(g, good.URL, models.PolicyStreamed)},
	})

	resp := g.get(t, "/pulp/content/file/cooldown/pkg.txt", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if n := g.handler.metrics.Snapshot().MirrorFailures; n != 0 {
		t.Errorf("Mirror in cooldown must be skipped without counting a failure, got %d", n)
	}
	t.Log("✓ Cooldown skip test passed")
}

func TestDigestMismatchAbortsConnection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "corrupted bytes")
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	wrong := sha256Hex("what the mirror should have sent")
	raID := uuid.New()
	onDemandFixture(t, g, "file/bad", "pkg.txt", []*models.RemoteArtifact{{
		ID:     raID,
		URL:    upstream.URL + "/pkg.txt",
		SHA256: &wrong,
		Remote: fileRemote(g, upstream.URL, models.PolicyOnDemand),
	}})

	resp := g.get(t, "/pulp/content/file/bad/pkg.txt", nil)
	defer resp.Body.Close()

	// Headers go out before validation can run; the body must then end in a
	// transport error, never a clean EOF.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 headers before abort, got %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Errorf("Expected an aborted body read after digest mismatch")
	}

	waitFor(t, "mirror marked failed", func() bool {
		g.store.mu.Lock()
		defer g.store.mu.Unlock()
		return len(g.store.failedRAs) == 1 && g.store.failedRAs[0] == raID
	})
	g.store.mu.Lock()
	saved := len(g.store.savedArtifacts)
	g.store.mu.Unlock()
	if saved != 0 {
		t.Errorf("Invalid bytes must not be persisted")
	}
	t.Log("✓ Digest mismatch abort test passed")
}

func TestPullThroughFirstFetch(t *testing.T) {
	const body = "pull through payload"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/base/some/pkg.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, body)
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	remote := fileRemote(g, upstream.URL+"/base", models.PolicyOnDemand)
	repo := &models.Repository{ID: uuid.New(), DomainID: g.store.domain.ID, PulpType: "core.file"}
	g.store.distros = append(g.store.distros, &models.Distribution{
		ID:         uuid.New(),
		DomainID:   g.store.domain.ID,
		PulpType:   models.DistributionTypeFile,
		BasePath:   "pull/cache",
		Remote:     remote,
		Repository: repo,
	})

	resp := g.get(t, "/pulp/content/pull/cache/some/pkg.txt", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != body {
		t.Errorf("Body mismatch: %q", got)
	}

	waitFor(t, "pull-through save", func() bool {
		g.store.mu.Lock()
		defer g.store.mu.Unlock()
		return len(g.store.savedContent) == 1 && len(g.store.attached) == 1
	})
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	content := g.store.savedContent[0]
	if content.PulpType != "core.file" {
		t.Errorf("Unexpected content type %q", content.PulpType)
	}
	if content.NaturalKey != "some/pkg.txt:"+sha256Hex(body) {
		t.Errorf("Unexpected natural key %q", content.NaturalKey)
	}
	if len(g.store.insertedRAs) != 1 {
		t.Errorf("Expected a remote artifact record, got %d", len(g.store.insertedRAs))
	}
	if g.store.attached[0][0] != repo.ID {
		t.Errorf("Content attached to wrong repository")
	}
	t.Log("✓ Pull-through first fetch test passed")
}

func TestGenericRemoteStreamsWithoutSaving(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "generic bytes")
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	remote := fileRemote(g, upstream.URL, models.PolicyOnDemand)
	remote.PulpType = models.RemoteTypeGeneric
	g.store.distros = append(g.store.distros, &models.Distribution{
		ID:       uuid.New(),
		DomainID: g.store.domain.ID,
		PulpType: models.DistributionTypeGeneric,
		BasePath: "generic/proxy",
		Remote:   remote,
	})

	resp := g.get(t, "/pulp/content/generic/proxy/anything.bin", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "generic bytes" {
		t.Errorf("Body mismatch: %q", got)
	}

	time.Sleep(100 * time.Millisecond)
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	if len(g.store.savedArtifacts) != 0 || len(g.store.savedContent) != 0 {
		t.Errorf("Generic remote must not persist anything")
	}
	t.Log("✓ Generic remote test passed")
}

func TestRangedRemoteStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "0123456789")
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	onDemandFixture(t, g, "file/ranged", "pkg.bin", []*models.RemoteArtifact{{
		ID:     uuid.New(),
		URL:    upstream.URL + "/pkg.bin",
		Remote: fileRemote(g, upstream.URL, models.PolicyStreamed),
	}})

	resp := g.get(t, "/pulp/content/file/ranged/pkg.bin", map[string]string{"Range": "bytes=2-5"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("Expected 206, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "2345" {
		t.Errorf("Range window mismatch: %q", got)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range mismatch: %q", cr)
	}
	t.Log("✓ Ranged remote stream test passed")
}

func TestUpstreamStatusPropagates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	g := newTestGateway(t, newFakeStore())
	remote := fileRemote(g, upstream.URL, models.PolicyOnDemand)
	g.store.distros = append(g.store.distros, &models.Distribution{
		ID:       uuid.New(),
		DomainID: g.store.domain.ID,
		PulpType: models.DistributionTypeFile,
		BasePath: "pull/cache",
		Remote:   remote,
	})

	resp := g.get(t, "/pulp/content/pull/cache/denied.txt", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected upstream 403 to propagate, got %d", resp.StatusCode)
	}
	t.Log("✓ Upstream status propagation test passed")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
