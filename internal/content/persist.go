package content

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/contentstor/contentstor/internal/download"
	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/storage"
)

// persistDownload turns a validated download into store rows: the
// Artifact (converging with concurrent saves on the content address), the
// Content + ContentArtifact records for first-fetch pull-through, and a
// RemoteArtifact per relative path the remote can serve. Returns the content
// artifacts keyed by relative path.
func (h *Handler) persistDownload(ctx context.Context, req *http.Request, domain *models.Domain, distro *models.Distribution, remote *models.Remote, ra *models.RemoteArtifact, ca *models.ContentArtifact, result *download.Result) (map[string]*models.ContentArtifact, error) {
	artifact := artifactFromResult(domain, result)

	saved, created, err := h.artifacts.SaveArtifact(ctx, artifact)
	if err != nil {
		os.Remove(result.Path)
		return nil, err
	}

	backend, err := h.backendFor(ctx, domain)
	if err != nil {
		os.Remove(result.Path)
		return nil, err
	}
	if created {
		if err := backend.PutFile(ctx, saved.File, result.Path); err != nil {
			return nil, fmt.Errorf("failed to store artifact file: %w", err)
		}
	} else {
		// Another request won the save race; this download is a duplicate.
		os.Remove(result.Path)
	}

	detail := remote.Detail()
	byPath, err := h.bindContentArtifacts(ctx, remote, detail, ca, saved)
	if err != nil {
		return nil, err
	}

	for relPath, bound := range byPath {
		url := detail.RemoteArtifactURL(relPath, req)
		if url == "" {
			continue
		}
		size := saved.Size
		remoteArtifact := &models.RemoteArtifact{
			ContentArtifactID: bound.ID,
			RemoteID:          remote.ID,
			URL:               url,
			Size:              &size,
			SHA256:            &saved.SHA256,
		}
		if _, err := h.artifacts.InsertRemoteArtifact(ctx, remoteArtifact); err != nil {
			logrus.Warnf("failed to record remote artifact for %s: %v", relPath, err)
		}
	}

	// Attach to the backing repository when its type accepts pull-through
	// content.
	if distro.Repository != nil && distro.Repository.PullThroughSupported() {
		if primary, ok := byPath[ca.RelativePath]; ok {
			if err := h.artifacts.AttachContentToRepository(ctx, distro.Repository.ID, primary.ContentID); err != nil {
				logrus.Warnf("failed to attach pull-through content to repository: %v", err)
			}
		}
	}

	return byPath, nil
}

// bindContentArtifacts connects the saved artifact to content rows. An
// existing on-demand content artifact just gains its artifact pointer; an
// ephemeral pull-through one needs a whole Content record built by the
// remote's content type, which may span several relative paths.
func (h *Handler) bindContentArtifacts(ctx context.Context, remote *models.Remote, detail models.RemoteDetail, ca *models.ContentArtifact, saved *models.Artifact) (map[string]*models.ContentArtifact, error) {
	if ca.ID != uuid.Nil {
		if err := h.artifacts.UpdateContentArtifactArtifact(ctx, ca.ID, saved.ID); err != nil {
			return nil, err
		}
		bound := *ca
		bound.ArtifactID = &saved.ID
		bound.Artifact = saved
		return map[string]*models.ContentArtifact{bound.RelativePath: &bound}, nil
	}

	contentType := detail.RemoteArtifactContentType(ca.RelativePath)
	if contentType == nil {
		// Stream-only path: nothing to record beyond the artifact itself.
		return map[string]*models.ContentArtifact{}, nil
	}

	content, artifacts, err := contentType.InitFromArtifactAndRelativePath(saved, ca.RelativePath)
	if err != nil {
		return nil, err
	}
	content.DomainID = saved.DomainID

	cas, err := h.artifacts.SaveContentWithArtifacts(ctx, content, artifacts)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*models.ContentArtifact, len(cas))
	for _, bound := range cas {
		if bound.Artifact == nil {
			if a, ok := artifacts[bound.RelativePath]; ok {
				bound.Artifact = a
			}
		}
		byPath[bound.RelativePath] = bound
	}
	return byPath, nil
}

func artifactFromResult(domain *models.Domain, result *download.Result) *models.Artifact {
	sha256 := result.Digests["sha256"]
	artifact := &models.Artifact{
		DomainID: domain.ID,
		File:     storage.ArtifactPath(sha256),
		Size:     result.Size,
		SHA256:   sha256,
	}
	for algo, value := range result.Digests {
		v := value
		switch algo {
		case "md5":
			artifact.MD5 = &v
		case "sha1":
			artifact.SHA1 = &v
		case "sha224":
			artifact.SHA224 = &v
		case "sha384":
			artifact.SHA384 = &v
		case "sha512":
			artifact.SHA512 = &v
		}
	}
	return artifact
}
