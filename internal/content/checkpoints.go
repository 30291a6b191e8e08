package content

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/repository"
)

// checkpointLayout is the strict timestamp grammar of checkpoint path
// segments: YYYYMMDDThhmmssZ, always UTC.
const checkpointLayout = "20060102T150405Z"

// checkpointPathRe anchors the leading timestamp segment of a checkpoint
// request path.
var checkpointPathRe = regexp.MustCompile(`^(\d{8}T\d{6}Z)(/.*)?$`)

// checkpointResolution names the publication serving a checkpoint request,
// the path remainder after the timestamp segment, and an optional redirect to
// the canonical timestamp.
type checkpointResolution struct {
	publication *models.Publication
	relPath     string
	// redirectTo, when non-empty, is the distribution-relative path of the
	// canonical checkpoint the client must be 301'd to.
	redirectTo string
}

// resolveCheckpoint selects the publication for a checkpoint distribution's
// relative path per the timestamp grammar. An empty relPath means the caller
// should render the checkpoint listing instead.
func (h *Handler) resolveCheckpoint(ctx context.Context, distro *models.Distribution, relPath string) (*checkpointResolution, error) {
	if distro.Repository == nil {
		return nil, pathNotResolved("checkpoint distribution %q has no repository", distro.BasePath)
	}

	m := checkpointPathRe.FindStringSubmatch(relPath)
	if m == nil {
		return nil, pathNotResolved("%q is not a valid checkpoint path", relPath)
	}

	requested, err := time.Parse(checkpointLayout, m[1])
	if err != nil {
		return nil, pathNotResolved("%q is not a valid checkpoint timestamp", m[1])
	}
	if requested.After(time.Now().UTC()) {
		return nil, pathNotResolved("checkpoint %q is in the future", m[1])
	}

	// The request names a second; any publication created inside it counts.
	cutoff := requested.Add(time.Second - time.Microsecond)
	pub, err := h.pubs.CheckpointPublicationAtOrBefore(ctx, distro.Repository.ID, cutoff)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, pathNotResolved("no checkpoint at or before %q", m[1])
	}
	if err != nil {
		return nil, err
	}

	remainder := strings.TrimPrefix(m[2], "/")
	canonical := pub.CreatedAt.UTC().Format(checkpointLayout)
	if canonical != m[1] {
		target := canonical + "/"
		if remainder != "" {
			target += remainder
		}
		return &checkpointResolution{publication: pub, redirectTo: target}, nil
	}
	return &checkpointResolution{publication: pub, relPath: remainder}, nil
}

// checkpointListing renders the checkpoint timestamps of the distribution's
// repository as directory entries.
func (h *Handler) checkpointListing(ctx context.Context, distro *models.Distribution) ([]listEntry, error) {
	if distro.Repository == nil {
		return nil, pathNotResolved("checkpoint distribution %q has no repository", distro.BasePath)
	}
	timestamps, err := h.pubs.CheckpointTimestamps(ctx, distro.Repository.ID)
	if err != nil {
		return nil, err
	}
	entries := make([]listEntry, 0, len(timestamps))
	for _, ts := range timestamps {
		entries = append(entries, listEntry{
			Name:  ts.UTC().Format(checkpointLayout) + "/",
			Date:  ts,
			IsDir: true,
		})
	}
	return entries, nil
}
