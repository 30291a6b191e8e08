package content

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/contentstor/contentstor/internal/models"
	"github.com/contentstor/contentstor/internal/repository"
)

// BasePathCandidates returns the path's ancestor base paths, deepest first:
// "a/b/c" yields ["a/b/c", "a/b", "a"]. At most one of them names a
// distribution because base paths are unique prefixes.
func BasePathCandidates(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	var candidates []string
	for {
		candidates = append(candidates, p)
		i := strings.LastIndex(p, "/")
		if i < 0 {
			return candidates
		}
		p = p[:i]
	}
}

// Resolution is the outcome of matching a request path against the
// distribution table. Exactly one field group is set.
type Resolution struct {
	// Distribution is set when an ancestor base path matched.
	Distribution *models.Distribution
	// RedirectTo is the slash-added path to 301 to.
	RedirectTo string
	// ListingChildren holds the next-segment names to render as a directory
	// page, each with a trailing slash.
	ListingChildren []string
}

// resolvePath maps the decoded path after the content prefix (and domain
// segment) to a distribution, a child listing, or a trailing-slash redirect.
func (h *Handler) resolvePath(ctx context.Context, domain *models.Domain, p string, endsSlash bool) (*Resolution, error) {
	trimmed := strings.Trim(p, "/")

	if trimmed != "" {
		distro, err := h.distros.FindByBasePaths(ctx, domain.ID, BasePathCandidates(trimmed))
		if err == nil {
			return &Resolution{Distribution: distro}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	// No exact match. The path may still be a parent directory of one or
	// more base paths.
	prefix := ""
	if trimmed != "" {
		prefix = trimmed + "/"
	}
	count, err := h.distros.CountByBasePathPrefix(ctx, domain.ID, prefix)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, pathNotResolved("path %q did not match any distribution", p)
	}

	if !endsSlash {
		return &Resolution{RedirectTo: trimmed + "/"}, nil
	}

	basePaths, err := h.distros.ListableBasePaths(ctx, domain.ID, prefix, h.cfg.HideGuardedDistributions)
	if err != nil {
		return nil, err
	}
	return &Resolution{ListingChildren: childSegments(basePaths, prefix)}, nil
}

// childSegments reduces base paths under prefix to their distinct next path
// segment, slash-terminated, sorted.
func childSegments(basePaths []string, prefix string) []string {
	seen := make(map[string]bool)
	for _, bp := range basePaths {
		rest := strings.TrimPrefix(bp, prefix)
		if rest == "" {
			continue
		}
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		seen[rest+"/"] = true
	}
	children := make([]string, 0, len(seen))
	for name := range seen {
		children = append(children, name)
	}
	sort.Strings(children)
	return children
}
