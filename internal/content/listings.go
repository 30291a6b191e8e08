package content

import (
	"context"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contentstor/contentstor/internal/models"
)

// listEntry is one rendered line of a directory index.
type listEntry struct {
	Name  string
	Date  time.Time
	Size  *int64
	IsDir bool
}

// nameColumnWidth pads entry names so the date and size columns line up,
// nginx autoindex style.
const nameColumnWidth = 50

const listingDateLayout = "02-Jan-2006 15:04"

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<hr><pre>{{if .ShowParent}}<a href="../">../</a>
{{end}}{{range .Rows}}<a href="{{.Href}}">{{.Name}}</a>{{.Pad}}{{.Date}} {{.Size}}
{{end}}</pre><hr>
</body>
</html>
`))

type listingRow struct {
	Href string
	Name string
	Pad  string
	Date string
	Size string
}

type listingPage struct {
	Path       string
	ShowParent bool
	Rows       []listingRow
}

// renderListing produces the index HTML for the entries. displayPath is the
// request path shown in the heading; showParent adds the ../ link.
func renderListing(displayPath string, entries []listEntry, showParent bool) (string, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	page := listingPage{Path: displayPath, ShowParent: showParent}
	for _, e := range entries {
		pad := nameColumnWidth - len(e.Name)
		if pad < 1 {
			pad = 1
		}
		date := "-"
		if !e.Date.IsZero() {
			date = e.Date.UTC().Format(listingDateLayout)
		}
		size := "-"
		if e.Size != nil {
			size = humanSize(*e.Size)
		}
		page.Rows = append(page.Rows, listingRow{
			Href: e.Name,
			Name: e.Name,
			Pad:  strings.Repeat(" ", pad),
			Date: date,
			Size: fmt.Sprintf("%8s", size),
		})
	}

	var sb strings.Builder
	if err := listingTemplate.Execute(&sb, page); err != nil {
		return "", fmt.Errorf("failed to render listing: %w", err)
	}
	return sb.String(), nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}

// listingSource names where directory rows come from: a publication, its
// pass-through version, or a bare repository version.
type listingSource struct {
	publication *models.Publication
	version     *models.RepositoryVersion
}

// buildListing gathers the directory entries under relPath per the listing
// rules: published rows first, pass-through or version rows when applicable,
// the distribution hook's names overlaid, remote sizes as fallback, and dates
// re-stamped to when the content entered the repository version.
func (h *Handler) buildListing(ctx context.Context, distro *models.Distribution, src listingSource, relPath string) ([]listEntry, error) {
	prefix := relPath
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var rows []models.ListingRow
	if src.publication != nil {
		published, err := h.pubs.ListPublishedRows(ctx, src.publication.ID, prefix)
		if err != nil {
			return nil, err
		}
		rows = append(rows, published...)
	}
	includeVersion := src.publication == nil || src.publication.PassThrough
	if includeVersion && src.version != nil {
		versionRows, err := h.contents.ListVersionRows(ctx, src.version.RepositoryID, src.version.Number, prefix)
		if err != nil {
			return nil, err
		}
		rows = append(rows, versionRows...)
	}

	files := make(map[string]*listEntry)
	dirs := make(map[string]*listEntry)
	var missingSizes []uuid.UUID
	sizeOwners := make(map[uuid.UUID][]*listEntry)
	var contentIDs []uuid.UUID
	dateOwners := make(map[uuid.UUID][]*listEntry)

	for i := range rows {
		row := rows[i]
		rest := strings.TrimPrefix(row.RelativePath, prefix)
		if rest == "" || (prefix != "" && rest == row.RelativePath) {
			continue
		}
		if slash := strings.Index(rest, "/"); slash >= 0 {
			name := rest[:slash+1]
			if _, ok := dirs[name]; !ok {
				dirs[name] = &listEntry{Name: name, Date: row.CreatedAt, IsDir: true}
			}
			continue
		}
		if _, ok := files[rest]; ok {
			continue
		}
		entry := &listEntry{Name: rest, Date: row.CreatedAt, Size: row.ArtifactSize}
		files[rest] = entry
		if row.ArtifactSize == nil {
			missingSizes = append(missingSizes, row.ContentArtifactID)
			sizeOwners[row.ContentArtifactID] = append(sizeOwners[row.ContentArtifactID], entry)
		}
		contentIDs = append(contentIDs, row.ContentID)
		dateOwners[row.ContentID] = append(dateOwners[row.ContentID], entry)
	}

	// Entries the distribution's detail type contributes (slash suffix means
	// a directory).
	hookNames, err := distro.Detail().ContentHandlerListDirectory(ctx, relPath)
	if err != nil {
		return nil, err
	}
	for _, name := range hookNames {
		if strings.HasSuffix(name, "/") {
			if _, ok := dirs[name]; !ok {
				dirs[name] = &listEntry{Name: name, IsDir: true}
			}
		} else if _, ok := files[name]; !ok {
			files[name] = &listEntry{Name: name}
		}
	}

	// On-demand entries have no local size; fall back to what the mirrors
	// advertise.
	if len(missingSizes) > 0 {
		sizes, err := h.contents.RemoteArtifactSizes(ctx, missingSizes)
		if err != nil {
			return nil, err
		}
		for id, size := range sizes {
			s := size
			for _, entry := range sizeOwners[id] {
				entry.Size = &s
			}
		}
	}

	// Show when the content entered the repository version, not when its row
	// was written.
	if src.version != nil && len(contentIDs) > 0 {
		added, err := h.contents.ContentAddedAt(ctx, src.version.RepositoryID, src.version.Number, contentIDs)
		if err != nil {
			return nil, err
		}
		for id, at := range added {
			for _, entry := range dateOwners[id] {
				entry.Date = at
			}
		}
	}

	entries := make([]listEntry, 0, len(files)+len(dirs))
	for _, e := range dirs {
		entries = append(entries, *e)
	}
	for _, e := range files {
		entries = append(entries, *e)
	}
	return entries, nil
}
