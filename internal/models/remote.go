package models

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Remote download policies.
const (
	// PolicyImmediate and PolicyOnDemand persist fetched bytes as Artifacts.
	PolicyImmediate = "immediate"
	PolicyOnDemand  = "on_demand"
	// PolicyStreamed proxies bytes to the client without saving anything.
	PolicyStreamed = "streamed"
)

// Remote pulp_type discriminators known to the core.
const (
	// RemoteTypeFile joins URLs and creates file content on pull-through.
	RemoteTypeFile = "core.file"
	// RemoteTypeGeneric joins URLs but never creates content; fetched paths
	// stream through without a Content record.
	RemoteTypeGeneric = "core.generic"
)

// Remote describes one upstream source plus the transport settings the
// downloader honors.
type Remote struct {
	ID            uuid.UUID `json:"id"`
	DomainID      uuid.UUID `json:"domain_id"`
	Name          string    `json:"name"`
	PulpType      string    `json:"pulp_type"`
	URL           string    `json:"url"`
	Policy        string    `json:"policy"`
	CACert        *string   `json:"ca_cert,omitempty"`
	ClientCert    *string   `json:"client_cert,omitempty"`
	ClientKey     *string   `json:"client_key,omitempty"`
	TLSValidation bool      `json:"tls_validation"`
	ProxyURL      *string   `json:"proxy_url,omitempty"`
	Username      *string   `json:"username,omitempty"`
	Password      *string   `json:"password,omitempty"`
	// Headers holds extra request headers as JSON: [{"name": ..., "value": ...}].
	Headers        []byte `json:"headers,omitempty"`
	TotalTimeout   *int64 `json:"total_timeout,omitempty"`
	ConnectTimeout *int64 `json:"connect_timeout,omitempty"`
	RateLimit      *int   `json:"rate_limit,omitempty"`
	// ACSPriority orders mirror fallback; higher values are tried first.
	ACSPriority int       `json:"acs_priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContentType constructs Content records for pull-through fetches of a given
// remote type.
type ContentType interface {
	PulpType() string
	// InitFromArtifactAndRelativePath builds the Content for a fetched
	// artifact, returning the artifacts it spans keyed by relative path
	// (single-artifact types return {relPath: artifact}).
	InitFromArtifactAndRelativePath(artifact *Artifact, relPath string) (*Content, map[string]*Artifact, error)
}

// RemoteDetail supplies the per-type pull-through hooks.
type RemoteDetail interface {
	// RemoteArtifactURL maps a distribution-relative path to the upstream
	// URL, or "" when the remote cannot serve it.
	RemoteArtifactURL(relPath string, r *http.Request) string
	// RemoteArtifactContentType names the content type a successful fetch of
	// relPath creates; nil means stream-only (no Content record is saved).
	RemoteArtifactContentType(relPath string) ContentType
}

type remoteDetailFunc func(*Remote) RemoteDetail

var remoteDetails = map[string]remoteDetailFunc{
	RemoteTypeFile:    func(r *Remote) RemoteDetail { return fileRemoteDetail{r} },
	RemoteTypeGeneric: func(r *Remote) RemoteDetail { return genericRemoteDetail{r} },
}

// RegisterRemoteDetail installs the detail constructor for a remote pulp_type.
func RegisterRemoteDetail(pulpType string, f func(*Remote) RemoteDetail) {
	remoteDetails[pulpType] = f
}

// Detail casts the row to its detail view. Unknown types behave like the
// generic remote.
func (r *Remote) Detail() RemoteDetail {
	if f, ok := remoteDetails[r.PulpType]; ok {
		return f(r)
	}
	return genericRemoteDetail{r}
}

// joinURL resolves relPath against base the way upstream mirrors expect:
// the base is treated as a directory.
func joinURL(base, relPath string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(relPath, "/")
}

type fileRemoteDetail struct{ remote *Remote }

func (d fileRemoteDetail) RemoteArtifactURL(relPath string, _ *http.Request) string {
	if relPath == "" {
		return ""
	}
	return joinURL(d.remote.URL, relPath)
}

func (d fileRemoteDetail) RemoteArtifactContentType(relPath string) ContentType {
	// Directory-ish paths never become content units.
	if relPath == "" || strings.HasSuffix(relPath, "/") {
		return nil
	}
	return FileContentType{}
}

type genericRemoteDetail struct{ remote *Remote }

func (d genericRemoteDetail) RemoteArtifactURL(relPath string, _ *http.Request) string {
	if relPath == "" {
		return ""
	}
	return joinURL(d.remote.URL, relPath)
}

func (d genericRemoteDetail) RemoteArtifactContentType(string) ContentType { return nil }

// FileContentType creates one single-artifact Content per relative path,
// keyed by path and digest so concurrent fetches converge on one row.
type FileContentType struct{}

func (FileContentType) PulpType() string { return "core.file" }

func (FileContentType) InitFromArtifactAndRelativePath(artifact *Artifact, relPath string) (*Content, map[string]*Artifact, error) {
	content := &Content{
		ID:         uuid.New(),
		DomainID:   artifact.DomainID,
		PulpType:   "core.file",
		NaturalKey: relPath + ":" + artifact.SHA256,
	}
	return content, map[string]*Artifact{relPath: artifact}, nil
}
