package guard

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	oidclib "github.com/coreos/go-oidc/v3/oidc"

	"github.com/contentstor/contentstor/internal/models"
)

// PermissionError is a guard rejection. The dispatcher turns it into a 403
// with Reason as the body.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return e.Reason }

// Denied builds a rejection with a formatted reason.
func Denied(format string, args ...interface{}) error {
	return &PermissionError{Reason: fmt.Sprintf(format, args...)}
}

// permitFunc checks one guard type. Config is the guard row's JSON document.
type permitFunc func(ctx context.Context, gate *Gate, config []byte, r *http.Request) error

// Gate evaluates content guards against requests. It caches OIDC provider
// metadata per issuer so repeated checks do not refetch discovery documents.
type Gate struct {
	mu        sync.Mutex
	providers map[string]*oidclib.Provider

	permits map[string]permitFunc
}

func NewGate() *Gate {
	g := &Gate{
		providers: make(map[string]*oidclib.Provider),
	}
	g.permits = map[string]permitFunc{
		models.GuardTypeHeader:    permitHeader,
		models.GuardTypeToken:     permitToken,
		models.GuardTypeAPIKey:    permitAPIKey,
		models.GuardTypeOIDC:      permitOIDC,
		models.GuardTypeComposite: permitComposite,
	}
	return g
}

// Permit runs the guard against the request. A nil guard always permits.
// Rejections come back as *PermissionError; any other error is an internal
// failure (bad guard config, unreachable issuer).
func (g *Gate) Permit(ctx context.Context, guard *models.ContentGuard, r *http.Request) error {
	if guard == nil {
		return nil
	}
	return g.permitTyped(ctx, guard.PulpType, guard.Config, r)
}

func (g *Gate) permitTyped(ctx context.Context, pulpType string, config []byte, r *http.Request) error {
	permit, ok := g.permits[pulpType]
	if !ok {
		return Denied("unsupported guard %q", pulpType)
	}
	return permit(ctx, g, config, r)
}

func (g *Gate) provider(ctx context.Context, issuer string) (*oidclib.Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[issuer]; ok {
		return p, nil
	}
	p, err := oidclib.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer %s: %w", issuer, err)
	}
	g.providers[issuer] = p
	return p, nil
}
