package sandbox

import (
	"context"
	"time"

	"github.com/pi-relay/relay/internal/domain"
)

// CreateParams are the inputs to Provider.CreateSandbox (§4.5).
type CreateParams struct {
	SessionID          string
	Environment        *domain.Environment
	Secrets            map[string]string
	RepoURL            string
	RepoBranch         string
	GithubToken        string
	GitAuthor          string
	NativeToolsEnabled bool
	ResourceTier       domain.ResourceTier
}

// SandboxInfo is one row of Provider.ListSandboxes.
type SandboxInfo struct {
	SessionID string
	ProviderID string
	Status    Status
	CreatedAt time.Time
}

// Provider is the Strategy interface over heterogeneous sandbox backends
// (§4.5): local containers, remote container workers, microVMs.
type Provider interface {
	Key() string
	IsAvailable(ctx context.Context) bool

	// The docker backend caches CreateSandbox per sessionId: calling it
	// twice for a session that already has a running handle returns the
	// same handle. The remote-worker backend keeps no such cache.
	CreateSandbox(ctx context.Context, params CreateParams) (Handle, error)
	GetSandbox(ctx context.Context, providerID string) (Handle, error)
	ListSandboxes(ctx context.Context) ([]SandboxInfo, error)
	Cleanup(ctx context.Context) error
}
