// Package manager implements the SandboxManager component (§4.6): a
// stateless orchestrator over sandbox.Provider backends. The session row
// in the store is the single source of truth; the manager never caches a
// session-to-provider-id mapping beyond the scope of one call.
package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/relayerr"
	"github.com/pi-relay/relay/internal/sandbox"
	"github.com/pi-relay/relay/internal/store"
)

// Manager selects a sandbox.Provider by environment and drives sandbox
// lifecycle on behalf of the SessionEngine.
type Manager struct {
	store     store.SessionStore
	providers map[string]sandbox.Provider
}

func New(st store.SessionStore, providers ...sandbox.Provider) *Manager {
	m := &Manager{store: st, providers: make(map[string]sandbox.Provider, len(providers))}
	for _, p := range providers {
		m.providers[p.Key()] = p
	}
	return m
}

func (m *Manager) providerFor(key string) (sandbox.Provider, error) {
	p, ok := m.providers[key]
	if !ok {
		return nil, relayerr.New(relayerr.ProviderError, fmt.Sprintf("no sandbox provider registered for %q", key))
	}
	return p, nil
}

// CreateForSession selects the provider named by environment.SandboxType,
// creates the sandbox, and persists sandboxProviderKey/sandboxProviderId/
// imageDigest. On success it transitions the session to active; on any
// failure it transitions to error and best-effort terminates any partial
// sandbox.
func (m *Manager) CreateForSession(ctx context.Context, s *domain.Session, env *domain.Environment, secrets map[string]string, repoURL, repoBranch, githubToken, gitAuthor string) error {
	provider, err := m.providerFor(env.SandboxType)
	if err != nil {
		return m.fail(ctx, s, err)
	}

	handle, err := provider.CreateSandbox(ctx, sandbox.CreateParams{
		SessionID:          s.ID,
		Environment:        env,
		Secrets:            secrets,
		RepoURL:            repoURL,
		RepoBranch:         repoBranch,
		GithubToken:        githubToken,
		GitAuthor:          gitAuthor,
		NativeToolsEnabled: s.NativeToolsEnabled,
		ResourceTier:       env.ResourceTier,
	})
	if err != nil {
		return m.fail(ctx, s, relayerr.Wrap(relayerr.ProviderError, "create sandbox", err))
	}

	s.SandboxProviderKey = env.SandboxType
	s.SandboxProviderID = handle.ProviderID()
	if info, ok := handle.(interface{ ImageDigest() string }); ok {
		s.ImageDigest = info.ImageDigest()
	}

	if handle.Status() == sandbox.StatusRunning {
		s.Status = domain.StatusActive
	} else {
		s.Status = domain.StatusError
	}
	if err := m.store.UpdateSession(ctx, s, domain.StatusCreating); err != nil {
		if terr := handle.Terminate(ctx); terr != nil {
			slog.Warn("best-effort termination of partial sandbox failed", "session_id", s.ID, "error", terr)
		}
		return m.fail(ctx, s, relayerr.Wrap(relayerr.ProviderError, "persist sandbox creation", err))
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, s *domain.Session, cause error) error {
	slog.Error("sandbox creation failed", "session_id", s.ID, "error", cause)
	s.Status = domain.StatusError
	if err := m.store.UpdateSession(ctx, s, ""); err != nil {
		slog.Error("failed to persist session error status", "session_id", s.ID, "error", err)
	}
	return cause
}

// GetForSession re-acquires a handle via getSandbox(providerId). Callers
// (the engine) should consult their in-memory map first; this is the
// fallback path for a cold engine or a recovered connection. If the
// provider fails to inspect the sandbox, the session transitions to error
// and a provider_error is returned. If the backend object no longer
// exists, the session transitions to idle with its provider id cleared and
// a sandbox_unavailable error is returned; nothing here or in activate()
// creates a replacement sandbox.
func (m *Manager) GetForSession(ctx context.Context, s *domain.Session) (sandbox.Handle, error) {
	if s.SandboxProviderID == "" {
		return nil, relayerr.New(relayerr.SandboxUnavailable, "session has no sandbox provider id")
	}
	provider, err := m.providerFor(s.SandboxProviderKey)
	if err != nil {
		return nil, err
	}

	handle, err := provider.GetSandbox(ctx, s.SandboxProviderID)
	if err != nil {
		s.Status = domain.StatusError
		_ = m.store.UpdateSession(ctx, s, "")
		return nil, relayerr.Wrap(relayerr.ProviderError, "inspect sandbox", err)
	}
	if handle == nil {
		s.Status = domain.StatusIdle
		s.SandboxProviderID = ""
		_ = m.store.UpdateSession(ctx, s, "")
		return nil, relayerr.New(relayerr.SandboxUnavailable, "sandbox no longer exists on provider")
	}
	return handle, nil
}

// TerminateForSession best-effort terminates the sandbox and clears the
// provider id regardless of outcome (§4.6: "nulls sandboxProviderId").
func (m *Manager) TerminateForSession(ctx context.Context, s *domain.Session, handle sandbox.Handle) {
	if handle != nil {
		if err := handle.Terminate(ctx); err != nil {
			slog.Warn("best-effort sandbox termination failed", "session_id", s.ID, "error", err)
		}
	}
	s.SandboxProviderID = ""
}
