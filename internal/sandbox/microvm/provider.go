// Package microvm is a stub SandboxProvider for the microVM backend named
// in the sandbox type enum. No microVM SDK (Firecracker, Cloud Hypervisor)
// appears anywhere in the reference corpus, so this backend is
// intentionally minimal stdlib-only plumbing (see design notes: "no
// suitable third-party library could be grounded for this backend") that
// reports itself unavailable until a real hypervisor integration lands.
package microvm

import (
	"context"
	"fmt"

	"github.com/pi-relay/relay/internal/sandbox"
)

type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Key() string { return "microvm" }

func (p *Provider) IsAvailable(ctx context.Context) bool { return false }

func (p *Provider) CreateSandbox(ctx context.Context, params sandbox.CreateParams) (sandbox.Handle, error) {
	return nil, fmt.Errorf("microvm provider is not implemented in this deployment")
}

func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	return nil, fmt.Errorf("microvm provider is not implemented in this deployment")
}

func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.SandboxInfo, error) {
	return nil, nil
}

func (p *Provider) Cleanup(ctx context.Context) error { return nil }
