// Package models is the relay's static model registry, answering
// GET /api/models and the WS get_available_models method (§12
// supplemented features). It carries no external SDK: the registry is a
// fixed list the operator edits at deploy time, not a live catalog call
// to any model provider.
package models

import (
	"context"

	"github.com/pi-relay/relay/internal/wsapi"
)

// Catalog is a fixed registry of provider/model pairs the relay offers to
// sessions at creation and via set_model.
type Catalog struct {
	entries []wsapi.ModelInfo
}

// Default returns the relay's built-in model registry.
func Default() *Catalog {
	return &Catalog{entries: []wsapi.ModelInfo{
		{Provider: "anthropic", ID: "claude-opus-4", Label: "Claude Opus 4"},
		{Provider: "anthropic", ID: "claude-sonnet-4", Label: "Claude Sonnet 4"},
		{Provider: "anthropic", ID: "claude-haiku-4", Label: "Claude Haiku 4"},
		{Provider: "openai", ID: "gpt-4.1", Label: "GPT-4.1"},
	}}
}

// AvailableModels satisfies wsapi.ModelCatalog with the relay's static
// registry, independent of any session. The Open Question in §9 is
// resolved as "current session's model registry or a one-shot ephemeral
// introspection if no session is active"; the registry here is static
// regardless of session, so the wsapi dispatch layer marks the selected
// entry inline for an active session (§12) rather than this package
// knowing about sessions at all.
func (c *Catalog) AvailableModels(ctx context.Context) ([]wsapi.ModelInfo, error) {
	out := make([]wsapi.ModelInfo, len(c.entries))
	copy(out, c.entries)
	return out, nil
}
