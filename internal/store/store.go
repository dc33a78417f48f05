// Package store provides transactional persistence for sessions,
// environments, clients, and secrets (§3, §6 persisted state layout).
package store

import (
	"context"

	"github.com/pi-relay/relay/internal/domain"
)

// SessionStore is the SessionStore component (§4.6's callers, §3's
// ownership rule: the store owns all rows).
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	// UpdateSession writes every mutable column of s, compare-and-swapping
	// against expectedStatus if non-empty (optimistic locking, the same
	// compare-and-swap idiom used elsewhere for single-column updates,
	// generalized here to the whole row).
	UpdateSession(ctx context.Context, s *domain.Session, expectedStatus domain.SessionStatus) error
	DeleteSession(ctx context.Context, id string) error

	CreateEnvironment(ctx context.Context, e *domain.Environment) error
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]*domain.Environment, error)
	UpdateEnvironment(ctx context.Context, e *domain.Environment) error
	DeleteEnvironment(ctx context.Context, id string) error
	// CountSessionsForEnvironment supports the "zero active sessions" rule
	// for environment mutation (§12 supplemented features).
	CountSessionsForEnvironment(ctx context.Context, environmentID string) (int, error)

	UpsertClient(ctx context.Context, c *domain.ClientRegistration) error
	GetClientsForSession(ctx context.Context, sessionID string) ([]*domain.ClientRegistration, error)
	DeleteClient(ctx context.Context, sessionID, clientID string) error

	UpsertSecret(ctx context.Context, s *domain.Secret) error
	GetSecret(ctx context.Context, id string) (*domain.Secret, error)
	ListSecrets(ctx context.Context) ([]*domain.Secret, error)
	DeleteSecret(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
