// Package githubapi is the relay's thin collaborator over the GitHub REST
// API (§1 Non-goals: the GitHub OAuth flow and a full GitHubClient wrapper
// are external; this package only implements the two narrow contracts the
// core consumes — listing repos for the dashboard and resolving a
// clone-capable token/author pair for a code-mode session, §4.5/§6).
package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/store"
	"github.com/pi-relay/relay/internal/wsapi"
)

// SecretReader decrypts secrets on demand; satisfied by the secrets
// package's Resolver.
type SecretReader interface {
	DecryptSecret(ctx context.Context, s *domain.Secret) (string, error)
}

const tokenSecretEnvVar = "GITHUB_TOKEN"

// Client is the relay's GitHub collaborator. It reads the single stored
// GitHub token (single-user system, §1 Non-goals: no multi-tenant auth)
// and uses it both to list repos and to clone.
type Client struct {
	store  store.SessionStore
	reader SecretReader
	http   *http.Client
	author string
}

func New(st store.SessionStore, reader SecretReader, gitAuthor string) *Client {
	return &Client{store: st, reader: reader, http: &http.Client{Timeout: 10 * time.Second}, author: gitAuthor}
}

func (c *Client) token(ctx context.Context) (string, error) {
	secrets, err := c.store.ListSecrets(ctx)
	if err != nil {
		return "", fmt.Errorf("list secrets: %w", err)
	}
	for _, s := range secrets {
		if s.Enabled && s.EnvVarName == tokenSecretEnvVar {
			return c.reader.DecryptSecret(ctx, s)
		}
	}
	return "", nil
}

type repoResponse struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

// ListRepos satisfies wsapi.RepoLister, listing the authenticated user's
// repos. With no token configured it returns an empty list rather than
// erroring, since repos.list is advisory (the dashboard repo picker).
func (c *Client) ListRepos(ctx context.Context) ([]wsapi.RepoInfo, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return []wsapi.RepoInfo{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user/repos?per_page=100", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list github repos: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github repos returned status %d", resp.StatusCode)
	}

	var raw []repoResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode github repos: %w", err)
	}
	out := make([]wsapi.RepoInfo, len(raw))
	for i, r := range raw {
		out[i] = wsapi.RepoInfo{ID: fmt.Sprintf("%d", r.ID), FullName: r.FullName}
	}
	return out, nil
}

// TokenAndAuthorFor satisfies engine.GithubTokenResolver. repoID only
// forms the path of the token-bearing clone URL
// (github.com/<repoID>.git): this single-user relay returns the same
// configured token for every repo, consistent with §1's Non-goal of
// multi-tenant isolation.
func (c *Client) TokenAndAuthorFor(ctx context.Context, repoID string) (token, author, cloneURL string, err error) {
	token, err = c.token(ctx)
	if err != nil {
		return "", "", "", err
	}
	if token == "" {
		return "", "", "", fmt.Errorf("no github token configured")
	}
	return token, c.author, fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repoID), nil
}
