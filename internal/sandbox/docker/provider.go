// Package docker implements the local-container SandboxProvider backend
// using the Docker Engine API: container create/start/stop/remove/exec
// over a custom bridge network, with create-on-conflict retry and a
// gVisor DNS fix.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/sandbox"
)

const (
	containerNamePrefix = "relay-sandbox-"
	containerUser       = "1000"
	workingDir          = "/home/agent/work"
	stopTimeoutSecs     = 10
	stderrRingSize      = 64 * 1024
)

// Config configures the Docker backend (mirrors reference-stack constants
// that used to be package-level consts, now operator-tunable via
// config.Config so tests can shrink retry counts).
type Config struct {
	NetworkName        string
	NetworkCIDR         string
	Runtime             string // "" = runc, "runsc" = gVisor
	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
	DataDir             string // base for <DataDir>/sessions/<id>/{workspace,agent,git}
	SecretsBaseDir      string
}

// Provider implements sandbox.Provider over the Docker Engine API.
type Provider struct {
	cli *client.Client
	cfg Config

	mu      sync.Mutex
	handles map[string]*Handle // sessionId -> cached handle, per CreateSandbox's caching rule
}

func NewProvider(cfg Config) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.CreateRetryAttempts == 0 {
		cfg.CreateRetryAttempts = 20
	}
	if cfg.CreateRetryDelay == 0 {
		cfg.CreateRetryDelay = 250 * time.Millisecond
	}
	return &Provider{cli: cli, cfg: cfg, handles: make(map[string]*Handle)}, nil
}

func (p *Provider) Key() string { return "docker" }

func (p *Provider) IsAvailable(ctx context.Context) bool {
	_, err := p.cli.Ping(ctx)
	return err == nil
}

// EnsureNetwork creates the relay's custom bridge network if it doesn't
// already exist.
func (p *Provider) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == p.cfg.NetworkName {
			return nw.ID, nil
		}
	}
	resp, err := p.cli.NetworkCreate(ctx, p.cfg.NetworkName, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: p.cfg.NetworkCIDR}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", p.cfg.NetworkName, err)
	}
	slog.Info("sandbox network created", "network_id", resp.ID, "subnet", p.cfg.NetworkCIDR)
	return resp.ID, nil
}

func containerName(sessionID string) string {
	return containerNamePrefix + sessionID
}

func (p *Provider) CreateSandbox(ctx context.Context, params sandbox.CreateParams) (sandbox.Handle, error) {
	p.mu.Lock()
	if h, ok := p.handles[params.SessionID]; ok {
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	name := containerName(params.SessionID)
	limits := domain.ResourceTierTable[params.ResourceTier]
	if limits == (domain.ResourceLimits{}) {
		limits = domain.ResourceTierTable[domain.TierSmall]
	}

	hostDirs, err := p.prepareHostDirs(params.SessionID)
	if err != nil {
		return nil, fmt.Errorf("prepare host directories: %w", err)
	}
	secretsDir, err := p.writeSecrets(params.SessionID, params.Secrets)
	if err != nil {
		return nil, fmt.Errorf("write secrets: %w", err)
	}
	if err := p.writeGitCredentials(hostDirs.git, params.GithubToken, params.GitAuthor); err != nil {
		return nil, fmt.Errorf("write git credentials: %w", err)
	}

	imageRef := params.Environment.ImageRef
	config := &dockercontainer.Config{
		Image:      imageRef,
		User:       containerUser,
		WorkingDir: workingDir,
		Tty:        false,
	}
	hostConfig := &dockercontainer.HostConfig{
		Runtime:     p.cfg.Runtime,
		NetworkMode: dockercontainer.NetworkMode(p.cfg.NetworkName),
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: hostDirs.workspace, Target: "/home/agent/work"},
			{Type: mount.TypeBind, Source: hostDirs.agent, Target: "/home/agent/.agent"},
			{Type: mount.TypeBind, Source: hostDirs.git, Target: "/home/agent/.git-creds", ReadOnly: true},
			{Type: mount.TypeBind, Source: secretsDir, Target: "/run/secrets/relay", ReadOnly: true},
		},
		Resources: dockercontainer.Resources{
			Memory:    limits.MemoryMiB * 1024 * 1024,
			CPUShares: limits.CPUShares,
			PidsLimit: ptr(int64(256)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp dockercontainer.CreateResponse
	var createErr error
	for i := 0; i < p.cfg.CreateRetryAttempts; i++ {
		resp, createErr = p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create sandbox container: %w", createErr)
		}
		if inspect, inspectErr := p.cli.ContainerInspect(ctx, name); inspectErr == nil {
			_ = p.removeContainer(ctx, inspect.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.CreateRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create sandbox container after retries: %w", createErr)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = p.removeContainer(ctx, resp.ID)
		return nil, fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}
	if p.cfg.Runtime == "runsc" {
		if err := p.fixDNS(ctx, resp.ID); err != nil {
			slog.Warn("gVisor DNS fix failed", "error", err, "container_id", resp.ID)
		}
	}
	if params.RepoURL != "" {
		if err := p.cloneRepository(ctx, resp.ID, params.RepoURL, params.RepoBranch); err != nil {
			slog.Warn("repo clone failed", "error", err, "container_id", resp.ID, "session_id", params.SessionID)
		}
	}

	digest := imageDigest(ctx, p.cli, imageRef)

	h := &Handle{
		provider:    p,
		containerID: resp.ID,
		imageDigest: digest,
		status:      sandbox.StatusRunning,
	}
	p.mu.Lock()
	p.handles[params.SessionID] = h
	p.mu.Unlock()
	return h, nil
}

func imageDigest(ctx context.Context, cli *client.Client, ref string) string {
	insp, err := cli.ImageInspect(ctx, ref)
	if err != nil || len(insp.RepoDigests) == 0 {
		return ""
	}
	return insp.RepoDigests[0]
}

// cloneRepository clones repoURL (a token-bearing HTTPS URL) into the
// container's workspace, then immediately rewrites origin to a clean,
// token-free URL so the credential never persists in the repo's git
// config on disk (§4.5(e)).
func (p *Provider) cloneRepository(ctx context.Context, containerID, repoURL, branch string) error {
	cleanOrigin := stripCredentials(repoURL)
	cmd := fmt.Sprintf("git clone %s --branch %s --single-branch . && git remote set-url origin %s",
		shellQuote(repoURL), shellQuote(branch), shellQuote(cleanOrigin))
	if branch == "" {
		cmd = fmt.Sprintf("git clone %s . && git remote set-url origin %s", shellQuote(repoURL), shellQuote(cleanOrigin))
	}
	execConfig := dockercontainer.ExecOptions{Cmd: []string{"sh", "-c", cmd}, WorkingDir: workingDir}
	exec, err := p.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return fmt.Errorf("create clone exec: %w", err)
	}
	attachResp, err := p.cli.ContainerExecAttach(ctx, exec.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach clone exec: %w", err)
	}
	defer attachResp.Close()
	_, _ = io.Copy(io.Discard, attachResp.Reader)

	inspect, err := p.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("inspect clone exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d", inspect.ExitCode)
	}
	return nil
}

// stripCredentials removes userinfo (the token) from an https clone URL.
func stripCredentials(repoURL string) string {
	at := strings.Index(repoURL, "@")
	scheme := strings.Index(repoURL, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return repoURL
	}
	return repoURL[:scheme+3] + repoURL[at+1:]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// writeGitCredentials writes a git identity and, if a token is present, a
// credential helper file into the session's read-only git mount
// (§4.5(d)).
func (p *Provider) writeGitCredentials(gitDir, token, author string) error {
	if author != "" {
		config := fmt.Sprintf("[user]\n\tname = %s\n\temail = %s\n", author, author)
		if err := os.WriteFile(filepath.Join(gitDir, "gitconfig"), []byte(config), 0o400); err != nil {
			return err
		}
	}
	if token != "" {
		creds := fmt.Sprintf("https://x-access-token:%s@github.com\n", token)
		if err := os.WriteFile(filepath.Join(gitDir, "credentials"), []byte(creds), 0o400); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) fixDNS(ctx context.Context, containerID string) error {
	cmd := []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}
	execConfig := dockercontainer.ExecOptions{Cmd: cmd, User: "root"}
	resp, err := p.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return fmt.Errorf("create dns fix exec: %w", err)
	}
	attachResp, err := p.cli.ContainerExecAttach(ctx, resp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach dns fix exec: %w", err)
	}
	defer attachResp.Close()
	_, _ = io.Copy(io.Discard, attachResp.Reader)
	return nil
}

func (p *Provider) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	_ = p.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &timeout})
	if err := p.cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return err
	}
	return nil
}

func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	insp, err := p.cli.ContainerInspect(ctx, providerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect sandbox container %s: %w", providerID, err)
	}
	status := sandbox.StatusStopped
	switch {
	case insp.State.Running && insp.State.Paused:
		status = sandbox.StatusPaused
	case insp.State.Running:
		status = sandbox.StatusRunning
	}
	return &Handle{provider: p, containerID: providerID, status: status}, nil
}

func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.SandboxInfo, error) {
	containers, err := p.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list sandbox containers: %w", err)
	}
	var out []sandbox.SandboxInfo
	for _, c := range containers {
		var name string
		for _, n := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(n, "/"), containerNamePrefix) {
				name = strings.TrimPrefix(n, "/")
				break
			}
		}
		if name == "" {
			continue
		}
		sessionID := strings.TrimPrefix(name, containerNamePrefix)
		status := sandbox.StatusStopped
		if c.State == "running" {
			status = sandbox.StatusRunning
		}
		out = append(out, sandbox.SandboxInfo{
			SessionID:  sessionID,
			ProviderID: c.ID,
			Status:     status,
			CreatedAt:  time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// Cleanup reaps exited sandbox containers (§4.5).
func (p *Provider) Cleanup(ctx context.Context) error {
	infos, err := p.ListSandboxes(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Status == sandbox.StatusStopped {
			if err := p.removeContainer(ctx, info.ProviderID); err != nil {
				slog.Warn("cleanup: failed to remove exited sandbox", "error", err, "provider_id", info.ProviderID)
			}
		}
	}
	return nil
}

type hostDirs struct {
	workspace, agent, git string
}

func (p *Provider) prepareHostDirs(sessionID string) (hostDirs, error) {
	base := filepath.Join(p.cfg.DataDir, "sessions", sessionID)
	dirs := hostDirs{
		workspace: filepath.Join(base, "workspace"),
		agent:     filepath.Join(base, "agent"),
		git:       filepath.Join(base, "git"),
	}
	for _, d := range []string{dirs.workspace, dirs.agent, dirs.git} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return hostDirs{}, err
		}
	}
	return dirs, nil
}

// writeSecrets writes secret material into a private, read-only-mounted
// directory with a manifest mapping env-var name -> opaque filename (never
// derived from user input, preventing path traversal; §4.5).
func (p *Provider) writeSecrets(sessionID string, secrets map[string]string) (string, error) {
	dir := filepath.Join(p.cfg.SecretsBaseDir, "pi-secrets-"+sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	var manifest strings.Builder
	i := 0
	for name, value := range secrets {
		filename := fmt.Sprintf("secret-%02d", i)
		i++
		if err := os.WriteFile(filepath.Join(dir, filename), []byte(value), 0o400); err != nil {
			return "", err
		}
		manifest.WriteString(name + "=" + filename + "\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest"), []byte(manifest.String()), 0o400); err != nil {
		return "", err
	}
	return dir, nil
}

func ptr[T any](v T) *T { return &v }
