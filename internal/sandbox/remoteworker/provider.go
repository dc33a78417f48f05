// Package remoteworker implements the remote-container-worker
// SandboxProvider backend: sandbox lifecycle is delegated to an HTTP
// control plane running on a separate fleet, liveness is probed over
// gRPC health checks, and the live Channel is a websocket dial back into
// the worker's attach endpoint, adapted from a server accept to a client
// dial.
package remoteworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/sandbox"
)

// Config configures the remote-worker backend.
type Config struct {
	HealthDialTimeout time.Duration
	ReadyPollInterval time.Duration
	HTTPTimeout       time.Duration
}

// Provider implements sandbox.Provider by delegating sandbox lifecycle to
// a remote worker's HTTP control plane, addressed per-environment by
// domain.Environment.WorkerURL.
type Provider struct {
	cfg    Config
	client *http.Client
}

func NewProvider(cfg Config) *Provider {
	if cfg.HealthDialTimeout == 0 {
		cfg.HealthDialTimeout = 5 * time.Second
	}
	if cfg.ReadyPollInterval == 0 {
		cfg.ReadyPollInterval = 200 * time.Millisecond
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.HTTPTimeout}}
}

func (p *Provider) Key() string { return "remote-worker" }

// IsAvailable has no single worker to probe without an environment in
// hand; callers should prefer the per-handle health probe. It always
// reports true here and lets CreateSandbox fail loudly if the configured
// worker is unreachable.
func (p *Provider) IsAvailable(ctx context.Context) bool { return true }

// waitForReady polls a freshly dialed gRPC connection's connectivity
// state until READY or ctx expires, confirming the worker's control
// channel is live before issuing RPCs.
func waitForReady(ctx context.Context, conn *grpc.ClientConn, pollInterval time.Duration) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			return fmt.Errorf("worker connection entered %s", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// probeHealth dials the worker's gRPC health endpoint and blocks until
// the configured health service reports SERVING or ctx expires.
func probeHealth(ctx context.Context, grpcAddr string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial worker health endpoint %s: %w", grpcAddr, err)
	}
	defer conn.Close()
	conn.Connect()

	if err := waitForReady(dialCtx, conn, 100*time.Millisecond); err != nil {
		return fmt.Errorf("worker %s not ready: %w", grpcAddr, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(dialCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check %s: %w", grpcAddr, err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("worker %s reports status %s", grpcAddr, resp.Status)
	}
	return nil
}

// createRequest/createResponse mirror the worker's minimal HTTP control
// plane (§11: custom gRPC control RPCs dropped for plain HTTP/JSON since
// generating protobuf stubs is out of scope; health stays on gRPC because
// grpc_health_v1 ships pre-compiled).
type createRequest struct {
	SessionID          string            `json:"sessionId"`
	ImageRef           string            `json:"imageRef"`
	Secrets            map[string]string `json:"secrets"`
	RepoURL            string            `json:"repoUrl,omitempty"`
	RepoBranch         string            `json:"repoBranch,omitempty"`
	GitAuthor          string            `json:"gitAuthor,omitempty"`
	NativeToolsEnabled bool              `json:"nativeToolsEnabled"`
	CPUShares          int64             `json:"cpuShares"`
	MemoryMiB          int64             `json:"memoryMiB"`
}

type workerSandboxInfo struct {
	ProviderID  string    `json:"providerId"`
	Status      string    `json:"status"`
	ImageDigest string    `json:"imageDigest"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateSandbox asks the environment's worker for a new sandbox. This
// backend keeps no per-session handle cache: every call creates a new
// sandbox on the worker, even for a session that already has one.
func (p *Provider) CreateSandbox(ctx context.Context, params sandbox.CreateParams) (sandbox.Handle, error) {
	workerURL := params.Environment.WorkerURL
	if workerURL == "" {
		return nil, fmt.Errorf("environment %s has no workerUrl for remote-worker provider", params.Environment.ID)
	}
	if err := probeHealth(ctx, healthAddr(workerURL), p.cfg.HealthDialTimeout); err != nil {
		return nil, err
	}

	limits := domain.ResourceTierTable[params.ResourceTier]
	req := createRequest{
		SessionID:          params.SessionID,
		ImageRef:           params.Environment.ImageRef,
		Secrets:            params.Secrets,
		RepoURL:            params.RepoURL,
		RepoBranch:         params.RepoBranch,
		GitAuthor:          params.GitAuthor,
		NativeToolsEnabled: params.NativeToolsEnabled,
		CPUShares:          limits.CPUShares,
		MemoryMiB:          limits.MemoryMiB,
	}

	var info workerSandboxInfo
	if err := p.postJSON(ctx, workerURL+"/sandboxes", req, &info); err != nil {
		return nil, fmt.Errorf("create remote sandbox: %w", err)
	}
	return &Handle{provider: p, workerURL: workerURL, providerID: info.ProviderID, status: sandbox.Status(info.Status)}, nil
}

func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	return nil, fmt.Errorf("remote-worker GetSandbox requires a worker URL; use the cached handle from CreateSandbox (providerId=%s)", providerID)
}

func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.SandboxInfo, error) {
	return nil, nil
}

func (p *Provider) Cleanup(ctx context.Context) error { return nil }

func (p *Provider) postJSON(ctx context.Context, endpoint string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// healthAddr derives the worker's gRPC health endpoint from its HTTP
// control-plane base URL, conventionally the same host on port 50051.
func healthAddr(workerURL string) string {
	u, err := url.Parse(workerURL)
	if err != nil {
		return workerURL
	}
	host := u.Hostname()
	return host + ":50051"
}

func wsURL(workerURL, path string) string {
	u, err := url.Parse(workerURL)
	if err != nil {
		return workerURL + path
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}
