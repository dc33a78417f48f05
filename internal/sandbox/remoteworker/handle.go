package remoteworker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/pi-relay/relay/internal/sandbox"
)

const stderrRingSize = 64 * 1024

// Handle implements sandbox.Handle by talking to one remote worker's HTTP
// control plane, dialing back for the live Channel over a websocket.
type Handle struct {
	provider   *Provider
	workerURL  string
	providerID string

	mu             sync.Mutex
	status         sandbox.Status
	liveConn       *websocket.Conn
	onStatusChange func(sandbox.Status)
}

func (h *Handle) ProviderID() string { return h.providerID }

func (h *Handle) Status() sandbox.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{LosslessPause: false, PersistentDisk: true, Exec: true}
}

func (h *Handle) setStatus(s sandbox.Status) {
	h.mu.Lock()
	h.status = s
	cb := h.onStatusChange
	h.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (h *Handle) OnStatusChange(cb func(sandbox.Status)) {
	h.mu.Lock()
	h.onStatusChange = cb
	h.mu.Unlock()
}

// Attach dials the worker's per-sandbox attach endpoint over websocket and
// wraps the resulting connection in the shared StreamChannel, closing any
// prior live connection first (§4.4: at most one live channel per handle).
func (h *Handle) Attach(ctx context.Context) (sandbox.Channel, error) {
	h.mu.Lock()
	status := h.status
	prior := h.liveConn
	h.mu.Unlock()

	if status == sandbox.StatusPaused {
		return nil, sandbox.ErrMustResume
	}
	if prior != nil {
		_ = prior.CloseNow()
	}

	endpoint := wsURL(h.workerURL, "/sandboxes/"+h.providerID+"/attach")
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sandbox attach %s: %w", endpoint, err)
	}

	stream := websocket.NetConn(context.Background(), conn, websocket.MessageText)
	ch := sandbox.NewStreamChannel(h.providerID, stream, stream, strings.NewReader(""), stream, stderrRingSize)

	h.mu.Lock()
	h.liveConn = conn
	h.status = sandbox.StatusRunning
	h.mu.Unlock()
	return ch, nil
}

func (h *Handle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	type resumeRequest struct {
		Secrets     map[string]string `json:"secrets"`
		GithubToken string            `json:"githubToken,omitempty"`
	}
	if err := h.provider.postJSON(ctx, h.workerURL+"/sandboxes/"+h.providerID+"/resume",
		resumeRequest{Secrets: secrets, GithubToken: githubToken}, nil); err != nil {
		return fmt.Errorf("resume remote sandbox %s: %w", h.providerID, err)
	}
	h.setStatus(sandbox.StatusRunning)
	return nil
}

// Pause is best-effort: remote workers have no lossless pause primitive
// (Capabilities.LosslessPause is false), so the engine is expected to
// treat this provider's pause as "stop and require resume from scratch".
func (h *Handle) Pause(ctx context.Context) error {
	h.mu.Lock()
	conn := h.liveConn
	h.liveConn = nil
	h.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
	if err := h.provider.postJSON(ctx, h.workerURL+"/sandboxes/"+h.providerID+"/pause", struct{}{}, nil); err != nil {
		return fmt.Errorf("pause remote sandbox %s: %w", h.providerID, err)
	}
	h.setStatus(sandbox.StatusPaused)
	return nil
}

func (h *Handle) Exec(ctx context.Context, command string) (sandbox.ExecResult, error) {
	type execRequest struct {
		Command string `json:"command"`
	}
	var result sandbox.ExecResult
	if err := h.provider.postJSON(ctx, h.workerURL+"/sandboxes/"+h.providerID+"/exec",
		execRequest{Command: command}, &result); err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("exec on remote sandbox %s: %w", h.providerID, err)
	}
	return result, nil
}

// OpenPty is not offered by the remote-worker control plane; the worker
// backend targets headless agent sessions, not interactive shells.
func (h *Handle) OpenPty(ctx context.Context, cols, rows uint) (sandbox.PtyHandle, error) {
	return nil, fmt.Errorf("remote-worker provider does not support openPty")
}

func (h *Handle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	conn := h.liveConn
	h.liveConn = nil
	h.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
	if err := h.provider.postJSON(ctx, h.workerURL+"/sandboxes/"+h.providerID+"/terminate", struct{}{}, nil); err != nil {
		return fmt.Errorf("terminate remote sandbox %s: %w", h.providerID, err)
	}
	h.setStatus(sandbox.StatusStopped)
	return nil
}
