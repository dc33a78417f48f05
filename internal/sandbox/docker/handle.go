package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/pi-relay/relay/internal/sandbox"
)

const defaultCols, defaultRows = 80, 24

// Handle implements sandbox.Handle over one Docker container.
type Handle struct {
	provider    *Provider
	containerID string
	imageDigest string

	mu             sync.Mutex
	status         sandbox.Status
	liveChannel    sandbox.Channel
	onStatusChange func(sandbox.Status)
}

func (h *Handle) ProviderID() string { return h.containerID }

// ImageDigest reports the image digest resolved when the container was
// created; it is empty for handles re-acquired through GetSandbox.
func (h *Handle) ImageDigest() string { return h.imageDigest }

func (h *Handle) Status() sandbox.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{LosslessPause: true, PersistentDisk: true, Exec: true}
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

// Attach starts the container if stopped, closes any prior live channel,
// and execs a long-lived stdio bridge process inside the container
// (§4.4: "at most one live channel per handle").
func (h *Handle) Attach(ctx context.Context) (sandbox.Channel, error) {
	h.mu.Lock()
	status := h.status
	prior := h.liveChannel
	h.mu.Unlock()

	if status == sandbox.StatusPaused {
		return nil, sandbox.ErrMustResume
	}
	if prior != nil {
		_ = prior.Close()
	}
	if status == sandbox.StatusStopped {
		if err := h.provider.cli.ContainerStart(ctx, h.containerID, dockercontainer.StartOptions{}); err != nil {
			return nil, fmt.Errorf("start sandbox container %s: %w", h.containerID, err)
		}
		h.setStatus(sandbox.StatusRunning)
	}

	execConfig := dockercontainer.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/usr/local/bin/agent-bridge"},
		ConsoleSize:  &[2]uint{defaultCols, defaultRows},
	}
	resp, err := h.provider.cli.ContainerExecCreate(ctx, h.containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create attach exec in %s: %w", h.containerID, err)
	}
	attachResp, err := h.provider.cli.ContainerExecAttach(ctx, resp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}

	stdoutR, stderrR := splitDockerMultiplex(attachResp.Reader)
	ch := sandbox.NewStreamChannel(h.containerID, attachResp.Conn, stdoutR, stderrR, connCloser{attachResp}, stderrRingSize)

	h.mu.Lock()
	h.liveChannel = ch
	h.mu.Unlock()
	return ch, nil
}

// connCloser adapts the hijacked attach response to io.Closer.
type connCloser struct {
	resp interface{ Close() }
}

func (c connCloser) Close() error {
	c.resp.Close()
	return nil
}

// splitDockerMultiplex demultiplexes Docker's exec-attach stream: with
// Tty:false, every frame on the wire carries an 8-byte stdcopy header
// naming which of stdout/stderr it belongs to. stdcopy.StdCopy does the
// demuxing; it's run in a goroutine writing into a pipe per stream so the
// two returned readers behave like independent stdio streams for
// StreamChannel's line pumps.
func splitDockerMultiplex(r io.Reader) (stdout, stderr io.Reader) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, r)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return outR, errR
}

func (h *Handle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	status := h.Status()
	if status == sandbox.StatusRunning {
		return nil
	}
	if status == sandbox.StatusPaused {
		if err := h.provider.cli.ContainerUnpause(ctx, h.containerID); err != nil {
			return fmt.Errorf("unpause sandbox container %s: %w", h.containerID, err)
		}
		h.setStatus(sandbox.StatusRunning)
		return nil
	}
	if err := h.provider.cli.ContainerStart(ctx, h.containerID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("start sandbox container %s: %w", h.containerID, err)
	}
	h.setStatus(sandbox.StatusRunning)
	return nil
}

// Pause closes any live channel and freezes the container via Docker's
// cgroup-freezer pause primitive, requiring capabilities.losslessPause.
func (h *Handle) Pause(ctx context.Context) error {
	h.mu.Lock()
	ch := h.liveChannel
	h.liveChannel = nil
	h.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}

	if err := h.provider.cli.ContainerPause(ctx, h.containerID); err != nil {
		return fmt.Errorf("pause sandbox container %s: %w", h.containerID, err)
	}
	h.setStatus(sandbox.StatusPaused)
	return nil
}

func (h *Handle) Exec(ctx context.Context, command string) (sandbox.ExecResult, error) {
	if h.Status() != sandbox.StatusRunning {
		return sandbox.ExecResult{}, fmt.Errorf("exec requires a running sandbox, got %s", h.Status())
	}
	execConfig := dockercontainer.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
	}
	resp, err := h.provider.cli.ContainerExecCreate(ctx, h.containerID, execConfig)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("create exec: %w", err)
	}
	attachResp, err := h.provider.cli.ContainerExecAttach(ctx, resp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := h.provider.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return sandbox.ExecResult{ExitCode: inspect.ExitCode, Output: stdout.String() + stderr.String()}, nil
}

func (h *Handle) OpenPty(ctx context.Context, cols, rows uint) (sandbox.PtyHandle, error) {
	if h.Status() != sandbox.StatusRunning {
		return nil, fmt.Errorf("openPty requires a running sandbox, got %s", h.Status())
	}
	execConfig := dockercontainer.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/bash"},
		ConsoleSize:  &[2]uint{cols, rows},
	}
	resp, err := h.provider.cli.ContainerExecCreate(ctx, h.containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create pty exec: %w", err)
	}
	attachResp, err := h.provider.cli.ContainerExecAttach(ctx, resp.ID, dockercontainer.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach pty exec: %w", err)
	}
	ch := sandbox.NewStreamChannel(h.containerID, attachResp.Conn, attachResp.Reader, strings.NewReader(""), connCloser{attachResp}, stderrRingSize)
	return &pty{StreamChannel: ch, provider: h.provider, execID: resp.ID}, nil
}

type pty struct {
	*sandbox.StreamChannel
	provider *Provider
	execID   string
}

func (p *pty) Resize(cols, rows uint) error {
	return p.provider.cli.ContainerExecResize(context.Background(), p.execID, dockercontainer.ResizeOptions{Width: cols, Height: rows})
}

func (h *Handle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	ch := h.liveChannel
	h.liveChannel = nil
	h.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}

	if err := h.provider.removeContainer(ctx, h.containerID); err != nil {
		return fmt.Errorf("terminate sandbox container %s: %w", h.containerID, err)
	}
	h.setStatus(sandbox.StatusStopped)

	h.provider.mu.Lock()
	for sid, cached := range h.provider.handles {
		if cached == h {
			delete(h.provider.handles, sid)
			break
		}
	}
	h.provider.mu.Unlock()
	return nil
}
