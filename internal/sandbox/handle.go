package sandbox

import (
	"context"
	"errors"
)

// Status is a sandbox's lifecycle state (§4.4).
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Capabilities a handle advertises so the engine can decide whether pause
// is safe and whether exec/openPty are supported (§4.4).
type Capabilities struct {
	LosslessPause bool
	PersistentDisk bool
	Exec          bool
}

// ExecResult is the outcome of a one-shot command (§4.4 exec).
type ExecResult struct {
	ExitCode int
	Output   string
}

// PtyHandle exposes a raw-mode login shell (§4.4 openPty).
type PtyHandle interface {
	Channel
	Resize(cols, rows uint) error
}

var ErrMustResume = errors.New("sandbox is paused; call resume before attach")

// Handle is the per-sandbox lifecycle object a Provider returns.
type Handle interface {
	ProviderID() string
	Status() Status
	Capabilities() Capabilities

	// Attach starts the container if stopped and returns a fresh Channel,
	// closing any prior live channel first (at most one live channel per
	// handle, §8).
	Attach(ctx context.Context) (Channel, error)
	Resume(ctx context.Context, secrets map[string]string, githubToken string) error
	Pause(ctx context.Context) error
	Exec(ctx context.Context, command string) (ExecResult, error)
	OpenPty(ctx context.Context, cols, rows uint) (PtyHandle, error)
	Terminate(ctx context.Context) error

	OnStatusChange(h func(Status))
}
