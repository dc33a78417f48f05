// Package domain contains the core record types the relay persists and
// passes between components. Types here carry no behavior beyond small
// invariant helpers; transitions live in the engine.
package domain

import "time"

// SessionMode selects whether a session is a plain chat or a repo-backed
// coding session.
type SessionMode string

const (
	ModeChat SessionMode = "chat"
	ModeCode SessionMode = "code"
)

// SessionStatus is the session lifecycle state. archived is terminal.
type SessionStatus string

const (
	StatusCreating SessionStatus = "creating"
	StatusActive   SessionStatus = "active"
	StatusIdle     SessionStatus = "idle"
	StatusArchived SessionStatus = "archived"
	StatusError    SessionStatus = "error"
)

// ResourceTier is a symbolic resource class mapped to concrete CPU/memory
// caps by the sandbox provider.
type ResourceTier string

const (
	TierSmall  ResourceTier = "small"
	TierMedium ResourceTier = "medium"
	TierLarge  ResourceTier = "large"
)

// Session is the persisted record for one conversational unit.
type Session struct {
	ID                 string
	Mode               SessionMode
	Status             SessionStatus
	SandboxProviderKey string
	SandboxProviderID  string
	EnvironmentID      string
	ImageDigest        string
	RepoID             string
	RepoPath           string
	BranchName         string
	RepoFullName       string
	ModelProvider      string
	ModelID            string
	SystemPrompt       string
	FirstUserMessage   string
	Name               string
	NativeToolsEnabled bool
	ExtensionsStale    bool
	CreatedAt          time.Time
	LastActivityAt      time.Time
}

// Validate enforces the data-model invariants that do not depend on
// provider inspection.
func (s *Session) Validate() error {
	if s.Mode == ModeCode && s.RepoID == "" {
		return &ValidationError{Field: "repoId", Reason: "required when mode=code"}
	}
	if s.Status != StatusCreating && s.Status != StatusArchived && s.SandboxProviderID == "" {
		return &ValidationError{Field: "sandboxProviderId", Reason: "required outside creating/archived"}
	}
	return nil
}

// IsTerminal reports whether the session can no longer transition.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusArchived
}

// ValidationError reports a single data-model invariant violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Environment is a named sandbox configuration sessions reference.
type Environment struct {
	ID              string
	Name            string
	SandboxType     string // provider key: "docker", "remote-worker", "microvm"
	ImageRef        string
	WorkerURL       string
	BaseSecretRef   string
	IdleTimeoutSecs int
	ResourceTier    ResourceTier
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ResourceLimits are the concrete caps a resource tier maps to.
type ResourceLimits struct {
	CPUShares int64
	MemoryMiB int64
}

// ResourceTierTable is the fixed tier → limits table from §4.5.
var ResourceTierTable = map[ResourceTier]ResourceLimits{
	TierSmall:  {CPUShares: 512, MemoryMiB: 1024},
	TierMedium: {CPUShares: 1024, MemoryMiB: 2048},
	TierLarge:  {CPUShares: 2048, MemoryMiB: 4096},
}
