// Package engine implements the SessionEngine component (§4.7): the
// session state machine, the live attachment set, and agent output
// routing (Journal append, Registry broadcast, NativeToolBroker routing).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pi-relay/relay/internal/broker"
	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/journal"
	"github.com/pi-relay/relay/internal/manager"
	"github.com/pi-relay/relay/internal/registry"
	"github.com/pi-relay/relay/internal/relayerr"
	"github.com/pi-relay/relay/internal/sandbox"
	"github.com/pi-relay/relay/internal/store"
)

// nativeToolEventTypes are the agent event types that, besides being
// journaled and broadcast like every other event, are also routed to the
// NativeToolBroker when a native-capable client is attached (§4.7 agent
// output handling).
var nativeToolEventTypes = map[string]bool{
	"tool_use_start":       true,
	"tool_execution_start": true,
}

// CreateParams are the inputs to Engine.Create (§4.7).
type CreateParams struct {
	Mode               domain.SessionMode
	EnvironmentID      string
	RepoID             string
	RepoFullName       string
	BranchName         string
	ModelProvider      string
	ModelID            string
	SystemPrompt       string
	NativeToolsEnabled bool
}

// SecretResolver resolves and decrypts the secrets bound to an
// environment into an env-var-name -> plaintext map.
type SecretResolver interface {
	ResolveForEnvironment(ctx context.Context, environmentID string) (map[string]string, error)
}

// GithubTokenResolver resolves the OAuth token and git author identity
// used to clone a code-mode session's repo; an external collaborator
// (§1 Non-goals: GitHub OAuth flow itself is out of scope).
type GithubTokenResolver interface {
	TokenAndAuthorFor(ctx context.Context, repoID string) (token, author, cloneURL string, err error)
}

// Engine owns the session state machine and the live sandbox channel set.
type Engine struct {
	store    store.SessionStore
	journal  *journal.Journal
	registry *registry.Registry
	manager  *manager.Manager
	broker   *broker.Broker
	secrets  SecretResolver
	github   GithubTokenResolver

	activationDeadline time.Duration

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	handles  map[string]sandbox.Handle
	channels map[string]sandbox.Channel
}

func New(st store.SessionStore, j *journal.Journal, reg *registry.Registry, mgr *manager.Manager, brk *broker.Broker, sr SecretResolver, gh GithubTokenResolver, activationDeadline time.Duration) *Engine {
	return &Engine{
		store:              st,
		journal:            j,
		registry:           reg,
		manager:            mgr,
		broker:             brk,
		secrets:            sr,
		github:             gh,
		activationDeadline: activationDeadline,
		locks:              make(map[string]*sync.Mutex),
		handles:            make(map[string]sandbox.Handle),
		channels:           make(map[string]sandbox.Channel),
	}
}

func (e *Engine) lockFor(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// Create inserts the session row in creating and returns synchronously;
// sandbox creation runs in the background (§4.7).
func (e *Engine) Create(ctx context.Context, p CreateParams) (*domain.Session, error) {
	if p.Mode == domain.ModeCode && p.RepoID == "" {
		return nil, relayerr.New(relayerr.InvalidRequest, "repoId is required when mode=code")
	}

	s := &domain.Session{
		ID:                 uuid.NewString(),
		Mode:               p.Mode,
		Status:             domain.StatusCreating,
		EnvironmentID:      p.EnvironmentID,
		RepoID:             p.RepoID,
		RepoFullName:       p.RepoFullName,
		BranchName:         p.BranchName,
		ModelProvider:      p.ModelProvider,
		ModelID:            p.ModelID,
		SystemPrompt:       p.SystemPrompt,
		NativeToolsEnabled: p.NativeToolsEnabled,
		CreatedAt:          time.Now(),
		LastActivityAt:     time.Now(),
	}
	if err := s.Validate(); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidRequest, "invalid session", err)
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, relayerr.Wrap(relayerr.HandlerError, "create session row", err)
	}

	go e.bootstrap(s.ID)
	return s, nil
}

// bootstrap runs sandbox creation in the background and transitions the
// session to active or error.
func (e *Engine) bootstrap(sessionID string) {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("bootstrap: failed to load session", "session_id", sessionID, "error", err)
		return
	}
	env, err := e.store.GetEnvironment(ctx, s.EnvironmentID)
	if err != nil {
		slog.Error("bootstrap: failed to load environment", "session_id", sessionID, "error", err)
		s.Status = domain.StatusError
		_ = e.store.UpdateSession(ctx, s, "")
		return
	}

	secretMap, err := e.secrets.ResolveForEnvironment(ctx, env.ID)
	if err != nil {
		slog.Error("bootstrap: failed to resolve secrets", "session_id", sessionID, "error", err)
		s.Status = domain.StatusError
		_ = e.store.UpdateSession(ctx, s, "")
		return
	}

	var token, author, cloneURL string
	if s.Mode == domain.ModeCode {
		token, author, cloneURL, err = e.github.TokenAndAuthorFor(ctx, s.RepoID)
		if err != nil {
			slog.Error("bootstrap: failed to resolve repo credentials", "session_id", sessionID, "error", err)
			s.Status = domain.StatusError
			_ = e.store.UpdateSession(ctx, s, "")
			return
		}
	}

	if err := e.manager.CreateForSession(ctx, s, env, secretMap, cloneURL, s.BranchName, token, author); err != nil {
		slog.Error("bootstrap: sandbox creation failed", "session_id", sessionID, "error", err)
		return
	}

	handle, err := e.manager.GetForSession(ctx, s)
	if err != nil {
		slog.Error("bootstrap: failed to re-acquire handle", "session_id", sessionID, "error", err)
		return
	}
	e.storeHandle(sessionID, handle)
	if err := e.attachChannel(ctx, sessionID, handle); err != nil {
		slog.Error("bootstrap: failed to attach sandbox channel", "session_id", sessionID, "error", err)
	}
}

func (e *Engine) storeHandle(sessionID string, h sandbox.Handle) {
	e.mu.Lock()
	e.handles[sessionID] = h
	e.mu.Unlock()
}

func (e *Engine) getHandle(sessionID string) sandbox.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[sessionID]
}

func (e *Engine) getChannel(sessionID string) sandbox.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[sessionID]
}

// attachChannel opens the sandbox's live Channel and wires its output
// into journal append, registry broadcast, and native-tool routing.
func (e *Engine) attachChannel(ctx context.Context, sessionID string, handle sandbox.Handle) error {
	ch, err := handle.Attach(ctx)
	if err != nil {
		return fmt.Errorf("attach sandbox channel: %w", err)
	}
	e.mu.Lock()
	e.channels[sessionID] = ch
	e.mu.Unlock()

	ch.OnMessage(func(line []byte) { e.handleAgentLine(sessionID, line) })
	ch.OnClose(func(reason error) { e.handleChannelClosed(sessionID, reason) })
	return nil
}

// handleAgentLine implements §4.7's agent output handling.
func (e *Engine) handleAgentLine(sessionID string, line []byte) {
	var parsed struct {
		Type string `json:"type"`
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(line, &parsed); err != nil {
		slog.Warn("dropping unparseable agent line", "session_id", sessionID, "error", err)
		return
	}

	ctx := context.Background()
	if _, err := e.journal.Append(ctx, sessionID, parsed.Type, line); err != nil {
		slog.Error("journal append failed, transitioning session to error", "session_id", sessionID, "error", err)
		e.transitionError(ctx, sessionID)
		return
	}
	e.registry.BroadcastEvent(sessionID, parsed.Type, line)
	e.touchActivity(ctx, sessionID)

	if nativeToolEventTypes[parsed.Type] && e.broker.HasOwner(sessionID) {
		go e.routeNativeTool(sessionID, parsed.Tool, line)
	}
}

func (e *Engine) routeNativeTool(sessionID, toolName string, rawEvent []byte) {
	var event map[string]any
	_ = json.Unmarshal(rawEvent, &event)
	args, _ := event["args"].(map[string]any)

	ctx := context.Background()
	result, err := e.broker.RequestCall(ctx, sessionID, toolName, args)

	toolResult := map[string]any{"type": "tool_result", "tool": toolName}
	isError := err != nil
	if isError {
		toolResult["error"] = relayerr.As(err).Message
	} else {
		toolResult["result"] = result
	}
	payload, _ := json.Marshal(toolResult)

	// The journal is the durable record of the call's outcome (§4.1) even
	// when the owner disconnected before responding and there is no live
	// sandbox channel left to write the result to.
	endEvent, _ := json.Marshal(map[string]any{"type": "tool_execution_end", "tool": toolName, "isError": isError})
	if _, jerr := e.journal.Append(ctx, sessionID, "tool_execution_end", endEvent); jerr != nil {
		slog.Error("journal append failed for tool_execution_end", "session_id", sessionID, "error", jerr)
	}
	e.registry.BroadcastEvent(sessionID, "tool_execution_end", endEvent)

	ch := e.getChannel(sessionID)
	if ch == nil {
		return
	}
	if sendErr := ch.Send(payload); sendErr != nil {
		slog.Warn("failed to write native tool result to sandbox channel", "session_id", sessionID, "error", sendErr)
	}
}

func (e *Engine) handleChannelClosed(sessionID string, reason error) {
	ctx := context.Background()
	slog.Info("sandbox channel closed", "session_id", sessionID, "reason", reason)

	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil || s.Status != domain.StatusActive {
		return
	}

	handle := e.getHandle(sessionID)
	if handle != nil && handle.Status() == sandbox.StatusStopped {
		if rerr := handle.Resume(ctx, nil, ""); rerr == nil {
			if aerr := e.attachChannel(ctx, sessionID, handle); aerr == nil {
				return
			}
		}
	}
	s.Status = domain.StatusIdle
	_ = e.store.UpdateSession(ctx, s, domain.StatusActive)
}

func (e *Engine) transitionError(ctx context.Context, sessionID string) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	s.Status = domain.StatusError
	_ = e.store.UpdateSession(ctx, s, "")
}

func (e *Engine) touchActivity(ctx context.Context, sessionID string) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	s.LastActivityAt = time.Now()
	_ = e.store.UpdateSession(ctx, s, "")
}

// Activate waits (bounded) for status ∈ {active, idle}, resumes a paused
// or idle sandbox if needed, re-arms the channel, and emits a connected
// event with the session's lastSeq (§4.7).
func (e *Engine) Activate(ctx context.Context, sessionID, connectionID string) error {
	deadline := time.Now().Add(e.activationDeadline)
	var s *domain.Session
	for {
		var err error
		s, err = e.store.GetSession(ctx, sessionID)
		if err != nil {
			return relayerr.Wrap(relayerr.HandlerError, "load session", err)
		}
		if s.Status == domain.StatusActive || s.Status == domain.StatusIdle {
			break
		}
		if s.Status == domain.StatusError || s.Status == domain.StatusArchived {
			return relayerr.New(relayerr.SandboxStateMismatch, fmt.Sprintf("session is %s", s.Status))
		}
		if time.Now().After(deadline) {
			return relayerr.New(relayerr.Timeout, "timed out waiting for sandbox to become ready")
		}
		select {
		case <-ctx.Done():
			return relayerr.Wrap(relayerr.Timeout, "activation canceled", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	handle := e.getHandle(sessionID)
	if handle == nil {
		var err error
		handle, err = e.manager.GetForSession(ctx, s)
		if err != nil {
			return err
		}
		e.storeHandle(sessionID, handle)
	}

	if s.Status == domain.StatusIdle || handle.Status() != sandbox.StatusRunning {
		if err := handle.Resume(ctx, nil, ""); err != nil {
			return relayerr.Wrap(relayerr.ProviderError, "resume sandbox", err)
		}
		if e.getChannel(sessionID) == nil {
			if err := e.attachChannel(ctx, sessionID, handle); err != nil {
				return relayerr.Wrap(relayerr.ProviderError, "reattach sandbox channel", err)
			}
		}
		prevStatus := s.Status
		s.Status = domain.StatusActive
		if err := e.store.UpdateSession(ctx, s, prevStatus); err != nil {
			return relayerr.Wrap(relayerr.HandlerError, "persist resume", err)
		}
	}

	lastSeq, err := e.journal.LastSeq(ctx, sessionID)
	if err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "read last seq", err)
	}
	payload, _ := json.Marshal(map[string]any{"type": "connected", "lastSeq": lastSeq})
	if err := e.registry.SendToConnection(connectionID, sessionID, "connected", payload); err != nil {
		// Activating from a REST call (no live WS connection registered
		// under connectionID yet) is expected; the event is best-effort.
		slog.Debug("connected event not delivered", "session_id", sessionID, "connection_id", connectionID, "error", err)
	}
	return nil
}

// AttachClient registers connectionID for event fan-out and, if capable,
// for native-tool ownership (§4.7).
func (e *Engine) AttachClient(sessionID, connectionID string, capabilities domain.Capabilities) {
	e.registry.Attach(connectionID, sessionID)
	if capabilities.NativeTools {
		e.broker.SetOwner(sessionID, connectionID)
	}
}

// DetachClient undoes AttachClient on disconnect, failing any pending
// native-tool calls the connection owned (§4.8).
func (e *Engine) DetachClient(sessionID, connectionID string) {
	e.registry.Detach(connectionID, sessionID)
	e.broker.ClearOwnerIfCurrent(sessionID, connectionID)
	e.broker.FailOwnerCalls(connectionID)
}

// Prompt is fire-and-forget: enqueues the message, journals it, and
// updates lastActivityAt/firstUserMessage (§4.7).
func (e *Engine) Prompt(ctx context.Context, sessionID, message string) error {
	ch := e.getChannel(sessionID)
	if ch == nil {
		return relayerr.New(relayerr.SandboxUnavailable, "session has no live sandbox channel")
	}
	frame, _ := json.Marshal(map[string]any{"type": "prompt", "message": message})
	if err := ch.Send(frame); err != nil {
		return relayerr.Wrap(relayerr.ConnectionLost, "send prompt to sandbox", err)
	}
	if _, err := e.journal.Append(ctx, sessionID, "prompt", frame); err != nil {
		e.transitionError(ctx, sessionID)
		return relayerr.Wrap(relayerr.HandlerError, "journal prompt", err)
	}

	s, err := e.store.GetSession(ctx, sessionID)
	if err == nil {
		s.LastActivityAt = time.Now()
		if s.FirstUserMessage == "" {
			s.FirstUserMessage = message
		}
		_ = e.store.UpdateSession(ctx, s, "")
	}
	return nil
}

// Abort sends the agent's cancel frame (§4.7).
func (e *Engine) Abort(ctx context.Context, sessionID string) error {
	ch := e.getChannel(sessionID)
	if ch == nil {
		return relayerr.New(relayerr.SandboxUnavailable, "session has no live sandbox channel")
	}
	frame, _ := json.Marshal(map[string]any{"type": "cancel"})
	if err := ch.Send(frame); err != nil {
		return relayerr.Wrap(relayerr.ConnectionLost, "send cancel to sandbox", err)
	}
	return nil
}

// Archive terminates the sandbox and sets status=archived (§4.7).
func (e *Engine) Archive(ctx context.Context, sessionID string) error {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "load session", err)
	}
	if s.IsTerminal() {
		return nil
	}

	handle := e.getHandle(sessionID)
	e.manager.TerminateForSession(ctx, s, handle)
	e.mu.Lock()
	delete(e.handles, sessionID)
	delete(e.channels, sessionID)
	e.mu.Unlock()

	s.Status = domain.StatusArchived
	if err := e.store.UpdateSession(ctx, s, ""); err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "persist archive", err)
	}
	return nil
}

// Delete hard-deletes the session row and its journaled history (§4.7).
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	s, err := e.store.GetSession(ctx, sessionID)
	if err == nil && !s.IsTerminal() {
		if err := e.Archive(ctx, sessionID); err != nil {
			return err
		}
	}
	if err := e.journal.Delete(ctx, sessionID); err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "delete journal", err)
	}
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "delete session", err)
	}
	return nil
}

// ReconcileIdle transitions an active session with no attached
// connections and an expired idle timer to idle, pausing the handle if
// the provider supports it (§4.10, invoked by the Idle Watcher).
func (e *Engine) ReconcileIdle(ctx context.Context, sessionID string) error {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if e.registry.ActiveConnections(sessionID) > 0 {
		return nil
	}
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil || s.Status != domain.StatusActive {
		return err
	}

	handle := e.getHandle(sessionID)
	if handle != nil && handle.Capabilities().LosslessPause {
		if err := handle.Pause(ctx); err != nil {
			slog.Warn("idle pause failed", "session_id", sessionID, "error", err)
		}
	}
	e.mu.Lock()
	delete(e.channels, sessionID)
	e.mu.Unlock()

	s.Status = domain.StatusIdle
	return e.store.UpdateSession(ctx, s, domain.StatusActive)
}

// SandboxStatus live-probes the session's handle, bypassing the cached DB
// status, for the REST reconciliation endpoint (§12 supplemented
// features). It acquires a handle the same way Activate does if the
// engine does not already hold one in memory.
func (e *Engine) SandboxStatus(ctx context.Context, sessionID string) (sandbox.Status, sandbox.Capabilities, error) {
	handle := e.getHandle(sessionID)
	if handle == nil {
		s, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return "", sandbox.Capabilities{}, relayerr.Wrap(relayerr.HandlerError, "load session", err)
		}
		handle, err = e.manager.GetForSession(ctx, s)
		if err != nil {
			return "", sandbox.Capabilities{}, err
		}
		e.storeHandle(sessionID, handle)
	}
	return handle.Status(), handle.Capabilities(), nil
}

// Exec passes a one-shot command through to the sandbox handle (§6
// POST /api/sessions/:id/exec), only valid while the handle reports
// running and advertises the exec capability.
func (e *Engine) Exec(ctx context.Context, sessionID, command string) (sandbox.ExecResult, error) {
	handle := e.getHandle(sessionID)
	if handle == nil {
		return sandbox.ExecResult{}, relayerr.New(relayerr.SandboxUnavailable, "session has no live sandbox handle")
	}
	if !handle.Capabilities().Exec {
		return sandbox.ExecResult{}, relayerr.New(relayerr.HandlerError, "exec unsupported")
	}
	if status := handle.Status(); status != sandbox.StatusRunning {
		return sandbox.ExecResult{}, relayerr.New(relayerr.SandboxStateMismatch, fmt.Sprintf("exec requires a running sandbox, got %s", status))
	}
	result, err := handle.Exec(ctx, command)
	if err != nil {
		return sandbox.ExecResult{}, relayerr.Wrap(relayerr.ProviderError, "exec in sandbox", err)
	}
	return result, nil
}

// SetClientCapabilities updates a session's client registration row. It
// does not touch native-tool ownership: the broker keys ownership by the
// live WebSocket connectionID (set in AttachClient), while clientID here
// is the client-supplied, persistent identifier from the REST
// capabilities endpoint. Reassigning ownership from this call would hand
// it to an id the registry has never registered a connection under.
func (e *Engine) SetClientCapabilities(ctx context.Context, sessionID, clientID string, kind domain.ClientKind, caps domain.Capabilities) error {
	if err := e.store.UpsertClient(ctx, &domain.ClientRegistration{
		SessionID: sessionID, ClientID: clientID, ClientKind: kind, Capabilities: caps,
	}); err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "persist client capabilities", err)
	}
	return nil
}

// LastActivity returns the session's lastActivityAt for the Idle Watcher.
func (e *Engine) LastActivity(ctx context.Context, sessionID string) (time.Time, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	return s.LastActivityAt, nil
}
