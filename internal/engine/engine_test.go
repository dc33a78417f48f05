package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pi-relay/relay/internal/broker"
	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/journal"
	"github.com/pi-relay/relay/internal/manager"
	"github.com/pi-relay/relay/internal/registry"
	"github.com/pi-relay/relay/internal/relayerr"
	"github.com/pi-relay/relay/internal/sandbox"
	"github.com/pi-relay/relay/internal/store"
)

// --- fakes ---

type fakeChannel struct {
	sent      [][]byte
	onMessage func([]byte)
	onClose   func(error)
	closed    bool
}

func (c *fakeChannel) Send(msg []byte) error          { c.sent = append(c.sent, msg); return nil }
func (c *fakeChannel) OnMessage(h func(line []byte))  { c.onMessage = h }
func (c *fakeChannel) OnClose(h func(reason error))   { c.onClose = h }
func (c *fakeChannel) Close() error                   { c.closed = true; return nil }

type fakeHandle struct {
	providerID string
	status     sandbox.Status
	caps       sandbox.Capabilities
	channel    *fakeChannel
}

func (h *fakeHandle) ProviderID() string                 { return h.providerID }
func (h *fakeHandle) Status() sandbox.Status              { return h.status }
func (h *fakeHandle) Capabilities() sandbox.Capabilities   { return h.caps }
func (h *fakeHandle) Attach(ctx context.Context) (sandbox.Channel, error) {
	h.channel = &fakeChannel{}
	h.status = sandbox.StatusRunning
	return h.channel, nil
}
func (h *fakeHandle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	h.status = sandbox.StatusRunning
	return nil
}
func (h *fakeHandle) Pause(ctx context.Context) error { h.status = sandbox.StatusPaused; return nil }
func (h *fakeHandle) Exec(ctx context.Context, command string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{ExitCode: 0, Output: "ok"}, nil
}
func (h *fakeHandle) OpenPty(ctx context.Context, cols, rows uint) (sandbox.PtyHandle, error) {
	return nil, nil
}
func (h *fakeHandle) Terminate(ctx context.Context) error { h.status = sandbox.StatusStopped; return nil }
func (h *fakeHandle) OnStatusChange(f func(sandbox.Status)) {}

type fakeProvider struct {
	handle *fakeHandle
}

func (p *fakeProvider) Key() string                             { return "fake" }
func (p *fakeProvider) IsAvailable(ctx context.Context) bool     { return true }
func (p *fakeProvider) CreateSandbox(ctx context.Context, params sandbox.CreateParams) (sandbox.Handle, error) {
	p.handle = &fakeHandle{providerID: "fake-1", status: sandbox.StatusRunning}
	return p.handle, nil
}
func (p *fakeProvider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	return p.handle, nil
}
func (p *fakeProvider) ListSandboxes(ctx context.Context) ([]sandbox.SandboxInfo, error) {
	return nil, nil
}
func (p *fakeProvider) Cleanup(ctx context.Context) error { return nil }

type fakeSecretResolver struct{}

func (fakeSecretResolver) ResolveForEnvironment(ctx context.Context, environmentID string) (map[string]string, error) {
	return map[string]string{}, nil
}

type fakeGithubResolver struct{}

func (fakeGithubResolver) TokenAndAuthorFor(ctx context.Context, repoID string) (string, string, string, error) {
	return "token", "author", "https://example.com/repo.git", nil
}

func newTestEngine(t *testing.T) (*Engine, store.SessionStore, *fakeProvider) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &domain.Environment{ID: "env-1", Name: "default", SandboxType: "fake", ResourceTier: domain.TierSmall}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("create environment: %v", err)
	}

	jrn := journal.New(st.DB())
	reg := registry.New(time.Minute, 1000)
	provider := &fakeProvider{}
	mgr := manager.New(st, provider)
	brk := broker.New(reg)

	eng := New(st, jrn, reg, mgr, brk, fakeSecretResolver{}, fakeGithubResolver{}, time.Second)
	return eng, st, provider
}

func waitForStatus(t *testing.T, st store.SessionStore, sessionID string, want domain.SessionStatus) *domain.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := st.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if s.Status == want {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach status %q in time", sessionID, want)
	return nil
}

func TestCreateTransitionsToActiveAfterBootstrap(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != domain.StatusCreating {
		t.Fatalf("expected initial status creating, got %q", sess.Status)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)
}

func TestCreateRequiresRepoIDForCodeMode(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeCode, EnvironmentID: "env-1"})
	if err == nil {
		t.Fatal("expected error creating code-mode session without repoId")
	}
	if relayerr.As(err).Kind != relayerr.InvalidRequest {
		t.Fatalf("expected invalid_request, got %v", relayerr.As(err).Kind)
	}
}

func TestPromptWithoutLiveChannelFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	err := eng.Prompt(context.Background(), "no-such-session", "hello")
	if err == nil {
		t.Fatal("expected error prompting a session with no live channel")
	}
	if relayerr.As(err).Kind != relayerr.SandboxUnavailable {
		t.Fatalf("expected sandbox_unavailable, got %v", relayerr.As(err).Kind)
	}
}

func TestPromptSendsFrameAndJournalsIt(t *testing.T) {
	eng, st, provider := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	if err := eng.Prompt(context.Background(), sess.ID, "hello agent"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if len(provider.handle.channel.sent) != 1 {
		t.Fatalf("expected exactly one frame sent to the sandbox channel, got %d", len(provider.handle.channel.sent))
	}

	updated, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if updated.FirstUserMessage != "hello agent" {
		t.Fatalf("expected firstUserMessage to be set, got %q", updated.FirstUserMessage)
	}
}

func TestArchiveIsIdempotentAndTerminal(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	if err := eng.Archive(context.Background(), sess.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := eng.Archive(context.Background(), sess.ID); err != nil {
		t.Fatalf("second archive call should be a no-op, got error: %v", err)
	}

	final, _ := st.GetSession(context.Background(), sess.ID)
	if final.Status != domain.StatusArchived {
		t.Fatalf("expected archived, got %q", final.Status)
	}
}

func TestDeleteRemovesSessionAndJournal(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	if err := eng.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected session to be gone after delete, got %+v", got)
	}
}

func TestReconcileIdleSkipsSessionsWithAttachedConnections(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	eng.AttachClient(sess.ID, "conn-1", domain.Capabilities{})
	if err := eng.ReconcileIdle(context.Background(), sess.ID); err != nil {
		t.Fatalf("reconcile idle: %v", err)
	}
	got, _ := st.GetSession(context.Background(), sess.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("expected session with attached connection to remain active, got %q", got.Status)
	}
}

func TestRouteNativeToolJournalsSuccessfulResult(t *testing.T) {
	eng, st, provider := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	conn := eng.registry.Register("conn-1")
	eng.AttachClient(sess.ID, "conn-1", domain.Capabilities{NativeTools: true})

	line, _ := json.Marshal(map[string]any{"type": "tool_execution_start", "tool": "read_file", "args": map[string]any{"path": "a.txt"}})
	provider.handle.channel.onMessage(line)

	// The owner first receives the broadcast of tool_execution_start itself,
	// then the native_tool_request addressed to it alone.
	var callID string
	timeout := time.After(time.Second)
	for callID == "" {
		select {
		case env := <-conn.Outbox:
			if env.Type != "native_tool_request" {
				continue
			}
			var req struct {
				CallID string `json:"callId"`
			}
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				t.Fatalf("unmarshal native_tool_request payload: %v", err)
			}
			callID = req.CallID
		case <-timeout:
			t.Fatal("expected a native_tool_request envelope to be emitted to the owner")
		}
	}
	eng.broker.Resolve(callID, map[string]any{"content": "ok"}, nil)

	deadline := time.Now().Add(time.Second)
	var found *domain.JournalEvent
	for time.Now().Before(deadline) {
		events, _, err := eng.journal.ReadAfter(context.Background(), sess.ID, 0, 100)
		if err != nil {
			t.Fatalf("read journal: %v", err)
		}
		for _, ev := range events {
			if ev.Type == "tool_execution_end" {
				found = ev
			}
		}
		if found != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if found == nil {
		t.Fatal("expected a tool_execution_end journal entry")
	}
	var body struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(found.Payload, &body); err != nil {
		t.Fatalf("unmarshal tool_execution_end payload: %v", err)
	}
	if body.IsError {
		t.Fatalf("expected isError=false for a successful call, got %+v", body)
	}
}

func TestRouteNativeToolJournalsErrorWhenOwnerDisconnects(t *testing.T) {
	eng, st, provider := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	conn := eng.registry.Register("conn-1")
	eng.AttachClient(sess.ID, "conn-1", domain.Capabilities{NativeTools: true})

	line, _ := json.Marshal(map[string]any{"type": "tool_execution_start", "tool": "read_file", "args": map[string]any{}})
	provider.handle.channel.onMessage(line)

	// Wait for the native_tool_request (which follows the broadcast of
	// tool_execution_start itself) to reach the owner before disconnecting
	// it out from under the pending call.
	timeout := time.After(time.Second)
	for gotRequest := false; !gotRequest; {
		select {
		case env := <-conn.Outbox:
			gotRequest = env.Type == "native_tool_request"
		case <-timeout:
			t.Fatal("expected a native_tool_request envelope to be emitted to the owner")
		}
	}
	eng.DetachClient(sess.ID, "conn-1")

	deadline := time.Now().Add(time.Second)
	var found *domain.JournalEvent
	for time.Now().Before(deadline) {
		events, _, err := eng.journal.ReadAfter(context.Background(), sess.ID, 0, 100)
		if err != nil {
			t.Fatalf("read journal: %v", err)
		}
		for _, ev := range events {
			if ev.Type == "tool_execution_end" {
				found = ev
			}
		}
		if found != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if found == nil {
		t.Fatal("expected a tool_execution_end journal entry after owner disconnect")
	}
	var body struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(found.Payload, &body); err != nil {
		t.Fatalf("unmarshal tool_execution_end payload: %v", err)
	}
	if !body.IsError {
		t.Fatalf("expected isError=true when the owner disconnected before responding, got %+v", body)
	}
}

func TestReconcileIdleTransitionsUnattachedSessionToIdle(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	sess, err := eng.Create(context.Background(), CreateParams{Mode: domain.ModeChat, EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForStatus(t, st, sess.ID, domain.StatusActive)

	if err := eng.ReconcileIdle(context.Background(), sess.ID); err != nil {
		t.Fatalf("reconcile idle: %v", err)
	}
	got, _ := st.GetSession(context.Background(), sess.ID)
	if got.Status != domain.StatusIdle {
		t.Fatalf("expected idle, got %q", got.Status)
	}
}
