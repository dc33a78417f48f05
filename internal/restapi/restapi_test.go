package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pi-relay/relay/internal/broker"
	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/engine"
	"github.com/pi-relay/relay/internal/githubapi"
	"github.com/pi-relay/relay/internal/journal"
	"github.com/pi-relay/relay/internal/manager"
	"github.com/pi-relay/relay/internal/models"
	"github.com/pi-relay/relay/internal/registry"
	"github.com/pi-relay/relay/internal/sandbox"
	"github.com/pi-relay/relay/internal/secrets"
	"github.com/pi-relay/relay/internal/store"
)

type stubChannel struct{}

func (stubChannel) Send(msg []byte) error        { return nil }
func (stubChannel) OnMessage(h func([]byte))      {}
func (stubChannel) OnClose(h func(error))         {}
func (stubChannel) Close() error                  { return nil }

type stubHandle struct{ providerID string }

func (h *stubHandle) ProviderID() string                 { return h.providerID }
func (h *stubHandle) Status() sandbox.Status              { return sandbox.StatusRunning }
func (h *stubHandle) Capabilities() sandbox.Capabilities  { return sandbox.Capabilities{Exec: true} }
func (h *stubHandle) Attach(ctx context.Context) (sandbox.Channel, error) { return stubChannel{}, nil }
func (h *stubHandle) Resume(ctx context.Context, secrets map[string]string, githubToken string) error {
	return nil
}
func (h *stubHandle) Pause(ctx context.Context) error { return nil }
func (h *stubHandle) Exec(ctx context.Context, command string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{ExitCode: 0, Output: "done"}, nil
}
func (h *stubHandle) OpenPty(ctx context.Context, cols, rows uint) (sandbox.PtyHandle, error) {
	return nil, nil
}
func (h *stubHandle) Terminate(ctx context.Context) error   { return nil }
func (h *stubHandle) OnStatusChange(f func(sandbox.Status)) {}

type stubProvider struct{ handle *stubHandle }

func (p *stubProvider) Key() string                         { return "fake" }
func (p *stubProvider) IsAvailable(ctx context.Context) bool { return true }
func (p *stubProvider) CreateSandbox(ctx context.Context, params sandbox.CreateParams) (sandbox.Handle, error) {
	p.handle = &stubHandle{providerID: "handle-1"}
	return p.handle, nil
}
func (p *stubProvider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	return p.handle, nil
}
func (p *stubProvider) ListSandboxes(ctx context.Context) ([]sandbox.SandboxInfo, error) {
	return nil, nil
}
func (p *stubProvider) Cleanup(ctx context.Context) error { return nil }

func newTestHandler(t *testing.T) (*Handler, *chi.Mux, store.SessionStore) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	jrn := journal.New(st.DB())
	reg := registry.New(time.Minute, 1000)
	brk := broker.New(reg)
	mgr := manager.New(st, &stubProvider{})
	key := make([]byte, 32)
	codec, err := secrets.NewCodec(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	secretsRes := secrets.NewResolver(st, codec, 1)
	gh := githubapi.New(st, secretsRes, "relay-agent")
	mc := models.Default()
	eng := engine.New(st, jrn, reg, mgr, brk, secretsRes, gh, time.Second)

	h := NewHandler(st, eng, jrn, secretsRes, gh, mc, "/ws", "test")
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return h, r, st
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthReturnsOK(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateAndGetEnvironment(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodPost, "/api/environments", environmentRequest{
		Name: "default", SandboxType: "fake", ImageRef: "relay/agent:latest", ResourceTier: domain.TierSmall,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data := created.Data.(map[string]any)
	id := data["ID"].(string)

	rec = doJSON(t, r, http.MethodGet, "/api/environments/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateSessionRequiresRepoIDForCodeMode(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodPost, "/api/sessions", createSessionRequest{
		Mode: domain.ModeCode, EnvironmentID: "env-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing repoId, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSessionThenGetItBack(t *testing.T) {
	_, r, _ := newTestHandler(t)
	envRec := doJSON(t, r, http.MethodPost, "/api/environments", environmentRequest{
		Name: "default", SandboxType: "fake", ResourceTier: domain.TierSmall,
	})
	var envEnv envelope
	json.Unmarshal(envRec.Body.Bytes(), &envEnv)
	envID := envEnv.Data.(map[string]any)["ID"].(string)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions", createSessionRequest{
		Mode: domain.ModeChat, EnvironmentID: envID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created envelope
	json.Unmarshal(rec.Body.Bytes(), &created)
	sess := created.Data.(map[string]any)["session"].(map[string]any)
	id := sess["ID"]
	if id == nil {
		t.Fatalf("expected session to carry an ID field, got %+v", sess)
	}
}

func TestGetSecretListHidesPlaintextCiphertext(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodPut, "/api/secrets", putSecretRequest{
		Name: "GitHub PAT", EnvVarName: "GITHUB_TOKEN", Kind: domain.SecretToken, Enabled: true, Value: "ghp_super_secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("ghp_super_secret")) {
		t.Fatal("response must never contain the plaintext secret value")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/secrets", nil)
	if bytes.Contains(rec.Body.Bytes(), []byte("ghp_super_secret")) {
		t.Fatal("listing secrets must never leak plaintext")
	}
}

func TestUpdateEnvironmentRejectedWhileSessionsActive(t *testing.T) {
	_, r, st := newTestHandler(t)
	envRec := doJSON(t, r, http.MethodPost, "/api/environments", environmentRequest{
		Name: "default", SandboxType: "fake", ResourceTier: domain.TierSmall,
	})
	var envEnv envelope
	json.Unmarshal(envRec.Body.Bytes(), &envEnv)
	envID := envEnv.Data.(map[string]any)["ID"].(string)

	if err := st.CreateSession(context.Background(), &domain.Session{
		ID: "sess-1", Mode: domain.ModeChat, Status: domain.StatusActive, EnvironmentID: envID,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := doJSON(t, r, http.MethodPut, "/api/environments/"+envID, environmentRequest{Name: "renamed"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when an active session references the environment, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGithubTokenLifecycle(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodGet, "/api/github/token", nil)
	var got envelope
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Data.(map[string]any)["configured"] != false {
		t.Fatalf("expected unconfigured before setting, got %+v", got.Data)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/github/token", githubTokenRequest{Token: "ghp_abc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 setting token, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/github/token", nil)
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Data.(map[string]any)["configured"] != true {
		t.Fatalf("expected configured after setting, got %+v", got.Data)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/github/token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting token, got %d", rec.Code)
	}
	rec = doJSON(t, r, http.MethodGet, "/api/github/token", nil)
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Data.(map[string]any)["configured"] != false {
		t.Fatalf("expected unconfigured after delete, got %+v", got.Data)
	}
}

func TestListModelsReturnsRegistry(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodGet, "/api/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got envelope
	json.Unmarshal(rec.Body.Bytes(), &got)
	list := got.Data.([]any)
	if len(list) == 0 {
		t.Fatal("expected a non-empty model list")
	}
}

func TestGetSessionNotFoundReturns404(t *testing.T) {
	_, r, _ := newTestHandler(t)
	rec := doJSON(t, r, http.MethodGet, "/api/sessions/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
