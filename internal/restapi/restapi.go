// Package restapi implements the session-management REST surface (§6):
// JSON requests/responses in a {data, error} envelope, routed with
// go-chi/chi the same way the rest of this server's route groups are
// wired.
package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/engine"
	"github.com/pi-relay/relay/internal/githubapi"
	"github.com/pi-relay/relay/internal/journal"
	"github.com/pi-relay/relay/internal/models"
	"github.com/pi-relay/relay/internal/relayerr"
	"github.com/pi-relay/relay/internal/secrets"
	"github.com/pi-relay/relay/internal/store"
)

const githubTokenEnvVar = "GITHUB_TOKEN"

// Handler wires every REST dependency the core exposes over HTTP.
type Handler struct {
	store      store.SessionStore
	engine     *engine.Engine
	journal    *journal.Journal
	secretsRes *secrets.Resolver
	github     *githubapi.Client
	models     *models.Catalog
	wsBasePath string
	version    string
}

func NewHandler(st store.SessionStore, eng *engine.Engine, jrn *journal.Journal, secretsRes *secrets.Resolver, gh *githubapi.Client, mc *models.Catalog, wsBasePath, version string) *Handler {
	return &Handler{store: st, engine: eng, journal: jrn, secretsRes: secretsRes, github: gh, models: mc, wsBasePath: wsBasePath, version: version}
}

// RegisterRoutes mounts every REST endpoint from §6 onto r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.health)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Post("/", h.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Post("/archive", h.archiveSession)
			r.Delete("/", h.deleteSession)
			r.Post("/activate", h.activateSession)
			r.Put("/clients/{clientID}/capabilities", h.setClientCapabilities)
			r.Get("/events", h.getEvents)
			r.Get("/history", h.getHistory)
			r.Post("/exec", h.execInSession)
			r.Get("/sandbox", h.getSandboxStatus)
		})
	})

	r.Route("/api/environments", func(r chi.Router) {
		r.Get("/", h.listEnvironments)
		r.Post("/", h.createEnvironment)
		r.Route("/{environmentID}", func(r chi.Router) {
			r.Get("/", h.getEnvironment)
			r.Put("/", h.updateEnvironment)
			r.Delete("/", h.deleteEnvironment)
		})
	})

	r.Get("/api/github/repos", h.listGithubRepos)
	r.Get("/api/github/token", h.getGithubToken)
	r.Post("/api/github/token", h.setGithubToken)
	r.Delete("/api/github/token", h.deleteGithubToken)

	r.Get("/api/models", h.listModels)

	r.Route("/api/secrets", func(r chi.Router) {
		r.Get("/", h.listSecrets)
		r.Put("/", h.putSecret)
		r.Delete("/{secretID}", h.deleteSecret)
	})
}

// envelope is the {data, error} shape every REST response uses (§7).
type envelope struct {
	Data  any         `json:"data,omitempty"`
	Error *envError   `json:"error,omitempty"`
}

type envError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeErr(w http.ResponseWriter, err error) {
	re := relayerr.As(err)
	status := http.StatusInternalServerError
	switch re.Kind {
	case relayerr.InvalidRequest, relayerr.UnknownMethod:
		status = http.StatusBadRequest
	case relayerr.NotConnected, relayerr.SandboxUnavailable:
		status = http.StatusNotFound
	case relayerr.SandboxStateMismatch:
		status = http.StatusConflict
	case relayerr.Timeout:
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &envError{Code: string(re.Kind), Message: re.Message}})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return relayerr.Wrap(relayerr.InvalidRequest, "invalid request body", err)
	}
	return nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"ok": true, "version": h.version})
}

// --- sessions ---

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "list sessions", err))
		return
	}
	writeData(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Mode               domain.SessionMode `json:"mode"`
	RepoID             string             `json:"repoId"`
	RepoFullName       string             `json:"repoFullName"`
	BranchName         string             `json:"branchName"`
	EnvironmentID      string             `json:"environmentId"`
	ModelProvider      string             `json:"modelProvider"`
	ModelID            string             `json:"modelId"`
	SystemPrompt       string             `json:"systemPrompt"`
	NativeToolsEnabled bool               `json:"nativeToolsEnabled"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := h.engine.Create(r.Context(), engine.CreateParams{
		Mode: req.Mode, EnvironmentID: req.EnvironmentID, RepoID: req.RepoID,
		RepoFullName: req.RepoFullName, BranchName: req.BranchName,
		ModelProvider: req.ModelProvider, ModelID: req.ModelID,
		SystemPrompt: req.SystemPrompt, NativeToolsEnabled: req.NativeToolsEnabled,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"session":    sess,
		"wsEndpoint": h.wsBasePath,
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "load session", err))
		return
	}
	if sess == nil {
		writeErr(w, relayerr.New(relayerr.SandboxUnavailable, "session not found"))
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (h *Handler) archiveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.engine.Archive(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": id, "status": domain.StatusArchived})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": id, "deleted": true})
}

type activateRequest struct {
	ClientID string `json:"clientId"`
}

func (h *Handler) activateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req activateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if err := h.engine.Activate(r.Context(), id, req.ClientID); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil || sess == nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "load session after activate", err))
		return
	}
	lastSeq, err := h.journal.LastSeq(r.Context(), id)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "read last seq", err))
		return
	}
	status, caps, sbErr := h.engine.SandboxStatus(r.Context(), id)
	sandboxStatus := map[string]any{"status": status, "capabilities": caps}
	if sbErr != nil {
		sandboxStatus = map[string]any{"status": "unknown"}
	}
	writeData(w, http.StatusOK, map[string]any{
		"sessionId":     id,
		"status":        sess.Status,
		"lastSeq":       lastSeq,
		"sandboxStatus": sandboxStatus,
		"wsEndpoint":    h.wsBasePath,
	})
}

type capabilitiesRequest struct {
	ClientKind   domain.ClientKind   `json:"clientKind"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

func (h *Handler) setClientCapabilities(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	clientID := chi.URLParam(r, "clientID")
	var req capabilitiesRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.engine.SetClientCapabilities(r.Context(), sessionID, clientID, req.ClientKind, req.Capabilities); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": sessionID, "clientId": clientID})
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	events, lastSeq, err := h.journal.ReadAfter(r.Context(), sessionID, afterSeq, limit)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "read events", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"events": events, "lastSeq": lastSeq})
}

// getHistory returns the session's full journaled history as parsed
// JSONL entries (§6: "parsed JSONL session entries") — the journal is
// this relay's only persisted record of agent output, so history is the
// journal read from the beginning.
func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	const maxHistory = 10000
	events, _, err := h.journal.ReadAfter(r.Context(), sessionID, 0, maxHistory)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "read history", err))
		return
	}
	writeData(w, http.StatusOK, events)
}

type execRequest struct {
	Command string `json:"command"`
}

func (h *Handler) execInSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	result, err := h.engine.Exec(r.Context(), sessionID, req.Command)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) getSandboxStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	status, caps, err := h.engine.SandboxStatus(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"status": status, "capabilities": caps})
}

// --- environments ---

func (h *Handler) listEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.store.ListEnvironments(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "list environments", err))
		return
	}
	writeData(w, http.StatusOK, envs)
}

type environmentRequest struct {
	Name            string              `json:"name"`
	SandboxType     string              `json:"sandboxType"`
	ImageRef        string              `json:"imageRef"`
	WorkerURL       string              `json:"workerUrl"`
	BaseSecretRef   string              `json:"baseSecretRef"`
	IdleTimeoutSecs int                 `json:"idleTimeoutSecs"`
	ResourceTier    domain.ResourceTier `json:"resourceTier"`
}

func (h *Handler) createEnvironment(w http.ResponseWriter, r *http.Request) {
	var req environmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	now := time.Now()
	env := &domain.Environment{
		ID: uuid.NewString(), Name: req.Name, SandboxType: req.SandboxType, ImageRef: req.ImageRef,
		WorkerURL: req.WorkerURL, BaseSecretRef: req.BaseSecretRef, IdleTimeoutSecs: req.IdleTimeoutSecs,
		ResourceTier: req.ResourceTier, CreatedAt: now, UpdatedAt: now,
	}
	if err := h.store.CreateEnvironment(r.Context(), env); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "create environment", err))
		return
	}
	writeData(w, http.StatusCreated, env)
}

func (h *Handler) getEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := h.store.GetEnvironment(r.Context(), chi.URLParam(r, "environmentID"))
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "load environment", err))
		return
	}
	if env == nil {
		writeErr(w, relayerr.New(relayerr.InvalidRequest, "environment not found"))
		return
	}
	writeData(w, http.StatusOK, env)
}

// updateEnvironment enforces §12's rule: mutation is only allowed while
// zero active sessions reference the environment.
func (h *Handler) updateEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "environmentID")
	count, err := h.store.CountSessionsForEnvironment(r.Context(), id)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "count sessions for environment", err))
		return
	}
	if count > 0 {
		writeErr(w, relayerr.New(relayerr.InvalidRequest, "environment has active sessions; cannot mutate"))
		return
	}
	var req environmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	env, err := h.store.GetEnvironment(r.Context(), id)
	if err != nil || env == nil {
		writeErr(w, relayerr.New(relayerr.InvalidRequest, "environment not found"))
		return
	}
	env.Name, env.SandboxType, env.ImageRef = req.Name, req.SandboxType, req.ImageRef
	env.WorkerURL, env.BaseSecretRef, env.IdleTimeoutSecs = req.WorkerURL, req.BaseSecretRef, req.IdleTimeoutSecs
	env.ResourceTier, env.UpdatedAt = req.ResourceTier, time.Now()
	if err := h.store.UpdateEnvironment(r.Context(), env); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "update environment", err))
		return
	}
	writeData(w, http.StatusOK, env)
}

func (h *Handler) deleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "environmentID")
	count, err := h.store.CountSessionsForEnvironment(r.Context(), id)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "count sessions for environment", err))
		return
	}
	if count > 0 {
		writeErr(w, relayerr.New(relayerr.InvalidRequest, "environment has active sessions; cannot delete"))
		return
	}
	if err := h.store.DeleteEnvironment(r.Context(), id); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "delete environment", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// --- github ---

func (h *Handler) listGithubRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.github.ListRepos(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "list github repos", err))
		return
	}
	writeData(w, http.StatusOK, repos)
}

func (h *Handler) findGithubTokenSecret(ctx context.Context) (*domain.Secret, error) {
	all, err := h.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.EnvVarName == githubTokenEnvVar {
			return s, nil
		}
	}
	return nil, nil
}

func (h *Handler) getGithubToken(w http.ResponseWriter, r *http.Request) {
	sec, err := h.findGithubTokenSecret(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "load github token", err))
		return
	}
	if sec == nil {
		writeData(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeData(w, http.StatusOK, map[string]any{"configured": true, "enabled": sec.Enabled})
}

type githubTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) setGithubToken(w http.ResponseWriter, r *http.Request) {
	var req githubTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	existing, err := h.findGithubTokenSecret(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "load github token", err))
		return
	}
	id := ""
	if existing != nil {
		id = existing.ID
	}
	if _, err := h.secretsRes.Set(r.Context(), id, "GitHub Token", githubTokenEnvVar, domain.SecretToken, true, req.Token); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "set github token", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"configured": true})
}

func (h *Handler) deleteGithubToken(w http.ResponseWriter, r *http.Request) {
	sec, err := h.findGithubTokenSecret(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "load github token", err))
		return
	}
	if sec != nil {
		if err := h.store.DeleteSecret(r.Context(), sec.ID); err != nil {
			writeErr(w, relayerr.Wrap(relayerr.HandlerError, "delete github token", err))
			return
		}
	}
	writeData(w, http.StatusOK, map[string]any{"configured": false})
}

// --- models ---

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.models.AvailableModels(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "list models", err))
		return
	}
	writeData(w, http.StatusOK, list)
}

// --- secrets ---

func (h *Handler) listSecrets(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListSecrets(r.Context())
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "list secrets", err))
		return
	}
	out := make([]domain.SecretMetadata, len(all))
	for i, s := range all {
		out[i] = s.Metadata()
	}
	writeData(w, http.StatusOK, out)
}

type putSecretRequest struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	EnvVarName string          `json:"envVarName"`
	Kind       domain.SecretKind `json:"kind"`
	Enabled    bool            `json:"enabled"`
	Value      string          `json:"value"`
}

func (h *Handler) putSecret(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sec, err := h.secretsRes.Set(r.Context(), req.ID, req.Name, req.EnvVarName, req.Kind, req.Enabled, req.Value)
	if err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "set secret", err))
		return
	}
	writeData(w, http.StatusOK, sec.Metadata())
}

func (h *Handler) deleteSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "secretID")
	if err := h.store.DeleteSecret(r.Context(), id); err != nil {
		writeErr(w, relayerr.Wrap(relayerr.HandlerError, "delete secret", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
