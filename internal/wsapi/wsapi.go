// Package wsapi implements the ClientSession component (§4.9): one
// WebSocket per client, framed request/response/event messages, request
// routing, and resume-on-hello replay. The accept/inputLoop/outputLoop
// shape is the same one used for single-stream PTY sessions, generalized
// here to the relay's multi-session method dispatch.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pi-relay/relay/internal/broker"
	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/engine"
	"github.com/pi-relay/relay/internal/journal"
	"github.com/pi-relay/relay/internal/registry"
	"github.com/pi-relay/relay/internal/relayerr"
	"github.com/pi-relay/relay/internal/store"
)

// frame is the wire envelope for every direction (§6).
type frame struct {
	V         int             `json:"v"`
	Kind      string          `json:"kind"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     *frameError     `json:"error,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ModelCatalog answers get_available_models (§12 supplemented feature).
type ModelCatalog interface {
	AvailableModels(ctx context.Context) ([]ModelInfo, error)
}

type ModelInfo struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Label    string `json:"label"`
	Selected bool   `json:"selected,omitempty"`
}

// RepoLister answers repos.list; an external collaborator over the
// GitHub API (§1 Non-goals: OAuth flow itself is out of scope).
type RepoLister interface {
	ListRepos(ctx context.Context) ([]RepoInfo, error)
}

type RepoInfo struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// Server upgrades HTTP connections to the relay's single WebSocket
// protocol and dispatches request methods to the Engine.
type Server struct {
	eng      *engine.Engine
	reg      *registry.Registry
	brk      *broker.Broker
	st       store.SessionStore
	jrn      *journal.Journal
	models   ModelCatalog
	repos    RepoLister
	origins  []string
	pingTick time.Duration

	mu    sync.Mutex
	conns map[string]*registry.Connection
}

func NewServer(eng *engine.Engine, reg *registry.Registry, brk *broker.Broker, st store.SessionStore, jrn *journal.Journal, models ModelCatalog, repos RepoLister, allowedOrigins []string) *Server {
	return &Server{
		eng: eng, reg: reg, brk: brk, st: st, jrn: jrn, models: models, repos: repos,
		origins: allowedOrigins, pingTick: 30 * time.Second,
		conns: make(map[string]*registry.Connection),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	connectionID := uuid.NewString()
	connRegistration := s.reg.Register(connectionID)
	s.mu.Lock()
	s.conns[connectionID] = connRegistration
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.outputLoop(ctx, conn, connRegistration)
	s.inputLoop(ctx, conn, connectionID)

	s.cleanupConnection(connectionID)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) cleanupConnection(connectionID string) {
	s.mu.Lock()
	c := s.conns[connectionID]
	delete(s.conns, connectionID)
	s.mu.Unlock()

	if c != nil {
		for _, sessionID := range c.AttachedSessions() {
			s.eng.DetachClient(sessionID, connectionID)
		}
	}
	s.reg.Remove(connectionID)
}

func (s *Server) outputLoop(ctx context.Context, conn *websocket.Conn, c *registry.Connection) {
	ticker := time.NewTicker(s.pingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.Outbox:
			if !ok {
				return
			}
			f := frame{V: env.V, Kind: env.Kind, SessionID: env.SessionID, Seq: env.Seq, Type: env.Type, Payload: env.Payload}
			if err := writeJSON(ctx, conn, f); err != nil {
				slog.Warn("websocket write failed", "connection_id", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (s *Server) inputLoop(ctx context.Context, conn *websocket.Conn, connectionID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("dropping unparseable client frame", "connection_id", connectionID, "error", err)
			continue
		}
		if f.Kind == "response" {
			s.handleClientResponse(f)
			continue
		}
		if f.Kind != "request" {
			continue
		}
		go s.handleRequest(ctx, conn, connectionID, f)
	}
}

func (s *Server) handleClientResponse(f frame) {
	if f.Method != "native_tool_response" {
		return
	}
	var params struct {
		CallID string         `json:"callId"`
		Result map[string]any `json:"result"`
		Error  *string        `json:"error"`
	}
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return
	}
	s.brk.Resolve(params.CallID, params.Result, params.Error)
}

func (s *Server) handleRequest(ctx context.Context, conn *websocket.Conn, connectionID string, f frame) {
	result, err := s.dispatch(ctx, connectionID, f)
	resp := frame{V: 1, Kind: "response", ID: f.ID}
	if err != nil {
		re := relayerr.As(err)
		ok := false
		resp.OK = &ok
		resp.Error = &frameError{Code: string(re.Kind), Message: re.Message}
	} else {
		ok := true
		resp.OK = &ok
		resp.Result = result
	}
	if werr := writeJSON(ctx, conn, resp); werr != nil {
		slog.Warn("websocket response write failed", "connection_id", connectionID, "error", werr)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, buf)
}

func (s *Server) dispatch(ctx context.Context, connectionID string, f frame) (any, error) {
	switch f.Method {
	case "hello":
		return s.handleHello(ctx, connectionID, f.Params)
	case "repos.list":
		if s.repos == nil {
			return []RepoInfo{}, nil
		}
		return s.repos.ListRepos(ctx)
	case "session.create":
		return s.handleSessionCreate(ctx, f.Params)
	case "session.list":
		return s.st.ListSessions(ctx)
	case "session.attach":
		return s.handleSessionAttach(ctx, connectionID, f.Params)
	case "session.delete":
		return nil, s.handleSessionDelete(ctx, f.Params)
	case "prompt":
		return nil, s.handlePrompt(ctx, f.Params)
	case "abort":
		return nil, s.handleAbort(ctx, f.Params)
	case "get_state":
		return s.handleGetState(ctx, f.Params)
	case "get_messages":
		return s.handleGetMessages(ctx, f.Params)
	case "get_available_models":
		return s.handleGetAvailableModels(ctx, f.SessionID)
	case "set_model":
		return nil, s.handleSetModel(ctx, f.Params)
	default:
		return nil, relayerr.New(relayerr.UnknownMethod, "unknown method: "+f.Method)
	}
}

// helloParams.Resume carries the client's prior connection id alongside a
// per-session lastSeq map (§6, §8 scenario 2): a connection can be
// attached to more than one session at once (§4.2), and each of those
// sessions has its own independent per-connection seq space, so a single
// sessionId/lastSeq pair cannot cover every session the client needs to
// resume.
type helloParams struct {
	Resume *struct {
		ConnectionID     string           `json:"connectionId"`
		LastSeqBySession map[string]int64 `json:"lastSeqBySession"`
	} `json:"resume"`
}

func (s *Server) handleHello(ctx context.Context, connectionID string, raw json.RawMessage) (any, error) {
	var p helloParams
	_ = json.Unmarshal(raw, &p)

	if p.Resume != nil {
		outbox := s.connOutbox(connectionID)
		for sessionID, lastSeq := range p.Resume.LastSeqBySession {
			replayed := s.reg.Resume(connectionID, p.Resume.ConnectionID, sessionID, lastSeq)
			if outbox == nil {
				continue
			}
			for _, env := range replayed {
				select {
				case outbox <- env:
				default:
					// Connection's outbox is full: the client falls back to
					// get_messages for anything dropped here.
				}
			}
		}
	}
	return map[string]any{
		"serverInfo":   map[string]any{"name": "relay"},
		"capabilities": map[string]any{"resume": true, "replayWindowSec": 60},
		"connectionId": connectionID,
	}, nil
}

func (s *Server) connOutbox(connectionID string) chan registry.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connectionID]
	if !ok {
		return nil
	}
	return c.Outbox
}

type sessionCreateParams struct {
	Mode               domain.SessionMode `json:"mode"`
	EnvironmentID      string             `json:"environmentId"`
	RepoID             string             `json:"repoId"`
	RepoFullName       string             `json:"repoFullName"`
	BranchName         string             `json:"branchName"`
	ModelProvider      string             `json:"modelProvider"`
	ModelID            string             `json:"modelId"`
	SystemPrompt       string             `json:"systemPrompt"`
	NativeToolsEnabled bool               `json:"nativeTools"`
}

func (s *Server) handleSessionCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidRequest, "invalid session.create params", err)
	}
	return s.eng.Create(ctx, engine.CreateParams{
		Mode: p.Mode, EnvironmentID: p.EnvironmentID, RepoID: p.RepoID,
		RepoFullName: p.RepoFullName, BranchName: p.BranchName,
		ModelProvider: p.ModelProvider, ModelID: p.ModelID,
		SystemPrompt: p.SystemPrompt, NativeToolsEnabled: p.NativeToolsEnabled,
	})
}

type sessionAttachParams struct {
	SessionID    string              `json:"sessionId"`
	ClientID     string              `json:"clientId"`
	ClientKind   domain.ClientKind   `json:"clientKind"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

func (s *Server) handleSessionAttach(ctx context.Context, connectionID string, raw json.RawMessage) (any, error) {
	var p sessionAttachParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidRequest, "invalid session.attach params", err)
	}
	if err := s.eng.Activate(ctx, p.SessionID, connectionID); err != nil {
		return nil, err
	}
	s.eng.AttachClient(p.SessionID, connectionID, p.Capabilities)

	clientID := p.ClientID
	if clientID == "" {
		clientID = connectionID
	}
	clientKind := p.ClientKind
	if clientKind == "" {
		clientKind = domain.ClientUnknown
	}
	_ = s.st.UpsertClient(ctx, &domain.ClientRegistration{
		SessionID: p.SessionID, ClientID: clientID, ClientKind: clientKind, Capabilities: p.Capabilities,
	})
	return map[string]any{"sessionId": p.SessionID}, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionDelete(ctx context.Context, raw json.RawMessage) error {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return relayerr.Wrap(relayerr.InvalidRequest, "invalid session.delete params", err)
	}
	return s.eng.Delete(ctx, p.SessionID)
}

type promptParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (s *Server) handlePrompt(ctx context.Context, raw json.RawMessage) error {
	var p promptParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return relayerr.Wrap(relayerr.InvalidRequest, "invalid prompt params", err)
	}
	return s.eng.Prompt(ctx, p.SessionID, p.Message)
}

func (s *Server) handleAbort(ctx context.Context, raw json.RawMessage) error {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return relayerr.Wrap(relayerr.InvalidRequest, "invalid abort params", err)
	}
	return s.eng.Abort(ctx, p.SessionID)
}

func (s *Server) handleGetState(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidRequest, "invalid get_state params", err)
	}
	return s.st.GetSession(ctx, p.SessionID)
}

type getMessagesParams struct {
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleGetMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getMessagesParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.InvalidRequest, "invalid get_messages params", err)
	}
	if p.Limit <= 0 {
		p.Limit = 200
	}
	events, lastSeq, err := s.jrn.ReadAfter(ctx, p.SessionID, p.AfterSeq, p.Limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.HandlerError, "read messages", err)
	}
	return map[string]any{"events": events, "lastSeq": lastSeq}, nil
}

// handleGetAvailableModels answers get_available_models (§12): the static
// catalog, with the entry matching the named session's current
// modelProvider/modelId marked selected inline. Falls back to the
// unmarked catalog when sessionID is empty or names a session that
// can't be loaded, so a connection not yet attached to any session
// still gets a usable list.
func (s *Server) handleGetAvailableModels(ctx context.Context, sessionID string) ([]ModelInfo, error) {
	if s.models == nil {
		return []ModelInfo{}, nil
	}
	models, err := s.models.AvailableModels(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return models, nil
	}
	sess, err := s.st.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return models, nil
	}
	for i := range models {
		models[i].Selected = models[i].Provider == sess.ModelProvider && models[i].ID == sess.ModelID
	}
	return models, nil
}

type setModelParams struct {
	SessionID     string `json:"sessionId"`
	ModelProvider string `json:"modelProvider"`
	ModelID       string `json:"modelId"`
}

func (s *Server) handleSetModel(ctx context.Context, raw json.RawMessage) error {
	var p setModelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return relayerr.Wrap(relayerr.InvalidRequest, "invalid set_model params", err)
	}
	sess, err := s.st.GetSession(ctx, p.SessionID)
	if err != nil {
		return relayerr.Wrap(relayerr.HandlerError, "load session", err)
	}
	sess.ModelProvider = p.ModelProvider
	sess.ModelID = p.ModelID
	return s.st.UpdateSession(ctx, sess, "")
}
