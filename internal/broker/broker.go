// Package broker implements the NativeToolBroker component (§4.8):
// reverse-RPC from the relay to a single native-capable client per
// session, correlated by callId, single-flight, no timeout, cancelable.
// The correlation map is the same shape used to track one exec session
// per container id, generalized here from a one-shot request to an
// arbitrary-duration pending call.
package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pi-relay/relay/internal/relayerr"
)

// ToolResult is what a native_tool_response resolves a pending call with.
type ToolResult struct {
	Result map[string]any
	Err    *string
}

type pendingCall struct {
	sessionID string
	ownerID   string
	done      chan ToolResult
}

// Emitter pushes the native_tool_request/native_tool_cancel event to the
// owning client connection; *registry.Registry satisfies it through
// EmitToConnection, its single-connection send path.
type Emitter interface {
	EmitToConnection(connectionID, sessionID, eventType string, payload any) error
}

// Broker owns the single native-tool owner per session and the set of
// calls in flight.
type Broker struct {
	emit Emitter

	mu      sync.Mutex
	owners  map[string]string // sessionId -> connectionId currently owning native tools
	pending map[string]*pendingCall
}

func New(emit Emitter) *Broker {
	return &Broker{
		emit:    emit,
		owners:  make(map[string]string),
		pending: make(map[string]*pendingCall),
	}
}

// SetOwner assigns the most-recently-attached capable client as the
// session's native-tool owner (§4.8: "the most recently attached capable
// client"), displacing any previous owner.
func (b *Broker) SetOwner(sessionID, connectionID string) {
	b.mu.Lock()
	b.owners[sessionID] = connectionID
	b.mu.Unlock()
}

// ClearOwnerIfCurrent removes connectionID as owner only if it is still
// the current owner, called when a client detaches or disconnects.
func (b *Broker) ClearOwnerIfCurrent(sessionID, connectionID string) {
	b.mu.Lock()
	if b.owners[sessionID] == connectionID {
		delete(b.owners, sessionID)
	}
	b.mu.Unlock()
}

// HasOwner reports whether sessionID currently has a native-tool owner.
func (b *Broker) HasOwner(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.owners[sessionID]
	return ok
}

// RequestCall emits native_tool_request to the session's current owner and
// blocks until a matching native_tool_response arrives, ctx is canceled, or
// the owner disconnects.
func (b *Broker) RequestCall(ctx context.Context, sessionID, toolName string, args map[string]any) (map[string]any, error) {
	b.mu.Lock()
	owner, ok := b.owners[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil, relayerr.New(relayerr.NotConnected, "no native-tool-capable client attached to this session")
	}
	callID := uuid.NewString()
	call := &pendingCall{sessionID: sessionID, ownerID: owner, done: make(chan ToolResult, 1)}
	b.pending[callID] = call
	b.mu.Unlock()

	if err := b.emit.EmitToConnection(owner, sessionID, "native_tool_request", map[string]any{
		"callId":   callID,
		"toolName": toolName,
		"args":     args,
	}); err != nil {
		b.forget(callID)
		return nil, relayerr.Wrap(relayerr.ConnectionLost, "deliver native tool request", err)
	}

	select {
	case res := <-call.done:
		if res.Err != nil {
			return nil, relayerr.New(relayerr.HandlerError, *res.Err)
		}
		return res.Result, nil
	case <-ctx.Done():
		b.cancel(callID, sessionID, owner)
		return nil, relayerr.Wrap(relayerr.ToolCallAborted, "native tool call aborted", ctx.Err())
	}
}

// Resolve matches a native_tool_response by callId (single-flight:
// duplicate or unknown callIds are ignored).
func (b *Broker) Resolve(callID string, result map[string]any, errMsg *string) {
	b.mu.Lock()
	call, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	call.done <- ToolResult{Result: result, Err: errMsg}
}

func (b *Broker) cancel(callID, sessionID, owner string) {
	b.mu.Lock()
	_, ok := b.pending[callID]
	delete(b.pending, callID)
	b.mu.Unlock()
	if ok {
		_ = b.emit.EmitToConnection(owner, sessionID, "native_tool_cancel", map[string]any{"callId": callID})
	}
}

func (b *Broker) forget(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

// FailOwnerCalls fails every pending call belonging to connectionID with a
// connection-closed error, called on client disconnect (§4.8).
func (b *Broker) FailOwnerCalls(connectionID string) {
	b.mu.Lock()
	var toFail []*pendingCall
	for callID, call := range b.pending {
		if call.ownerID == connectionID {
			toFail = append(toFail, call)
			delete(b.pending, callID)
		}
	}
	b.mu.Unlock()

	msg := "connection closed"
	for _, call := range toFail {
		call.done <- ToolResult{Err: &msg}
	}
}
