package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pi-relay/relay/internal/relayerr"
)

type fakeEmitter struct {
	mu    sync.Mutex
	sent  []sentEvent
	onReq func(callID string) // optional: synchronously react to native_tool_request
}

type sentEvent struct {
	connectionID, sessionID, eventType string
	payload                            any
}

func (f *fakeEmitter) EmitToConnection(connectionID, sessionID, eventType string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{connectionID, sessionID, eventType, payload})
	f.mu.Unlock()
	if eventType == "native_tool_request" && f.onReq != nil {
		m := payload.(map[string]any)
		f.onReq(m["callId"].(string))
	}
	return nil
}

func TestRequestCallWithNoOwnerFailsFast(t *testing.T) {
	b := New(&fakeEmitter{})
	_, err := b.RequestCall(context.Background(), "sess-1", "bash", nil)
	if err == nil {
		t.Fatal("expected error with no owner")
	}
	if relayerr.As(err).Kind != relayerr.NotConnected {
		t.Fatalf("expected not_connected, got %v", relayerr.As(err).Kind)
	}
}

func TestRequestCallResolvesOnMatchingResponse(t *testing.T) {
	emitter := &fakeEmitter{}
	b := New(emitter)
	b.SetOwner("sess-1", "conn-1")

	emitter.onReq = func(callID string) {
		go b.Resolve(callID, map[string]any{"ok": true}, nil)
	}

	result, err := b.RequestCall(context.Background(), "sess-1", "bash", map[string]any{"cmd": "ls"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestResolveIgnoresUnknownCallID(t *testing.T) {
	b := New(&fakeEmitter{})
	// Should not panic nor block: no pending call registered for this id.
	b.Resolve("does-not-exist", map[string]any{}, nil)
}

func TestRequestCallCanceledByContext(t *testing.T) {
	emitter := &fakeEmitter{}
	b := New(emitter)
	b.SetOwner("sess-1", "conn-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.RequestCall(ctx, "sess-1", "bash", nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if relayerr.As(err).Kind != relayerr.ToolCallAborted {
		t.Fatalf("expected tool_call_aborted, got %v", relayerr.As(err).Kind)
	}
}

func TestFailOwnerCallsFailsOnlyThatOwnersPendingCalls(t *testing.T) {
	emitter := &fakeEmitter{}
	b := New(emitter)
	b.SetOwner("sess-1", "conn-1")
	b.SetOwner("sess-2", "conn-2")

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() {
		_, err := b.RequestCall(context.Background(), "sess-1", "bash", nil)
		done1 <- err
	}()
	go func() {
		_, err := b.RequestCall(context.Background(), "sess-2", "bash", nil)
		done2 <- err
	}()

	time.Sleep(20 * time.Millisecond) // let both calls register as pending
	b.FailOwnerCalls("conn-1")

	err1 := <-done1
	if err1 == nil {
		t.Fatal("expected conn-1's call to fail")
	}

	select {
	case err2 := <-done2:
		t.Fatalf("conn-2's call should not have been affected, got %v", err2)
	case <-time.After(50 * time.Millisecond):
	}
	b.Resolve(pendingCallIDFor(b, "sess-2"), map[string]any{"ok": true}, nil)
	<-done2
}

// pendingCallIDFor is a test-only helper reaching into broker internals to
// resolve the still-pending sess-2 call and unblock its goroutine.
func pendingCallIDFor(b *Broker, sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, call := range b.pending {
		if call.sessionID == sessionID {
			return id
		}
	}
	return ""
}

func TestClearOwnerIfCurrentOnlyClearsMatchingOwner(t *testing.T) {
	b := New(&fakeEmitter{})
	b.SetOwner("sess-1", "conn-1")
	b.ClearOwnerIfCurrent("sess-1", "conn-2")
	if !b.HasOwner("sess-1") {
		t.Fatal("owner should not have been cleared by a non-owning connection")
	}
	b.ClearOwnerIfCurrent("sess-1", "conn-1")
	if b.HasOwner("sess-1") {
		t.Fatal("owner should have been cleared")
	}
}
