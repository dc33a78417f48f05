package registry

import (
	"testing"
	"time"
)

func TestAttachAndBroadcastAssignsMonotonicSeq(t *testing.T) {
	r := New(time.Minute, 100)
	c := r.Register("conn-1")
	r.Attach("conn-1", "sess-1")

	r.BroadcastEvent("sess-1", "output", []byte("one"))
	r.BroadcastEvent("sess-1", "output", []byte("two"))

	first := <-c.Outbox
	second := <-c.Outbox
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seqs 1,2; got %d,%d", first.Seq, second.Seq)
	}
}

func TestSeqIsPerConnectionNotGlobal(t *testing.T) {
	r := New(time.Minute, 100)
	a := r.Register("conn-a")
	b := r.Register("conn-b")
	r.Attach("conn-a", "sess-1")
	r.Attach("conn-b", "sess-1")

	r.BroadcastEvent("sess-1", "output", []byte("x"))

	ea := <-a.Outbox
	eb := <-b.Outbox
	if ea.Seq != 1 || eb.Seq != 1 {
		t.Fatalf("expected both connections to see seq 1 independently; got %d,%d", ea.Seq, eb.Seq)
	}
}

func TestResumeReplaysBufferedEventsAfterLastSeq(t *testing.T) {
	r := New(time.Minute, 100)
	r.Register("conn-1")
	r.Attach("conn-1", "sess-1")

	r.BroadcastEvent("sess-1", "output", []byte("one"))
	r.BroadcastEvent("sess-1", "output", []byte("two"))
	r.BroadcastEvent("sess-1", "output", []byte("three"))

	// conn-1 dropped after seeing its own seq 1 ("one"); it reconnects as
	// conn-2 and reports lastSeq=1 in its old (conn-1) numbering.
	r.Register("conn-2")
	replayed := r.Resume("conn-2", "conn-1", "sess-1", 1)
	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed events after seq 1, got %d", len(replayed))
	}
	if string(replayed[0].Payload) != "two" || string(replayed[1].Payload) != "three" {
		t.Fatalf("unexpected replay order: %+v", replayed)
	}
}

func TestResumeTranslatesPerConnectionSeqForLateAttachedConnection(t *testing.T) {
	r := New(time.Minute, 100)
	a := r.Register("conn-a")
	r.Attach("conn-a", "sess-1")

	// conn-a alone sees the first 10 events; its own seq and the buffer's
	// bufSeq still coincide at this point.
	for i := 0; i < 10; i++ {
		r.BroadcastEvent("sess-1", "output", []byte("early"))
	}
	for len(a.Outbox) > 0 {
		<-a.Outbox
	}

	// conn-b attaches mid-session: its own per-connection seq starts back
	// at 0 even though bufSeq is already at 10.
	b := r.Register("conn-b")
	r.Attach("conn-b", "sess-1")

	r.BroadcastEvent("sess-1", "output", []byte("shared-11"))
	r.BroadcastEvent("sess-1", "output", []byte("shared-12"))
	<-a.Outbox
	<-a.Outbox
	eb1 := <-b.Outbox
	eb2 := <-b.Outbox
	if eb1.Seq != 1 || eb2.Seq != 2 {
		t.Fatalf("expected conn-b's own seq to start at 1, got %d,%d", eb1.Seq, eb2.Seq)
	}

	// conn-b drops and reconnects as conn-c, reporting its own lastSeq=2
	// (it has seen both shared events). Resume must not replay "shared-11"
	// or "shared-12" again just because bufSeq (12) is far past 2.
	r.Register("conn-c")
	replayed := r.Resume("conn-c", "conn-b", "sess-1", 2)
	if len(replayed) != 0 {
		t.Fatalf("expected no replay: conn-b's seq 2 maps to bufSeq 12, already fully delivered; got %+v", replayed)
	}

	r.BroadcastEvent("sess-1", "output", []byte("shared-13"))
	ec := <-r.connections["conn-c"].Outbox
	if string(ec.Payload) != "shared-13" {
		t.Fatalf("expected conn-c to keep receiving new events after resume, got %+v", ec)
	}
}

func TestReplayBufferEvictsBeyondMaxCount(t *testing.T) {
	r := New(time.Hour, 3)
	r.Register("conn-1")
	r.Attach("conn-1", "sess-1")

	for i := 0; i < 10; i++ {
		r.BroadcastEvent("sess-1", "output", []byte("x"))
	}

	r.Register("conn-2")
	replayed := r.Resume("conn-2", "", "sess-1", 0)
	if len(replayed) > 3 {
		t.Fatalf("expected replay buffer capped at 3 events, got %d", len(replayed))
	}
}

func TestReplayBufferEvictsOutsideWindow(t *testing.T) {
	r := New(10*time.Millisecond, 1000)
	r.Register("conn-1")
	r.Attach("conn-1", "sess-1")
	r.BroadcastEvent("sess-1", "output", []byte("stale"))

	time.Sleep(30 * time.Millisecond)
	r.BroadcastEvent("sess-1", "output", []byte("fresh"))

	r.Register("conn-2")
	replayed := r.Resume("conn-2", "", "sess-1", 0)
	if len(replayed) != 1 || string(replayed[0].Payload) != "fresh" {
		t.Fatalf("expected only the fresh event to survive the window, got %+v", replayed)
	}
}

func TestDetachStopsBroadcastDelivery(t *testing.T) {
	r := New(time.Minute, 100)
	c := r.Register("conn-1")
	r.Attach("conn-1", "sess-1")
	r.Detach("conn-1", "sess-1")

	r.BroadcastEvent("sess-1", "output", []byte("should not arrive"))

	select {
	case env := <-c.Outbox:
		t.Fatalf("expected no delivery after detach, got %+v", env)
	default:
	}
}

func TestRemoveClearsAllAttachments(t *testing.T) {
	r := New(time.Minute, 100)
	r.Register("conn-1")
	r.Attach("conn-1", "sess-1")
	r.Remove("conn-1")

	if n := r.ActiveConnections("sess-1"); n != 0 {
		t.Fatalf("expected 0 active connections after remove, got %d", n)
	}
}

func TestSendToConnectionUnknownConnectionErrors(t *testing.T) {
	r := New(time.Minute, 100)
	if err := r.SendToConnection("missing", "sess-1", "event", []byte("x")); err == nil {
		t.Fatal("expected error for unregistered connection")
	}
}

func TestEmitToConnectionMarshalsPayload(t *testing.T) {
	r := New(time.Minute, 100)
	c := r.Register("conn-1")
	r.Attach("conn-1", "sess-1")

	if err := r.EmitToConnection("conn-1", "sess-1", "native_tool_request", map[string]any{"callId": "abc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := <-c.Outbox
	if env.Type != "native_tool_request" {
		t.Fatalf("expected type native_tool_request, got %q", env.Type)
	}
	if string(env.Payload) != `{"callId":"abc"}` {
		t.Fatalf("unexpected payload: %s", env.Payload)
	}
}
