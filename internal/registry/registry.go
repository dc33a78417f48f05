// Package registry implements the ConnectionRegistry component (§4.2):
// client connection tracking, per-(connection,session) seq counters, and a
// bounded per-session replay buffer for short-term resumption.
//
// The broadcast path follows the same shape as a typical SSE fan-out loop:
// snapshot the attached connections under a read lock, then send outside
// the lock so one slow consumer cannot stall the others.
package registry

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// outboxSize bounds how far a connection may lag before new events to it
// are dropped (§5: "a stuck client drops further events").
const outboxSize = 128

// Envelope is the wire-level shape pushed to a connection (§6 WS format).
type Envelope struct {
	V         int    `json:"v"`
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Payload   []byte `json:"payload"`
}

// Connection is one registered client connection.
type Connection struct {
	ID     string
	Outbox chan Envelope

	mu       sync.Mutex
	attached map[string]int64 // sessionId -> next per-connection seq to assign
}

func (c *Connection) isAttached(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attached[sessionID]
	return ok
}

// AttachedSessions returns the session ids this connection is currently
// interested in, used to scrub engine attachments on disconnect.
func (c *Connection) AttachedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.attached))
	for sessionID := range c.attached {
		out = append(out, sessionID)
	}
	return out
}

func (c *Connection) nextSeq(sessionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.attached[sessionID] + 1
	c.attached[sessionID] = seq
	return seq
}

// bufferedEvent is one entry in a session's bounded replay buffer. bufSeq is
// a buffer-internal monotonic counter, independent of any one connection's
// per-connection seq, used only to decide which events are "new enough" on
// resume.
type bufferedEvent struct {
	bufSeq  int64
	typ     string
	payload []byte
	at      time.Time
}

type replayBuffer struct {
	mu       sync.Mutex
	events   *list.List // of bufferedEvent
	nextSeq  int64
	window   time.Duration
	maxCount int
}

func newReplayBuffer(window time.Duration, maxCount int) *replayBuffer {
	return &replayBuffer{events: list.New(), window: window, maxCount: maxCount}
}

func (b *replayBuffer) append(typ string, payload []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	b.events.PushBack(bufferedEvent{bufSeq: b.nextSeq, typ: typ, payload: payload, at: time.Now()})
	b.prune()
	return b.nextSeq
}

// prune evicts events older than the replay window or beyond maxCount,
// oldest first, must be called with mu held.
func (b *replayBuffer) prune() {
	cutoff := time.Now().Add(-b.window)
	for b.events.Len() > 0 {
		front := b.events.Front()
		ev := front.Value.(bufferedEvent)
		if ev.at.Before(cutoff) || b.events.Len() > b.maxCount {
			b.events.Remove(front)
			continue
		}
		break
	}
}

func (b *replayBuffer) after(bufSeq int64) []bufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()

	var out []bufferedEvent
	for e := b.events.Front(); e != nil; e = e.Next() {
		ev := e.Value.(bufferedEvent)
		if ev.bufSeq > bufSeq {
			out = append(out, ev)
		}
	}
	return out
}

// connDelivery records, for one (session, connection) pair, the mapping
// from that connection's own per-connection seq to the replay buffer's
// internal bufSeq at the moment the event was delivered. Resume needs this
// because per-connection seq numbering resets to zero for every newly
// attached connection (§4.2) while bufSeq is one monotonic counter per
// session: the two spaces only coincide for the single connection that has
// been attached since the session's first event.
type connDelivery struct {
	connSeq int64
	bufSeq  int64
	at      time.Time
}

// Registry is the ConnectionRegistry.
type Registry struct {
	replayWindow time.Duration
	replayMax    int

	mu          sync.RWMutex
	connections map[string]*Connection
	attachments map[string]map[string]*Connection // sessionId -> connectionId -> Connection
	buffers     map[string]*replayBuffer           // sessionId -> buffer

	deliveryMu sync.Mutex
	delivery   map[string]map[string][]connDelivery // sessionId -> connectionId -> ordered deliveries
}

func New(replayWindow time.Duration, replayMax int) *Registry {
	return &Registry{
		replayWindow: replayWindow,
		replayMax:    replayMax,
		connections:  make(map[string]*Connection),
		attachments:  make(map[string]map[string]*Connection),
		buffers:      make(map[string]*replayBuffer),
		delivery:     make(map[string]map[string][]connDelivery),
	}
}

// recordDelivery remembers that connectionID's own per-connection seq
// connSeq corresponded to the buffer's bufSeq for sessionID, pruned to the
// same retention window/count as the replay buffer itself so this history
// never outlives the events it indexes.
func (r *Registry) recordDelivery(sessionID, connectionID string, connSeq, bufSeq int64) {
	r.deliveryMu.Lock()
	defer r.deliveryMu.Unlock()
	if r.delivery[sessionID] == nil {
		r.delivery[sessionID] = make(map[string][]connDelivery)
	}
	entries := append(r.delivery[sessionID][connectionID], connDelivery{connSeq: connSeq, bufSeq: bufSeq, at: time.Now()})

	cutoff := time.Now().Add(-r.replayWindow)
	start := 0
	for start < len(entries) && entries[start].at.Before(cutoff) {
		start++
	}
	entries = entries[start:]
	if len(entries) > r.replayMax {
		entries = entries[len(entries)-r.replayMax:]
	}
	r.delivery[sessionID][connectionID] = entries
}

// bufSeqForConnSeq translates connectionID's own connSeq on sessionID back
// into buffer coordinates, if its delivery history still covers that far
// back.
func (r *Registry) bufSeqForConnSeq(sessionID, connectionID string, connSeq int64) (int64, bool) {
	r.deliveryMu.Lock()
	defer r.deliveryMu.Unlock()
	for _, d := range r.delivery[sessionID][connectionID] {
		if d.connSeq == connSeq {
			return d.bufSeq, true
		}
	}
	return 0, false
}

// Register stores a connection's send capability (its outbox) and returns a
// handle. The caller is responsible for draining Outbox and writing frames.
func (r *Registry) Register(connectionID string) *Connection {
	c := &Connection{
		ID:       connectionID,
		Outbox:   make(chan Envelope, outboxSize),
		attached: make(map[string]int64),
	}
	r.mu.Lock()
	r.connections[connectionID] = c
	r.mu.Unlock()
	return c
}

// Attach idempotently marks a connection as interested in a session. Its
// per-connection seq counter starts at 0 (next assigned will be 1).
func (r *Registry) Attach(connectionID, sessionID string) {
	r.mu.Lock()
	c, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.attachments[sessionID] == nil {
		r.attachments[sessionID] = make(map[string]*Connection)
	}
	r.attachments[sessionID][connectionID] = c
	if r.buffers[sessionID] == nil {
		r.buffers[sessionID] = newReplayBuffer(r.replayWindow, r.replayMax)
	}
	r.mu.Unlock()

	c.mu.Lock()
	if _, already := c.attached[sessionID]; !already {
		c.attached[sessionID] = 0
	}
	c.mu.Unlock()
}

// Detach removes interest in one session without closing the connection.
func (r *Registry) Detach(connectionID, sessionID string) {
	r.mu.Lock()
	if conns, ok := r.attachments[sessionID]; ok {
		delete(conns, connectionID)
	}
	r.mu.Unlock()
}

// Remove finalizes a connection entirely. Callers must separately fail any
// pending native-tool calls the connection owned (the broker owns that).
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	delete(r.connections, connectionID)
	for sessionID, conns := range r.attachments {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.attachments, sessionID)
		}
	}
	r.mu.Unlock()
}

// ActiveConnections returns how many connections are attached to a session.
func (r *Registry) ActiveConnections(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attachments[sessionID])
}

// BroadcastEvent assigns per-connection seqs, enqueues the envelope to every
// attached connection (non-blocking; a full outbox drops the event for that
// connection, per §5), and appends the event to the session's replay buffer.
func (r *Registry) BroadcastEvent(sessionID, eventType string, payload []byte) {
	r.mu.RLock()
	buf := r.buffers[sessionID]
	if buf == nil {
		r.mu.RUnlock()
		buf = newReplayBuffer(r.replayWindow, r.replayMax)
		r.mu.Lock()
		r.buffers[sessionID] = buf
		r.mu.Unlock()
	} else {
		r.mu.RUnlock()
	}
	bufSeq := buf.append(eventType, payload)

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.attachments[sessionID]))
	for _, c := range r.attachments[sessionID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		seq := c.nextSeq(sessionID)
		r.recordDelivery(sessionID, c.ID, seq, bufSeq)
		env := Envelope{
			V: 1, Kind: "event", SessionID: sessionID,
			Seq: seq, Type: eventType, Payload: payload,
		}
		select {
		case c.Outbox <- env:
		default:
			// Outbox full: drop. Client recovers via hello/resume or get_messages.
		}
	}
}

// SendToConnection pushes one event directly to a single connection (used
// for native-tool request/cancel events which target exactly one owner,
// §4.8), assigning it a per-connection seq the same way BroadcastEvent
// does. Non-blocking: a full outbox drops the event.
func (r *Registry) SendToConnection(connectionID, sessionID, eventType string, payload []byte) error {
	r.mu.RLock()
	c, ok := r.connections[connectionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s is not registered", connectionID)
	}

	env := Envelope{
		V: 1, Kind: "event", SessionID: sessionID,
		Seq: c.nextSeq(sessionID), Type: eventType, Payload: payload,
	}
	select {
	case c.Outbox <- env:
	default:
	}
	return nil
}

// EmitToConnection satisfies the broker package's Emitter interface: it
// marshals payload to JSON and delivers it to a single connection via
// SendToConnection (used for native_tool_request/native_tool_cancel,
// which target exactly one owning client per §4.8).
func (r *Registry) EmitToConnection(connectionID, sessionID, eventType string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return r.SendToConnection(connectionID, sessionID, eventType, buf)
}

// Resume re-attaches newConnectionID to sessionID and replays buffered
// events the reconnecting client has not yet seen. lastSeq is reported in
// oldConnectionID's own per-connection numbering (§6 lastSeqBySession) —
// the connection the client held before it dropped, which may differ from
// newConnectionID once the transport reconnects under a fresh id. Because
// that numbering resets to zero for every newly attached connection and is
// unrelated to the replay buffer's internal bufSeq, Resume first translates
// lastSeq back into buffer coordinates via oldConnectionID's recorded
// delivery history before slicing the buffer. If that history no longer
// covers lastSeq (evicted, or oldConnectionID was never seen), it falls
// back to replaying everything the buffer still retains rather than
// silently dropping events the client never saw. It returns the replayed
// envelopes in order, each assigned a fresh per-connection seq on
// newConnectionID; the caller (ClientSession) writes them.
func (r *Registry) Resume(newConnectionID, oldConnectionID, sessionID string, lastSeq int64) []Envelope {
	r.Attach(newConnectionID, sessionID)

	r.mu.RLock()
	c := r.connections[newConnectionID]
	buf := r.buffers[sessionID]
	r.mu.RUnlock()
	if c == nil || buf == nil {
		return nil
	}

	var bufThreshold int64
	if lastSeq > 0 {
		lookupID := oldConnectionID
		if lookupID == "" {
			lookupID = newConnectionID
		}
		if bs, ok := r.bufSeqForConnSeq(sessionID, lookupID, lastSeq); ok {
			bufThreshold = bs
		}
	}

	events := buf.after(bufThreshold)
	out := make([]Envelope, 0, len(events))
	for _, ev := range events {
		seq := c.nextSeq(sessionID)
		r.recordDelivery(sessionID, c.ID, seq, ev.bufSeq)
		out = append(out, Envelope{
			V: 1, Kind: "event", SessionID: sessionID,
			Seq: seq, Type: ev.typ, Payload: ev.payload,
		})
	}
	return out
}
