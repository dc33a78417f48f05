// Package journal implements the Journal component (§4.1): an append-only
// per-session event log with a monotonic, gap-free seq, backed by the same
// SQLite database as the SessionStore.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pi-relay/relay/internal/domain"
)

// Journal appends and reads per-session event records.
type Journal struct {
	db *sql.DB

	mu       sync.Mutex
	locks    map[string]*sync.Mutex // sessionId -> append lock, so unrelated sessions don't serialize
	seqCache map[string]int64       // sessionId -> last known seq, avoids a query per append
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, locks: make(map[string]*sync.Mutex), seqCache: make(map[string]int64)}
}

func (j *Journal) lockFor(sessionID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		j.locks[sessionID] = l
	}
	return l
}

// Append assigns the next seq atomically under a per-session lock and
// returns the full record with a server-assigned timestamp. On failure the
// seq counter is not advanced (gap-free invariant).
func (j *Journal) Append(ctx context.Context, sessionID, eventType string, payload []byte) (*domain.JournalEvent, error) {
	lock := j.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := j.nextSeqLocked(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("determine next seq: %w", err)
	}

	now := time.Now()
	const q = `INSERT INTO journal_events (session_id, seq, type, payload, created_at) VALUES (?,?,?,?,?)`
	if _, err := j.db.ExecContext(ctx, q, sessionID, seq, eventType, string(payload), now.Unix()); err != nil {
		return nil, fmt.Errorf("append journal event: %w", err)
	}

	j.setCachedSeq(sessionID, seq)
	return &domain.JournalEvent{
		SessionID: sessionID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// nextSeqLocked is only ever called while the caller holds sessionID's
// per-session lock, so the read-modify-write of the cache entry for this
// session is race-free; j.mu only guards the seqCache map itself against
// concurrent access from other sessions' goroutines.
func (j *Journal) nextSeqLocked(ctx context.Context, sessionID string) (int64, error) {
	if cached, ok := j.cachedSeq(sessionID); ok {
		return cached + 1, nil
	}
	last, err := j.lastSeq(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	j.setCachedSeq(sessionID, last)
	return last + 1, nil
}

func (j *Journal) cachedSeq(sessionID string) (int64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq, ok := j.seqCache[sessionID]
	return seq, ok
}

func (j *Journal) setCachedSeq(sessionID string, seq int64) {
	j.mu.Lock()
	j.seqCache[sessionID] = seq
	j.mu.Unlock()
}

func (j *Journal) lastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal_events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

// ReadAfter returns events with seq > afterSeq, ascending, at most limit
// rows, plus the maximum seq known for the session (even if nothing new
// was returned).
func (j *Journal) ReadAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*domain.JournalEvent, int64, error) {
	lastSeq, err := j.lastSeq(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT session_id, seq, type, payload, created_at FROM journal_events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("read journal events: %w", err)
	}
	defer rows.Close()

	var events []*domain.JournalEvent
	for rows.Next() {
		var e domain.JournalEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Type, &payload, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan journal event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, lastSeq, nil
}

// LastSeq returns the maximum seq known for a session without reading rows.
func (j *Journal) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	return j.lastSeq(ctx, sessionID)
}

// Delete removes every event for a session (used by SessionEngine.delete,
// §4.7) and drops its cached seq and lock, so a later Append for the same
// id starts again at seq 1. Session ids are fresh UUIDs, so a deleted id
// is not appended to again in practice.
func (j *Journal) Delete(ctx context.Context, sessionID string) error {
	j.mu.Lock()
	delete(j.seqCache, sessionID)
	delete(j.locks, sessionID)
	j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `DELETE FROM journal_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete journal events: %w", err)
	}
	return nil
}
