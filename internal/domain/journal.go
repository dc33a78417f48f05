package domain

import "time"

// JournalEvent is one append-only record in a session's event log. Seq is
// strictly increasing and gap-free starting at 1 within a session.
type JournalEvent struct {
	SessionID string
	Seq       int64
	Type      string
	Payload   []byte // opaque JSON; the journal does not interpret it
	CreatedAt time.Time
}
