package api

import (
	"sync"
	"time"

	"github.com/fortify-onion/fortify/fortlib"
	"github.com/google/uuid"
)

// AuditEntry is a record of a mutating administrative call.
type AuditEntry struct {
	ID     string    `json:"id"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// auditLog is a bounded ring of the latest entries. Every entry also goes
// to the log.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
	logger  fortlib.Logger
	now     func() time.Time
}

func (a *auditLog) Record(actor, action, target, reason string) AuditEntry {
	entry := AuditEntry{
		ID:     uuid.NewString(),
		Actor:  actor,
		Action: action,
		Target: target,
		Reason: reason,
		At:     a.now(),
	}

	a.mu.Lock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)
	a.full = a.full || a.next == 0
	a.mu.Unlock()

	a.logger.
		BindStr("audit_id", entry.ID).
		BindStr("actor", actor).
		BindStr("action", action).
		BindStr("target", target).
		BindStr("reason", reason).
		Info("administrative action")

	return entry
}

// Entries returns entries from the oldest to the newest.
func (a *auditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		return append([]AuditEntry{}, a.entries[:a.next]...)
	}

	rv := make([]AuditEntry, 0, len(a.entries))
	rv = append(rv, a.entries[a.next:]...)
	rv = append(rv, a.entries[:a.next]...)

	return rv
}

func newAuditLog(size int, logger fortlib.Logger, now func() time.Time) *auditLog {
	return &auditLog{
		entries: make([]AuditEntry, max(1, size)),
		logger:  logger,
		now:     now,
	}
}
