package consensus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// auditLogCapacity bounds the audit log to the last 10,000 entries, per
// spec.md §4.G.
const auditLogCapacity = 10_000

// EntryKind discriminates the two record types the audit log carries.
type EntryKind string

const (
	EntryDispute    EntryKind = "dispute"
	EntryCensorship EntryKind = "censorship"
)

// DisputeRecord is logged when ≥2 distinct hashes are returned for a CID.
type DisputeRecord struct {
	ConflictingHashes []string
	Resolution        string // "pending" until an operator or later re-fetch resolves it
}

// CensorshipEvent is logged when a node that should hold a CID returns null
// or errors.
type CensorshipEvent struct {
	NodeID string
}

// Entry is one audit-log record. ID is assigned by Append so that operator
// tooling can reference a specific entry even after the ring buffer has
// moved it.
type Entry struct {
	ID         string
	Kind       EntryKind
	CID        string
	At         time.Time
	Dispute    *DisputeRecord
	Censorship *CensorshipEvent
}

// AuditLog is a fixed-capacity ring buffer of consensus Entries: once full,
// the oldest entry is evicted to make room for the newest, bounding memory
// use indefinitely regardless of read-path volume.
type AuditLog struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewAuditLog returns an empty, ready-to-use AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make([]Entry, auditLogCapacity)}
}

// Append records e, overwriting the oldest entry once the log is at
// capacity.
func (l *AuditLog) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % auditLogCapacity
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns a copy of the log's current contents, oldest first.
func (l *AuditLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Entry, auditLogCapacity)
	copy(out, l.entries[l.next:])
	copy(out[auditLogCapacity-l.next:], l.entries[:l.next])
	return out
}

// Len returns the number of entries currently held (capped at capacity).
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return auditLogCapacity
	}
	return l.next
}
