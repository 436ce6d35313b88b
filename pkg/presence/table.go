// Package presence holds the ephemeral per-session state shared inside a room: who is connected, what they
// are called, and where their cursor is. Nothing here is ever persisted.
package presence

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an entry stays visible without a refresh.
	DefaultTTL = 5 * time.Second
	// DefaultRate is the maximum number of cursor updates a session sends per second.
	DefaultRate = 15
	// DefaultBlend is the fraction of the remaining distance a rendered cursor covers per tick.
	DefaultBlend = 0.15
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entry is the presence state of one session. Only the owning session writes it.
type Entry struct {
	SessionID string    `json:"sessionId"`
	UserName  string    `json:"userName"`
	Color     string    `json:"color"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Table is a concurrency safe view of the entries a single observer has seen. Entries age out independently
// on every observer, so no explicit leave message is needed for the roster to converge.
type Table struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Entry
}

func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{ttl: ttl, now: time.Now, entries: make(map[string]Entry)}
}

// WithClock replaces the time source, for tests.
func (t *Table) WithClock(now func() time.Time) *Table {
	t.now = now
	return t
}

// Set stores the latest entry for e.SessionID and marks it fresh. It returns the stored entry.
func (t *Table) Set(e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.LastSeen = t.now()
	t.entries[e.SessionID] = e
	return e
}

func (t *Table) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sessionID)
}

func (t *Table) Get(sessionID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok || t.stale(e) {
		return Entry{}, false
	}
	return e, true
}

func (t *Table) stale(e Entry) bool {
	return t.now().Sub(e.LastSeen) > t.ttl
}

// Snapshot returns the live entries ordered by session id and drops the stale ones.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for id, e := range t.entries {
		if t.stale(e) {
			delete(t.entries, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Len counts entries including ones that have not been swept yet.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
