package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryBoard struct {
	snapshot []byte
	log      []Entry
}

// Memory keeps everything in process. It is used when no database is configured and in tests.
type Memory struct {
	mu     sync.RWMutex
	seq    int64
	boards map[string]*memoryBoard
	meta   map[string]BoardInfo
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]*memoryBoard),
		meta:   make(map[string]BoardInfo),
		now:    time.Now,
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *Memory) Load(_ context.Context, boardID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	if !ok {
		return Record{}, nil
	}
	rec := Record{Snapshot: clone(b.snapshot), Log: make([]Entry, 0, len(b.log))}
	for _, e := range b.log {
		rec.Log = append(rec.Log, Entry{Seq: e.Seq, Data: clone(e.Data)})
	}
	return rec, nil
}

func (m *Memory) Append(_ context.Context, boardID string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		b = &memoryBoard{}
		m.boards[boardID] = b
	}
	m.seq++
	b.log = append(b.log, Entry{Seq: m.seq, Data: clone(data)})
	return m.seq, nil
}

func (m *Memory) Compact(_ context.Context, boardID string, snapshot []byte, upTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		b = &memoryBoard{}
		m.boards[boardID] = b
	}
	prev := Record{Snapshot: b.snapshot}
	var kept []Entry
	for _, e := range b.log {
		if e.Seq <= upTo {
			prev.Log = append(prev.Log, e)
		} else {
			kept = append(kept, e)
		}
	}
	merged, err := fold(snapshot, prev)
	if err != nil {
		return err
	}
	b.snapshot = merged
	b.log = kept
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) ListBoards(_ context.Context, ownerID string) ([]BoardInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BoardInfo, 0)
	for _, info := range m.meta {
		if info.OwnerID == ownerID {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateBoard(_ context.Context, info BoardInfo) (BoardInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.meta[info.ID]; ok {
		return existing, nil
	}
	now := m.now().UTC()
	info.CreatedAt, info.UpdatedAt = now, now
	m.meta[info.ID] = info
	return info, nil
}

func (m *Memory) RenameBoard(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.meta[id]
	if !ok {
		return ErrNotFound
	}
	info.Name = name
	info.UpdatedAt = m.now().UTC()
	m.meta[id] = info
	return nil
}

func (m *Memory) DeleteBoard(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meta[id]; !ok {
		return ErrNotFound
	}
	delete(m.meta, id)
	return nil
}
