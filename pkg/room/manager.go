package room

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/store"
)

// Manager is the registry of loaded rooms.
type Manager struct {
	store store.Store
	opts  Options

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewManager(s store.Store, opts Options) *Manager {
	return &Manager{
		store: s,
		opts:  opts.withDefaults(),
		rooms: make(map[string]*Room),
	}
}

// Join attaches peer to the room for boardID, creating and hydrating the room if needed.
func (m *Manager) Join(ctx context.Context, boardID string, peer Peer) (*Room, board.State, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, board.State{}, ErrClosed
		}
		r, ok := m.rooms[boardID]
		if !ok {
			r = newRoom(m, boardID)
			m.rooms[boardID] = r
		}
		m.mu.Unlock()

		state, err := r.Join(ctx, peer)
		if errors.Is(err, ErrClosed) {
			// lost a race with eviction, the next iteration finds or creates a fresh room
			if err := ctx.Err(); err != nil {
				return nil, board.State{}, err
			}
			continue
		}
		if err != nil {
			return nil, board.State{}, err
		}
		return r, state, nil
	}
}

// Lookup returns the loaded room for boardID, if any.
func (m *Manager) Lookup(boardID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[boardID]
	return r, ok
}

// Rooms returns the loaded rooms sorted by board id.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}

// Close disconnects every session and flushes every room to the store. Joins after Close fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, r := range m.Rooms() {
			wg.Add(1)
			go func(r *Room) {
				defer wg.Done()
				r.mu.Lock()
				if r.closed {
					r.mu.Unlock()
					return
				}
				stop := r.shutdownLocked()
				r.mu.Unlock()
				stop()
				r.logger.Info("flushed room on shutdown")
			}(r)
		}
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// remove drops r from the registry unless the board has already been taken over by a newer room.
func (m *Manager) remove(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
}
