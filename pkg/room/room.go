// Package room hosts the live copy of each board. A Room owns one board.Document, the sessions connected to
// it, their presence, and a persister that streams ops into the store. The Manager creates rooms on first join
// and forgets them once they have been idle for the grace period.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/boardsync/pkg/board"
	"github.com/astromechza/boardsync/pkg/codec"
	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/store"
)

var (
	// ErrClosed is returned by a room that has been evicted or shut down.
	ErrClosed = errors.New("room closed")
	// ErrUnknownSession is returned for calls on behalf of a session that is not (or no longer) in the room.
	ErrUnknownSession = errors.New("unknown session")
)

type session struct {
	peer     Peer
	throttle *presence.Throttle
	// held is the newest presence update the throttle refused; flush sends it once the rate allows
	held  *presence.Entry
	flush *time.Timer
}

type Room struct {
	id      string
	manager *Manager
	store   store.Store
	opts    Options
	logger  *slog.Logger

	mu           sync.Mutex
	hydrated     bool
	closed       bool
	doc          *board.Document
	sessions     map[string]*session
	presence     *presence.Table
	persister    *persister
	sinceCompact int
	generation   uint64
	timer        *time.Timer
	stopRelay    func()
}

func newRoom(m *Manager, boardID string) *Room {
	return &Room{
		id:       boardID,
		manager:  m,
		store:    m.store,
		opts:     m.opts,
		logger:   m.opts.Logger.With("board", boardID),
		doc:      board.NewDocument(),
		sessions: make(map[string]*session),
		presence: presence.NewTable(m.opts.PresenceTTL),
	}
}

func (r *Room) ID() string {
	return r.id
}

// Join adds peer to the room, sends it a full-state message and returns that same state. The first join loads
// the board from the store; if that fails the join fails rather than serving an empty board.
func (r *Room) Join(ctx context.Context, peer Peer) (board.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return board.State{}, ErrClosed
	}
	if _, ok := r.sessions[peer.ID()]; ok {
		return board.State{}, fmt.Errorf("session %s already joined", peer.ID())
	}
	if !r.hydrated {
		if err := r.hydrateLocked(ctx); err != nil {
			if len(r.sessions) == 0 {
				r.closed = true
				r.manager.remove(r)
			}
			return board.State{}, err
		}
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.generation++
	r.sessions[peer.ID()] = &session{peer: peer, throttle: presence.NewThrottle(r.opts.PresenceRate)}
	r.logger.Info("session joined", "session", peer.ID(), "sessions", len(r.sessions))
	state := r.doc.State()
	// queued under the lock so that no op can reach the peer ahead of the state it applies to
	peer.Send(protocol.FullState(r.id, peer.ID(), state, r.presence.Snapshot()))
	return state, nil
}

// hydrateLocked subscribes to the relay before loading, so an op another instance appends while the load runs
// is either in the loaded log or delivered afterwards. Deliveries wait on the room lock until hydration ends.
func (r *Room) hydrateLocked(ctx context.Context) error {
	stop, err := r.opts.Relay.Subscribe(ctx, r.id, r.receiveRemote)
	if err != nil {
		r.logger.Warn("failed to subscribe to relay, edits from other instances arrive on reload", "err", err)
		stop = func() {}
	}
	loadCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	rec, err := r.store.Load(loadCtx, r.id)
	if err != nil {
		// a pending delivery may be waiting on our lock
		go stop()
		return fmt.Errorf("failed to load board: %w", err)
	}
	replayed, err := store.Replay(rec, r.logger)
	if err != nil {
		go stop()
		return err
	}
	r.doc = replayed.Doc
	r.sinceCompact = len(rec.Log)
	r.persister = newPersister(r.id, r.store, replayed.LastSeq, r.opts, r.logger)
	r.stopRelay = stop
	r.hydrated = true
	r.logger.Info("hydrated", "objects", r.doc.Len(), "log", len(rec.Log), "skipped", replayed.Skipped)
	return nil
}

// Submit applies an op from sessionID, relays it to every other session and instance, and queues it for
// persistence. The sender gets an ack for every op the room holds afterwards, including duplicates. Ops that do
// not change the document are neither relayed nor stored.
func (r *Room) Submit(sessionID string, op board.Op) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.sessions[sessionID]; !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	if err := r.checkSkewLocked(op); err != nil {
		r.mu.Unlock()
		return err
	}
	changed, err := r.doc.Apply(op)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.sendLocked(sessionID, protocol.Ack(sessionID, op.Key))
	if !changed {
		r.mu.Unlock()
		return nil
	}
	msg := protocol.Op(sessionID, op)
	r.broadcastLocked(sessionID, msg)
	r.persister.append(codec.EncodeOp(op))
	r.countLocked()
	r.mu.Unlock()
	r.publish(msg)
	return nil
}

// checkSkewLocked rejects ops whose counter is further ahead of the room clock than MaxClockSkew. Every later
// key is drawn above the highest counter seen, so one such op would push the whole board towards the end of
// the counter space.
func (r *Room) checkSkewLocked(op board.Op) error {
	clock := r.doc.Clock()
	if op.Key.Counter > clock && op.Key.Counter-clock > r.opts.MaxClockSkew {
		return fmt.Errorf("%w: counter %d is too far ahead of clock %d", board.ErrInvalidOp, op.Key.Counter, clock)
	}
	return nil
}

// countLocked records one more op in the shared log and compacts once the log passes the threshold.
func (r *Room) countLocked() {
	r.sinceCompact++
	if r.sinceCompact > r.opts.CompactThreshold {
		r.persister.compact(codec.EncodeState(r.doc.State()))
		r.sinceCompact = 0
	}
}

// Leave removes the session. When the last session leaves the grace timer starts.
func (r *Room) Leave(sessionID string) {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok || r.closed {
		r.mu.Unlock()
		return
	}
	r.removeLocked(sessionID)
	r.mu.Unlock()
	r.publish(protocol.Leave(sessionID))
}

// UpdatePresence records the session's presence and relays it. Updates above the presence rate are coalesced:
// only the newest is kept and it goes out as soon as the rate allows, so the final cursor position of a burst
// is never lost.
func (r *Room) UpdatePresence(sessionID string, e presence.Entry) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	e.SessionID = sessionID
	if !s.throttle.Allow() {
		s.held = &e
		if s.flush == nil {
			r.scheduleFlushLocked(sessionID, s)
		}
		r.mu.Unlock()
		return nil
	}
	s.held = nil
	msg := r.setPresenceLocked(e)
	r.mu.Unlock()
	r.publish(msg)
	return nil
}

func (r *Room) scheduleFlushLocked(sessionID string, s *session) {
	interval := time.Duration(float64(time.Second) / r.opts.PresenceRate)
	s.flush = time.AfterFunc(interval, func() {
		r.flushPresence(sessionID, s)
	})
}

func (r *Room) flushPresence(sessionID string, s *session) {
	r.mu.Lock()
	if r.closed || r.sessions[sessionID] != s {
		r.mu.Unlock()
		return
	}
	s.flush = nil
	if s.held == nil {
		r.mu.Unlock()
		return
	}
	if !s.throttle.Allow() {
		r.scheduleFlushLocked(sessionID, s)
		r.mu.Unlock()
		return
	}
	e := *s.held
	s.held = nil
	msg := r.setPresenceLocked(e)
	r.mu.Unlock()
	r.publish(msg)
}

func (r *Room) setPresenceLocked(e presence.Entry) protocol.Message {
	e = r.presence.Set(e)
	msg := protocol.Presence(e)
	r.broadcastLocked(e.SessionID, msg)
	return msg
}

// PresenceSnapshot returns the live presence entries, local and relayed.
func (r *Room) PresenceSnapshot() []presence.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.Snapshot()
}

// Flush waits for every op submitted so far to reach the store.
func (r *Room) Flush(ctx context.Context) error {
	r.mu.Lock()
	p := r.persister
	closed := r.closed
	r.mu.Unlock()
	if closed || p == nil {
		return ErrClosed
	}
	return p.flush(ctx)
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Board:        r.id,
		Sessions:     len(r.sessions),
		Objects:      r.doc.Len(),
		Clock:        r.doc.Clock(),
		SinceCompact: r.sinceCompact,
	}
	if r.persister != nil {
		s.FailedAppends = r.persister.failedAppends.Load()
	}
	return s
}

// broadcastLocked sends m to every session except the sender. Sessions that cannot keep up are dropped, and
// their departure is broadcast in turn.
func (r *Room) broadcastLocked(from string, m protocol.Message) {
	var dropped []string
	for id, s := range r.sessions {
		if id == from {
			continue
		}
		if !s.peer.Send(m) {
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		if _, ok := r.sessions[id]; !ok {
			continue
		}
		r.logger.Warn("dropping slow session", "session", id)
		r.sessions[id].peer.Close()
		r.removeLocked(id)
	}
}

// sendLocked sends m to one session and drops the session if it cannot keep up.
func (r *Room) sendLocked(sessionID string, m protocol.Message) {
	s, ok := r.sessions[sessionID]
	if !ok || s.peer.Send(m) {
		return
	}
	r.logger.Warn("dropping slow session", "session", sessionID)
	s.peer.Close()
	r.removeLocked(sessionID)
}

func (r *Room) removeLocked(sessionID string) {
	if s, ok := r.sessions[sessionID]; ok && s.flush != nil {
		s.flush.Stop()
	}
	delete(r.sessions, sessionID)
	r.presence.Remove(sessionID)
	r.logger.Info("session left", "session", sessionID, "sessions", len(r.sessions))
	r.broadcastLocked(sessionID, protocol.Leave(sessionID))
	if len(r.sessions) == 0 {
		r.generation++
		gen := r.generation
		r.timer = time.AfterFunc(r.opts.GracePeriod, func() {
			r.expire(gen)
		})
	}
}

func (r *Room) expire(gen uint64) {
	r.mu.Lock()
	if r.closed || len(r.sessions) > 0 || gen != r.generation {
		r.mu.Unlock()
		return
	}
	stop := r.shutdownLocked()
	r.mu.Unlock()
	stop()
	r.logger.Info("evicted idle room")
}

// shutdownLocked closes the room, drains the persister, writes a final snapshot if anything was appended
// since the last one and removes the room from the registry. The lock stays held throughout so that a
// concurrent join only retries once the store is up to date. The returned function stops the relay
// subscription and must be called without the lock.
func (r *Room) shutdownLocked() func() {
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	for id, s := range r.sessions {
		if s.flush != nil {
			s.flush.Stop()
		}
		s.peer.Close()
		delete(r.sessions, id)
	}
	if r.persister != nil {
		if r.sinceCompact > 0 {
			r.persister.compact(codec.EncodeState(r.doc.State()))
			r.sinceCompact = 0
		}
		r.persister.close()
	}
	r.manager.remove(r)
	if r.stopRelay == nil {
		return func() {}
	}
	return r.stopRelay
}

// receiveRemote handles ops and presence relayed from other instances. Relayed ops were logged by the instance
// that accepted them, so they are only applied and broadcast here; they still count towards compaction because
// the log they sit in is shared.
func (r *Room) receiveRemote(m protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.hydrated {
		return
	}
	switch m.Type {
	case protocol.TypeOp:
		if m.Op == nil {
			return
		}
		changed, err := r.doc.Apply(*m.Op)
		if err != nil {
			r.logger.Warn("ignoring invalid relayed op", "session", m.Session, "err", err)
			return
		}
		if changed {
			r.broadcastLocked("", m)
			r.countLocked()
		}
	case protocol.TypePresence:
		if m.Presence == nil {
			return
		}
		if _, local := r.sessions[m.Presence.SessionID]; local {
			return
		}
		e := r.presence.Set(*m.Presence)
		r.broadcastLocked("", protocol.Presence(e))
	case protocol.TypeLeave:
		if _, local := r.sessions[m.Session]; local {
			return
		}
		r.presence.Remove(m.Session)
		r.broadcastLocked("", protocol.Leave(m.Session))
	}
}

func (r *Room) publish(m protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	if err := r.opts.Relay.Publish(ctx, r.id, m); err != nil {
		r.logger.Debug("failed to relay", "type", m.Type, "err", err)
	}
}
