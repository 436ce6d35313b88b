package gateway

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/room"
)

func (s *Server) serveBoard(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]
	if !ValidBoardID(boardID) {
		writeError(w, http.StatusBadRequest, "invalid board id")
		return
	}
	identity, err := s.authenticate(r)
	if err != nil {
		s.logger.Info("rejected connection", "board", boardID, "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With("board", boardID, "session", sessionID, "user", identity.Subject)
	self := presence.Entry{SessionID: sessionID, UserName: identity.Name, Color: colorFor(sessionID)}
	p := newPeer(sessionID, conn, s.opts, logger)
	p.Send(protocol.Join(self))

	rm, _, err := s.rooms.Join(r.Context(), boardID, p)
	if err != nil {
		logger.Error("failed to join room", "err", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, room.ErrClosed) {
			code = websocket.CloseGoingAway
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, "failed to join board"),
			time.Now().Add(s.opts.WriteTimeout),
		)
		return
	}
	defer rm.Leave(sessionID)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		p.writePump()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.Close()
		s.readLoop(conn, rm, self, logger)
	}()

	wg.Wait()
	logger.Info("session closed")
}

func (s *Server) readLoop(conn *websocket.Conn, rm *room.Room, self presence.Entry, logger *slog.Logger) {
	pongWait := s.opts.PingInterval * 2
	conn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("failed to read message", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		m, err := protocol.Decode(raw)
		if err != nil {
			logger.Debug("ignoring malformed message", "err", err)
			continue
		}
		switch m.Type {
		case protocol.TypeOp:
			if err := rm.Submit(self.SessionID, *m.Op); err != nil {
				logger.Debug("ignoring op", "kind", m.Op.Kind, "id", m.Op.ID, "err", err)
			}
		case protocol.TypePresence:
			e := *m.Presence
			if e.UserName == "" {
				e.UserName = self.UserName
			}
			if e.Color == "" {
				e.Color = self.Color
			}
			if err := rm.UpdatePresence(self.SessionID, e); err != nil {
				logger.Debug("ignoring presence", "err", err)
			}
		default:
		}
	}
}

func colorFor(sessionID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return presence.ColorFor(int(h.Sum32()))
}

// peer adapts a websocket connection to room.Peer. Messages are queued and written by writePump.
type peer struct {
	id     string
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger
	out    chan protocol.Message
	done   chan struct{}
	once   sync.Once
}

var _ room.Peer = (*peer)(nil)

func newPeer(id string, conn *websocket.Conn, opts Options, logger *slog.Logger) *peer {
	return &peer{
		id:     id,
		conn:   conn,
		opts:   opts,
		logger: logger,
		out:    make(chan protocol.Message, opts.SendQueue),
		done:   make(chan struct{}),
	}
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) Send(m protocol.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- m:
		return true
	default:
		return false
	}
}

func (p *peer) Close() {
	p.once.Do(func() {
		close(p.done)
	})
}

func (p *peer) writePump() {
	t := time.NewTicker(p.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case m := <-p.out:
			raw, err := protocol.Encode(m)
			if err != nil {
				p.logger.Error("failed to encode message", "type", m.Type, "err", err)
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				p.logger.Warn("failed to write message", "err", err)
				return
			}
		case <-t.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.opts.WriteTimeout)); err != nil {
				p.logger.Warn("failed to ping", "err", err)
				return
			}
		case <-p.done:
			_ = p.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.opts.WriteTimeout),
			)
			return
		}
	}
}
