// Package gateway terminates client connections. It validates the board id, authenticates the caller, upgrades
// to a websocket and attaches the connection to the board's room. It also serves the board metadata API.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/boardsync/pkg/auth"
	"github.com/astromechza/boardsync/pkg/room"
	"github.com/astromechza/boardsync/pkg/store"
)

var boardIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidBoardID reports whether id may name a board.
func ValidBoardID(id string) bool {
	return boardIDPattern.MatchString(id)
}

type Options struct {
	// Verifier authenticates callers. When nil every caller is accepted as auth.Anonymous.
	Verifier auth.Verifier
	// Boards backs the metadata API. When nil the /api/boards routes are not served.
	Boards store.Boards

	SendQueue       int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Server struct {
	rooms    *room.Manager
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(rooms *room.Manager, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		rooms:  rooms,
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the full HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/ws/{board}").HandlerFunc(s.serveBoard)
	r.Methods(http.MethodGet).Path("/api/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/api/rooms").HandlerFunc(s.listRooms)
	if s.opts.Boards != nil {
		r.Methods(http.MethodGet).Path("/api/boards").HandlerFunc(s.listBoards)
		r.Methods(http.MethodPost).Path("/api/boards").HandlerFunc(s.createBoard)
		r.Methods(http.MethodPatch).Path("/api/boards/{id}").HandlerFunc(s.renameBoard)
		r.Methods(http.MethodDelete).Path("/api/boards/{id}").HandlerFunc(s.deleteBoard)
	}
	return cors(r)
}

// cors allows any origin to call the API. It wraps the router so that preflight requests are answered even for
// routes that do not accept OPTIONS.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	if s.opts.Verifier == nil {
		return auth.Anonymous, nil
	}
	return s.opts.Verifier.Verify(r.Context(), auth.TokenFromRequest(r))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": len(s.rooms.Rooms())})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rooms := s.rooms.Rooms()
	out := make([]room.Stats, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, rm.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
