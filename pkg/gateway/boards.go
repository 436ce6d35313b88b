package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/astromechza/boardsync/pkg/auth"
	"github.com/astromechza/boardsync/pkg/store"
)

const defaultBoardName = "Untitled Board"

type createBoardRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"userId"`
}

type renameBoardRequest struct {
	Name string `json:"name"`
}

// owner picks the owner id for a metadata request: the verified subject when auth is configured, otherwise the
// id the caller supplied.
func (s *Server) owner(identity auth.Identity, supplied string) string {
	if s.opts.Verifier != nil {
		return identity.Subject
	}
	if supplied != "" {
		return supplied
	}
	return auth.Anonymous.Subject
}

func (s *Server) listBoards(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	boards, err := s.opts.Boards.ListBoards(r.Context(), s.owner(identity, r.URL.Query().Get("userId")))
	if err != nil {
		s.logger.Error("failed to list boards", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list boards")
		return
	}
	writeJSON(w, http.StatusOK, boards)
}

func (s *Server) createBoard(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ID == "" {
		if req.ID, err = gonanoid.New(12); err != nil {
			s.logger.Error("failed to generate board id", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to create board")
			return
		}
	} else if !ValidBoardID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid board id")
		return
	}
	if req.Name = strings.TrimSpace(req.Name); req.Name == "" {
		req.Name = defaultBoardName
	}
	info, err := s.opts.Boards.CreateBoard(r.Context(), store.BoardInfo{
		ID:      req.ID,
		Name:    req.Name,
		OwnerID: s.owner(identity, req.UserID),
	})
	if err != nil {
		s.logger.Error("failed to create board", "board", req.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create board")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) renameBoard(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req renameBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name = strings.TrimSpace(req.Name); req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.opts.Boards.RenameBoard(r.Context(), id, req.Name); err != nil {
		s.metadataError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteBoard(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.opts.Boards.DeleteBoard(r.Context(), id); err != nil {
		s.metadataError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) metadataError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "board not found")
		return
	}
	s.logger.Error("failed to update board", "board", id, "err", err)
	writeError(w, http.StatusInternalServerError, "failed to update board")
}
