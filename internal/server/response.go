package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/document"
	"github.com/zeusync/notesync/internal/core/observability/log"
	notesync "github.com/zeusync/notesync/internal/core/sync"
)

const contentTypeJSON = "application/json"

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

type NamesResponse struct {
	Names []string `json:"names"`
}

type NoteResponse struct {
	Position string    `json:"position"`
	ID       crdt.OpID `json:"id"`
	Content  string    `json:"content"`
	Author   string    `json:"author,omitempty"`
}

type NotesResponse struct {
	Notes []NoteResponse `json:"notes"`
}

type PositionResponse struct {
	Position string `json:"position"`
}

type StatusResponse struct {
	Replica  crdt.ReplicaID         `json:"replica"`
	Version  crdt.VersionVector     `json:"version"`
	Sessions []notesync.SessionInfo `json:"sessions"`
}

// NameRequest adds a company or a board
type NameRequest struct {
	Name string `json:"name"`
}

// NoteRequest adds or updates a note. After is only read when adding: an
// empty After appends, "start" inserts first, anything else is the position
// of the note to insert after.
type NoteRequest struct {
	Content string  `json:"content"`
	After   *string `json:"after,omitempty"`
}

func newNotesResponse(notes []crdt.Note) NotesResponse {
	out := NotesResponse{Notes: make([]NoteResponse, len(notes))}
	for i, n := range notes {
		out.Notes[i] = NoteResponse{
			Position: n.Position.String(),
			ID:       n.ID,
			Content:  n.Content,
			Author:   n.Author,
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", log.Error(err))
	}
}

// writeError maps domain errors onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, crdt.ErrInvalidReference):
		status = http.StatusNotFound
	case errors.Is(err, document.ErrEmptyName), errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, document.ErrOperationTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, document.ErrStorageFailure):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", log.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
