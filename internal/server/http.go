package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/zeusync/notesync/internal/core/crdt"
)

const maxBodyBytes = 1 << 20

// param returns an unescaped URL parameter
func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func positionParam(r *http.Request) (crdt.Position, error) {
	return crdt.ParsePosition(param(r, "position"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Replica:  s.replica.ID(),
		Version:  s.replica.Version(),
		Sessions: s.replica.Sessions(),
	})
}

func (s *Server) handleListCompanies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NamesResponse{Names: s.replica.ListCompanies()})
}

func (s *Server) handleAddCompany(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.replica.AddCompany(r.Context(), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRemoveCompany(w http.ResponseWriter, r *http.Request) {
	if err := s.replica.RemoveCompany(r.Context(), param(r, "company")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := s.replica.ListBoards(param(r, "company"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NamesResponse{Names: boards})
}

func (s *Server) handleAddBoard(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.replica.AddBoard(r.Context(), param(r, "company"), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRemoveBoard(w http.ResponseWriter, r *http.Request) {
	if err := s.replica.RemoveBoard(r.Context(), param(r, "company"), param(r, "board")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.replica.ListNotes(param(r, "company"), param(r, "board"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newNotesResponse(notes))
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	company, board := param(r, "company"), param(r, "board")

	var (
		pos crdt.Position
		err error
	)
	switch {
	case req.After == nil || *req.After == "":
		pos, err = s.replica.AddNote(r.Context(), company, board, req.Content)
	case *req.After == "start":
		pos, err = s.replica.InsertNoteAfter(r.Context(), company, board, nil, req.Content)
	default:
		var after crdt.Position
		if after, err = crdt.ParsePosition(*req.After); err == nil {
			pos, err = s.replica.InsertNoteAfter(r.Context(), company, board, after, req.Content)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, PositionResponse{Position: pos.String()})
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	pos, err := positionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req NoteRequest
	if err = decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	next, err := s.replica.UpdateNote(r.Context(), param(r, "company"), param(r, "board"), pos, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PositionResponse{Position: next.String()})
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	pos, err := positionParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err = s.replica.DeleteNote(r.Context(), param(r, "company"), param(r, "board"), pos); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
