package replica

import (
	"context"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/events/bus"
)

func (r *Replica) AddCompany(ctx context.Context, name string) error {
	return r.doc.AddCompany(ctx, name)
}

func (r *Replica) AddBoard(ctx context.Context, company, board string) error {
	return r.doc.AddBoard(ctx, company, board)
}

// AddNote appends a note to the end of a board and returns its position
func (r *Replica) AddNote(ctx context.Context, company, board, content string) (crdt.Position, error) {
	return r.doc.AddNote(ctx, company, board, content)
}

// InsertNoteAfter places a note right after the visible note at after.
// A nil after inserts at the start of the board.
func (r *Replica) InsertNoteAfter(ctx context.Context, company, board string, after crdt.Position, content string) (crdt.Position, error) {
	return r.doc.InsertNoteAfter(ctx, company, board, after, content)
}

// UpdateNote replaces the content of a note. The note moves to a new
// position, which is returned.
func (r *Replica) UpdateNote(ctx context.Context, company, board string, pos crdt.Position, content string) (crdt.Position, error) {
	return r.doc.UpdateNote(ctx, company, board, pos, content)
}

func (r *Replica) DeleteNote(ctx context.Context, company, board string, pos crdt.Position) error {
	return r.doc.DeleteNote(ctx, company, board, pos)
}

func (r *Replica) RemoveCompany(ctx context.Context, company string) error {
	return r.doc.RemoveCompany(ctx, company)
}

func (r *Replica) RemoveBoard(ctx context.Context, company, board string) error {
	return r.doc.RemoveBoard(ctx, company, board)
}

func (r *Replica) ListCompanies() []string {
	return r.doc.Companies()
}

func (r *Replica) ListBoards(company string) ([]string, error) {
	return r.doc.Boards(company)
}

func (r *Replica) ListNotes(company, board string) ([]crdt.Note, error) {
	return r.doc.Notes(company, board)
}

// Subscribe registers handler for changes at or below path. The handler
// first receives the current state under path.
func (r *Replica) Subscribe(path []string, handler bus.Handler) (bus.Subscription, error) {
	return r.doc.Subscribe(path, handler)
}
