package document

import (
	"context"
	"fmt"

	"github.com/zeusync/notesync/internal/core/crdt"
)

func checkName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

func (d *Document) boardsOf(company string) (*Boards, error) {
	boards, ok := d.companies.Get(company)
	if !ok {
		return nil, fmt.Errorf("%w: company %q", crdt.ErrInvalidReference, company)
	}
	return boards, nil
}

func (d *Document) listOf(company, board string) (*crdt.NoteList, error) {
	boards, err := d.boardsOf(company)
	if err != nil {
		return nil, err
	}
	list, ok := boards.Get(board)
	if !ok {
		return nil, fmt.Errorf("%w: board %q/%q", crdt.ErrInvalidReference, company, board)
	}
	return list, nil
}

func (d *Document) visibleNote(list *crdt.NoteList, company, board string, pos crdt.Position) error {
	if !list.Visible(pos) {
		return fmt.Errorf("%w: note %s in %q/%q", crdt.ErrInvalidReference, pos, company, board)
	}
	return nil
}

// AddCompany makes name live. Adding a company that is already live records
// another add, which keeps it alive against concurrent removes.
func (d *Document) AddCompany(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return d.commit(ctx, func() ([]crdt.Operation, error) {
		return []crdt.Operation{{ID: d.clock.Next(), Kind: crdt.OpAddKey, Key: name}}, nil
	})
}

// AddBoard adds board name under a live company
func (d *Document) AddBoard(ctx context.Context, company, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return d.commit(ctx, func() ([]crdt.Operation, error) {
		if _, err := d.boardsOf(company); err != nil {
			return nil, err
		}
		return []crdt.Operation{{ID: d.clock.Next(), Kind: crdt.OpAddKey, Path: []string{company}, Key: name}}, nil
	})
}

// AddNote appends content to the end of a board and returns its position
func (d *Document) AddNote(ctx context.Context, company, board, content string) (crdt.Position, error) {
	var pos crdt.Position
	err := d.commit(ctx, func() ([]crdt.Operation, error) {
		list, err := d.listOf(company, board)
		if err != nil {
			return nil, err
		}
		pos = list.AllocateEnd(d.clock.Replica())
		return []crdt.Operation{d.insertOp(company, board, pos, nil, content)}, nil
	})
	return pos, err
}

// InsertNoteAfter places content right after the visible note at after, or
// at the start of the board when after is nil.
func (d *Document) InsertNoteAfter(ctx context.Context, company, board string, after crdt.Position, content string) (crdt.Position, error) {
	var pos crdt.Position
	err := d.commit(ctx, func() ([]crdt.Operation, error) {
		list, err := d.listOf(company, board)
		if err != nil {
			return nil, err
		}
		if after != nil {
			if err = d.visibleNote(list, company, board, after); err != nil {
				return nil, err
			}
		}
		if pos, err = list.Allocate(after, d.clock.Replica()); err != nil {
			return nil, err
		}
		return []crdt.Operation{d.insertOp(company, board, pos, nil, content)}, nil
	})
	return pos, err
}

// UpdateNote replaces the content of a visible note. The note gets a new
// position right after the old one, which is returned.
func (d *Document) UpdateNote(ctx context.Context, company, board string, pos crdt.Position, content string) (crdt.Position, error) {
	var next crdt.Position
	err := d.commit(ctx, func() ([]crdt.Operation, error) {
		list, err := d.listOf(company, board)
		if err != nil {
			return nil, err
		}
		if err = d.visibleNote(list, company, board, pos); err != nil {
			return nil, err
		}
		if next, err = list.Allocate(pos, d.clock.Replica()); err != nil {
			return nil, err
		}
		return []crdt.Operation{
			{ID: d.clock.Next(), Kind: crdt.OpDeleteElement, Path: []string{company, board}, Position: pos, Replace: true},
			d.insertOp(company, board, next, pos, content),
		}, nil
	})
	return next, err
}

// DeleteNote removes a visible note. It wins over any concurrent update of it.
func (d *Document) DeleteNote(ctx context.Context, company, board string, pos crdt.Position) error {
	return d.commit(ctx, func() ([]crdt.Operation, error) {
		list, err := d.listOf(company, board)
		if err != nil {
			return nil, err
		}
		if err = d.visibleNote(list, company, board, pos); err != nil {
			return nil, err
		}
		return []crdt.Operation{d.deleteOp(company, board, pos)}, nil
	})
}

// RemoveBoard deletes every live note of the board, then the board itself
func (d *Document) RemoveBoard(ctx context.Context, company, board string) error {
	return d.commit(ctx, func() ([]crdt.Operation, error) {
		boards, err := d.boardsOf(company)
		if err != nil {
			return nil, err
		}
		list, ok := boards.Get(board)
		if !ok {
			return nil, fmt.Errorf("%w: board %q/%q", crdt.ErrInvalidReference, company, board)
		}
		ops := d.clearList(company, board, list)
		return append(ops, d.removeOp([]string{company}, board, boards.LiveTags(board))), nil
	})
}

// RemoveCompany cascades over the company's live boards and notes. Content a
// peer adds concurrently survives inside the hidden company and reappears if
// the company is added again.
func (d *Document) RemoveCompany(ctx context.Context, name string) error {
	return d.commit(ctx, func() ([]crdt.Operation, error) {
		boards, err := d.boardsOf(name)
		if err != nil {
			return nil, err
		}
		var ops []crdt.Operation
		for _, board := range boards.Keys() {
			list, _ := boards.Get(board)
			ops = append(ops, d.clearList(name, board, list)...)
			ops = append(ops, d.removeOp([]string{name}, board, boards.LiveTags(board)))
		}
		return append(ops, d.removeOp(nil, name, d.companies.LiveTags(name))), nil
	})
}

func (d *Document) clearList(company, board string, list *crdt.NoteList) []crdt.Operation {
	notes := list.Sequence()
	ops := make([]crdt.Operation, 0, len(notes))
	for _, n := range notes {
		ops = append(ops, d.deleteOp(company, board, n.Position))
	}
	return ops
}

func (d *Document) insertOp(company, board string, pos, origin crdt.Position, content string) crdt.Operation {
	return crdt.Operation{
		ID:       d.clock.Next(),
		Kind:     crdt.OpInsertElement,
		Path:     []string{company, board},
		Position: pos,
		Origin:   origin,
		Payload:  content,
		Author:   d.author,
	}
}

func (d *Document) deleteOp(company, board string, pos crdt.Position) crdt.Operation {
	return crdt.Operation{ID: d.clock.Next(), Kind: crdt.OpDeleteElement, Path: []string{company, board}, Position: pos}
}

func (d *Document) removeOp(path []string, key string, tags []crdt.OpID) crdt.Operation {
	return crdt.Operation{ID: d.clock.Next(), Kind: crdt.OpRemoveKey, Path: path, Key: key, Tags: tags}
}

// Companies lists the live companies in name order
func (d *Document) Companies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.companies.Keys()
}

// Boards lists the live boards of a live company in name order
func (d *Document) Boards(company string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	boards, err := d.boardsOf(company)
	if err != nil {
		return nil, err
	}
	return boards.Keys(), nil
}

// Notes lists the visible notes of a board in position order
func (d *Document) Notes(company, board string) ([]crdt.Note, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list, err := d.listOf(company, board)
	if err != nil {
		return nil, err
	}
	return list.Sequence(), nil
}
