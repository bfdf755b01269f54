package crdt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/zhangyunhao116/skipmap"
)

type element struct {
	id      OpID
	content string
	author  string
	origin  Position
}

type deleteMark struct {
	id      OpID
	replace bool
}

type deleteSet struct {
	pos   Position
	marks []deleteMark
}

// Note is a visible NoteList element
type Note struct {
	Position Position `json:"position"`
	ID       OpID     `json:"id"`
	Content  string   `json:"content"`
	Author   string   `json:"author,omitempty"`
}

// NoteList is a sequence CRDT of note contents ordered by Position.
//
// Deletes only tombstone: the element keeps its position so later inserts can
// still anchor on it. An update is a replace-delete of the old element plus an
// insert right after it whose Origin names the old position. A plain delete
// anywhere on that origin chain hides the replacement, so an update racing a
// delete of the same note ends with the note gone.
type NoteList struct {
	elements *skipmap.FuncMap[Position, *element]
	// deletes is keyed by Position.String and may name positions whose insert
	// has not arrived yet.
	deletes map[string]*deleteSet
}

func NewNoteList() *NoteList {
	return &NoteList{
		elements: skipmap.NewFunc[Position, *element](func(a, b Position) bool {
			return a.Less(b)
		}),
		deletes: make(map[string]*deleteSet),
	}
}

func (l *NoteList) Len() int {
	return l.elements.Len()
}

func (l *NoteList) tombstoned(pos Position) bool {
	_, ok := l.deletes[pos.String()]
	return ok
}

func (l *NoteList) plainDeleted(pos Position) bool {
	set, ok := l.deletes[pos.String()]
	if !ok {
		return false
	}
	for _, mark := range set.marks {
		if !mark.replace {
			return true
		}
	}
	return false
}

func (l *NoteList) visible(pos Position, e *element) bool {
	if l.tombstoned(pos) {
		return false
	}
	origin := e.origin
	for hops := 0; origin != nil && hops <= l.elements.Len(); hops++ {
		if l.plainDeleted(origin) {
			return false
		}
		prev, ok := l.elements.Load(origin)
		if !ok {
			break
		}
		origin = prev.origin
	}
	return true
}

// Visible reports whether pos names a live note
func (l *NoteList) Visible(pos Position) bool {
	e, ok := l.elements.Load(pos)
	return ok && l.visible(pos, e)
}

// Contains reports whether pos was ever inserted, tombstoned or not
func (l *NoteList) Contains(pos Position) bool {
	_, ok := l.elements.Load(pos)
	return ok
}

// successor returns the first position after anchor, tombstones included
func (l *NoteList) successor(anchor Position) Position {
	var next Position
	l.elements.Range(func(pos Position, _ *element) bool {
		if anchor == nil || anchor.Less(pos) {
			next = pos
			return false
		}
		return true
	})
	return next
}

func (l *NoteList) last() Position {
	var tail Position
	l.elements.Range(func(pos Position, _ *element) bool {
		tail = pos
		return true
	})
	return tail
}

// Allocate picks a fresh position right after anchor (nil anchors at the start)
func (l *NoteList) Allocate(anchor Position, site ReplicaID) (Position, error) {
	if anchor != nil && !l.Contains(anchor) {
		return nil, fmt.Errorf("%w: anchor %s", ErrInvalidReference, anchor)
	}
	return Between(anchor, l.successor(anchor), site), nil
}

// AllocateEnd picks a fresh position after the last element
func (l *NoteList) AllocateEnd(site ReplicaID) Position {
	return Between(l.last(), nil, site)
}

// Insert places content right after anchor and returns its position
func (l *NoteList) Insert(anchor Position, content, author string, id OpID) (Position, error) {
	pos, err := l.Allocate(anchor, id.Replica)
	if err != nil {
		return nil, err
	}
	if err = l.applyInsert(pos, &element{id: id, content: content, author: author}); err != nil {
		return nil, err
	}
	return pos, nil
}

// Delete tombstones pos. Deleting twice is harmless.
func (l *NoteList) Delete(pos Position, id OpID) bool {
	return l.applyDelete(pos, deleteMark{id: id})
}

// Update replaces the note at pos and returns the replacement's position
func (l *NoteList) Update(pos Position, content, author string, delID, insID OpID) (Position, error) {
	if !l.Visible(pos) {
		return nil, fmt.Errorf("%w: note %s", ErrInvalidReference, pos)
	}
	next, err := l.Allocate(pos, insID.Replica)
	if err != nil {
		return nil, err
	}
	l.applyDelete(pos, deleteMark{id: delID, replace: true})
	if err = l.applyInsert(next, &element{id: insID, content: content, author: author, origin: pos}); err != nil {
		return nil, err
	}
	return next, nil
}

func (l *NoteList) applyInsert(pos Position, e *element) error {
	if existing, ok := l.elements.Load(pos); ok {
		if existing.id == e.id {
			return nil
		}
		return fmt.Errorf("%w: %s held by %s, claimed by %s", ErrPositionConflict, pos, existing.id, e.id)
	}
	if l.tombstoned(pos) {
		e.content = ""
	}
	l.elements.Store(pos, e)
	return nil
}

func (l *NoteList) applyDelete(pos Position, mark deleteMark) bool {
	key := pos.String()
	set, ok := l.deletes[key]
	if !ok {
		set = &deleteSet{pos: slices.Clone(pos)}
		l.deletes[key] = set
	}
	for _, m := range set.marks {
		if m.id == mark.id {
			return false
		}
	}
	set.marks = append(set.marks, mark)
	if e, ok := l.elements.Load(pos); ok {
		e.content = ""
	}
	return true
}

// Sequence returns the live notes in position order
func (l *NoteList) Sequence() []Note {
	var out []Note
	l.elements.Range(func(pos Position, e *element) bool {
		if l.visible(pos, e) {
			out = append(out, Note{Position: slices.Clone(pos), ID: e.id, Content: e.content, Author: e.author})
		}
		return true
	})
	return out
}

// Contents returns the live note contents in order
func (l *NoteList) Contents() []string {
	notes := l.Sequence()
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.Content
	}
	return out
}

// Merge applies a replicated insert-element or delete-element operation.
// The final state does not depend on the order operations arrive in.
func (l *NoteList) Merge(op Operation) error {
	if err := op.Position.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpInsertElement:
		return l.applyInsert(op.Position, &element{
			id:      op.ID,
			content: op.Payload,
			author:  op.Author,
			origin:  slices.Clone(op.Origin),
		})
	case OpDeleteElement:
		l.applyDelete(op.Position, deleteMark{id: op.ID, replace: op.Replace})
		return nil
	default:
		return fmt.Errorf("%w: %s on note list", ErrMalformedOperation, op.Kind)
	}
}

// Ops regenerates the insert and delete operations since does not cover
func (l *NoteList) Ops(path []string, since VersionVector) []Operation {
	var ops []Operation
	l.elements.Range(func(pos Position, e *element) bool {
		if !since.Covers(e.id) {
			ops = append(ops, Operation{
				ID:       e.id,
				Kind:     OpInsertElement,
				Path:     path,
				Position: pos,
				Origin:   e.origin,
				Payload:  e.content,
				Author:   e.author,
			})
		}
		return true
	})
	for _, key := range slices.Sorted(maps.Keys(l.deletes)) {
		set := l.deletes[key]
		for _, mark := range set.marks {
			if !since.Covers(mark.id) {
				ops = append(ops, Operation{ID: mark.id, Kind: OpDeleteElement, Path: path, Position: set.pos, Replace: mark.replace})
			}
		}
	}
	return ops
}

// ElementState is the serialized form of one element
type ElementState struct {
	Position Position `json:"position"`
	ID       OpID     `json:"id"`
	Content  string   `json:"content,omitempty"`
	Author   string   `json:"author,omitempty"`
	Origin   Position `json:"origin,omitempty"`
}

// DeleteState is the serialized form of one delete mark
type DeleteState struct {
	Position Position `json:"position"`
	ID       OpID     `json:"id"`
	Replace  bool     `json:"replace,omitempty"`
}

// ListState is the serialized form of a NoteList, tombstones included
type ListState struct {
	Elements []ElementState `json:"elements,omitempty"`
	Deletes  []DeleteState  `json:"deletes,omitempty"`
}

func (l *NoteList) State() ListState {
	var st ListState
	l.elements.Range(func(pos Position, e *element) bool {
		st.Elements = append(st.Elements, ElementState{Position: pos, ID: e.id, Content: e.content, Author: e.author, Origin: e.origin})
		return true
	})
	for _, key := range slices.Sorted(maps.Keys(l.deletes)) {
		set := l.deletes[key]
		for _, mark := range set.marks {
			st.Deletes = append(st.Deletes, DeleteState{Position: set.pos, ID: mark.id, Replace: mark.replace})
		}
	}
	return st
}

// RestoreNoteList rebuilds a list from State output
func RestoreNoteList(st ListState) (*NoteList, error) {
	l := NewNoteList()
	for _, d := range st.Deletes {
		if err := d.Position.Validate(); err != nil {
			return nil, err
		}
		l.applyDelete(d.Position, deleteMark{id: d.ID, replace: d.Replace})
	}
	for _, es := range st.Elements {
		if err := es.Position.Validate(); err != nil {
			return nil, err
		}
		err := l.applyInsert(es.Position, &element{id: es.ID, content: es.Content, author: es.Author, origin: es.Origin})
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}
