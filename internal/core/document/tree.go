package document

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/notesync/internal/core/crdt"
)

// Boards is the map of board names to note lists inside one company
type Boards = crdt.KeyedContainer[*crdt.NoteList]

// Companies is the document root
type Companies = crdt.KeyedContainer[*Boards]

func newNoteList(string) *crdt.NoteList {
	return crdt.NewNoteList()
}

func newBoards(string) *Boards {
	return crdt.NewKeyedContainer(newNoteList)
}

func newCompanies() *Companies {
	return crdt.NewKeyedContainer(newBoards)
}

type boardsState = []crdt.EntryState[crdt.ListState]

type treeState struct {
	Companies []crdt.EntryState[boardsState] `json:"companies"`
}

func encodeTree(companies *Companies) (json.RawMessage, error) {
	st := treeState{
		Companies: crdt.State(companies, func(b *Boards) boardsState {
			return crdt.State(b, (*crdt.NoteList).State)
		}),
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode tree: %w", err)
	}
	return data, nil
}

func decodeTree(data json.RawMessage) (*Companies, error) {
	var st treeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return crdt.RestoreKeyed(st.Companies, newBoards, func(_ string, bs boardsState) (*Boards, error) {
		return crdt.RestoreKeyed(bs, newNoteList, func(_ string, ls crdt.ListState) (*crdt.NoteList, error) {
			return crdt.RestoreNoteList(ls)
		})
	})
}

// apply routes op to the container its path names. Missing containers are
// created hidden so an operation can land before the add that reveals it.
func apply(companies *Companies, op crdt.Operation) error {
	switch len(op.Path) {
	case 0:
		return companies.Merge(op)
	case 1:
		return companies.Child(op.Path[0]).Merge(op)
	case 2:
		return companies.Child(op.Path[0]).Child(op.Path[1]).Merge(op)
	default:
		return fmt.Errorf("%w: path depth %d", crdt.ErrMalformedOperation, len(op.Path))
	}
}

// opsSince regenerates every operation in the tree that since does not cover
func opsSince(companies *Companies, since crdt.VersionVector) []crdt.Operation {
	ops := companies.Ops(nil, since)
	companies.Range(func(company string, boards *Boards, _ bool) bool {
		companyPath := []string{company}
		ops = append(ops, boards.Ops(companyPath, since)...)
		boards.Range(func(board string, list *crdt.NoteList, _ bool) bool {
			ops = append(ops, list.Ops(crdt.Prefix(companyPath, board), since)...)
			return true
		})
		return true
	})
	crdt.SortOperations(ops)
	return ops
}
