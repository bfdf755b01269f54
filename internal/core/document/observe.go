package document

import (
	"maps"
	"slices"
	"strings"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/events/bus"
)

const pathSep = "\x00"

func pathKey(path []string) string {
	return strings.Join(path, pathSep)
}

// view is what a reader sees of one container: keys for maps, notes for lists.
// A container under a removed ancestor has an empty view.
type view struct {
	keys  []string
	notes []crdt.Note
}

func (d *Document) viewOf(path []string) view {
	switch len(path) {
	case 0:
		return view{keys: d.companies.Keys()}
	case 1:
		boards, ok := d.companies.Get(path[0])
		if !ok {
			return view{}
		}
		return view{keys: boards.Keys()}
	default:
		list, ok := d.list(path[0], path[1])
		if !ok {
			return view{}
		}
		return view{notes: list.Sequence()}
	}
}

// touched collects the containers whose view ops may change. A key operation
// also touches everything below the key, since the key's visibility gates it.
func (d *Document) touched(ops []crdt.Operation, into map[string][]string) {
	for _, op := range ops {
		into[pathKey(op.Path)] = op.Path
		switch len(op.Path) {
		case 0:
			if op.Key == "" {
				continue
			}
			companyPath := []string{op.Key}
			into[pathKey(companyPath)] = companyPath
			d.companies.Child(op.Key).Range(func(board string, _ *crdt.NoteList, _ bool) bool {
				p := crdt.Prefix(companyPath, board)
				into[pathKey(p)] = p
				return true
			})
		case 1:
			if op.Key == "" {
				continue
			}
			p := crdt.Prefix(op.Path, op.Key)
			into[pathKey(p)] = p
		}
	}
}

func (d *Document) views(paths map[string][]string) map[string]view {
	out := make(map[string]view, len(paths))
	for key, path := range paths {
		out[key] = d.viewOf(path)
	}
	return out
}

// diff turns before and after views into events. Parents come before
// children because the path keys sort that way.
func diff(paths map[string][]string, before, after map[string]view) []bus.Event {
	var events []bus.Event
	for _, key := range slices.Sorted(maps.Keys(paths)) {
		path := paths[key]
		if len(path) < 2 {
			events = append(events, diffKeys(path, before[key].keys, after[key].keys)...)
		} else {
			events = append(events, diffNotes(path, before[key].notes, after[key].notes)...)
		}
	}
	return events
}

func diffKeys(path, before, after []string) []bus.Event {
	var events []bus.Event
	for _, key := range before {
		if _, ok := slices.BinarySearch(after, key); !ok {
			events = append(events, bus.Event{Path: path, Kind: bus.KeyRemoved, Detail: bus.Detail{Key: key}})
		}
	}
	for _, key := range after {
		if _, ok := slices.BinarySearch(before, key); !ok {
			events = append(events, bus.Event{Path: path, Kind: bus.KeyAdded, Detail: bus.Detail{Key: key}})
		}
	}
	return events
}

func noteDetail(n crdt.Note, index int) bus.Detail {
	return bus.Detail{
		Position: n.Position.String(),
		Content:  n.Content,
		Author:   n.Author,
		Index:    index,
	}
}

// diffNotes reports removals at their old index, additions at their new
// index, and survivors whose order relative to the other survivors changed.
func diffNotes(path []string, before, after []crdt.Note) []bus.Event {
	oldIndex := make(map[string]int, len(before))
	for i, n := range before {
		oldIndex[n.Position.String()] = i
	}
	newIndex := make(map[string]int, len(after))
	for i, n := range after {
		newIndex[n.Position.String()] = i
	}

	var events []bus.Event
	var survivorsBefore []string
	for i, n := range before {
		key := n.Position.String()
		if _, ok := newIndex[key]; !ok {
			events = append(events, bus.Event{Path: path, Kind: bus.ElementRemoved, Detail: noteDetail(n, i)})
			continue
		}
		survivorsBefore = append(survivorsBefore, key)
	}

	rank := 0
	for i, n := range after {
		key := n.Position.String()
		from, ok := oldIndex[key]
		if !ok {
			events = append(events, bus.Event{Path: path, Kind: bus.ElementAdded, Detail: noteDetail(n, i)})
			continue
		}
		if survivorsBefore[rank] != key {
			detail := noteDetail(n, i)
			detail.From = from
			events = append(events, bus.Event{Path: path, Kind: bus.ElementReordered, Detail: detail})
		}
		rank++
	}
	return events
}

// fullState lists the whole visible tree at or below path as additions
func (d *Document) fullState(path []string) []bus.Event {
	var events []bus.Event
	for _, company := range d.companies.Keys() {
		events = append(events, bus.Event{Kind: bus.KeyAdded, Detail: bus.Detail{Key: company}})
		boards, _ := d.companies.Get(company)
		companyPath := []string{company}
		for _, board := range boards.Keys() {
			events = append(events, bus.Event{Path: companyPath, Kind: bus.KeyAdded, Detail: bus.Detail{Key: board}})
			list, _ := boards.Get(board)
			boardPath := crdt.Prefix(companyPath, board)
			for i, n := range list.Sequence() {
				events = append(events, bus.Event{Path: boardPath, Kind: bus.ElementAdded, Detail: noteDetail(n, i)})
			}
		}
	}
	if len(path) == 0 {
		return events
	}
	return slices.DeleteFunc(events, func(e bus.Event) bool { return !e.Covers(path) })
}
