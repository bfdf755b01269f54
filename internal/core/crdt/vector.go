package crdt

import (
	"maps"
	"slices"
)

// Relation describes how two version vectors relate causally
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VersionVector maps a replica to the highest contiguous sequence number
// incorporated from it.
type VersionVector map[ReplicaID]uint64

func NewVersionVector() VersionVector {
	return make(VersionVector)
}

func (v VersionVector) Get(replica ReplicaID) uint64 {
	return v[replica]
}

// Covers reports whether the operation is already reflected in v
func (v VersionVector) Covers(id OpID) bool {
	return id.Seq <= v[id.Replica]
}

// Advance raises the counter for id.Replica to id.Seq if it is higher.
func (v VersionVector) Advance(id OpID) {
	if id.Seq > v[id.Replica] {
		v[id.Replica] = id.Seq
	}
}

// Merge takes the pointwise maximum of v and other into v
func (v VersionVector) Merge(other VersionVector) {
	for replica, seq := range other {
		if seq > v[replica] {
			v[replica] = seq
		}
	}
}

func (v VersionVector) Copy() VersionVector {
	out := make(VersionVector, len(v))
	maps.Copy(out, v)
	return out
}

// Dominates reports whether v has seen everything other has seen
func (v VersionVector) Dominates(other VersionVector) bool {
	for replica, seq := range other {
		if v[replica] < seq {
			return false
		}
	}
	return true
}

func (v VersionVector) Compare(other VersionVector) Relation {
	vd, od := v.Dominates(other), other.Dominates(v)
	switch {
	case vd && od:
		return Equal
	case vd:
		return After
	case od:
		return Before
	default:
		return Concurrent
	}
}

// Replicas returns the known replica ids in sorted order
func (v VersionVector) Replicas() []ReplicaID {
	return slices.Sorted(maps.Keys(v))
}

// HistoryState is the serialized form of a History
type HistoryState struct {
	Version VersionVector          `json:"version"`
	Parked  map[ReplicaID][]uint64 `json:"parked,omitempty"`
}

// History tracks which operations a replica has incorporated. Operations
// that arrive above a gap are parked until the gap closes, so Version only
// ever advertises a contiguous prefix per replica.
type History struct {
	version VersionVector
	parked  map[ReplicaID]map[uint64]struct{}
}

func NewHistory() *History {
	return &History{
		version: NewVersionVector(),
		parked:  make(map[ReplicaID]map[uint64]struct{}),
	}
}

// RestoreHistory rebuilds a History from its serialized form
func RestoreHistory(state HistoryState) *History {
	h := NewHistory()
	if state.Version != nil {
		h.version = state.Version.Copy()
	}
	for replica, seqs := range state.Parked {
		for _, seq := range seqs {
			h.Observe(OpID{Seq: seq, Replica: replica})
		}
	}
	return h
}

// Seen reports whether id was already incorporated
func (h *History) Seen(id OpID) bool {
	if h.version.Covers(id) {
		return true
	}
	_, ok := h.parked[id.Replica][id.Seq]
	return ok
}

// Observe records id and reports whether it was new.
func (h *History) Observe(id OpID) bool {
	if h.Seen(id) {
		return false
	}

	next := h.version[id.Replica] + 1
	if id.Seq != next {
		if h.parked[id.Replica] == nil {
			h.parked[id.Replica] = make(map[uint64]struct{})
		}
		h.parked[id.Replica][id.Seq] = struct{}{}
		return true
	}

	h.version[id.Replica] = id.Seq
	pending := h.parked[id.Replica]
	for {
		if _, ok := pending[h.version[id.Replica]+1]; !ok {
			break
		}
		h.version[id.Replica]++
		delete(pending, h.version[id.Replica])
	}
	if len(pending) == 0 {
		delete(h.parked, id.Replica)
	}
	return true
}

// Highest returns the largest sequence number seen from replica, parked ones included
func (h *History) Highest(replica ReplicaID) uint64 {
	highest := h.version[replica]
	for seq := range h.parked[replica] {
		highest = max(highest, seq)
	}
	return highest
}

// Version returns a copy of the contiguous version vector
func (h *History) Version() VersionVector {
	return h.version.Copy()
}

func (h *History) State() HistoryState {
	state := HistoryState{Version: h.version.Copy()}
	if len(h.parked) > 0 {
		state.Parked = make(map[ReplicaID][]uint64, len(h.parked))
		for replica, seqs := range h.parked {
			state.Parked[replica] = slices.Sorted(maps.Keys(seqs))
		}
	}
	return state
}
