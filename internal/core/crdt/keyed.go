package crdt

import (
	"fmt"
	"maps"
	"slices"
)

type removal struct {
	id   OpID
	tags []OpID
}

type entry[V any] struct {
	value    V
	adds     map[OpID]struct{}
	removals map[OpID]removal
	removed  map[OpID]struct{}
}

func newEntry[V any](value V) *entry[V] {
	return &entry[V]{
		value:    value,
		adds:     make(map[OpID]struct{}),
		removals: make(map[OpID]removal),
		removed:  make(map[OpID]struct{}),
	}
}

func (e *entry[V]) live() bool {
	for tag := range e.adds {
		if _, gone := e.removed[tag]; !gone {
			return true
		}
	}
	return false
}

func (e *entry[V]) liveTags() []OpID {
	tags := make([]OpID, 0, len(e.adds))
	for tag := range e.adds {
		if _, gone := e.removed[tag]; !gone {
			tags = append(tags, tag)
		}
	}
	slices.SortFunc(tags, OpID.Compare)
	return tags
}

// KeyedContainer is an observed-remove map from string keys to child containers.
//
// Each add contributes a tag; a remove covers only the tags its issuer had
// observed, so an add concurrent with a remove survives it (add-wins). The child
// value is created once per key and shared by every add of that key, which makes
// the same key added independently on two replicas collapse into one container.
type KeyedContainer[V any] struct {
	entries  map[string]*entry[V]
	newValue func(key string) V
}

func NewKeyedContainer[V any](newValue func(key string) V) *KeyedContainer[V] {
	return &KeyedContainer[V]{
		entries:  make(map[string]*entry[V]),
		newValue: newValue,
	}
}

func (c *KeyedContainer[V]) ensure(key string) *entry[V] {
	e, ok := c.entries[key]
	if !ok {
		e = newEntry(c.newValue(key))
		c.entries[key] = e
	}
	return e
}

// Child returns the value stored under key, creating a hidden entry if needed.
// Remote operations for nested containers land here even when the add that
// makes the key visible has not arrived yet.
func (c *KeyedContainer[V]) Child(key string) V {
	return c.ensure(key).value
}

// Get returns the value for a live key
func (c *KeyedContainer[V]) Get(key string) (V, bool) {
	e, ok := c.entries[key]
	if !ok || !e.live() {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *KeyedContainer[V]) Live(key string) bool {
	e, ok := c.entries[key]
	return ok && e.live()
}

// Keys returns the live keys, sorted for deterministic output
func (c *KeyedContainer[V]) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if e.live() {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Range visits every entry, live or not, in key order
func (c *KeyedContainer[V]) Range(fn func(key string, value V, live bool) bool) {
	for _, key := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[key]
		if !fn(key, e.value, e.live()) {
			return
		}
	}
}

// Put records an add of key tagged with id and returns the child value.
// Replaying an id already recorded is a no-op.
func (c *KeyedContainer[V]) Put(key string, id OpID) V {
	e := c.ensure(key)
	e.adds[id] = struct{}{}
	return e.value
}

// LiveTags returns the add tags a local remove of key has to cover.
// It is empty when the key is absent or already removed.
func (c *KeyedContainer[V]) LiveTags(key string) []OpID {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	return e.liveTags()
}

// Remove tombstones key under id, covering every tag currently live.
// The covered tags are returned; nil means there was nothing to remove.
func (c *KeyedContainer[V]) Remove(key string, id OpID) []OpID {
	tags := c.LiveTags(key)
	if len(tags) == 0 {
		return nil
	}
	c.applyRemove(key, id, tags)
	return tags
}

func (c *KeyedContainer[V]) applyRemove(key string, id OpID, tags []OpID) bool {
	e := c.ensure(key)
	if _, ok := e.removals[id]; ok {
		return false
	}
	e.removals[id] = removal{id: id, tags: slices.Clone(tags)}
	for _, tag := range tags {
		e.removed[tag] = struct{}{}
	}
	return true
}

// Merge applies a replicated add-key or remove-key operation. Adds and
// removes commute and are idempotent, so arrival order does not matter.
func (c *KeyedContainer[V]) Merge(op Operation) error {
	if op.Key == "" || !op.ID.Valid() {
		return fmt.Errorf("%w: keyed merge of %s", ErrMalformedOperation, op.ID)
	}
	switch op.Kind {
	case OpAddKey:
		c.Put(op.Key, op.ID)
	case OpRemoveKey:
		c.applyRemove(op.Key, op.ID, op.Tags)
	default:
		return fmt.Errorf("%w: %s on keyed container", ErrMalformedOperation, op.Kind)
	}
	return nil
}

// Ops regenerates the add and remove operations of this container that
// since does not cover. Together with the children's ops this is the full
// history a lagging peer needs.
func (c *KeyedContainer[V]) Ops(path []string, since VersionVector) []Operation {
	var ops []Operation
	for _, key := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[key]
		for tag := range e.adds {
			if since.Covers(tag) {
				continue
			}
			ops = append(ops, Operation{ID: tag, Kind: OpAddKey, Path: path, Key: key})
		}
		for id, r := range e.removals {
			if since.Covers(id) {
				continue
			}
			ops = append(ops, Operation{ID: id, Kind: OpRemoveKey, Path: path, Key: key, Tags: slices.Clone(r.tags)})
		}
	}
	return ops
}

// Removal is the serialized form of a remove-key operation
type Removal struct {
	ID   OpID   `json:"id"`
	Tags []OpID `json:"tags"`
}

// EntryState is the serialized form of one key, live or not
type EntryState[S any] struct {
	Key      string    `json:"key"`
	Adds     []OpID    `json:"adds,omitempty"`
	Removals []Removal `json:"removals,omitempty"`
	Value    S         `json:"value"`
}

// State serializes every entry, converting child values with fn
func State[V, S any](c *KeyedContainer[V], fn func(V) S) []EntryState[S] {
	out := make([]EntryState[S], 0, len(c.entries))
	for _, key := range slices.Sorted(maps.Keys(c.entries)) {
		e := c.entries[key]
		st := EntryState[S]{Key: key, Value: fn(e.value)}
		for tag := range e.adds {
			st.Adds = append(st.Adds, tag)
		}
		slices.SortFunc(st.Adds, OpID.Compare)
		for _, r := range e.removals {
			st.Removals = append(st.Removals, Removal{ID: r.id, Tags: slices.Clone(r.tags)})
		}
		slices.SortFunc(st.Removals, func(a, b Removal) int { return a.ID.Compare(b.ID) })
		out = append(out, st)
	}
	return out
}

// RestoreKeyed rebuilds a container from State output
func RestoreKeyed[V, S any](states []EntryState[S], newValue func(key string) V, fn func(key string, st S) (V, error)) (*KeyedContainer[V], error) {
	c := NewKeyedContainer(newValue)
	for _, st := range states {
		if st.Key == "" {
			return nil, fmt.Errorf("%w: entry without key", ErrMalformedOperation)
		}
		value, err := fn(st.Key, st.Value)
		if err != nil {
			return nil, fmt.Errorf("restore %q: %w", st.Key, err)
		}
		e := newEntry(value)
		for _, tag := range st.Adds {
			e.adds[tag] = struct{}{}
		}
		c.entries[st.Key] = e
		for _, r := range st.Removals {
			c.applyRemove(st.Key, r.ID, r.Tags)
		}
	}
	return c, nil
}
