package crdt

import (
	"cmp"
	"fmt"
	"slices"
)

// OpKind enumerates the four operation kinds carried on the wire and in the log
type OpKind uint8

const (
	OpAddKey OpKind = iota + 1
	OpRemoveKey
	OpInsertElement
	OpDeleteElement
)

func (k OpKind) String() string {
	switch k {
	case OpAddKey:
		return "add-key"
	case OpRemoveKey:
		return "remove-key"
	case OpInsertElement:
		return "insert-element"
	case OpDeleteElement:
		return "delete-element"
	default:
		return "unknown"
	}
}

func (k OpKind) MarshalText() ([]byte, error) {
	if k < OpAddKey || k > OpDeleteElement {
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedOperation, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *OpKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "add-key":
		*k = OpAddKey
	case "remove-key":
		*k = OpRemoveKey
	case "insert-element":
		*k = OpInsertElement
	case "delete-element":
		*k = OpDeleteElement
	default:
		return fmt.Errorf("%w: kind %q", ErrMalformedOperation, text)
	}
	return nil
}

// Operation is the unit of replication. Path selects the container:
// nil for the companies map, [company] for a boards map and [company, board]
// for a note list.
type Operation struct {
	ID       OpID     `json:"id"`
	Kind     OpKind   `json:"kind"`
	Path     []string `json:"path,omitempty"`
	Key      string   `json:"key,omitempty"`
	Position Position `json:"position,omitempty"`
	// Origin is the position an update superseded.
	Origin Position `json:"origin,omitempty"`
	// Tags are the add ids a remove-key observed.
	Tags []OpID `json:"tags,omitempty"`
	// Replace marks the delete half of an update.
	Replace bool   `json:"replace,omitempty"`
	Payload string `json:"payload,omitempty"`
	Author  string `json:"author,omitempty"`
}

// Validate rejects operations that no replica could have produced
func (op Operation) Validate() error {
	if !op.ID.Valid() {
		return fmt.Errorf("%w: bad id %s", ErrMalformedOperation, op.ID)
	}
	for _, part := range op.Path {
		if part == "" {
			return fmt.Errorf("%w: empty path segment in %s", ErrMalformedOperation, op.ID)
		}
	}

	switch op.Kind {
	case OpAddKey, OpRemoveKey:
		if len(op.Path) > 1 {
			return fmt.Errorf("%w: %s on path depth %d", ErrMalformedOperation, op.Kind, len(op.Path))
		}
		if op.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrMalformedOperation, op.Kind)
		}
		if op.Kind == OpRemoveKey {
			for _, tag := range op.Tags {
				if !tag.Valid() {
					return fmt.Errorf("%w: bad tag in %s", ErrMalformedOperation, op.ID)
				}
			}
		}
	case OpInsertElement, OpDeleteElement:
		if len(op.Path) != 2 {
			return fmt.Errorf("%w: %s on path depth %d", ErrMalformedOperation, op.Kind, len(op.Path))
		}
		if err := op.Position.Validate(); err != nil {
			return err
		}
		if op.Origin != nil {
			if err := op.Origin.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedOperation, uint8(op.Kind))
	}
	return nil
}

// SortOperations orders ops by replica, then sequence number, so a receiver
// can advance its history contiguously.
func SortOperations(ops []Operation) {
	slices.SortFunc(ops, func(a, b Operation) int {
		if c := cmp.Compare(a.ID.Replica, b.ID.Replica); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.Seq, b.ID.Seq)
	})
}

// Prefix returns a copy of path with key appended
func Prefix(path []string, key string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}
