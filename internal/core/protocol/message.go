package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/notesync/internal/core/crdt"
)

// MessageType tells the two sync messages apart
type MessageType string

const (
	// MessageHello announces the sender's replica id and version vector.
	MessageHello MessageType = "hello"
	// MessageOps carries operations the receiver's last hello did not cover.
	MessageOps MessageType = "ops"
)

// Message is the single record exchanged by sync sessions
type Message struct {
	Type    MessageType        `json:"type"`
	Replica crdt.ReplicaID     `json:"replica"`
	Version crdt.VersionVector `json:"version,omitempty"`
	Ops     []crdt.Operation   `json:"ops,omitempty"`
}

// NewHello creates a hello for replica at version
func NewHello(replica crdt.ReplicaID, version crdt.VersionVector) *Message {
	return &Message{Type: MessageHello, Replica: replica, Version: version}
}

// NewOps creates an ops message
func NewOps(replica crdt.ReplicaID, ops []crdt.Operation) *Message {
	return &Message{Type: MessageOps, Replica: replica, Ops: ops}
}

// Validate checks the envelope. Individual operations are validated by the
// document when they are merged.
func (m *Message) Validate() error {
	if m.Replica == "" {
		return fmt.Errorf("%w: missing replica", ErrInvalidMessage)
	}
	switch m.Type {
	case MessageHello, MessageOps:
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, m.Type)
	}
}

// Codec converts messages to and from frame payloads
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// JSONCodec implements the Codec interface using the JSON format.
type JSONCodec struct{}

// Encode converts a Message into a JSON byte slice.
func (c JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode converts a JSON byte slice back into a validated Message.
func (c JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
