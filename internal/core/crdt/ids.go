package crdt

import (
	"cmp"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// ReplicaID identifies one running replica. A fresh one is issued per process.
type ReplicaID string

// NewReplicaID generates a unique replica identifier
func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.NewString())
}

// OpID names one operation: the issuing replica and its per-replica sequence number.
// Sequence numbers start at 1, so the zero value never names a real operation.
type OpID struct {
	Seq     uint64    `json:"seq"`
	Replica ReplicaID `json:"replica"`
}

// IsZero reports whether id is unset
func (id OpID) IsZero() bool {
	return id.Seq == 0 && id.Replica == ""
}

// Valid reports whether id could have been issued by a Clock
func (id OpID) Valid() bool {
	return id.Seq > 0 && id.Replica != ""
}

// Compare orders ids by sequence number, then by replica.
func (id OpID) Compare(other OpID) int {
	if c := cmp.Compare(id.Seq, other.Seq); c != 0 {
		return c
	}
	return cmp.Compare(id.Replica, other.Replica)
}

func (id OpID) Less(other OpID) bool {
	return id.Compare(other) < 0
}

func (id OpID) String() string {
	return strconv.FormatUint(id.Seq, 10) + "@" + string(id.Replica)
}

// Clock issues monotonically increasing operation ids for a single replica.
type Clock struct {
	replica ReplicaID
	seq     atomic.Uint64
}

func NewClock(replica ReplicaID) *Clock {
	return &Clock{replica: replica}
}

func (c *Clock) Replica() ReplicaID {
	return c.replica
}

// Next reserves the next operation id
func (c *Clock) Next() OpID {
	return OpID{Seq: c.seq.Add(1), Replica: c.replica}
}

// Current returns the last issued sequence number
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}

// Witness raises the clock to seq so ids already in the history are not reissued
func (c *Clock) Witness(seq uint64) {
	for {
		cur := c.seq.Load()
		if seq <= cur || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Rewind gives back ids reserved for a batch that was never committed.
// Only valid while the caller serializes all calls to Next.
func (c *Clock) Rewind(to uint64) {
	c.seq.Store(to)
}
