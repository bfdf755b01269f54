package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionVectorCompare(t *testing.T) {
	a := VersionVector{"x": 2, "y": 1}
	b := VersionVector{"x": 1, "y": 3}

	assert.Equal(t, Concurrent, a.Compare(b))
	merged := a.Copy()
	merged.Merge(b)
	assert.Equal(t, VersionVector{"x": 2, "y": 3}, merged)
	assert.Equal(t, After, merged.Compare(a))
	assert.Equal(t, Before, b.Compare(merged))
	assert.Equal(t, Equal, merged.Compare(merged.Copy()))
}

func TestHistoryParksGaps(t *testing.T) {
	h := NewHistory()

	assert.True(t, h.Observe(OpID{Seq: 1, Replica: "x"}))
	assert.True(t, h.Observe(OpID{Seq: 3, Replica: "x"}))
	assert.Equal(t, uint64(1), h.Version().Get("x"), "seq 3 is parked above the gap")
	assert.Equal(t, uint64(3), h.Highest("x"))
	assert.True(t, h.Seen(OpID{Seq: 3, Replica: "x"}))
	assert.False(t, h.Observe(OpID{Seq: 3, Replica: "x"}), "duplicate")

	assert.True(t, h.Observe(OpID{Seq: 2, Replica: "x"}))
	assert.Equal(t, uint64(3), h.Version().Get("x"))
	assert.Empty(t, h.State().Parked)
}

func TestHistoryStateRoundTrip(t *testing.T) {
	h := NewHistory()
	h.Observe(OpID{Seq: 1, Replica: "x"})
	h.Observe(OpID{Seq: 4, Replica: "x"})

	restored := RestoreHistory(h.State())
	assert.Equal(t, h.State(), restored.State())
	assert.True(t, restored.Seen(OpID{Seq: 4, Replica: "x"}))
	assert.False(t, restored.Seen(OpID{Seq: 2, Replica: "x"}))
}

func TestClockRewind(t *testing.T) {
	c := NewClock("r")
	assert.Equal(t, OpID{Seq: 1, Replica: "r"}, c.Next())
	mark := c.Current()
	c.Next()
	c.Next()
	c.Rewind(mark)
	assert.Equal(t, uint64(2), c.Next().Seq)
}

func TestClockWitness(t *testing.T) {
	c := NewClock("r")
	c.Witness(5)
	c.Witness(3)
	assert.Equal(t, uint64(6), c.Next().Seq)
}
