package crdt

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCompare(t *testing.T) {
	a := Position{{Digit: 5, Replica: "a"}}
	b := Position{{Digit: 5, Replica: "b"}}
	ab := Position{{Digit: 5, Replica: "a"}, {Digit: 1, Replica: "z"}}

	assert.True(t, a.Less(b), "replica breaks digit ties")
	assert.True(t, a.Less(ab), "a proper prefix sorts first")
	assert.True(t, ab.Less(b))
	assert.True(t, a.Equal(Position{{Digit: 5, Replica: "a"}}))
}

func TestBetweenIsStrictlyBetween(t *testing.T) {
	cases := []struct {
		name string
		p, q Position
	}{
		{"empty list", nil, nil},
		{"before first", nil, Position{{Digit: 1, Replica: "b"}}},
		{"after last", Position{{Digit: 1<<32 - 1, Replica: "a"}}, nil},
		{"adjacent digits", Position{{Digit: 3, Replica: "a"}}, Position{{Digit: 4, Replica: "a"}}},
		{"same digit", Position{{Digit: 3, Replica: "a"}}, Position{{Digit: 3, Replica: "b"}}},
		{"prefix", Position{{Digit: 3, Replica: "a"}}, Position{{Digit: 3, Replica: "a"}, {Digit: 1, Replica: "b"}}},
		{"filler", nil, Position{{Digit: 0, Replica: "a"}, {Digit: 1, Replica: "b"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				got := Between(tc.p, tc.q, "site")
				require.NoError(t, got.Validate())
				if tc.p != nil {
					assert.True(t, tc.p.Less(got), "%s !< %s", tc.p, got)
				}
				if tc.q != nil {
					assert.True(t, got.Less(tc.q), "%s !< %s", got, tc.q)
				}
			}
		})
	}
}

func TestBetweenRepeatedInsertsStayOrdered(t *testing.T) {
	// Always inserting right after the same anchor exhausts digit space
	// quickly and forces deeper levels.
	anchor := Between(nil, nil, "a")
	succ := Between(anchor, nil, "a")
	seq := []Position{anchor, succ}
	for i := 0; i < 200; i++ {
		mid := Between(seq[0], seq[1], "b")
		seq = slices.Insert(seq, 1, mid)
	}
	assert.True(t, slices.IsSortedFunc(seq, Position.Compare))
}

func TestPositionStringRoundTrip(t *testing.T) {
	p := Position{{Digit: 0, Replica: "a"}, {Digit: 42, Replica: "b-c"}}
	parsed, err := ParsePosition(p.String())
	require.NoError(t, err)
	assert.True(t, p.Equal(parsed))

	_, err = ParsePosition("garbage")
	assert.ErrorIs(t, err, ErrInvalidReference)
}
