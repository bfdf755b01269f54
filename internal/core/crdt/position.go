package crdt

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	maxDigit = math.MaxUint32
	// boundary caps how far past the lower neighbour a new digit may land,
	// leaving room for later inserts at the same spot.
	boundary = 1 << 16
)

// Ident is one level of a Position: a digit disambiguated by the allocating replica.
type Ident struct {
	Digit   uint32    `json:"d"`
	Replica ReplicaID `json:"r"`
}

func (i Ident) Compare(other Ident) int {
	if c := cmp.Compare(i.Digit, other.Digit); c != 0 {
		return c
	}
	return cmp.Compare(i.Replica, other.Replica)
}

// Position is a dense, totally ordered identifier for a NoteList element.
// Positions compare lexicographically by Ident; a proper prefix sorts first.
type Position []Ident

func (p Position) Compare(other Position) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := p[i].Compare(other[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(p), len(other))
}

func (p Position) Less(other Position) bool {
	return p.Compare(other) < 0
}

func (p Position) Equal(other Position) bool {
	return p.Compare(other) == 0
}

// String renders the position as "digit:replica" idents joined by dots.
// The form is stable and is used as a map key and as an external handle.
func (p Position) String() string {
	var sb strings.Builder
	for i, id := range p {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.FormatUint(uint64(id.Digit), 10))
		sb.WriteByte(':')
		sb.WriteString(string(id.Replica))
	}
	return sb.String()
}

// Validate checks the structural rules every position obeys
func (p Position) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty position", ErrMalformedOperation)
	}
	for _, id := range p {
		if id.Replica == "" || strings.ContainsAny(string(id.Replica), ".:") {
			return fmt.Errorf("%w: bad replica in position %q", ErrMalformedOperation, p.String())
		}
	}
	if p[len(p)-1].Digit == 0 {
		return fmt.Errorf("%w: position %q ends in a filler digit", ErrMalformedOperation, p.String())
	}
	return nil
}

// ParsePosition is the inverse of Position.String
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty position", ErrInvalidReference)
	}
	parts := strings.Split(s, ".")
	out := make(Position, 0, len(parts))
	for _, part := range parts {
		digit, replica, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: position %q", ErrInvalidReference, s)
		}
		d, err := strconv.ParseUint(digit, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: position %q: %w", ErrInvalidReference, s, err)
		}
		out = append(out, Ident{Digit: uint32(d), Replica: ReplicaID(replica)})
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	return out, nil
}

// Between allocates a position strictly between p and q for site.
// A nil p means the start of the list and a nil q means its end. p must sort before q.
//
// Final digits are always >= 1; digit 0 only appears as a filler on inner
// levels, which keeps a filler below every allocated ident at the same depth.
func Between(p, q Position, site ReplicaID) Position {
	out := make(Position, 0, max(len(p), len(q))+1)
	pBound, qBound := true, q != nil

	for i := 0; ; i++ {
		var lo, hi uint64 = 0, maxDigit + 1
		if pBound && i < len(p) {
			lo = uint64(p[i].Digit)
		}
		if qBound && i < len(q) {
			hi = uint64(q[i].Digit)
		}

		if hi > lo+1 {
			step := min(hi-lo-1, boundary)
			digit := lo + 1 + rand.Uint64N(step)
			return append(out, Ident{Digit: uint32(digit), Replica: site})
		}

		switch {
		case pBound && i < len(p):
			out = append(out, p[i])
			if !qBound || i >= len(q) || p[i] != q[i] {
				qBound = false
			}
		case qBound && i < len(q) && hi == 0:
			out = append(out, q[i])
			pBound = false
		default:
			out = append(out, Ident{Digit: 0, Replica: site})
			pBound, qBound = false, false
		}
	}
}
