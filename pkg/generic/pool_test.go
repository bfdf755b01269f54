package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolResetsOnPut(t *testing.T) {
	p := NewPool(func() *[]byte {
		b := make([]byte, 0, 16)
		return &b
	}, func(b *[]byte) {
		*b = (*b)[:0]
	})

	b := p.Get()
	*b = append(*b, "hello"...)
	p.Put(b)
	assert.Empty(t, *b)

	// whatever comes back, it starts empty
	assert.Empty(t, *p.Get())
}
