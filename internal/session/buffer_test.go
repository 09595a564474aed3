package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJoin(t *testing.T) {
	base := time.Unix(1700000000, 0)
	b := Join([]Chunk{
		{Data: []byte("abc"), Seen: base},
		{Data: nil, Seen: base.Add(time.Millisecond)},
		{Data: []byte("de"), Seen: base.Add(2 * time.Millisecond)},
		{Data: []byte("fgh"), Seen: base.Add(3 * time.Millisecond), Skip: 10},
	})

	assert.Equal(t, []byte("abcdefgh"), b.Data)
	assert.Equal(t, base, b.TimeAt(0))
	assert.Equal(t, base, b.TimeAt(2))
	assert.Equal(t, base.Add(2*time.Millisecond), b.TimeAt(3))
	assert.Equal(t, base.Add(3*time.Millisecond), b.TimeAt(7))

	assert.False(t, b.GapWithin(0, 5))
	assert.True(t, b.GapWithin(4, 6))
	assert.False(t, b.GapWithin(5, 8), "a gap at the start offset is not inside")
}

func TestJoinEmpty(t *testing.T) {
	b := Join(nil)
	assert.Empty(t, b.Data)
	assert.True(t, b.TimeAt(0).IsZero())
	assert.False(t, b.GapWithin(0, 10))
}
