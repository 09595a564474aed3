package session

import (
	"sort"
	"time"
)

// Buffer is a direction's chunks joined into one byte slice, keeping the
// arrival time of every chunk.
type Buffer struct {
	Data   []byte
	starts []int // Offset of each chunk
	seen   []time.Time
	gaps   []int // Offsets preceded by missing bytes
}

// Join concatenates chunks into a Buffer.
func Join(chunks []Chunk) *Buffer {
	b := &Buffer{}
	for _, c := range chunks {
		if len(c.Data) == 0 {
			continue
		}
		if c.Skip > 0 && len(b.Data) > 0 {
			b.gaps = append(b.gaps, len(b.Data))
		}
		b.starts = append(b.starts, len(b.Data))
		b.seen = append(b.seen, c.Seen)
		b.Data = append(b.Data, c.Data...)
	}
	return b
}

// TimeAt returns when the byte at off arrived.
func (b *Buffer) TimeAt(off int) time.Time {
	if len(b.starts) == 0 {
		return time.Time{}
	}
	i := sort.Search(len(b.starts), func(i int) bool { return b.starts[i] > off }) - 1
	if i < 0 {
		i = 0
	}
	return b.seen[i]
}

// GapWithin reports whether bytes are missing strictly inside (from, to).
func (b *Buffer) GapWithin(from, to int) bool {
	i := sort.SearchInts(b.gaps, from+1)
	return i < len(b.gaps) && b.gaps[i] < to
}
