// Package buffer implements the ordered byte buffer described in spec.md §3,
// used both for wire I/O inside the codec and as the inter-filter body data
// type passed through the filter manager (spec.md §4.2). Grounded on the
// buffer-for-retry idiom of caddyhttp/proxy/body.go's bufferedBody, extended
// with the drain-from-front / prepend / zero-copy-peek operations spec.md's
// dispatch contract (§4.1.1) requires.
package buffer

// Buffer is an ordered sequence of bytes with efficient append and
// drain-from-front. It is not safe for concurrent use.
type Buffer struct {
	data []byte
	off  int // read offset into data; bytes before off are already drained
}

// New returns an empty Buffer.
func New() *Buffer { return &Buffer{} }

// FromBytes returns a Buffer owning a copy of b.
func FromBytes(b []byte) *Buffer {
	buf := &Buffer{data: make([]byte, len(b))}
	copy(buf.data, b)
	return buf
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.off }

// Append adds p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.compact()
	b.data = append(b.data, p...)
}

// Prepend inserts p at the front of the buffer, ahead of any unread bytes.
// Used when a filter hands back part of a slice it didn't consume.
func (b *Buffer) Prepend(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.off >= len(p) {
		// Room to write into the already-drained prefix; avoids a copy of
		// the remaining unread tail.
		b.off -= len(p)
		copy(b.data[b.off:], p)
		return
	}
	merged := make([]byte, 0, len(p)+b.Len())
	merged = append(merged, p...)
	merged = append(merged, b.data[b.off:]...)
	b.data = merged
	b.off = 0
}

// Peek returns a zero-copy view of up to the first n unread bytes (fewer if
// the buffer holds less). The returned slice is invalidated by any
// subsequent mutating call.
func (b *Buffer) Peek(n int) []byte {
	avail := b.Len()
	if n > avail || n < 0 {
		n = avail
	}
	return b.data[b.off : b.off+n]
}

// PeekAll returns a zero-copy view of every unread byte, the single
// contiguous "iovec" slice spec.md §4.1.1's dispatch loop peeks per
// iteration.
func (b *Buffer) PeekAll() []byte { return b.Peek(b.Len()) }

// Drain discards the first n unread bytes.
func (b *Buffer) Drain(n int) {
	if n <= 0 {
		return
	}
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
	if b.off == len(b.data) {
		b.data = b.data[:0]
		b.off = 0
	}
}

// DrainAll empties the buffer.
func (b *Buffer) DrainAll() { b.Drain(b.Len()) }

// Bytes returns a zero-copy view of every unread byte. Alias of PeekAll,
// named for call sites that read the whole buffer rather than "peek" part
// of it.
func (b *Buffer) Bytes() []byte { return b.PeekAll() }

// Move transfers every unread byte from src into b and empties src.
func (b *Buffer) Move(src *Buffer) {
	if src == nil || src.Len() == 0 {
		return
	}
	b.Append(src.Bytes())
	src.DrainAll()
}

// Reset empties the buffer, retaining its backing array.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
}

func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	n := copy(b.data, b.data[b.off:])
	b.data = b.data[:n]
	b.off = 0
}
