package pipe

import (
	"github.com/bytedance/gopkg/lang/mcache"
)

// byteQueue reassembles drained transfers into one ordered byte sequence.
//
// Each chunk is a copy of one completed transfer. skip is the number of
// bytes already consumed from chunks[0]; queued is the number of unread
// bytes, so queued == sum(len(chunks[i])) - skip. skip < len(chunks[0])
// whenever the queue is non-empty.
type byteQueue struct {
	chunks [][]byte
	skip   int
	queued int
}

// push appends a copy of p. Empty transfers add nothing.
func (q *byteQueue) push(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := mcache.Malloc(len(p))
	copy(chunk, p)
	q.chunks = append(q.chunks, chunk)
	q.queued += len(p)
}

// len returns the number of unread bytes.
func (q *byteQueue) len() int {
	return q.queued
}

// peek copies up to len(dst) unread bytes into dst without consuming them.
func (q *byteQueue) peek(dst []byte) int {
	copied := 0
	skip := q.skip
	for _, chunk := range q.chunks {
		if copied == len(dst) {
			break
		}
		copied += copy(dst[copied:], chunk[skip:])
		skip = 0
	}
	return copied
}

// discard consumes n bytes, releasing chunks that become fully read. The
// caller guarantees n <= q.len().
func (q *byteQueue) discard(n int) {
	for n > 0 {
		front := q.chunks[0]
		available := len(front) - q.skip
		if n < available {
			q.skip += n
			q.queued -= n
			return
		}
		n -= available
		q.queued -= available
		q.skip = 0
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		mcache.Free(front)
	}
}

// read copies and consumes up to len(dst) bytes.
func (q *byteQueue) read(dst []byte) int {
	n := q.peek(dst)
	q.discard(n)
	return n
}

// reset drops every chunk.
func (q *byteQueue) reset() {
	for i, chunk := range q.chunks {
		mcache.Free(chunk)
		q.chunks[i] = nil
	}
	q.chunks = nil
	q.skip = 0
	q.queued = 0
}
