package process

import (
	"fmt"
	"sync"
)

// boundedBuffer keeps the first and last halves of a stream up to limit
// bytes in total. Writes never fail, so a chatty child is not killed by a
// broken pipe.
type boundedBuffer struct {
	mu      sync.Mutex
	limit   int
	head    []byte
	tail    []byte
	dropped int64
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		b.head = append(b.head, p...)
		return len(p), nil
	}

	headMax := b.limit / 2
	rest := p
	if room := headMax - len(b.head); room > 0 {
		n := min(room, len(rest))
		b.head = append(b.head, rest[:n]...)
		rest = rest[n:]
	}
	if len(rest) == 0 {
		return len(p), nil
	}

	tailMax := b.limit - headMax
	b.tail = append(b.tail, rest...)
	if over := len(b.tail) - tailMax; over > 0 {
		b.dropped += int64(over)
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
	return len(p), nil
}

// Truncated reports whether any output was discarded.
func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Bytes returns the retained output with a marker where bytes were dropped.
func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, len(b.head)+len(b.tail)+64)
	out = append(out, b.head...)
	if b.dropped > 0 {
		out = append(out, fmt.Sprintf("\n[... %d bytes omitted ...]\n", b.dropped)...)
	}
	return append(out, b.tail...)
}
