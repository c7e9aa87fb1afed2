package sandbox

import (
	"sync"
	"unicode/utf8"
)

// TruncationMarker terminates any output that hit its byte cap.
const TruncationMarker = "\n[output truncated]\n"

// BoundedBuffer collects at most limit bytes, including the truncation marker.
// Writes never fail so the writer is not disturbed by the cap.
type BoundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

// NewBoundedBuffer creates a buffer holding at most limit bytes. The limit is
// raised to the marker length when smaller.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	if limit < len(TruncationMarker) {
		limit = len(TruncationMarker)
	}
	return &BoundedBuffer{limit: limit}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return len(p), nil
	}
	room := b.limit - len(b.buf)
	if len(p) <= room {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}

	keep := b.limit - len(TruncationMarker)
	// One byte past the cut shows whether it splits a rune.
	if len(b.buf) <= keep {
		b.buf = append(b.buf, p[:keep+1-len(b.buf)]...)
	}
	keep = runeBoundary(b.buf, keep)
	b.buf = append(b.buf[:keep], TruncationMarker...)
	b.truncated = true
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (b *BoundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// Truncated reports whether output was dropped.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// boundText cuts s to at most limit bytes, marking the cut.
func boundText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit < len(TruncationMarker) {
		return TruncationMarker[:limit]
	}
	return s[:runeBoundary(s, limit-len(TruncationMarker))] + TruncationMarker
}

// runeBoundary moves a cut at n back to the start of the rune it splits.
// Bytes that are not UTF-8 are cut at n.
func runeBoundary[T string | []byte](s T, n int) int {
	if n >= len(s) {
		return n
	}
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return n
}
