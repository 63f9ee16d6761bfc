package command

import "sync"

// truncatingBuffer is an io.Writer which keeps the first limit bytes written
// to it and silently drops the rest. Writes always report success so that a
// full buffer never makes the child process fail on a broken pipe.
type truncatingBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTruncatingBuffer(limit int) *truncatingBuffer {
	return &truncatingBuffer{limit: limit}
}

func (b *truncatingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - len(b.buf)
	if remaining < len(p) {
		b.truncated = true
		if remaining < 0 {
			remaining = 0
		}
		b.buf = append(b.buf, p[:remaining]...)
	} else {
		b.buf = append(b.buf, p...)
	}

	return len(p), nil
}

func (b *truncatingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *truncatingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return string(b.buf) + " [truncated]"
	}
	return string(b.buf)
}
