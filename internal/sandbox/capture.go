package sandbox

import (
	"fmt"
	"sync"
)

// Capture is a bounded copy of one output stream.
type Capture struct {
	Data      []byte `json:"data"`
	Truncated bool   `json:"truncated,omitempty"`
	// Dropped counts the bytes written past the limit.
	Dropped int64 `json:"dropped,omitempty"`
}

// String returns the captured text followed by a truncation marker when
// bytes were dropped.
func (c Capture) String() string {
	if !c.Truncated {
		return string(c.Data)
	}
	return fmt.Sprintf("%s[... %d bytes truncated]", c.Data, c.Dropped)
}

// boundedBuffer keeps the first limit bytes written to it and counts the
// rest. Writes never fail, so a chatty program is not killed by SIGPIPE.
type boundedBuffer struct {
	mu      sync.Mutex
	limit   int
	data    []byte
	dropped int64
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.data)
	if room < 0 {
		room = 0
	}
	n := len(p)
	if n > room {
		b.dropped += int64(n - room)
		n = room
	}
	b.data = append(b.data, p[:n]...)
	return len(p), nil
}

func (b *boundedBuffer) capture() Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Capture{
		Data:      append([]byte(nil), b.data...),
		Truncated: b.dropped > 0,
		Dropped:   b.dropped,
	}
}
