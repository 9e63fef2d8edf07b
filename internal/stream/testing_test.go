package stream

import (
	"bytes"
	"sync"
)

// lockedBuffer serialises writes from the producer goroutine and reads from
// the test goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
