package job

import (
	"bytes"
	"sync"
)

// outputBuffer accumulates a stream written by the pipe drainer while the
// owning job may read it from another goroutine. With a positive limit only
// the most recent limit bytes are kept.
type outputBuffer struct {
	limit int
	// headLimit > 0 also keeps the start of the stream up to and including
	// the first blank line, so a header block survives truncation.
	headLimit int

	mu       sync.Mutex
	total    int64
	contents []byte
	head     []byte
	headDone bool
	headOK   bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

// keepPreamble enables header block capture of at most n bytes. It must be
// called before the first Write.
func (b *outputBuffer) keepPreamble(n int) {
	b.headLimit = n
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.headLimit > 0 && !b.headDone {
		b.captureHead(p)
	}
	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if b.limit > 0 && len(b.contents) > b.limit {
		// Copy so the dropped prefix can be collected.
		b.contents = append([]byte(nil), b.contents[len(b.contents)-b.limit:]...)
	}
	return len(p), nil
}

func (b *outputBuffer) captureHead(p []byte) {
	sep := []byte(headerBlockSep)
	// The separator may straddle two writes.
	from := max(len(b.head)-len(sep)+1, 0)
	b.head = append(b.head, p[:min(len(p), b.headLimit-len(b.head))]...)
	if i := bytes.Index(b.head[from:], sep); i >= 0 {
		b.head = b.head[:from+i+len(sep)]
		b.headDone, b.headOK = true, true
		return
	}
	if len(b.head) >= b.headLimit {
		b.head = nil
		b.headDone = true
	}
}

// Preamble returns the captured header block and the kept contents that
// follow it. ok is false when capture is off or no blank line was seen
// within the capture limit.
func (b *outputBuffer) Preamble() (head, rest string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.headOK {
		return "", string(b.contents), false
	}
	rest = string(b.contents)
	tailStart := b.total - int64(len(b.contents))
	if end := int64(len(b.head)); tailStart < end {
		rest = rest[end-tailStart:]
	}
	return string(b.head), rest, true
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.contents)
}

func (b *outputBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}
