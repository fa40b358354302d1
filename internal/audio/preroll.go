package audio

import (
	"sync"
	"time"
)

// PreRollBuffer keeps the most recent window of audio captured before speech
// onset so the first syllable is not lost when a segment starts.
type PreRollBuffer struct {
	mu       sync.Mutex
	buf      []byte
	capBytes int
}

// NewPreRollBuffer 创建预录缓冲区
func NewPreRollBuffer(window time.Duration) *PreRollBuffer {
	return &PreRollBuffer{capBytes: BytesFor(window)}
}

// Append adds chunk and drops the oldest bytes beyond the window. The trim
// point stays on a sample boundary.
func (p *PreRollBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capBytes <= 0 {
		return
	}
	p.buf = append(p.buf, chunk...)
	if over := len(p.buf) - p.capBytes; over > 0 {
		if over%BytesPerSample != 0 {
			over += BytesPerSample - over%BytesPerSample
		}
		if over > len(p.buf) {
			over = len(p.buf)
		}
		p.buf = append(p.buf[:0], p.buf[over:]...)
	}
}

// Take returns the buffered audio and empties the buffer, so each window
// seeds at most one segment.
func (p *PreRollBuffer) Take() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	p.buf = p.buf[:0]
	return out
}

func (p *PreRollBuffer) Clear() {
	p.mu.Lock()
	p.buf = p.buf[:0]
	p.mu.Unlock()
}

func (p *PreRollBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *PreRollBuffer) Window() time.Duration {
	return Duration(p.capBytes)
}
